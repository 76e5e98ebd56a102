// Package notify delivers human answers to callers who are no longer on the
// line.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/frontdesk/internal/storage"
)

const (
	messageFormat = "Your question has been answered!\n\nQ: %s\nA: %s\n\nThank you for your patience!"

	// sweepTimeout bounds a shared sweep once no caller is waiting on it.
	sweepTimeout = 2 * time.Minute
)

// Store is the subset of the record store the dispatcher uses.
type Store interface {
	Answered(ctx context.Context, filter storage.AnsweredFilter) ([]storage.QuestionRecord, error)
	MarkDelivered(ctx context.Context, question string) (bool, error)
	IsDelivered(ctx context.Context, question string) (bool, error)
}

// Notifier sends a text message to a phone number.
type Notifier interface {
	Send(ctx context.Context, phone, message string) error
}

// Observer is told the result of every send attempt.
type Observer interface {
	Notified(err error)
}

// Dispatcher sends undelivered answers and marks them delivered.
type Dispatcher struct {
	store    Store
	notifier Notifier
	observer Observer
	logger   *slog.Logger

	group singleflight.Group
	kick  chan struct{}
}

// NewDispatcher creates a Dispatcher. observer may be nil.
func NewDispatcher(store Store, notifier Notifier, observer Observer) *Dispatcher {
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		observer: observer,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
	}
}

// Message renders the text sent to a caller.
func Message(question, answer string) string {
	return fmt.Sprintf(messageFormat, question, answer)
}

// Run performs one sweep and returns how many notifications were sent.
// Concurrent calls share a single sweep. The sweep does not inherit ctx's
// cancellation, so one caller giving up does not fail the others; that
// caller just stops waiting.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	ch := d.group.DoChan("run", func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepTimeout)
		defer cancel()
		return d.sweep(sctx)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

func (d *Dispatcher) sweep(ctx context.Context) (int, error) {
	undelivered := false
	records, err := d.store.Answered(ctx, storage.AnsweredFilter{Delivered: &undelivered})
	if err != nil {
		return 0, fmt.Errorf("listing undelivered answers: %w", err)
	}

	sent := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		phone := dialable(rec.CallerPhone)
		if phone == "" {
			continue
		}
		// A live call may have claimed the record since the listing.
		delivered, err := d.store.IsDelivered(ctx, rec.Question)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && delivered) {
			continue
		}
		if err != nil {
			d.logger.Warn("checking delivery state failed, will retry", "question", rec.Question, "error", err)
			continue
		}

		err = d.notifier.Send(ctx, phone, Message(rec.Question, rec.Answer))
		if d.observer != nil {
			d.observer.Notified(err)
		}
		if err != nil {
			d.logger.Warn("notification failed, will retry", "question", rec.Question, "phone", phone, "error", err)
			continue
		}

		flipped, err := d.store.MarkDelivered(ctx, rec.Question)
		if err != nil {
			d.logger.Error("failed to mark notification delivered", "question", rec.Question, "error", err)
			continue
		}
		if flipped {
			sent++
			d.logger.Info("caller notified", "question", rec.Question, "phone", phone)
		}
	}
	return sent, nil
}

// Kick requests a sweep without blocking. Requests made while one is
// already queued are merged.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Loop serves Kick requests until ctx is cancelled.
func (d *Dispatcher) Loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		}
		if _, err := d.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("notification sweep failed", "error", err)
		}
	}
}

// dialable returns phone with a leading plus, or "" when there is no usable
// number.
func dialable(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || phone == storage.UnknownPhone {
		return ""
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}
