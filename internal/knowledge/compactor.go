// Package knowledge folds answered questions into the receptionist's
// long-term knowledge.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/frontdesk/internal/storage"
)

// ErrBusy is returned when compaction is attempted while escalations are
// still waiting on answers.
var ErrBusy = errors.New("escalations in flight")

// Records is the subset of the record store the compactor uses.
type Records interface {
	Answered(ctx context.Context, filter storage.AnsweredFilter) ([]storage.QuestionRecord, error)
	DeleteAnswered(ctx context.Context, questions []string) (int, error)
}

// Store is the long-term knowledge destination.
type Store interface {
	AppendKnowledge(ctx context.Context, question, answer string) error
	LearnedKnowledge(ctx context.Context) ([]storage.KnowledgeEntry, error)
}

// WaitCounter reports in-flight escalations. Hold keeps new ones from
// registering while a pass runs.
type WaitCounter interface {
	ActiveWaits() int
	Hold() (release func())
}

// Compactor moves answered records into the knowledge store.
type Compactor struct {
	records Records
	store   Store
	waits   WaitCounter
	logger  *slog.Logger

	mu sync.Mutex
}

// NewCompactor creates a Compactor. waits may be nil when no coordinator
// runs in this process.
func NewCompactor(records Records, store Store, waits WaitCounter) *Compactor {
	return &Compactor{
		records: records,
		store:   store,
		waits:   waits,
		logger:  slog.Default(),
	}
}

// Compact archives every answered record and prunes exactly those records
// from the record store. Records answered after the snapshot stay for the
// next pass. Returns the number archived.
func (c *Compactor) Compact(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.waits != nil {
		release := c.waits.Hold()
		defer release()
		if c.waits.ActiveWaits() > 0 {
			return 0, ErrBusy
		}
	}

	answered, err := c.records.Answered(ctx, storage.AnsweredFilter{})
	if err != nil {
		return 0, fmt.Errorf("listing answered questions: %w", err)
	}
	if len(answered) == 0 {
		return 0, nil
	}

	archived := make([]string, 0, len(answered))
	for _, rec := range answered {
		if err := c.store.AppendKnowledge(ctx, rec.Question, rec.Answer); err != nil {
			// Prune what made it so the next pass does not duplicate it.
			c.prune(ctx, archived)
			return len(archived), fmt.Errorf("archiving %q: %w", rec.Question, err)
		}
		archived = append(archived, rec.Question)
	}

	if err := c.prune(ctx, archived); err != nil {
		return len(archived), err
	}
	c.logger.Info("knowledge compacted", "archived", len(archived))
	return len(archived), nil
}

func (c *Compactor) prune(ctx context.Context, questions []string) error {
	if len(questions) == 0 {
		return nil
	}
	n, err := c.records.DeleteAnswered(ctx, questions)
	if err != nil {
		return fmt.Errorf("pruning archived questions: %w", err)
	}
	if n != len(questions) {
		c.logger.Warn("some archived questions were already gone", "archived", len(questions), "pruned", n)
	}
	return nil
}
