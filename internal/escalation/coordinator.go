// Package escalation holds a caller's unanswerable question while a human
// supplies the answer.
package escalation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/frontdesk/internal/storage"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxWait      = 60 * time.Second

	answerPrefix    = "Great news! "
	timeoutMessage  = "I've noted your question. Our team will call you back with the answer shortly. May I have your phone number?"
	fallbackMessage = "I've noted your question. Our team will follow up with you soon."
)

// State is a step of one escalation.
type State int

const (
	StateAsked State = iota
	StateWaiting
	StateAnswered
	StateTimedOut
	// StateAbandoned means the call ended while waiting. The record stays
	// pending for out-of-band delivery.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateAsked:
		return "asked"
	case StateWaiting:
		return "waiting"
	case StateAnswered:
		return "answered"
	case StateTimedOut:
		return "timed_out"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Outcome is what the call session gets back. Message is always safe to
// speak to the caller.
type Outcome struct {
	State   State  `json:"state"`
	Answer  string `json:"answer,omitempty"`
	Message string `json:"message"`
}

// Store is the subset of the record store the coordinator uses.
type Store interface {
	Insert(ctx context.Context, question, callerPhone string) (storage.InsertResult, error)
	PeekAnswer(ctx context.Context, question string) (string, bool, error)
	MarkAnswered(ctx context.Context, question string, delivered bool) (bool, error)
	MarkDelivered(ctx context.Context, question string) (bool, error)
}

// Kicker requests an immediate notification sweep without waiting for it.
type Kicker interface {
	Kick()
}

// Observer receives state transitions. Used for metrics.
type Observer interface {
	Transition(from, to State)
}

// Options configures a Coordinator. Zero values take defaults.
type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Kicker       Kicker
	Observer     Observer
	Logger       *slog.Logger
}

// Coordinator runs one independent wait loop per Resolve call.
type Coordinator struct {
	store    Store
	poll     time.Duration
	maxWait  time.Duration
	kicker   Kicker
	observer Observer
	logger   *slog.Logger

	// gate is read-held from Insert until the wait is counted, so Hold
	// never observes a recorded question that is not yet waiting.
	gate   sync.RWMutex
	active atomic.Int64
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(store Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:    store,
		poll:     opts.PollInterval,
		maxWait:  opts.MaxWait,
		kicker:   opts.Kicker,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
	if c.poll <= 0 {
		c.poll = defaultPollInterval
	}
	if c.maxWait <= 0 {
		c.maxWait = defaultMaxWait
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// ActiveWaits returns the number of escalations currently waiting.
func (c *Coordinator) ActiveWaits() int {
	return int(c.active.Load())
}

// Hold stops new escalations from registering until release is called.
// Escalations already waiting are unaffected.
func (c *Coordinator) Hold() (release func()) {
	c.gate.Lock()
	return c.gate.Unlock
}

// Resolve records question, then waits up to the configured bound for a
// human answer. Cancelling ctx (the call ended) stops the wait but leaves
// the record in place. Resolve never fails; store errors degrade to a
// fallback message.
func (c *Coordinator) Resolve(ctx context.Context, question, callerPhone string) Outcome {
	question = strings.TrimSpace(question)
	logger := c.logger.With("escalation_id", uuid.New().String(), "question", question)

	if question == "" {
		return Outcome{State: StateTimedOut, Message: fallbackMessage}
	}

	c.gate.RLock()
	res, err := c.store.Insert(ctx, question, callerPhone)
	if err != nil {
		c.gate.RUnlock()
		logger.Error("recording question failed", "error", err)
		return Outcome{State: StateTimedOut, Message: fallbackMessage}
	}
	c.active.Add(1)
	c.gate.RUnlock()
	defer c.active.Add(-1)
	logger.Info("question escalated", "caller_phone", callerPhone, "new", res == storage.Created)

	c.transition(StateAsked, StateWaiting)

	answer, state := c.wait(ctx, logger, question)
	switch state {
	case StateAnswered:
		c.transition(StateWaiting, StateAnswered)
		c.settle(logger, question)
		return Outcome{State: StateAnswered, Answer: answer, Message: answerPrefix + answer}
	case StateAbandoned:
		c.transition(StateWaiting, StateAbandoned)
		logger.Info("call ended while waiting; answer will follow out of band")
		return Outcome{State: StateAbandoned, Message: timeoutMessage}
	default:
		c.transition(StateWaiting, StateTimedOut)
		logger.Warn("timed out waiting for answer", "max_wait", c.maxWait)
		return Outcome{State: StateTimedOut, Message: timeoutMessage}
	}
}

// wait polls until an answer appears, the bound elapses or ctx ends.
func (c *Coordinator) wait(ctx context.Context, logger *slog.Logger, question string) (string, State) {
	deadline := time.NewTimer(c.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		answer, ok, err := c.store.PeekAnswer(ctx, question)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("polling for answer failed", "error", err)
		case ok:
			logger.Info("answer found")
			return answer, StateAnswered
		}

		select {
		case <-ctx.Done():
			return "", StateAbandoned
		case <-deadline.C:
			return "", StateTimedOut
		case <-ticker.C:
		}
	}
}

// settle records the live delivery. The caller hears the answer now, so the
// record is claimed as delivered and the dispatcher is asked to sweep.
// A detached context is used so a call hanging up right after hearing the
// answer still gets its record settled.
func (c *Coordinator) settle(logger *slog.Logger, question string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fresh, err := c.store.MarkAnswered(ctx, question, false)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("marking question answered failed", "error", err)
		}
		return
	}
	claimed, err := c.store.MarkDelivered(ctx, question)
	if err != nil {
		logger.Error("marking live delivery failed", "error", err)
	}
	logger.Debug("answer delivered in call", "first_delivery", claimed)

	if fresh && c.kicker != nil {
		c.kicker.Kick()
	}
}

func (c *Coordinator) transition(from, to State) {
	if c.observer != nil {
		c.observer.Transition(from, to)
	}
}
