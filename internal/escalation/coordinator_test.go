package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/storage"
)

type countingKicker struct {
	kicks atomic.Int32
}

func (k *countingKicker) Kick() { k.kicks.Add(1) }

// flakyStore wraps a real store and lets tests inject failures.
type flakyStore struct {
	*storage.Store
	insertErr error
	onInsert  func()
	peekFails atomic.Int32
	flips     atomic.Int32
}

func (f *flakyStore) Insert(ctx context.Context, q, phone string) (storage.InsertResult, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	res, err := f.Store.Insert(ctx, q, phone)
	if f.onInsert != nil {
		f.onInsert()
	}
	return res, err
}

func (f *flakyStore) PeekAnswer(ctx context.Context, q string) (string, bool, error) {
	if f.peekFails.Load() > 0 {
		f.peekFails.Add(-1)
		return "", false, errors.New("disk on fire")
	}
	return f.Store.PeekAnswer(ctx, q)
}

func (f *flakyStore) MarkDelivered(ctx context.Context, q string) (bool, error) {
	ok, err := f.Store.MarkDelivered(ctx, q)
	if ok {
		f.flips.Add(1)
	}
	return ok, err
}

type recordingObserver struct {
	mu    sync.Mutex
	steps []State
}

func (o *recordingObserver) Transition(_, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, to)
}

func openTestStore(t *testing.T) *flakyStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &flakyStore{Store: s}
}

func answerAfter(t *testing.T, s storage.RecordStore, d time.Duration, question, answer string) {
	t.Helper()
	go func() {
		time.Sleep(d)
		if err := s.SetAnswer(context.Background(), question, answer); err != nil {
			t.Errorf("SetAnswer: %v", err)
		}
	}()
}

func TestResolve_AnsweredWhileWaiting(t *testing.T) {
	store := openTestStore(t)
	kicker := &countingKicker{}
	obs := &recordingObserver{}
	c := NewCoordinator(store, Options{
		PollInterval: 20 * time.Millisecond,
		MaxWait:      2 * time.Second,
		Kicker:       kicker,
		Observer:     obs,
	})

	const q = "Do you do eyebrow threading?"
	answerAfter(t, store, 60*time.Millisecond, q, "Yes, ₹150")

	start := time.Now()
	out := c.Resolve(context.Background(), q, "+919876543210")
	elapsed := time.Since(start)

	if out.State != StateAnswered {
		t.Fatalf("State = %v, want answered", out.State)
	}
	if out.Message != "Great news! Yes, ₹150" {
		t.Errorf("Message = %q", out.Message)
	}
	// Observed within one poll interval of the answer landing.
	if elapsed > 60*time.Millisecond+20*time.Millisecond+100*time.Millisecond {
		t.Errorf("answer observed after %v, expected within one poll interval", elapsed)
	}

	delivered, err := store.Answered(context.Background(), storage.AnsweredFilter{Delivered: ptr(false)})
	if err != nil {
		t.Fatalf("Answered: %v", err)
	}
	if len(delivered) != 0 {
		t.Errorf("record still awaiting out-of-band delivery after live answer: %+v", delivered)
	}
	if kicker.kicks.Load() != 1 {
		t.Errorf("dispatcher kicked %d times, want 1", kicker.kicks.Load())
	}
	if c.ActiveWaits() != 0 {
		t.Errorf("ActiveWaits = %d after return", c.ActiveWaits())
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.steps) != 2 || obs.steps[0] != StateWaiting || obs.steps[1] != StateAnswered {
		t.Errorf("transitions = %v, want [waiting answered]", obs.steps)
	}
}

func TestResolve_TimeoutLeavesPending(t *testing.T) {
	store := openTestStore(t)
	c := NewCoordinator(store, Options{PollInterval: 5 * time.Millisecond, MaxWait: 40 * time.Millisecond})

	out := c.Resolve(context.Background(), "Can I bring my dog?", "+15550001111")

	if out.State != StateTimedOut {
		t.Fatalf("State = %v, want timed_out", out.State)
	}
	if out.Message != timeoutMessage {
		t.Errorf("Message = %q, want timeout fallback", out.Message)
	}
	pending, err := store.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Question != "Can I bring my dog?" {
		t.Errorf("Pending = %+v, want the question left pending", pending)
	}
}

func TestResolve_CallEndedStopsWaiting(t *testing.T) {
	store := openTestStore(t)
	c := NewCoordinator(store, Options{PollInterval: 5 * time.Millisecond, MaxWait: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- c.Resolve(ctx, "Do you sell shampoo?", "+15550002222") }()

	time.Sleep(30 * time.Millisecond)
	if c.ActiveWaits() != 1 {
		t.Errorf("ActiveWaits = %d while waiting, want 1", c.ActiveWaits())
	}
	cancel()

	select {
	case out := <-done:
		if out.State != StateAbandoned {
			t.Errorf("State = %v, want abandoned", out.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Resolve did not return after cancellation")
	}

	if c.ActiveWaits() != 0 {
		t.Errorf("ActiveWaits = %d after cancel", c.ActiveWaits())
	}
	ok, err := store.Exists(context.Background(), "Do you sell shampoo?")
	if err != nil || !ok {
		t.Errorf("record removed by cancellation (exists=%v err=%v)", ok, err)
	}
}

func TestResolve_SharedQuestionFlipsOnce(t *testing.T) {
	store := openTestStore(t)
	c := NewCoordinator(store, Options{PollInterval: 10 * time.Millisecond, MaxWait: 2 * time.Second, Kicker: &countingKicker{}})

	const q = "Is there a student discount?"
	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, phone := range []string{"+15550000001", "+15550000002"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = c.Resolve(context.Background(), q, phone)
		}()
	}
	answerAfter(t, store, 50*time.Millisecond, q, "10% with ID")
	wg.Wait()

	for i, out := range outcomes {
		if out.State != StateAnswered || out.Answer != "10% with ID" {
			t.Errorf("waiter %d got %+v, want the answer", i, out)
		}
	}
	if n := store.flips.Load(); n != 1 {
		t.Errorf("delivered flag flipped %d times, want 1", n)
	}
	st, _ := store.Stats(context.Background())
	if st.Total != 1 {
		t.Errorf("Total = %d, want a single shared record", st.Total)
	}
}

func TestResolve_AlreadyAnswered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.Insert(ctx, "Do you do nails?", "+1")
	store.SetAnswer(ctx, "Do you do nails?", "Yes")

	c := NewCoordinator(store, Options{PollInterval: time.Hour, MaxWait: time.Hour})
	out := c.Resolve(ctx, "do you do NAILS?", "+2")
	if out.State != StateAnswered || out.Message != "Great news! Yes" {
		t.Errorf("Resolve = %+v, want immediate answer", out)
	}
}

func TestResolve_InsertFailureFallsBack(t *testing.T) {
	store := openTestStore(t)
	store.insertErr = errors.New("table locked")
	c := NewCoordinator(store, Options{PollInterval: time.Millisecond, MaxWait: time.Second})

	out := c.Resolve(context.Background(), "Anything?", "+1")
	if out.Message != fallbackMessage {
		t.Errorf("Message = %q, want fallback", out.Message)
	}
	if c.ActiveWaits() != 0 {
		t.Errorf("ActiveWaits = %d, want 0", c.ActiveWaits())
	}
}

func TestResolve_PollErrorsKeepWaiting(t *testing.T) {
	store := openTestStore(t)
	store.peekFails.Store(3)
	c := NewCoordinator(store, Options{PollInterval: 5 * time.Millisecond, MaxWait: 2 * time.Second})

	answerAfter(t, store, 10*time.Millisecond, "Do you wax?", "Yes")
	out := c.Resolve(context.Background(), "Do you wax?", "+1")
	if out.State != StateAnswered {
		t.Errorf("State = %v, want answered despite transient poll errors", out.State)
	}
}

func TestResolve_EmptyQuestion(t *testing.T) {
	store := openTestStore(t)
	c := NewCoordinator(store, Options{})

	out := c.Resolve(context.Background(), "   ", "+1")
	if out.Message != fallbackMessage {
		t.Errorf("Message = %q, want fallback", out.Message)
	}
	st, _ := store.Stats(context.Background())
	if st.Total != 0 {
		t.Errorf("empty question was recorded")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAsked, "asked"},
		{StateWaiting, "waiting"},
		{StateAnswered, "answered"},
		{StateTimedOut, "timed_out"},
		{StateAbandoned, "abandoned"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func ptr[T any](v T) *T { return &v }

// A caller re-asking an answered question must still hear the answer when
// compaction starts between recording the question and the first poll.
func TestResolve_CompactionAfterInsertWaitsForRegistration(t *testing.T) {
	store := openTestStore(t)
	const q = "Do you have parking?"
	if _, err := store.Store.Insert(context.Background(), q, "+15550001111"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.SetAnswer(context.Background(), q, "Free lot behind the building"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	c := NewCoordinator(store, Options{PollInterval: 10 * time.Millisecond, MaxWait: 200 * time.Millisecond})
	compactor := knowledge.NewCompactor(store.Store, store.Store, c)

	compacted := make(chan error, 1)
	store.onInsert = func() {
		go func() {
			_, err := compactor.Compact(context.Background())
			compacted <- err
		}()
		time.Sleep(30 * time.Millisecond)
	}

	out := c.Resolve(context.Background(), q, "+15550001111")
	if out.State != StateAnswered {
		t.Fatalf("State = %v (%q), want answered", out.State, out.Message)
	}

	select {
	case err := <-compacted:
		if err != nil && !errors.Is(err, knowledge.ErrBusy) {
			t.Errorf("Compact: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("compaction never finished")
	}
}

func TestHold_BlocksRegistration(t *testing.T) {
	store := openTestStore(t)
	c := NewCoordinator(store, Options{PollInterval: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond})

	release := c.Hold()
	done := make(chan struct{})
	go func() {
		c.Resolve(context.Background(), "Are you open on holidays?", "+15550002222")
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if exists, _ := store.Exists(context.Background(), "Are you open on holidays?"); exists {
		t.Error("question recorded while held")
	}
	release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve did not proceed after release")
	}
	if exists, _ := store.Exists(context.Background(), "Are you open on holidays?"); !exists {
		t.Error("question not recorded after release")
	}
}
