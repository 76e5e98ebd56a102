package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/frontdesk/internal/sms"
	"github.com/kalambet/frontdesk/internal/storage"
)

type sentMessage struct {
	phone, message string
}

type mockNotifier struct {
	mu     sync.Mutex
	sent   []sentMessage
	sendFn func(ctx context.Context, phone, message string) error
}

func (m *mockNotifier) Send(ctx context.Context, phone, message string) error {
	if m.sendFn != nil {
		if err := m.sendFn(ctx, phone, message); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{phone, message})
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type countingObserver struct {
	ok, failed atomic.Int32
}

func (o *countingObserver) Notified(err error) {
	if err != nil {
		o.failed.Add(1)
		return
	}
	o.ok.Add(1)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func answered(t *testing.T, s *storage.Store, question, phone, answer string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Insert(ctx, question, phone); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SetAnswer(ctx, question, answer); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
}

func TestRun_SendsAndMarksDelivered(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Do you have parking?", "15550001111", "Yes, behind the salon")

	n := &mockNotifier{}
	obs := &countingObserver{}
	d := NewDispatcher(store, n, obs)

	sent, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if n.sent[0].phone != "+15550001111" {
		t.Errorf("phone = %q, want leading plus added", n.sent[0].phone)
	}
	want := "Your question has been answered!\n\nQ: Do you have parking?\nA: Yes, behind the salon\n\nThank you for your patience!"
	if n.sent[0].message != want {
		t.Errorf("message = %q, want %q", n.sent[0].message, want)
	}
	if obs.ok.Load() != 1 {
		t.Errorf("observer saw %d successes, want 1", obs.ok.Load())
	}

	delivered := true
	recs, _ := store.Answered(context.Background(), storage.AnsweredFilter{Delivered: &delivered})
	if len(recs) != 1 {
		t.Errorf("record not marked delivered")
	}
}

func TestRun_Idempotent(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Are you open Sunday?", "+15550002222", "10 to 4")

	n := &mockNotifier{}
	d := NewDispatcher(store, n, nil)

	for range 3 {
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if n.count() != 1 {
		t.Errorf("sent %d messages over three runs, want 1", n.count())
	}
}

func TestRun_SkipsUnknownPhoneAndPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	answered(t, store, "no phone", "", "answer")
	store.Insert(ctx, "not answered yet", "+15550003333")

	n := &mockNotifier{}
	d := NewDispatcher(store, n, nil)

	sent, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent != 0 || n.count() != 0 {
		t.Errorf("sent = %d (%d messages), want nothing", sent, n.count())
	}
}

func TestRun_SkipsDeliveredLive(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Do you do eyebrow threading?", "+919876543210", "Yes, ₹150")
	store.MarkDelivered(context.Background(), "Do you do eyebrow threading?")

	n := &mockNotifier{}
	if _, err := NewDispatcher(store, n, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n.count() != 0 {
		t.Errorf("SMS sent after live delivery")
	}
}

func TestRun_FailureRetriedNextRun(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Do you take cards?", "+15550004444", "All major cards")

	var fail atomic.Bool
	fail.Store(true)
	n := &mockNotifier{sendFn: func(context.Context, string, string) error {
		if fail.Load() {
			return errors.New("carrier unavailable")
		}
		return nil
	}}
	obs := &countingObserver{}
	d := NewDispatcher(store, n, obs)

	sent, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d on failing notifier, want 0", sent)
	}
	if obs.failed.Load() != 1 {
		t.Errorf("observer saw %d failures, want 1", obs.failed.Load())
	}

	fail.Store(false)
	sent, err = d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent != 1 {
		t.Errorf("sent = %d on retry, want 1", sent)
	}
}

func TestRun_OneFailureDoesNotBlockOthers(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "first", "+1111", "a")
	answered(t, store, "second", "+2222", "b")

	n := &mockNotifier{sendFn: func(_ context.Context, phone, _ string) error {
		if phone == "+1111" {
			return errors.New("bad number")
		}
		return nil
	}}
	sent, err := NewDispatcher(store, n, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent != 1 || n.sent[0].phone != "+2222" {
		t.Errorf("sent = %d %+v, want only the second record", sent, n.sent)
	}
}

func TestRun_ConcurrentCallsSendOnce(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Is there a student discount?", "+15550005555", "10% with ID")

	release := make(chan struct{})
	n := &mockNotifier{sendFn: func(context.Context, string, string) error {
		<-release
		return nil
	}}
	d := NewDispatcher(store, n, nil)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n.count() != 1 {
		t.Errorf("sent %d messages from concurrent runs, want 1", n.count())
	}
}

func TestLoop_ServesKicks(t *testing.T) {
	store := openTestStore(t)
	n := &mockNotifier{}
	d := NewDispatcher(store, n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Loop(ctx)
		close(done)
	}()

	answered(t, store, "Do you sell gift cards?", "+15550006666", "Yes")
	d.Kick()
	d.Kick()

	deadline := time.Now().Add(time.Second)
	for n.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n.count() != 1 {
		t.Errorf("sent %d messages after kicks, want 1", n.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Loop did not return after cancel")
	}
}

func TestDialable(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+15550001111", "+15550001111"},
		{"15550001111", "+15550001111"},
		{" 919876543210 ", "+919876543210"},
		{"unknown", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := dialable(tt.in); got != tt.want {
			t.Errorf("dialable(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewScheduler(t *testing.T) {
	d := NewDispatcher(openTestStore(t), &mockNotifier{}, nil)

	s, err := NewScheduler("", d)
	if err != nil {
		t.Fatalf("NewScheduler default: %v", err)
	}
	s.Start()
	s.Stop()

	if _, err := NewScheduler("not a schedule", d); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRun_UnconfiguredNotifierLeavesUndelivered(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Do you do bridal makeup?", "+919876543210", "Yes, book a week ahead")

	d := NewDispatcher(store, sms.LogNotifier{}, nil)
	sent, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent != 0 {
		t.Errorf("sent = %d with no SMS credentials, want 0", sent)
	}

	undelivered := false
	recs, err := store.Answered(context.Background(), storage.AnsweredFilter{Delivered: &undelivered})
	if err != nil {
		t.Fatalf("Answered: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("undelivered = %d, want 1 kept for a later real send", len(recs))
	}
}

// claimingStore claims each record for a live call right after it is listed.
type claimingStore struct {
	*storage.Store
}

func (s claimingStore) Answered(ctx context.Context, filter storage.AnsweredFilter) ([]storage.QuestionRecord, error) {
	recs, err := s.Store.Answered(ctx, filter)
	for _, r := range recs {
		s.Store.MarkDelivered(ctx, r.Question)
	}
	return recs, err
}

func TestRun_SkipsRecordClaimedAfterListing(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Do you do eyebrow threading?", "+919876543210", "Yes")

	n := &mockNotifier{}
	d := NewDispatcher(claimingStore{store}, n, nil)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n.count() != 0 {
		t.Errorf("sent %d messages for an answer already heard on the call, want 0", n.count())
	}
}

func TestRun_CancelledCallerDoesNotFailSharedSweep(t *testing.T) {
	store := openTestStore(t)
	answered(t, store, "Is there parking?", "+15550007777", "Behind the salon")

	release := make(chan struct{})
	n := &mockNotifier{sendFn: func(context.Context, string, string) error {
		<-release
		return nil
	}}
	d := NewDispatcher(store, n, nil)

	cctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := d.Run(cctx)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan int, 1)
	go func() {
		sent, err := d.Run(context.Background())
		if err != nil {
			t.Errorf("second Run: %v", err)
		}
		second <- sent
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("first Run err = %v, want context.Canceled", err)
	}
	close(release)

	select {
	case sent := <-second:
		if sent != 1 {
			t.Errorf("second Run sent = %d, want 1", sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Run did not return")
	}
}
