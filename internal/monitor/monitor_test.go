package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"ghostSettler/internal/model"
	"ghostSettler/internal/source"
)

type fakeLister struct {
	mu    sync.Mutex
	items []model.Intent
}

func (f *fakeLister) List(context.Context) ([]model.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Intent(nil), f.items...), nil
}

type fakeSub struct {
	ch     chan model.Intent
	closed bool
}

func (s *fakeSub) Intents() <-chan model.Intent { return s.ch }
func (s *fakeSub) Close() error                 { s.closed = true; return nil }

type fakeNotifier struct{ sub *fakeSub }

func (f *fakeNotifier) Subscribe(context.Context) (source.Subscription, error) {
	return f.sub, nil
}

type recorder struct {
	mu         sync.Mutex
	calls      []string
	companions [][]model.Intent
	result     func(trigger model.Intent) model.ExecutionResult
}

func (r *recorder) handle(_ context.Context, trigger model.Intent, companions []model.Intent) model.ExecutionResult {
	r.mu.Lock()
	r.calls = append(r.calls, trigger.ID)
	r.companions = append(r.companions, companions)
	fn := r.result
	r.mu.Unlock()
	if fn != nil {
		return fn(trigger)
	}
	ids := []string{trigger.ID}
	for _, c := range companions {
		ids = append(ids, c.ID)
	}
	return model.ExecutionResult{State: model.StateSettled, BatchIDs: ids, SettledIDs: ids}
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

func activeIntent(id, poolID string) model.Intent {
	return model.Intent{
		ID:     id,
		PoolID: poolID,
		Status: model.IntentActive,
		Expiry: time.Now().Add(time.Hour).UnixMilli(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestDuplicateDeliveryRunsOnce(t *testing.T) {
	intent := activeIntent("dup", "0x01")
	lister := &fakeLister{items: []model.Intent{intent}}
	sub := &fakeSub{ch: make(chan model.Intent, 4)}
	sub.ch <- intent
	rec := &recorder{}

	m := New(lister, &fakeNotifier{sub: sub}, rec.handle, Config{PollInterval: 5 * time.Millisecond}, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return rec.count("dup") >= 1 })
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if got := rec.count("dup"); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	if !sub.closed {
		t.Fatalf("subscription not detached on stop")
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	m := New(&fakeLister{}, nil, (&recorder{}).handle, Config{}, nil, nil)
	intent := activeIntent("x", "")

	if !m.Dispatch(intent, PathNotify) {
		t.Fatalf("first dispatch rejected")
	}
	if m.Dispatch(intent, PathPoll) {
		t.Fatalf("second dispatch accepted")
	}
	if !m.Processed("x") {
		t.Fatalf("id not marked before processing")
	}
}

func TestSeededIDsAreNotDispatched(t *testing.T) {
	m := New(&fakeLister{}, nil, (&recorder{}).handle, Config{}, nil, nil)
	m.Seed("done")

	if m.Dispatch(activeIntent("done", ""), PathPoll) {
		t.Fatalf("seeded id dispatched")
	}
}

func TestSkipsInactiveAndExpired(t *testing.T) {
	expired := activeIntent("expired", "")
	expired.Expiry = time.Now().Add(-time.Minute).UnixMilli()
	revoked := activeIntent("revoked", "")
	revoked.Status = model.IntentRevoked
	lister := &fakeLister{items: []model.Intent{expired, revoked, activeIntent("ok", "")}}
	rec := &recorder{}

	m := New(lister, nil, rec.handle, Config{PollInterval: 5 * time.Millisecond}, nil, nil)
	_ = m.Start(context.Background())
	waitFor(t, func() bool { return rec.count("ok") == 1 })
	m.Stop()

	if rec.count("expired") != 0 || rec.count("revoked") != 0 {
		t.Fatalf("inactive intents dispatched: %v", rec.calls)
	}
}

func TestCompanionsAreBundledOnce(t *testing.T) {
	lister := &fakeLister{items: []model.Intent{
		activeIntent("a", "0xpool"),
		activeIntent("b", "0xpool"),
		activeIntent("c", "0xother"),
	}}
	rec := &recorder{}

	m := New(lister, nil, rec.handle, Config{PollInterval: 5 * time.Millisecond}, nil, nil)
	_ = m.Start(context.Background())
	waitFor(t, func() bool { return rec.count("c") == 1 })
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	if rec.count("a")+rec.count("b") != 1 {
		t.Fatalf("pool-mates should settle in one batch: %v", rec.calls)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, id := range rec.calls {
		if id == "a" || id == "b" {
			if len(rec.companions[i]) != 1 {
				t.Fatalf("expected one companion, got %d", len(rec.companions[i]))
			}
		}
	}
}

func TestUnbatchedCompanionGetsOwnAttempt(t *testing.T) {
	lister := &fakeLister{items: []model.Intent{
		activeIntent("bad", "0xpool"),
		activeIntent("good", "0xpool"),
	}}
	rec := &recorder{result: func(trigger model.Intent) model.ExecutionResult {
		if trigger.ID == "bad" {
			return model.ExecutionResult{State: model.StateAborted, SkippedIDs: []string{"bad"}}
		}
		return model.ExecutionResult{State: model.StateSettled, BatchIDs: []string{trigger.ID}, SettledIDs: []string{trigger.ID}}
	}}

	m := New(lister, nil, rec.handle, Config{PollInterval: 5 * time.Millisecond}, nil, nil)
	_ = m.Start(context.Background())
	waitFor(t, func() bool { return rec.count("good") == 1 })
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	if rec.count("bad") != 1 || rec.count("good") != 1 {
		t.Fatalf("expected one attempt each: %v", rec.calls)
	}
	if !m.Processed("good") {
		t.Fatalf("settled companion should stay processed")
	}
}

func TestTinyDedupTTLIsClamped(t *testing.T) {
	m := New(&fakeLister{}, nil, (&recorder{}).handle, Config{DedupTTL: time.Nanosecond}, nil, nil)
	if m.cfg.DedupTTL != MinDedupTTL {
		t.Fatalf("dedup ttl not clamped: %s", m.cfg.DedupTTL)
	}
	if !m.Dispatch(activeIntent("x", ""), PathManual) || !m.Processed("x") {
		t.Fatalf("dispatch with clamped ttl failed")
	}
}

// Meaningful under -race: poll ranges over its list while remember upserts.
func TestPollAndLiveFeedShareLatestSafely(t *testing.T) {
	items := make([]model.Intent, 0, 50)
	for i := 0; i < 50; i++ {
		items = append(items, model.Intent{ID: string(rune('a'+i%26)) + string(rune('a'+i/26)), Status: model.IntentRevoked})
	}
	lister := &fakeLister{items: items}
	m := New(lister, nil, (&recorder{}).handle, Config{}, nil, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.poll(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			update := items[i%len(items)]
			update.Nonce = "updated"
			m.remember(update)
		}
	}()
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latest) != len(items) {
		t.Fatalf("latest list size %d, want %d", len(m.latest), len(items))
	}
}

func TestUnconfirmedIsRequeuedUpToLimit(t *testing.T) {
	lister := &fakeLister{items: []model.Intent{activeIntent("flaky", "")}}
	rec := &recorder{result: func(trigger model.Intent) model.ExecutionResult {
		return model.ExecutionResult{State: model.StateSettled, UnconfirmedIDs: []string{trigger.ID}}
	}}

	m := New(lister, nil, rec.handle, Config{PollInterval: 5 * time.Millisecond, MaxRequeue: 2}, nil, nil)
	_ = m.Start(context.Background())
	waitFor(t, func() bool { return rec.count("flaky") == 3 })
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if got := rec.count("flaky"); got != 3 {
		t.Fatalf("expected initial run plus two requeues, got %d", got)
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	lister := &fakeLister{items: []model.Intent{activeIntent("slow", "")}}
	started := make(chan struct{})
	var finished bool
	var mu sync.Mutex
	handler := func(ctx context.Context, trigger model.Intent, _ []model.Intent) model.ExecutionResult {
		close(started)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			t.Errorf("in-flight context was cancelled")
		}
		mu.Lock()
		finished = true
		mu.Unlock()
		return model.ExecutionResult{}
	}

	m := New(lister, nil, handler, Config{PollInterval: time.Hour}, nil, nil)
	_ = m.Start(context.Background())
	<-started
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatalf("stop returned before in-flight settlement completed")
	}
}
