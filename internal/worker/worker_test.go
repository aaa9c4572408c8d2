package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shaiso/Meshwork/internal/claim"
	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/registry"
	"github.com/shaiso/Meshwork/internal/results"
)

type testMesh struct {
	store      *kv.Memory
	registry   *registry.Registry
	arbitrator *claim.Arbitrator
	tracker    *lifecycle.Tracker
	results    *results.Publisher
}

func newTestMesh(maxRetries int) *testMesh {
	store := kv.NewMemory()
	return &testMesh{
		store:      store,
		registry:   registry.New(registry.Config{}),
		arbitrator: claim.New(claim.Config{Store: store}),
		tracker:    lifecycle.New(lifecycle.Config{Store: store, MaxRetries: maxRetries, PollInterval: 20 * time.Millisecond}),
		results:    results.New(results.Config{Store: store}),
	}
}

func (m *testMesh) worker(cfg Config) *Worker {
	cfg.Store = m.store
	cfg.Registry = m.registry
	cfg.Arbitrator = m.arbitrator
	cfg.Tracker = m.tracker
	cfg.Results = m.results
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.Lease == 0 {
		cfg.Lease = 300 * time.Millisecond
	}
	return New(cfg)
}

func (m *testMesh) submit(t *testing.T, def domain.TaskDefinition, inputs map[string]any) domain.TaskID {
	t.Helper()
	ctx := context.Background()
	sub := domain.Submission{
		TaskID:      domain.NewTaskID(),
		Definition:  def,
		Inputs:      inputs,
		SubmittedAt: time.Now(),
	}
	if _, err := kv.PutJSON(ctx, m.store, kv.TaskKey(sub.TaskID), sub); err != nil {
		t.Fatalf("put submission: %v", err)
	}
	if _, err := m.tracker.Create(ctx, &sub); err != nil {
		t.Fatalf("create status: %v", err)
	}
	return sub.TaskID
}

func (m *testMesh) wait(t *testing.T, id domain.TaskID, timeout time.Duration) *domain.TaskStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	st, err := m.tracker.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v (last status %+v)", id, err, st)
	}
	return st
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(w.Stop)
}

func TestNew_Defaults(t *testing.T) {
	w := New(Config{})

	if w.lease != defaultLease {
		t.Errorf("expected default lease %v, got %v", defaultLease, w.lease)
	}
	if w.pollInterval != defaultPollInterval {
		t.Errorf("expected default poll interval %v, got %v", defaultPollInterval, w.pollInterval)
	}
	if cap(w.slots) != defaultConcurrency {
		t.Errorf("expected concurrency %d, got %d", defaultConcurrency, cap(w.slots))
	}
	if w.ID() == "" {
		t.Error("worker id should be generated")
	}

	caps := w.Capabilities()
	if len(caps) != 2 || caps[0] != "builtin" || caps[1] != "http" {
		t.Errorf("capabilities should come from executors, got %v", caps)
	}
}

func TestNew_CustomCapabilities(t *testing.T) {
	w := New(Config{ID: "w1", Capabilities: []string{"GPU", "py"}})

	if w.ID() != "w1" {
		t.Errorf("expected id w1, got %s", w.ID())
	}
	for _, c := range []domain.Capability{domain.CapGPU, domain.CapPython, domain.CapBuiltin} {
		if !w.capabilities.Has(c) {
			t.Errorf("expected capability %s in %v", c, w.Capabilities())
		}
	}
}

func TestWorker_IsStopped(t *testing.T) {
	m := newTestMesh(1)
	w := m.worker(Config{})

	if w.IsStopped() {
		t.Error("should not be stopped initially")
	}
	startWorker(t, w)
	w.Stop()
	if !w.IsStopped() {
		t.Error("should be stopped")
	}

	if _, err := m.store.Get(context.Background(), kv.WorkerKey(w.ID())); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("announcement should be removed on stop, got %v", err)
	}
}

func TestWorker_ExecutesFactorial(t *testing.T) {
	m := newTestMesh(1)
	w := m.worker(Config{ID: "w1"})
	startWorker(t, w)

	id := m.submit(t, domain.TaskDefinition{Name: "factorial", Language: "builtin"}, map[string]any{"number": 5})

	st := m.wait(t, id, 5*time.Second)
	if st.State != domain.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", st.State, st.Error)
	}
	if st.WorkerID != "w1" || st.Epoch != 1 {
		t.Errorf("unexpected owner %s epoch %d", st.WorkerID, st.Epoch)
	}

	res, err := m.results.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if fmt.Sprint(res.Outputs["result"]) != "120" {
		t.Errorf("expected result 120, got %v", res.Outputs["result"])
	}
	if res.Epoch != st.Epoch {
		t.Errorf("result epoch %d != status epoch %d", res.Epoch, st.Epoch)
	}

	c, err := m.arbitrator.Current(context.Background(), id)
	if err != nil {
		t.Fatalf("current claim: %v", err)
	}
	if !c.Released {
		t.Error("claim should be released after completion")
	}

	if !m.registry.HasCandidate(domain.NewCapabilitySet(domain.CapBuiltin)) {
		t.Error("worker should be announced in registry")
	}
}

func TestWorker_LogicalFailure(t *testing.T) {
	m := newTestMesh(1)
	startWorker(t, m.worker(Config{}))

	id := m.submit(t, domain.TaskDefinition{Name: "factorial", Language: "builtin"}, map[string]any{"number": 50})

	st := m.wait(t, id, 5*time.Second)
	if st.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", st.State)
	}
	if st.Error == "" {
		t.Error("failure reason should be recorded")
	}

	res, err := m.results.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res.State != domain.StateFailed || res.Error == "" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestWorker_SkipsMissingCapability(t *testing.T) {
	m := newTestMesh(1)
	startWorker(t, m.worker(Config{}))

	id := m.submit(t, domain.TaskDefinition{Name: "train", Language: "python"}, nil)

	time.Sleep(150 * time.Millisecond)
	st, err := m.tracker.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st.State != domain.StateSubmitted {
		t.Errorf("task should stay SUBMITTED, got %s", st.State)
	}
	if _, err := m.arbitrator.Current(context.Background(), id); !errors.Is(err, claim.ErrNoClaim) {
		t.Errorf("no claim should be proposed, got %v", err)
	}
}

func TestWorker_SingleWinner(t *testing.T) {
	m := newTestMesh(1)
	for i := 0; i < 3; i++ {
		startWorker(t, m.worker(Config{ID: fmt.Sprintf("w%d", i)}))
	}

	ids := make([]domain.TaskID, 5)
	for i := range ids {
		ids[i] = m.submit(t, domain.TaskDefinition{Name: "factorial", Language: "builtin"}, map[string]any{"number": i})
	}

	for _, id := range ids {
		st := m.wait(t, id, 5*time.Second)
		if st.State != domain.StateCompleted {
			t.Errorf("%s: expected COMPLETED, got %s", id, st.State)
		}
		if st.Epoch != 1 || st.Retries != 0 {
			t.Errorf("%s: expected a single claim, got epoch %d retries %d", id, st.Epoch, st.Retries)
		}
	}
}

func TestWorker_TimeoutExhausted(t *testing.T) {
	m := newTestMesh(1)
	startWorker(t, m.worker(Config{}))

	def := domain.TaskDefinition{
		Name:         "delay",
		Language:     "builtin",
		Requirements: domain.Requirements{TimeoutSeconds: 1},
	}
	id := m.submit(t, def, map[string]any{"duration_ms": 10000})

	st := m.wait(t, id, 10*time.Second)
	if st.State != domain.StateTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s (%s)", st.State, st.Error)
	}
	if st.Retries != 1 {
		t.Errorf("expected 1 retry before exhaustion, got %d", st.Retries)
	}
	if st.Epoch != 2 {
		t.Errorf("expected second claim epoch, got %d", st.Epoch)
	}

	res, err := m.results.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res.State != domain.StateTimedOut {
		t.Errorf("expected TIMED_OUT result, got %s", res.State)
	}
}

func TestWorker_CancelStopsExecution(t *testing.T) {
	m := newTestMesh(1)
	w := m.worker(Config{Lease: 150 * time.Millisecond})
	startWorker(t, w)

	id := m.submit(t, domain.TaskDefinition{Name: "delay", Language: "builtin"}, map[string]any{"duration_ms": 10000})

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := m.tracker.Get(ctx, id)
		if err == nil && st.State == domain.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := m.tracker.Cancel(ctx, id, "user request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.arbitrator.ForceRelease(ctx, id); err != nil {
		t.Fatalf("force release: %v", err)
	}

	// Воркер замечает отмену при очередном продлении lease
	deadline = time.Now().Add(2 * time.Second)
	for {
		w.mu.Lock()
		idle := len(w.inflight) == 0
		w.mu.Unlock()
		if idle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker kept executing a cancelled task")
		}
		time.Sleep(10 * time.Millisecond)
	}

	st, err := m.tracker.Get(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st.State != domain.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", st.State)
	}
	if _, err := m.results.Get(ctx, id); !errors.Is(err, results.ErrNotFound) {
		t.Errorf("cancelled task should have no result, got %v", err)
	}
}
