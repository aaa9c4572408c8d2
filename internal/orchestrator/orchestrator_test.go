package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Meshwork/internal/claim"
	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/registry"
	"github.com/shaiso/Meshwork/internal/results"
	"github.com/shaiso/Meshwork/internal/stream"
	"github.com/shaiso/Meshwork/internal/transport"
	"github.com/shaiso/Meshwork/internal/worker"
)

// fakeClock — управляемое время для sweeper.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testMesh struct {
	store      kv.Store
	bus        *transport.Memory
	registry   *registry.Registry
	arbitrator *claim.Arbitrator
	tracker    *lifecycle.Tracker
	results    *results.Publisher
	streams    *stream.Engine
}

// newTestMesh собирает ядро на памяти. now == nil — реальное время.
func newTestMesh(t *testing.T, maxRetries int, now func() time.Time) *testMesh {
	t.Helper()
	return newTestMeshOn(t, kv.NewMemory(), maxRetries, now)
}

func newTestMeshOn(t *testing.T, store kv.Store, maxRetries int, now func() time.Time) *testMesh {
	t.Helper()
	bus := transport.NewMemory()
	t.Cleanup(func() { bus.Close() })

	m := &testMesh{
		store:      store,
		bus:        bus,
		registry:   registry.New(registry.Config{Now: now}),
		arbitrator: claim.New(claim.Config{Store: store, Now: now}),
		tracker: lifecycle.New(lifecycle.Config{
			Store:        store,
			MaxRetries:   maxRetries,
			PollInterval: 20 * time.Millisecond,
			Now:          now,
		}),
		results: results.New(results.Config{Store: store, Bus: bus}),
		streams: stream.New(stream.Config{Subscriber: bus}),
	}
	t.Cleanup(m.streams.Stop)
	return m
}

func (m *testMesh) orchestrator(cfg Config) *Orchestrator {
	cfg.Store = m.store
	cfg.Registry = m.registry
	cfg.Arbitrator = m.arbitrator
	cfg.Tracker = m.tracker
	cfg.Results = m.results
	cfg.Streams = m.streams
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.Lease == 0 {
		cfg.Lease = 300 * time.Millisecond
	}
	return New(cfg)
}

func (m *testMesh) startWorker(t *testing.T, id string, caps ...string) *worker.Worker {
	t.Helper()
	w := worker.New(worker.Config{
		ID:           id,
		Capabilities: caps,
		Store:        m.store,
		Registry:     m.registry,
		Arbitrator:   m.arbitrator,
		Tracker:      m.tracker,
		Results:      m.results,
		Lease:        300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
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

// waitState ждёт нефинального состояния state.
func (m *testMesh) waitState(t *testing.T, id domain.TaskID, state domain.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := m.tracker.Get(context.Background(), id)
		if err == nil && st.State == state {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never reached %s (last %+v, %v)", id, state, st, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(o.Stop)
}

func builtinDef(function string, inputs ...domain.InputDef) domain.TaskDefinition {
	return domain.TaskDefinition{
		Name:     function,
		Language: "builtin",
		Source:   domain.TaskSource{Builtin: &domain.BuiltinRef{Function: function}},
		Inputs:   inputs,
	}
}

func factorialDef(inputs ...domain.InputDef) domain.TaskDefinition {
	return builtinDef("factorial", inputs...)
}

func numberInput(def any) domain.InputDef {
	return domain.InputDef{Name: "number", Type: "integer", Default: def}
}

func chainDef(steps ...domain.TaskDefinition) *domain.TaskDefinition {
	return &domain.TaskDefinition{
		Name:          "pipeline",
		ExecutionMode: domain.ModeSequential,
		Tasks:         steps,
	}
}

func TestNew_Defaults(t *testing.T) {
	o := New(Config{})

	if o.lease != defaultLease {
		t.Errorf("expected default lease %v, got %v", defaultLease, o.lease)
	}
	if o.pollInterval != defaultPollInterval {
		t.Errorf("expected default poll interval %v, got %v", defaultPollInterval, o.pollInterval)
	}
	if !strings.HasPrefix(o.ID(), "orchestrator-") {
		t.Errorf("unexpected generated id %s", o.ID())
	}
	if o.registry == nil {
		t.Error("registry should be created")
	}
}

func TestOrchestrator_IsStopped(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	o := m.orchestrator(Config{})

	if err := New(Config{}).Start(context.Background()); err == nil {
		t.Error("start without store should fail")
	}

	startOrchestrator(t, o)
	if o.IsStopped() {
		t.Error("should not be stopped initially")
	}
	o.Stop()
	o.Stop()
	if !o.IsStopped() {
		t.Error("should be stopped")
	}

	def := factorialDef()
	if _, err := o.Submit(context.Background(), &def, nil); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("expected ErrOrchestratorStopped, got %v", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	o := m.orchestrator(Config{})

	tests := []struct {
		name   string
		def    *domain.TaskDefinition
		inputs map[string]any
	}{
		{"empty name", &domain.TaskDefinition{Language: "builtin"}, nil},
		{"no source", &domain.TaskDefinition{Name: "x", Language: "builtin"}, nil},
		{"empty chain", chainDef(), nil},
		{"missing required input", func() *domain.TaskDefinition {
			d := factorialDef(domain.InputDef{Name: "number", Type: "integer", Required: true})
			return &d
		}(), nil},
		{"wrong input type", func() *domain.TaskDefinition {
			d := factorialDef(domain.InputDef{Name: "number", Type: "integer"})
			return &d
		}(), map[string]any{"number": "five"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := o.Submit(context.Background(), tt.def, tt.inputs)
			if !engine.IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if id != "" {
				t.Errorf("no task should be created, got %s", id)
			}
		})
	}

	keys, _ := m.store.Keys(context.Background(), kv.TasksPrefix)
	if len(keys) != 0 {
		t.Errorf("rejected submissions must not be stored, got %v", keys)
	}
}

func TestSubmitAndWait_Factorial(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	m.startWorker(t, "w1")
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)

	def := factorialDef()
	res, err := o.SubmitAndWait(context.Background(), &def, map[string]any{"number": 5})
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if res.State != domain.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", res.State, res.Error)
	}
	if fmt.Sprint(res.Outputs["result"]) != "120" {
		t.Errorf("expected 120, got %v", res.Outputs["result"])
	}

	st, err := o.Status(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.WorkerID != "w1" || st.Epoch != res.Epoch {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStatus_NotFound(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	o := m.orchestrator(Config{})

	if _, err := o.Status(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := o.Results(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := o.Cancel(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmit_CapabilityUnavailable(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)

	def := factorialDef()
	def.Requirements.Capabilities = []string{"gpu"}

	id, err := o.Submit(context.Background(), &def, map[string]any{"number": 4})
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
	if id == "" {
		t.Fatal("task should still be created")
	}

	if _, err := o.Results(context.Background(), id); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("expected ErrNotTerminal, got %v", err)
	}

	// Без таймаута допуска задача ждёт подходящего воркера
	time.Sleep(100 * time.Millisecond)
	m.waitState(t, id, domain.StateSubmitted)

	m.startWorker(t, "gpu-1", "gpu")
	st := m.wait(t, id, 5*time.Second)
	if st.State != domain.StateCompleted || st.WorkerID != "gpu-1" {
		t.Errorf("expected COMPLETED by gpu-1, got %s by %s", st.State, st.WorkerID)
	}
}

func TestSubmit_CapabilitySubset(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	m.startWorker(t, "plain")
	m.startWorker(t, "gpu-1", "gpu")
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)

	def := factorialDef()
	def.Requirements.Capabilities = []string{"gpu"}

	for i := 0; i < 3; i++ {
		res, err := o.SubmitAndWait(context.Background(), &def, map[string]any{"number": i})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if res.WorkerID != "gpu-1" {
			t.Errorf("task requiring gpu ran on %s", res.WorkerID)
		}
	}
}

func TestChain_PassesOutputs(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	m.startWorker(t, "w1")
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)

	def := chainDef(
		factorialDef(numberInput(3)),
		factorialDef(numberInput("{{ .previous.result }}")),
	)
	res, err := o.SubmitAndWait(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("submit chain: %v", err)
	}
	if res.State != domain.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", res.State, res.Error)
	}
	if fmt.Sprint(res.Outputs["result"]) != "720" {
		t.Errorf("chain result should be the last step's outputs, got %v", res.Outputs)
	}

	view, err := o.ChainResults(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("chain results: %v", err)
	}
	if view.State != domain.StateCompleted || view.Total != 2 || len(view.Steps) != 2 {
		t.Fatalf("unexpected chain view %+v", view)
	}
	for i, step := range view.Steps {
		if step.TaskID != domain.ChildID(res.TaskID, i) || step.Index != i {
			t.Errorf("step %d has id %s index %d", i, step.TaskID, step.Index)
		}
		if step.State != domain.StateCompleted {
			t.Errorf("step %d: expected COMPLETED, got %s", i, step.State)
		}
	}
	if fmt.Sprint(view.Steps[0].Outputs["result"]) != "6" {
		t.Errorf("first step should compute 6, got %v", view.Steps[0].Outputs)
	}

	if _, err := o.ChainResults(context.Background(), view.Steps[0].TaskID); !errors.Is(err, ErrNotChain) {
		t.Errorf("expected ErrNotChain for a step, got %v", err)
	}
}

func TestChain_AbortsOnFailure(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	m.startWorker(t, "w1")
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)

	def := chainDef(
		factorialDef(numberInput(3)),
		factorialDef(numberInput(50)),
		factorialDef(numberInput(4)),
	)
	res, err := o.SubmitAndWait(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("submit chain: %v", err)
	}
	if res.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", res.State)
	}
	if !strings.Contains(res.Error, ErrChainAbort.Error()) || !strings.Contains(res.Error, "step 1") {
		t.Errorf("failure should name the aborted step, got %q", res.Error)
	}

	view, err := o.ChainResults(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("chain results: %v", err)
	}
	if len(view.Steps) != 2 {
		t.Fatalf("steps after the failure must not be submitted, got %+v", view.Steps)
	}
	if view.Steps[0].State != domain.StateCompleted || view.Steps[1].State != domain.StateFailed {
		t.Errorf("unexpected step states %s, %s", view.Steps[0].State, view.Steps[1].State)
	}
	if _, err := m.tracker.Get(context.Background(), domain.ChildID(res.TaskID, 2)); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("third step should not exist, got %v", err)
	}
}

func TestChain_ResumesCompletedSteps(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	o := m.orchestrator(Config{})
	ctx := context.Background()

	def := chainDef(
		factorialDef(numberInput(3)),
		factorialDef(numberInput("{{ .previous.result }}")),
	)
	parent, err := o.Submit(ctx, def, nil)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable without workers, got %v", err)
	}

	// Первый шаг уже выполнил другой воркер до перехвата цепочки
	first := domain.ChildID(parent, 0)
	if err := o.submitChild(ctx, parent, 0, def.Tasks[0], map[string]any{"number": 3}); err != nil {
		t.Fatalf("submit first step: %v", err)
	}
	c, err := m.arbitrator.Propose(ctx, "w-old", first, time.Minute)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := m.tracker.Claimed(ctx, c); err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if _, err := m.tracker.Started(ctx, first, c.Epoch); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := m.results.Publish(ctx, &domain.TaskResult{
		TaskID:  first,
		Epoch:   c.Epoch,
		State:   domain.StateCompleted,
		Outputs: map[string]any{"result": 6},
	}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := m.tracker.Complete(ctx, first, c.Epoch); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.arbitrator.Release(ctx, c); err != nil {
		t.Fatalf("release: %v", err)
	}

	m.startWorker(t, "w1")
	startOrchestrator(t, o)

	st := m.wait(t, parent, 5*time.Second)
	if st.State != domain.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", st.State, st.Error)
	}

	res, err := o.Results(ctx, parent)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if fmt.Sprint(res.Outputs["result"]) != "720" {
		t.Errorf("expected 720, got %v", res.Outputs)
	}

	firstSt, err := m.tracker.Get(ctx, first)
	if err != nil {
		t.Fatalf("first step status: %v", err)
	}
	if firstSt.WorkerID != "w-old" || firstSt.Epoch != 1 {
		t.Errorf("completed step must not run again, got owner %s epoch %d", firstSt.WorkerID, firstSt.Epoch)
	}
}

func TestCancel_Chain(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	m.startWorker(t, "w1")
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)
	ctx := context.Background()

	def := chainDef(
		builtinDef("delay", domain.InputDef{Name: "duration_ms", Type: "integer", Default: 10000}),
		factorialDef(numberInput(3)),
	)
	parent, err := o.Submit(ctx, def, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	first := domain.ChildID(parent, 0)
	m.waitState(t, first, domain.StateRunning)

	st, err := o.Cancel(ctx, parent, "user request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.State != domain.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", st.State)
	}

	firstSt := m.wait(t, first, 2*time.Second)
	if firstSt.State != domain.StateCancelled {
		t.Errorf("active step should be cancelled, got %s", firstSt.State)
	}

	time.Sleep(200 * time.Millisecond)
	if _, err := m.tracker.Get(ctx, domain.ChildID(parent, 1)); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("no step may be submitted after cancel, got %v", err)
	}

	res, err := o.Results(ctx, parent)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if res.State != domain.StateCancelled {
		t.Errorf("expected CANCELLED result, got %s", res.State)
	}

	if _, err := o.Cancel(ctx, parent, ""); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("expected ErrAlreadyFinished, got %v", err)
	}
}

func TestCancel_ChainStepGap(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	o := m.orchestrator(Config{})
	ctx := context.Background()

	def := chainDef(
		factorialDef(numberInput(3)),
		factorialDef(numberInput(4)),
		factorialDef(numberInput(5)),
	)
	parent, err := o.Submit(ctx, def, nil)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable without workers, got %v", err)
	}

	// Шаг 1 отсутствует, шаг 2 уже создан.
	for _, i := range []int{0, 2} {
		if err := o.submitChild(ctx, parent, i, def.Tasks[i], nil); err != nil {
			t.Fatalf("submit step %d: %v", i, err)
		}
	}

	if _, err := o.Cancel(ctx, parent, "user request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, i := range []int{0, 2} {
		st, err := m.tracker.Get(ctx, domain.ChildID(parent, i))
		if err != nil {
			t.Fatalf("step %d status: %v", i, err)
		}
		if st.State != domain.StateCancelled {
			t.Errorf("step %d: expected CANCELLED, got %s", i, st.State)
		}
	}
}

// hookedStore вызывает hook один раз, перед первой операцией op над
// ключом статуса второго шага цепочки.
type hookedStore struct {
	kv.Store
	op    string
	fired atomic.Bool
	hook  func(parent domain.TaskID)
}

func (s *hookedStore) intercept(op, key string) {
	if op != s.op || !strings.HasPrefix(key, kv.StatusPrefix) || !strings.HasSuffix(key, "-1") {
		return
	}
	if s.fired.CompareAndSwap(false, true) {
		s.hook(domain.TaskID(strings.TrimSuffix(strings.TrimPrefix(key, kv.StatusPrefix), "-1")))
	}
}

func (s *hookedStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	s.intercept("get", key)
	return s.Store.Get(ctx, key)
}

func (s *hookedStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	s.intercept("create", key)
	return s.Store.Create(ctx, key, value)
}

func TestCancel_ChainBetweenSteps(t *testing.T) {
	tests := []struct {
		name string
		op   string
	}{
		{"before next step is created", "get"},
		{"while next step is created", "create"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &hookedStore{Store: kv.NewMemory(), op: tt.op}
			m := newTestMeshOn(t, store, 1, nil)
			m.startWorker(t, "w1")

			// Второй узел отменяет цепочку, пока первый её ведёт.
			remote := m.orchestrator(Config{ID: "remote"})
			cancelErr := make(chan error, 1)
			store.hook = func(parent domain.TaskID) {
				_, err := remote.Cancel(context.Background(), parent, "user request")
				cancelErr <- err
			}

			o := m.orchestrator(Config{ID: "local"})
			startOrchestrator(t, o)
			ctx := context.Background()

			def := chainDef(
				factorialDef(numberInput(3)),
				builtinDef("delay", domain.InputDef{Name: "duration_ms", Type: "integer", Default: 2000}),
			)
			parent, err := o.Submit(ctx, def, nil)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}

			select {
			case err := <-cancelErr:
				if err != nil {
					t.Fatalf("cancel: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("chain never reached its second step")
			}

			if st := m.wait(t, parent, time.Second); st.State != domain.StateCancelled {
				t.Errorf("expected parent CANCELLED, got %s", st.State)
			}

			second := domain.ChildID(parent, 1)
			time.Sleep(300 * time.Millisecond)
			st, err := m.tracker.Get(ctx, second)
			switch {
			case errors.Is(err, lifecycle.ErrNotFound):
			case err != nil:
				t.Fatalf("get second step: %v", err)
			case st.State != domain.StateCancelled:
				t.Errorf("second step must not run under a cancelled chain, got %s", st.State)
			}

			if tt.op == "create" && err != nil {
				t.Errorf("second step should exist and be cancelled, got %v", err)
			}
		})
	}
}

func TestStream_OnMessage(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	m.startWorker(t, "w1")
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)
	ctx := context.Background()

	def := builtinDef("echo")
	def.ExecutionMode = domain.ModeStreamReactive
	def.StreamConfig = &domain.StreamConfig{Trigger: domain.TriggerOnMessage, Topic: "sensors.temp"}

	id, err := o.Submit(ctx, &def, nil)
	if err != nil {
		t.Fatalf("submit stream: %v", err)
	}
	m.waitState(t, id, domain.StateActive)

	active, err := o.ListActiveStreams(ctx)
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(active) != 1 || active[0].TaskID != id || active[0].Trigger != domain.TriggerOnMessage {
		t.Fatalf("unexpected active streams %+v", active)
	}

	for i := 0; i < 3; i++ {
		if err := m.bus.Publish(ctx, "sensors.temp", []byte(fmt.Sprintf(`"reading-%d"`, i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		child := domain.ChildID(id, i)
		deadline := time.Now().Add(5 * time.Second)
		for {
			if _, err := m.tracker.Get(ctx, child); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("invocation %s was not created", child)
			}
			time.Sleep(10 * time.Millisecond)
		}
		st := m.wait(t, child, 5*time.Second)
		if st.State != domain.StateCompleted || st.ParentID != id {
			t.Fatalf("invocation %d: unexpected status %+v", i, st)
		}
		res, err := o.Results(ctx, child)
		if err != nil {
			t.Fatalf("invocation result: %v", err)
		}
		if want := fmt.Sprintf("reading-%d", i); res.Outputs["result"] != want {
			t.Errorf("invocation %d: expected %s, got %v", i, want, res.Outputs["result"])
		}
	}

	h, ok := m.streams.Get(id)
	if !ok {
		t.Fatal("stream should run on this node")
	}
	if _, err := o.Cancel(ctx, id, "done"); err != nil {
		t.Fatalf("cancel stream: %v", err)
	}
	if h.State() != domain.StateCancelled {
		t.Errorf("trigger should stop before Cancel returns, got %s", h.State())
	}

	active, err = o.ListActiveStreams(ctx)
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("cancelled stream is still listed: %+v", active)
	}
	st, _ := o.Status(ctx, id)
	if st.State != domain.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", st.State)
	}
}

func TestStream_MissingCapability(t *testing.T) {
	m := newTestMesh(t, 1, nil)
	o := m.orchestrator(Config{})
	startOrchestrator(t, o)

	def := builtinDef("echo")
	def.ExecutionMode = domain.ModeStreamReactive
	def.StreamConfig = &domain.StreamConfig{Trigger: domain.TriggerTimeInterval, IntervalMs: 10}

	id, err := o.Submit(context.Background(), &def, nil)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
	st, err := o.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != domain.StateError {
		t.Errorf("expected ERROR, got %s", st.State)
	}
}

func TestTick_LeaseExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestMesh(t, 1, clock.Now)
	o := m.orchestrator(Config{})
	ctx := context.Background()

	def := factorialDef()
	id, _ := o.Submit(ctx, &def, map[string]any{"number": 3})

	claimAndStart := func(workerID string) domain.Claim {
		t.Helper()
		c, err := m.arbitrator.Propose(ctx, workerID, id, 5*time.Second)
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		if _, err := m.tracker.Claimed(ctx, c); err != nil {
			t.Fatalf("claimed: %v", err)
		}
		if _, err := m.tracker.Started(ctx, id, c.Epoch); err != nil {
			t.Fatalf("started: %v", err)
		}
		return c
	}

	first := claimAndStart("w-dead")

	// Lease ещё жив: sweeper ничего не трогает
	clock.Advance(4 * time.Second)
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	m.waitState(t, id, domain.StateRunning)

	clock.Advance(2 * time.Second)
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	st, _ := m.tracker.Get(ctx, id)
	if st.State != domain.StateSubmitted || st.Retries != 1 {
		t.Fatalf("expected SUBMITTED with 1 retry, got %s with %d", st.State, st.Retries)
	}
	if st.Error != string(lifecycle.ReasonLease) {
		t.Errorf("unexpected reason %q", st.Error)
	}
	if c, _ := m.arbitrator.Current(ctx, id); !c.Released || c.Epoch != first.Epoch {
		t.Errorf("expired claim should be released, got %+v", c)
	}

	second := claimAndStart("w-next")
	if second.Epoch != 2 {
		t.Errorf("expected epoch 2 after reclaim, got %d", second.Epoch)
	}

	// Бюджет исчерпан: задача становится FAILED
	clock.Advance(6 * time.Second)
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	res, err := o.Results(ctx, id)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if res.State != domain.StateFailed || !strings.Contains(res.Error, "retry budget exhausted") {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Epoch != 2 {
		t.Errorf("result should carry the last epoch, got %d", res.Epoch)
	}
}

func TestTick_ExecutionTimeout(t *testing.T) {
	clock := newFakeClock()
	m := newTestMesh(t, 2, clock.Now)
	o := m.orchestrator(Config{Lease: time.Second})
	ctx := context.Background()

	def := factorialDef()
	def.Requirements.TimeoutSeconds = 1
	id, _ := o.Submit(ctx, &def, map[string]any{"number": 3})

	c, err := m.arbitrator.Propose(ctx, "w-stuck", id, time.Hour)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := m.tracker.Claimed(ctx, c); err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if _, err := m.tracker.Started(ctx, id, c.Epoch); err != nil {
		t.Fatalf("started: %v", err)
	}

	clock.Advance(3 * time.Second)
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	st, _ := m.tracker.Get(ctx, id)
	if st.State != domain.StateSubmitted || st.Retries != 1 || st.Error != string(lifecycle.ReasonTimeout) {
		t.Fatalf("expected timed out task back in pool, got %+v", st)
	}
	if err := m.arbitrator.Check(ctx, id, c.Epoch); !errors.Is(err, claim.ErrClaimLost) {
		t.Errorf("stuck worker should lose its claim, got %v", err)
	}
}

func TestTick_AdmissionTimeout(t *testing.T) {
	clock := newFakeClock()
	m := newTestMesh(t, 1, clock.Now)
	o := m.orchestrator(Config{AdmissionTimeout: 30 * time.Second})
	ctx := context.Background()

	def := factorialDef()
	def.Requirements.Capabilities = []string{"gpu"}
	id, err := o.Submit(ctx, &def, map[string]any{"number": 3})
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}

	if err := o.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if st, _ := m.tracker.Get(ctx, id); st.State != domain.StateSubmitted {
		t.Fatalf("task should wait within admission timeout, got %s", st.State)
	}

	clock.Advance(31 * time.Second)
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	res, err := o.Results(ctx, id)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if res.State != domain.StateFailed || !strings.Contains(res.Error, ErrCapabilityUnavailable.Error()) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestPoll_RegistryChange(t *testing.T) {
	clock := newFakeClock()
	m := newTestMesh(t, 1, clock.Now)
	o := m.orchestrator(Config{AdmissionTimeout: 30 * time.Second, PollInterval: time.Hour})
	startOrchestrator(t, o)
	ctx := context.Background()

	def := factorialDef()
	def.Requirements.Capabilities = []string{"gpu"}
	id, err := o.Submit(ctx, &def, map[string]any{"number": 3})
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}

	clock.Advance(31 * time.Second)

	// Новый воркер без gpu: проход запускается изменением registry,
	// а не часовым тикером.
	if err := m.registry.Register("w-cpu", []string{"builtin"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	st := m.wait(t, id, 2*time.Second)
	if st.State != domain.StateFailed || !strings.Contains(st.Error, ErrCapabilityUnavailable.Error()) {
		t.Errorf("expected FAILED with %v, got %s (%s)", ErrCapabilityUnavailable, st.State, st.Error)
	}
}

func TestTick_StreamOwnerLost(t *testing.T) {
	clock := newFakeClock()
	m := newTestMesh(t, 1, clock.Now)
	if err := m.registry.Register("w1", []string{"builtin"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := m.orchestrator(Config{})
	ctx := context.Background()

	def := builtinDef("echo")
	def.ExecutionMode = domain.ModeStreamReactive
	def.StreamConfig = &domain.StreamConfig{Trigger: domain.TriggerTimeInterval, IntervalMs: 1000}
	id, err := o.Submit(ctx, &def, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	c, err := m.arbitrator.Propose(ctx, "orchestrator-dead", id, 5*time.Second)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := m.tracker.Claimed(ctx, c); err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if _, err := m.tracker.Set(ctx, id, c.Epoch, domain.StateActive, ""); err != nil {
		t.Fatalf("activate: %v", err)
	}

	clock.Advance(6 * time.Second)
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	st, _ := m.tracker.Get(ctx, id)
	if st.State != domain.StateError {
		t.Errorf("expected ERROR for orphaned stream, got %s", st.State)
	}
}
