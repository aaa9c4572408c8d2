package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
)

func TestMemory_CreateUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rev, err := m.Create(ctx, "claims/a", []byte("1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Create(ctx, "claims/a", []byte("2")); !errors.Is(err, ErrKeyExists) {
		t.Errorf("expected ErrKeyExists, got %v", err)
	}

	rev2, err := m.Update(ctx, "claims/a", []byte("2"), rev)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rev2 <= rev {
		t.Errorf("revision must grow: %d -> %d", rev, rev2)
	}

	if _, err := m.Update(ctx, "claims/a", []byte("3"), rev); !errors.Is(err, ErrRevisionMismatch) {
		t.Errorf("expected ErrRevisionMismatch, got %v", err)
	}
	if !IsConflict(ErrRevisionMismatch) || !IsConflict(ErrKeyExists) {
		t.Error("IsConflict should match CAS errors")
	}

	e, err := m.Get(ctx, "claims/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(e.Value) != "2" || e.Revision != rev2 {
		t.Errorf("unexpected entry: %+v", e)
	}

	if _, err := m.Update(ctx, "claims/missing", nil, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(ctx, "claims/x", []byte("w")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestMemory_KeysAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, k := range []string{"status/b", "status/a", "results/a"} {
		if _, err := m.Put(ctx, k, []byte("{}")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	keys, err := m.Keys(ctx, StatusPrefix)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "status/a" || keys[1] != "status/b" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := m.Delete(ctx, "status/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, "status/a"); err != nil {
		t.Errorf("delete of missing key should not fail: %v", err)
	}
	if _, err := m.Get(ctx, "status/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_Watch(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Watch(ctx, TasksPrefix)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	_, _ = m.Put(ctx, "status/ignored", []byte("x"))
	_, _ = m.Put(ctx, TaskKey("t1"), []byte("a"))
	_ = m.Delete(ctx, TaskKey("t1"))

	want := []Op{OpPut, OpDelete}
	for i, op := range want {
		select {
		case e := <-ch:
			if e.Key != "tasks/t1" || e.Op != op {
				t.Errorf("event %d: unexpected %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d: timeout", i)
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	claim := domain.Claim{TaskID: "t1", WorkerID: "w1", Epoch: 1}
	rev, err := CreateJSON(ctx, m, ClaimKey("t1"), claim)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, gotRev, err := GetJSON[domain.Claim](ctx, m, ClaimKey("t1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotRev != rev || got.WorkerID != "w1" || got.Epoch != 1 {
		t.Errorf("unexpected claim %+v rev %d", got, gotRev)
	}

	id, ok := TaskIDFromKey(ClaimsPrefix, ClaimKey("t1"))
	if !ok || id != "t1" {
		t.Errorf("unexpected id %q", id)
	}
	if _, ok := TaskIDFromKey(StatusPrefix, ClaimKey("t1")); ok {
		t.Error("expected prefix mismatch")
	}
}
