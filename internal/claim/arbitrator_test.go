package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestArbitrator() (*Arbitrator, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(Config{Store: kv.NewMemory(), Now: clock.Now}), clock
}

func TestPropose_FirstWins(t *testing.T) {
	a, _ := newTestArbitrator()
	ctx := context.Background()

	c, err := a.Propose(ctx, "w1", "t1", 5*time.Second)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if c.Epoch != 1 || c.WorkerID != "w1" {
		t.Errorf("unexpected claim %+v", c)
	}

	if _, err := a.Propose(ctx, "w2", "t1", 5*time.Second); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("expected ErrClaimConflict, got %v", err)
	}
	if _, err := a.Propose(ctx, "w1", "t1", 5*time.Second); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("live claim must not be re-proposed, got %v", err)
	}
	if _, err := a.Propose(ctx, "w1", "t2", 0); !errors.Is(err, ErrInvalidLease) {
		t.Errorf("expected ErrInvalidLease, got %v", err)
	}
}

func TestPropose_AfterExpiryAndRelease(t *testing.T) {
	a, clock := newTestArbitrator()
	ctx := context.Background()

	first, _ := a.Propose(ctx, "w1", "t1", 5*time.Second)

	clock.Advance(5 * time.Second)

	expired, err := a.Expired(ctx)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].TaskID != "t1" {
		t.Fatalf("expected t1 expired, got %+v", expired)
	}

	second, err := a.Propose(ctx, "w2", "t1", 5*time.Second)
	if err != nil {
		t.Fatalf("propose after expiry: %v", err)
	}
	if second.Epoch != first.Epoch+1 {
		t.Errorf("expected epoch %d, got %d", first.Epoch+1, second.Epoch)
	}

	// Старый владелец больше не может продлить claim.
	if _, err := a.Renew(ctx, first, 5*time.Second); !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected ErrClaimLost, got %v", err)
	}
	if err := a.Check(ctx, "t1", first.Epoch); !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected stale epoch, got %v", err)
	}

	// Release с чужим epoch ничего не делает.
	if err := a.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Check(ctx, "t1", second.Epoch); err != nil {
		t.Errorf("second claim must stay live: %v", err)
	}

	if err := a.Release(ctx, second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(ctx, second); err != nil {
		t.Errorf("release must be idempotent: %v", err)
	}

	third, err := a.Propose(ctx, "w3", "t1", 5*time.Second)
	if err != nil {
		t.Fatalf("propose after release: %v", err)
	}
	if third.Epoch != 3 {
		t.Errorf("expected epoch 3, got %d", third.Epoch)
	}
}

func TestRenew(t *testing.T) {
	a, clock := newTestArbitrator()
	ctx := context.Background()

	c, _ := a.Propose(ctx, "w1", "t1", 5*time.Second)

	clock.Advance(4 * time.Second)
	renewed, err := a.Renew(ctx, c, 5*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.Equal(clock.Now().Add(5 * time.Second)) {
		t.Errorf("unexpected expiry %v", renewed.ExpiresAt)
	}

	clock.Advance(4 * time.Second)
	if _, err := a.Propose(ctx, "w2", "t1", 5*time.Second); !errors.Is(err, ErrClaimConflict) {
		t.Errorf("renewed claim must still be live, got %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := a.Renew(ctx, renewed, 5*time.Second); !errors.Is(err, ErrClaimLost) {
		t.Errorf("expired claim must not be renewed, got %v", err)
	}
}

func TestForceRelease(t *testing.T) {
	a, _ := newTestArbitrator()
	ctx := context.Background()

	if err := a.ForceRelease(ctx, "missing"); err != nil {
		t.Errorf("force release of missing claim: %v", err)
	}

	c, _ := a.Propose(ctx, "w1", "t1", time.Minute)
	if err := a.ForceRelease(ctx, "t1"); err != nil {
		t.Fatalf("force release: %v", err)
	}

	current, err := a.Current(ctx, "t1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !current.Released || current.Epoch != c.Epoch {
		t.Errorf("expected released claim, got %+v", current)
	}
	if _, err := a.Renew(ctx, c, time.Minute); !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected ErrClaimLost after force release, got %v", err)
	}
	if _, err := a.Current(ctx, "missing"); !errors.Is(err, ErrNoClaim) {
		t.Errorf("expected ErrNoClaim, got %v", err)
	}
}

// Свойство: при любом числе конкурирующих воркеров у задачи не больше
// одного живого claim в каждый момент.
func TestPropose_ConcurrentAtMostOne(t *testing.T) {
	a, clock := newTestArbitrator()
	ctx := context.Background()

	const (
		workers = 32
		tasks   = 20
		rounds  = 3
	)

	for round := 0; round < rounds; round++ {
		winners := make(map[domain.TaskID][]string)
		var mu sync.Mutex
		var wg sync.WaitGroup

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for i := 0; i < tasks; i++ {
					id := domain.TaskID(fmt.Sprintf("task-%d", i))
					c, err := a.Propose(ctx, worker, id, time.Second)
					if errors.Is(err, ErrClaimConflict) {
						continue
					}
					if err != nil {
						t.Errorf("propose: %v", err)
						return
					}
					mu.Lock()
					winners[c.TaskID] = append(winners[c.TaskID], worker)
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		for i := 0; i < tasks; i++ {
			id := domain.TaskID(fmt.Sprintf("task-%d", i))
			if got := len(winners[id]); got != 1 {
				t.Fatalf("round %d: task %s has %d winners: %v", round, id, got, winners[id])
			}
			c, err := a.Current(ctx, id)
			if err != nil {
				t.Fatalf("current: %v", err)
			}
			if c.Epoch != uint64(round+1) {
				t.Errorf("round %d: expected epoch %d, got %d", round, round+1, c.Epoch)
			}
		}

		// Все lease истекают, задачи снова свободны.
		clock.Advance(time.Second)
	}
}
