package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
)

func newTestLocker(t *testing.T) (*Locker, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	locker, err := NewLocker(logger.NewNop(), st)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	return locker, st
}

func TestLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)

	token, ok, err := locker.Acquire(ctx, "runlock:c1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok || token == "" {
		t.Fatalf("first Acquire: want held with token, got ok=%v token=%q", ok, token)
	}

	_, ok, err = locker.Acquire(ctx, "runlock:c1", time.Minute)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if ok {
		t.Fatalf("second Acquire on held lock: want=false got=true")
	}

	if err := locker.Release(ctx, "runlock:c1", token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	_, ok, err = locker.Acquire(ctx, "runlock:c1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if !ok {
		t.Fatalf("Acquire after release: want=true got=false")
	}
}

func TestLockerSingleWinnerUnderRace(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := locker.Acquire(ctx, "joblock:j1", time.Minute)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners: want=1 got=%d", winners)
	}
}

func TestLockerStaleReleaseLeavesSuccessorLock(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)

	staleToken, ok, err := locker.Acquire(ctx, "joblock:j1", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first Acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(40 * time.Millisecond)

	liveToken, ok, err := locker.Acquire(ctx, "joblock:j1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire after expiry: ok=%v err=%v", ok, err)
	}

	// The expired holder's release must not delete the new holder's lock.
	if err := locker.Release(ctx, "joblock:j1", staleToken); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	held, err := locker.IsHeld(ctx, "joblock:j1")
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if !held {
		t.Fatalf("lock after stale release: want held got released")
	}

	if err := locker.Release(ctx, "joblock:j1", liveToken); err != nil {
		t.Fatalf("Release: %v", err)
	}
	held, err = locker.IsHeld(ctx, "joblock:j1")
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if held {
		t.Fatalf("lock after holder release: want released got held")
	}
}

func TestLockerForceReleaseIgnoresToken(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)

	if _, ok, err := locker.Acquire(ctx, "runlock:c1", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if err := locker.ForceRelease(ctx, "runlock:c1"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	held, err := locker.IsHeld(ctx, "runlock:c1")
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if held {
		t.Fatalf("lock after force release: want released got held")
	}
}

func TestLockerTTLExpiry(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)

	if _, ok, _ := locker.Acquire(ctx, "runlock:c1", 20*time.Millisecond); !ok {
		t.Fatalf("Acquire: want=true got=false")
	}
	time.Sleep(40 * time.Millisecond)

	held, err := locker.IsHeld(ctx, "runlock:c1")
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if held {
		t.Fatalf("IsHeld after TTL: want=false got=true")
	}
	_, ok, err := locker.Acquire(ctx, "runlock:c1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after TTL: %v", err)
	}
	if !ok {
		t.Fatalf("Acquire after TTL: want=true got=false")
	}
}
