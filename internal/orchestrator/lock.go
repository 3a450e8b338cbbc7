package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
)

// Locker provides distributed mutual exclusion over the shared store.
// Acquisition is a single SetIfAbsent; the TTL bounds how long a crashed
// holder can block the key. Acquisition failure is contention, not an error.
type Locker struct {
	store store.Store
	log   *logger.Logger
}

func NewLocker(baseLog *logger.Logger, st store.Store) (*Locker, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	return &Locker{
		store: st,
		log:   baseLog.With("component", "Locker"),
	}, nil
}

// Acquire attempts to take the lock, returning the holder token on success.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errs.ErrInvalidArgument
	}
	token := uuid.NewString()
	ok, err := l.store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock only while token is still the live holder. A stale
// release, where the holder's TTL lapsed and another worker re-acquired the
// key, is a no-op: the successor's lock must survive.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	ok, err := l.store.DeleteIfEquals(ctx, key, token)
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if !ok {
		l.log.Debug("Stale lock release ignored", "key", key)
	}
	return nil
}

// ForceRelease deletes the lock regardless of who holds it. Admin escape
// hatch only; every normal path releases with its token.
func (l *Locker) ForceRelease(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("force release %s: %w", key, err)
	}
	return nil
}

// IsHeld reports whether a live holder exists without touching the lock.
func (l *Locker) IsHeld(ctx context.Context, key string) (bool, error) {
	_, err := l.store.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
