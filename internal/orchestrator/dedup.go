package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
)

// Dedup suppresses provider webhook redeliveries with a bounded-TTL marker.
// Best effort only: the run lock, not this filter, is what protects the
// processing invariants.
type Dedup struct {
	store store.Store
	log   *logger.Logger
	ttl   time.Duration
}

func NewDedup(baseLog *logger.Logger, st store.Store, ttl time.Duration) (*Dedup, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Dedup{
		store: st,
		log:   baseLog.With("component", "Dedup"),
		ttl:   ttl,
	}, nil
}

// Seen marks providerMessageID and reports whether it was already marked.
// On store errors it reports false so a flaky store degrades to duplicate
// processing, never to dropped messages.
func (d *Dedup) Seen(ctx context.Context, providerMessageID string) bool {
	if providerMessageID == "" {
		return false
	}
	ok, err := d.store.SetIfAbsent(ctx, seenKey(providerMessageID), "1", d.ttl)
	if err != nil {
		d.log.Warn("Dedup marker unavailable", "provider_message_id", providerMessageID, "error", err)
		return false
	}
	return !ok
}
