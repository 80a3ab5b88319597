package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentflow/internal/cache"
)

// CooldownTracker implements spec §4.3's short-lived per-provider failure
// cooldown: a candidate whose recent failure count has crossed threshold
// within window is skipped without counting as an attempt.
type CooldownTracker struct {
	cache     *cache.Manager
	threshold int64
	window    time.Duration
}

func NewCooldownTracker(cacheMgr *cache.Manager, threshold int64, window time.Duration) *CooldownTracker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &CooldownTracker{cache: cacheMgr, threshold: threshold, window: window}
}

func cooldownKey(providerID, logicalID string) string {
	return fmt.Sprintf("provider:%s:failures:%s", providerID, logicalID)
}

// ShouldSkip reports whether the candidate is currently cooling down.
func (c *CooldownTracker) ShouldSkip(ctx context.Context, providerID, logicalID string) bool {
	if c.cache == nil {
		return false
	}
	raw, err := c.cache.Get(ctx, cooldownKey(providerID, logicalID))
	if err != nil {
		return false
	}
	var count int64
	if _, scanErr := fmt.Sscanf(raw, "%d", &count); scanErr != nil {
		return false
	}
	return count >= c.threshold
}

// RecordFailure increments the rolling failure counter for one candidate.
func (c *CooldownTracker) RecordFailure(ctx context.Context, providerID, logicalID string) {
	if c.cache == nil {
		return
	}
	if _, err := c.cache.IncrWithExpire(ctx, cooldownKey(providerID, logicalID), c.window); err != nil {
		return
	}
}

// Clear resets the cooldown counter after a success or a first committed
// stream byte.
func (c *CooldownTracker) Clear(ctx context.Context, providerID, logicalID string) {
	if c.cache == nil {
		return
	}
	_ = c.cache.Delete(ctx, cooldownKey(providerID, logicalID))
}
