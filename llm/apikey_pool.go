package llm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// ErrNoAvailableAPIKey names the condition in which every key for a
// provider is either in backoff or exhausted against its QPS bucket for the
// current second. Acquire reports that condition as a *types.Error with code
// ErrProviderUnavailable and HTTP status 503, not as this value.
var ErrNoAvailableAPIKey = errors.New("no available API key")

const (
	bandTolerance    = 0.05
	minPrefScore     = 0.1
	maxPrefScore     = 10.0
	successDelta     = 0.1
	failureDelta     = -0.3
	authFailureDelta = -1.0
)

// apiKeyState is the in-process, per-key state the pool owns exclusively.
// Preference *scores* live in the shared cache (see scoreMember); everything
// here matches spec §3's ApiKeyState, minus the raw key's cache exposure.
type apiKeyState struct {
	rawKey       string
	label        string
	weight       float64
	maxQPS       float64
	failCount    int
	backoffUntil time.Time
	lastUsedAt   time.Time
}

// SelectedKey is what Acquire hands back to the transport executor.
type SelectedKey struct {
	ProviderID string
	RawKey     string
	Label      string
}

// APIKeyPool implements spec §4.5's acquire/record_success/record_failure
// for one provider. A single instance owns one provider's lock, matching
// the "per-provider lock covering the acquire steps" concurrency
// requirement.
//
// Grounded on the teacher's APIKeyPool (llm/apikey_pool.go): the weighted
// selection and per-instance mutex shape survive; gorm/DB-backed LoadKeys
// is replaced with SyncKeys against the static ProviderConfig, and
// preference-score persistence moves from nowhere (the teacher had none)
// into the shared cache's HMAC-keyed sorted set per spec §4.5/§6.
type APIKeyPool struct {
	mu         sync.Mutex
	providerID string
	secret     string
	cache      *cache.Manager
	logger     *zap.Logger
	rng        *rand.Rand

	keys map[string]*apiKeyState // label -> state
}

// NewAPIKeyPool builds a pool for one provider. secret is the gateway HMAC
// secret (config.GatewaySettings.Secret); raw keys are hashed with it
// before they ever touch the cache.
func NewAPIKeyPool(providerID, secret string, cacheMgr *cache.Manager, logger *zap.Logger) *APIKeyPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyPool{
		providerID: providerID,
		secret:     secret,
		cache:      cacheMgr,
		logger:     logger.With(zap.String("component", "apikey_pool"), zap.String("provider_id", providerID)),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		keys:       make(map[string]*apiKeyState),
	}
}

func maskLabel(rawKey string) string {
	if len(rawKey) <= 8 {
		return "****"
	}
	return rawKey[:4] + "..." + rawKey[len(rawKey)-4:]
}

// scoreMember is the HMAC-SHA256 hex digest of "{provider}:{raw_key}" — the
// only representation of an API key ever written to the shared cache.
func (p *APIKeyPool) scoreMember(rawKey string) string {
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write([]byte(p.providerID + ":" + rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *APIKeyPool) scoresKey() string {
	return fmt.Sprintf("provider:%s:key_scores", p.providerID)
}

func (p *APIKeyPool) qpsKey(label string, epochSec int64) string {
	return fmt.Sprintf("provider:%s:key:%s:qps:%d", p.providerID, label, epochSec)
}

// SyncKeys reconciles the in-process key table against the provider's
// currently configured keys: new keys are added, existing ones have their
// weight/maxQPS metadata refreshed, and keys no longer configured are
// dropped.
func (p *APIKeyPool) SyncKeys(configuredKeys []string, weight, maxQPS float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(configuredKeys))
	for _, raw := range configuredKeys {
		label := maskLabel(raw)
		seen[label] = true
		if st, ok := p.keys[label]; ok {
			st.weight = weight
			st.maxQPS = maxQPS
			continue
		}
		p.keys[label] = &apiKeyState{
			rawKey: raw,
			label:  label,
			weight: weight,
			maxQPS: maxQPS,
		}
	}
	for label := range p.keys {
		if !seen[label] {
			delete(p.keys, label)
		}
	}
}

// Available reports whether at least one key is not currently in backoff,
// satisfying routing.KeyAvailability without the cache round-trip a full
// Acquire needs.
func (p *APIKeyPool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, st := range p.keys {
		if st.backoffUntil.Before(now) {
			return true
		}
	}
	return false
}

type bandCandidate struct {
	state *apiKeyState
	score float64
}

// Acquire filters out keys in backoff, scores the rest from the shared
// cache, groups them into bands within bandTolerance of the leader, and
// weighted-selects within the highest band that still has QPS headroom.
func (p *APIKeyPool) Acquire(ctx context.Context) (*SelectedKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	candidates := make([]bandCandidate, 0, len(p.keys))
	for _, st := range p.keys {
		if st.backoffUntil.After(now) {
			continue
		}
		candidates = append(candidates, bandCandidate{state: st, score: p.loadScore(ctx, st.rawKey)})
	}

	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrProviderUnavailable, "no available API key").
			WithHTTPStatus(503).WithProvider(p.providerID).WithRetryable(false)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for len(candidates) > 0 {
		leader := candidates[0].score
		var band, rest []bandCandidate
		for _, c := range candidates {
			if leader-c.score <= bandTolerance {
				band = append(band, c)
			} else {
				rest = append(rest, c)
			}
		}

		if selected, ok := p.reserveFromBand(ctx, band, now); ok {
			selected.lastUsedAt = now
			return &SelectedKey{ProviderID: p.providerID, RawKey: selected.rawKey, Label: selected.label}, nil
		}
		candidates = rest
	}

	return nil, types.NewError(types.ErrProviderUnavailable, "all keys rate limited or in backoff").
		WithHTTPStatus(503).WithProvider(p.providerID).WithRetryable(false)
}

// reserveFromBand weighted-randomly selects within one band, skipping keys
// whose 1-second QPS bucket is already saturated.
func (p *APIKeyPool) reserveFromBand(ctx context.Context, band []bandCandidate, now time.Time) (*apiKeyState, bool) {
	for len(band) > 0 {
		totalWeight := 0.0
		for _, c := range band {
			totalWeight += effectiveWeight(c.state.weight)
		}
		if totalWeight <= 0 {
			return nil, false
		}

		pick := p.rng.Float64() * totalWeight
		idx := len(band) - 1
		for i, c := range band {
			pick -= effectiveWeight(c.state.weight)
			if pick <= 0 {
				idx = i
				break
			}
		}

		chosen := band[idx]
		if chosen.state.maxQPS > 0 {
			epoch := now.Unix()
			count, err := p.cache.IncrWithExpire(ctx, p.qpsKey(chosen.state.label, epoch), time.Second)
			if err == nil && float64(count) > chosen.state.maxQPS {
				band = append(append([]bandCandidate{}, band[:idx]...), band[idx+1:]...)
				continue
			}
		}
		return chosen.state, true
	}
	return nil, false
}

func effectiveWeight(w float64) float64 {
	if w <= 0 {
		return 1.0
	}
	return w
}

// loadScore reads the cached preference score for rawKey, defaulting to a
// neutral 1.0 for a key never previously scored.
func (p *APIKeyPool) loadScore(ctx context.Context, rawKey string) float64 {
	if p.cache == nil {
		return 1.0
	}
	score, err := p.cache.ZScore(ctx, p.scoresKey(), p.scoreMember(rawKey))
	if err != nil {
		return 1.0
	}
	return score
}

// RecordSuccess resets backoff and nudges the cached preference score up.
func (p *APIKeyPool) RecordSuccess(ctx context.Context, label string) {
	p.mu.Lock()
	st, ok := p.keys[label]
	if ok {
		st.failCount = 0
		st.backoffUntil = time.Time{}
	}
	p.mu.Unlock()

	if !ok || p.cache == nil {
		return
	}
	go p.nudgeScore(st.rawKey, successDelta)
}

// RecordFailure applies spec §4.5's backoff formula:
// backoff_until = now + min(60, base * 2^min(fail_count, 5)), base=1s for a
// retryable failure or 5s for a fatal one; 401/403 floors backoff at 30s
// and applies a larger negative preference-score delta.
func (p *APIKeyPool) RecordFailure(ctx context.Context, label string, retryable bool, status int) {
	p.mu.Lock()
	st, ok := p.keys[label]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.failCount++
	base := 5 * time.Second
	if retryable {
		base = 1 * time.Second
	}
	backoff := time.Duration(math.Min(
		60,
		base.Seconds()*math.Pow(2, math.Min(float64(st.failCount), 5)),
	) * float64(time.Second))

	delta := failureDelta
	if status == 401 || status == 403 {
		if backoff < 30*time.Second {
			backoff = 30 * time.Second
		}
		delta = authFailureDelta
	}
	st.backoffUntil = time.Now().Add(backoff)
	rawKey := st.rawKey
	p.mu.Unlock()

	if p.cache == nil {
		return
	}
	go p.nudgeScore(rawKey, delta)
}

func (p *APIKeyPool) nudgeScore(rawKey string, delta float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	member := p.scoreMember(rawKey)
	newScore, err := p.cache.ZIncrBy(ctx, p.scoresKey(), member, delta)
	if err != nil {
		p.logger.Warn("preference score update failed", zap.Error(err))
		return
	}

	clamped := newScore
	if clamped < minPrefScore {
		clamped = minPrefScore
	} else if clamped > maxPrefScore {
		clamped = maxPrefScore
	}
	if clamped != newScore {
		if err := p.cache.ZAdd(ctx, p.scoresKey(), member, clamped); err != nil {
			p.logger.Warn("preference score clamp failed", zap.Error(err))
		}
	}
}

// PoolRegistry keys APIKeyPools by provider id and satisfies
// routing.KeyAvailability for the scheduler.
type PoolRegistry struct {
	mu    sync.RWMutex
	pools map[string]*APIKeyPool
}

func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{pools: make(map[string]*APIKeyPool)}
}

func (r *PoolRegistry) Register(pool *APIKeyPool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[pool.providerID] = pool
}

func (r *PoolRegistry) Get(providerID string) (*APIKeyPool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[providerID]
	return p, ok
}

// Available implements routing.KeyAvailability.
func (r *PoolRegistry) Available(providerID string) bool {
	r.mu.RLock()
	pool, ok := r.pools[providerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return pool.Available()
}
