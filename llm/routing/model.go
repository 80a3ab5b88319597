package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// APIStyle is the wire protocol dialect a physical upstream speaks.
type APIStyle string

const (
	StyleOpenAI    APIStyle = "openai"
	StyleClaude    APIStyle = "claude"
	StyleResponses APIStyle = "responses"
)

// PhysicalUpstream is one concrete call target: a provider, the model id
// forwarded to it, the resolved endpoint, and the style it expects.
type PhysicalUpstream struct {
	ProviderID      string   `json:"provider_id"`
	UpstreamModelID string   `json:"upstream_model_id"`
	Endpoint        string   `json:"endpoint"`
	BaseWeight      float64  `json:"base_weight"`
	Region          string   `json:"region,omitempty"`
	MaxQPS          float64  `json:"max_qps,omitempty"`
	APIStyle        APIStyle `json:"api_style"`
}

// LogicalModel groups physical upstreams advertised under one client-facing id.
type LogicalModel struct {
	LogicalID    string             `json:"logical_id"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Upstreams    []PhysicalUpstream `json:"upstreams"`
	Enabled      bool               `json:"enabled"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ErrModelNotAvailable is returned when no configured or discovered provider
// can serve the requested logical model.
var ErrModelNotAvailable = types.NewError(types.ErrModelNotFound, "model not available").WithHTTPStatus(400)

// Resolver implements resolve(lookup_id, api_style, allowed_provider_ids).
type Resolver struct {
	mu        sync.RWMutex
	cfg       *config.Config
	cache     *cache.Manager
	providers map[string]llm.Provider
	logger    *zap.Logger
	modelsTTL time.Duration
}

// NewResolver builds a resolver over a config snapshot, the shared cache (for
// the `/models` discovery cache), and the live provider registry used to
// refresh that cache on miss.
func NewResolver(cfg *config.Config, cacheMgr *cache.Manager, providers map[string]llm.Provider, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.Cache.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		cfg:       cfg,
		cache:     cacheMgr,
		providers: providers,
		logger:    logger.With(zap.String("component", "resolver")),
		modelsTTL: ttl,
	}
}

// UpdateConfig swaps the static snapshot, called by the hot-reload manager.
func (r *Resolver) UpdateConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func allowedSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil // nil = unrestricted
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func filterUpstreams(ups []PhysicalUpstream, allowed map[string]bool) []PhysicalUpstream {
	if allowed == nil {
		return ups
	}
	out := make([]PhysicalUpstream, 0, len(ups))
	for _, u := range ups {
		if allowed[u.ProviderID] {
			out = append(out, u)
		}
	}
	return out
}

// Resolve maps lookupID to a LogicalModel, trying the static configuration
// first and falling back to dynamic discovery across accessible providers.
func (r *Resolver) Resolve(ctx context.Context, lookupID string, style APIStyle, allowedProviderIDs []string) (*LogicalModel, error) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	allowed := allowedSet(allowedProviderIDs)

	if lm, ok := cfg.LogicalModels[lookupID]; ok && lm.Enabled {
		ups := make([]PhysicalUpstream, 0, len(lm.Upstreams))
		for _, u := range lm.Upstreams {
			pu, ok := r.buildUpstream(cfg, u.ProviderID, u.UpstreamModelID, style, u)
			if ok {
				ups = append(ups, pu)
			}
		}
		ups = filterUpstreams(ups, allowed)
		if len(ups) == 0 {
			return nil, ErrModelNotAvailable
		}
		return &LogicalModel{
			LogicalID:    lookupID,
			Capabilities: lm.Capabilities,
			Upstreams:    ups,
			Enabled:      true,
			UpdatedAt:    time.Now(),
		}, nil
	}

	return r.discover(ctx, cfg, lookupID, style, allowed)
}

// buildUpstream resolves one statically configured upstream's endpoint for
// the given client-requested style, honoring the responses>openai>claude
// priority among the provider's supported styles.
func (r *Resolver) buildUpstream(cfg *config.Config, providerID, upstreamModelID string, style APIStyle, override config.PhysicalUpstreamConfig) (PhysicalUpstream, bool) {
	pc, ok := cfg.Providers[providerID]
	if !ok || !pc.Enabled {
		return PhysicalUpstream{}, false
	}

	resolvedStyle := APIStyle(override.APIStyle)
	if resolvedStyle == "" {
		resolvedStyle = style
	}

	endpoint := override.Endpoint
	if endpoint == "" {
		endpoint, resolvedStyle = r.endpointFor(pc, resolvedStyle)
	}
	if endpoint == "" && pc.Transport != "sdk" {
		return PhysicalUpstream{}, false
	}
	if pc.Transport == "sdk" {
		endpoint = pc.BaseURL
	}

	weight := override.BaseWeight
	if weight <= 0 {
		weight = pc.Weight
	}

	return PhysicalUpstream{
		ProviderID:      providerID,
		UpstreamModelID: upstreamModelID,
		Endpoint:        endpoint,
		BaseWeight:      weight,
		Region:          override.Region,
		MaxQPS:          firstNonZero(override.MaxQPS, pc.MaxQPS),
		APIStyle:        resolvedStyle,
	}, true
}

func firstNonZero(a, b float64) float64 {
	if a > 0 {
		return a
	}
	return b
}

// endpointFor picks (path, style) by the responses > openai > claude
// priority among paths the provider actually configured, preferring the
// client's requested style when the provider supports it.
func (r *Resolver) endpointFor(pc config.ProviderConfig, requested APIStyle) (string, APIStyle) {
	type candidate struct {
		style APIStyle
		path  string
	}
	candidates := []candidate{
		{StyleResponses, pc.ResponsesPath},
		{StyleOpenAI, pc.ChatCompletionsPath},
		{StyleClaude, pc.MessagesPath},
	}

	// Requested style wins if the provider has a non-empty path for it.
	for _, c := range candidates {
		if c.style == requested && c.path != "" {
			return strings.TrimRight(pc.BaseURL, "/") + c.path, c.style
		}
	}
	// Otherwise fall back to priority order.
	for _, c := range candidates {
		if c.path != "" {
			return strings.TrimRight(pc.BaseURL, "/") + c.path, c.style
		}
	}
	return "", requested
}

// discover performs dynamic discovery: every accessible provider's cached
// /models list is consulted for an id matching lookupID (exact, or as the
// suffix of a "provider/model" grouped id).
func (r *Resolver) discover(ctx context.Context, cfg *config.Config, lookupID string, style APIStyle, allowed map[string]bool) (*LogicalModel, error) {
	var ups []PhysicalUpstream

	for providerID, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if allowed != nil && !allowed[providerID] {
			continue
		}

		models, err := r.cachedModels(ctx, providerID, pc)
		if err != nil {
			r.logger.Warn("model discovery failed for provider",
				zap.String("provider_id", providerID), zap.Error(err))
			continue
		}

		matchedModelID := ""
		for _, m := range models {
			if m.ID == lookupID {
				matchedModelID = m.ID
				break
			}
			if strings.HasSuffix(m.ID, "/"+lookupID) {
				matchedModelID = m.ID
				break
			}
			if m.Root == lookupID || m.Parent == lookupID {
				matchedModelID = m.ID
				break
			}
		}
		if matchedModelID == "" {
			for _, static := range pc.StaticModels {
				if static == lookupID {
					matchedModelID = lookupID
					break
				}
			}
		}
		if matchedModelID == "" {
			continue
		}

		pu, ok := r.buildUpstream(cfg, providerID, matchedModelID, style, config.PhysicalUpstreamConfig{})
		if ok {
			ups = append(ups, pu)
		}
	}

	if len(ups) == 0 {
		return nil, ErrModelNotAvailable
	}

	return &LogicalModel{
		LogicalID: lookupID,
		Upstreams: ups,
		Enabled:   true,
		UpdatedAt: time.Now(),
	}, nil
}

// cachedModels reads `llm:vendor:{id}:models` from the shared cache,
// refreshing it from the live provider on a miss.
func (r *Resolver) cachedModels(ctx context.Context, providerID string, pc config.ProviderConfig) ([]llm.Model, error) {
	key := fmt.Sprintf("llm:vendor:%s:models", providerID)

	if r.cache != nil {
		raw, err := r.cache.Get(ctx, key)
		if err == nil {
			var models []llm.Model
			if jsonErr := json.Unmarshal([]byte(raw), &models); jsonErr == nil {
				return models, nil
			}
		} else if !cache.IsCacheMiss(err) {
			r.logger.Warn("models cache read failed", zap.String("provider_id", providerID), zap.Error(err))
		}
	}

	if len(pc.StaticModels) > 0 {
		models := make([]llm.Model, 0, len(pc.StaticModels))
		for _, id := range pc.StaticModels {
			models = append(models, llm.Model{ID: id, Object: "model", OwnedBy: providerID})
		}
		r.storeModels(ctx, key, models)
		return models, nil
	}

	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("no live provider registered for %s", providerID)
	}

	models, err := provider.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models for %s: %w", providerID, err)
	}

	r.storeModels(ctx, key, models)
	return models, nil
}

func (r *Resolver) storeModels(ctx context.Context, key string, models []llm.Model) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetJSON(ctx, key, models, r.modelsTTL); err != nil {
		r.logger.Warn("failed to cache discovered models", zap.String("key", key), zap.Error(err))
	}
}
