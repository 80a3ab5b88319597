// Package routing implements the gateway's logical-model resolver and
// scheduler: mapping a caller-supplied model id to a ranked list of
// physical upstreams, the way the teacher's llm/router.go mapped an
// agent request to a provider, but driven by cached live metrics and
// HMAC-scoped key availability instead of a gorm-backed RoutingStrategy.
package routing
