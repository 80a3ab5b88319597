// Package engine implements the gateway's candidate-retry loop (spec
// §4.3): walking the scheduler's ordered candidate list, checking each
// provider's failure cooldown, dispatching through a transport, and
// deciding whether to continue, stop, or (for streams) emit a terminal
// error frame once the response has committed.
//
// Grounded on the teacher's retry package (llm/retry/backoff.go): the
// cooldown/failure-counter idiom generalizes RetryPolicy's attempt
// counting into a per-(provider, logical_model) cache-backed cooldown
// shared across the whole gateway instead of one call's local retries.
//
// Streaming candidates are consumed through the Streamer interface as a
// <-chan llm.StreamChunk. The gateway wires transport.HTTPStreamTransport,
// which decodes the upstream's SSE into canonical StreamChunk values; an
// llm.Provider's Stream satisfies the same interface. The loop itself does
// no SSE parsing: it only re-encodes canonical chunks into the client's
// requested style via llm/adapter's StreamEncoder.
package engine
