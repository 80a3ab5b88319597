package engine

import (
	"context"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/adapter"
	"github.com/BaSui01/agentflow/llm/routing"
	"github.com/BaSui01/agentflow/types"
)

// Streamer is the narrow slice of llm.Provider the retry loop needs for
// streaming candidates. llm.Provider values satisfy it structurally; a
// per-candidate transport.HTTPStreamTransport (built directly from a
// routing.PhysicalUpstream, with no provider-config wiring required) does
// too.
type Streamer interface {
	Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// ProviderFor resolves the Streamer that serves one candidate upstream's
// streaming path, given the API key acquired for it. The Streamer decodes
// the upstream's wire format into canonical llm.StreamChunk values, so the
// retry loop only needs to re-encode each chunk into the client's
// requested wire style.
type ProviderFor func(u routing.PhysicalUpstream, apiKey string) (Streamer, error)

// OnFirstChunk is invoked once the first byte of a stream has been produced
// by an upstream: it binds the session sticky to that upstream and clears
// its failure cooldown, per spec §4.3.
type OnFirstChunk func(providerID, upstreamModelID string)

// StreamFrame is one encoded frame ready to write to the client connection.
type StreamFrame struct {
	Data []byte
	Err  error
}

// RunStream implements the streaming candidate-retry contract. Before the
// first byte, a failed candidate is retried silently against the next one
// in line. Once a byte has been emitted the response is committed: any
// further failure is surfaced as a protocol-correct terminal error frame
// and no further candidate is attempted.
func (l *Loop) RunStream(ctx context.Context, logicalID string, candidates []routing.ScoredUpstream, req *llm.ChatRequest, clientStyle routing.APIStyle, providerFor ProviderFor, onFirstChunk OnFirstChunk) <-chan StreamFrame {
	out := make(chan StreamFrame, 8)

	go func() {
		defer close(out)
		encoder := adapter.NewStreamEncoder(clientStyle)
		committed := false

		for _, c := range candidates {
			if committed {
				break
			}
			u := c.Upstream
			if l.Cooldown.ShouldSkip(ctx, u.ProviderID, logicalID) {
				continue
			}

			pool, ok := l.Pools.Get(u.ProviderID)
			if !ok {
				continue
			}
			key, err := pool.Acquire(ctx)
			if err != nil {
				continue
			}

			provider, err := providerFor(u, key.RawKey)
			if err != nil {
				continue
			}

			chunks, err := provider.Stream(ctx, req)
			if err != nil {
				pool.RecordFailure(ctx, key.Label, true, 0)
				l.Cooldown.RecordFailure(ctx, u.ProviderID, logicalID)
				continue
			}

			fired := false
			firstByteHook := func() {
				if fired {
					return
				}
				fired = true
				pool.RecordSuccess(ctx, key.Label)
				l.Cooldown.Clear(ctx, u.ProviderID, logicalID)
				if onFirstChunk != nil {
					onFirstChunk(u.ProviderID, u.UpstreamModelID)
				}
			}

			ok = l.drainCandidate(ctx, chunks, encoder, out, &committed, firstByteHook)
			if ok {
				return
			}

			if committed {
				// Response already streamed to the client; a mid-stream
				// failure here was already turned into a terminal error
				// frame by drainCandidate. No further candidate switching.
				return
			}

			pool.RecordFailure(ctx, key.Label, true, 0)
			l.Cooldown.RecordFailure(ctx, u.ProviderID, logicalID)
		}

		if !committed {
			out <- StreamFrame{Err: types.NewError(types.ErrUpstreamError, "all streaming candidates exhausted").
				WithHTTPStatus(502).WithRetryable(false)}
		}
	}()

	return out
}

// drainCandidate forwards one candidate's chunks to out, encoded for the
// client's style. It returns true when the candidate's stream ended without
// an error chunk (channel closed or finish_reason set) and false on an
// error chunk. If ctx is cancelled it returns whether the response had
// already committed.
func (l *Loop) drainCandidate(ctx context.Context, chunks <-chan llm.StreamChunk, encoder adapter.StreamEncoder, out chan<- StreamFrame, committed *bool, firstByte func()) bool {
	for {
		select {
		case <-ctx.Done():
			return *committed
		case chunk, open := <-chunks:
			if !open {
				out <- StreamFrame{Data: encoder.EncodeDone()}
				return true
			}
			if chunk.Err != nil {
				if !*committed {
					// Pre-commit failure: let the caller try the next
					// candidate instead of surfacing this to the client.
					return false
				}
				out <- StreamFrame{Data: encoder.EncodeChunk(chunk)}
				out <- StreamFrame{Data: encoder.EncodeDone()}
				return false
			}

			*committed = true
			firstByte()
			out <- StreamFrame{Data: encoder.EncodeChunk(chunk)}

			if chunk.FinishReason != "" {
				out <- StreamFrame{Data: encoder.EncodeDone()}
				return true
			}
		}
	}
}
