// Package adapter implements the gateway's protocol adapter (spec §4.6):
// converting chat payloads between the OpenAI chat.completions shape
// (the canonical intermediate, matching llm.ChatRequest/ChatResponse),
// Anthropic's Claude Messages API, and the OpenAI Responses API, plus a
// stateful per-stream SSE encoder that renders canonical stream chunks in
// each client style. Decoding upstream SSE is done in llm/transport.
//
// Grounded on the teacher's provider adapters (llm/providers/anthropic,
// llm/providers/openai, llm/providers/common.go rewriter chain): those
// adapters convert a single vendor's wire format to/from llm.ChatRequest
// one-way; this package generalizes the same field mapping into
// symmetric, style-to-style conversions driven by routing.APIStyle.
package adapter
