// Package relay - sse.go builds and writes chat.completion.chunk SSE frames.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// completionChunk is one OpenAI-style streaming chunk.
type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func makeChunk(id string, created int64, model, content string, finishReason *string) completionChunk {
	return completionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{Delta: chunkDelta{Content: content}, FinishReason: finishReason}},
	}
}

func makeRoleChunk(id string, created int64, model string) completionChunk {
	return completionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{Delta: chunkDelta{Role: "assistant"}}},
	}
}

// sseWriter writes SSE frames with per-frame flushing. The first write error
// is sticky: once the client is gone every later write is a no-op, so the
// relay loop can keep draining without special-casing a dead writer.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) writeChunk(c completionChunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.writeRaw(fmt.Sprintf("data: %s\n\n", data))
}

func (s *sseWriter) writeRaw(frame string) error {
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write([]byte(frame)); err != nil {
		s.err = err
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// failed reports whether a write has failed (client disconnected).
func (s *sseWriter) failed() bool { return s.err != nil }

// providerPrefixes are stripped from model names before forwarding; the
// runtime only knows bare model ids.
var providerPrefixes = []string{"anthropic/", "openai/", "google/", "meta/"}

// prepareForwardBody patches the client body for the runtime: streaming is
// forced on (the relay always consumes SSE upstream) and provider prefixes
// are stripped from the model.
func prepareForwardBody(body []byte) ([]byte, string) {
	model := gjson.GetBytes(body, "model").String()
	for _, prefix := range providerPrefixes {
		if strings.HasPrefix(model, prefix) {
			model = strings.TrimPrefix(model, prefix)
			body, _ = sjson.SetBytes(body, "model", model)
			break
		}
	}
	body, _ = sjson.SetBytes(body, "stream", true)
	if model == "" {
		model = "unknown"
	}
	return body, model
}

// parseUpstreamLine extracts the delta text and finish reason from one
// upstream SSE line. done is true for [DONE]; ok is false for non-data lines
// and unparseable payloads.
func parseUpstreamLine(line string) (text string, finished bool, done bool, ok bool) {
	if !strings.HasPrefix(line, "data: ") {
		return "", false, false, false
	}
	payload := strings.TrimSpace(line[len("data: "):])
	if payload == "[DONE]" {
		return "", false, true, true
	}
	if !gjson.Valid(payload) {
		return "", false, false, false
	}
	if gjson.Get(payload, "choices.0.finish_reason").Exists() &&
		gjson.Get(payload, "choices.0.finish_reason").Type != gjson.Null {
		return "", true, false, true
	}
	return gjson.Get(payload, "choices.0.delta.content").String(), false, false, true
}
