package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/emberhq/ember/internal/metrics"
)

// SSEWriter writes chunks to an HTTP response as server-sent events,
// flushing after each one so deltas reach the client immediately.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares the response for streaming. It fails when the
// underlying writer cannot flush, which would silently buffer the stream.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one chunk as an SSE data frame.
func (s *SSEWriter) Send(chunk Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encoding chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	s.flusher.Flush()

	metrics.StreamChunksTotal.WithLabelValues(string(chunk.Type)).Inc()
	return nil
}
