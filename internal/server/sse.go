package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// sseStream writes server-sent events for one request. Once the client
// context is done, writes become silent no-ops; pipeline work keeps going
// so its result can still land in the cache.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// newSSEStream negotiates streaming with the client and writes the SSE
// headers. Returns false when the ResponseWriter cannot flush.
func newSSEStream(w http.ResponseWriter, r *http.Request) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseStream{w: w, flusher: flusher, ctx: r.Context()}, true
}

// send emits one named event with a JSON data line.
func (s *sseStream) send(event string, data any) {
	if s.ctx.Err() != nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload)
	s.flusher.Flush()
}
