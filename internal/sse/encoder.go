package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("sse: streaming not supported")

// Encoder writes events as `data:` frames and flushes after each one.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder sets the event-stream headers on w and returns an encoder for it.
func NewEncoder(w http.ResponseWriter) (*Encoder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &Encoder{w: w, flusher: flusher}, nil
}

// Send writes v as one JSON event.
func (e *Encoder) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(e.w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()

	return nil
}

// Done writes the end-of-stream marker.
func (e *Encoder) Done() error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", doneSentinel); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
