// Package sse reads and writes the `data:`-framed chat event stream.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/pkg/logger"
	"github.com/clay-studio/studio-chat/pkg/metrics"
)

// DefaultMaxLineSize bounds a single line of the stream.
const DefaultMaxLineSize = 4 << 20

// ErrLineTooLong is returned when a line exceeds the decoder's maximum size.
var ErrLineTooLong = errors.New("sse: line exceeds maximum size")

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// Decoder turns a byte stream into StreamEvents, one per complete `data:` line.
type Decoder struct {
	r       *bufio.Reader
	logger  *logger.Logger
	maxLine int
	line    []byte
	done    bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger used to report dropped lines.
func WithLogger(log *logger.Logger) DecoderOption {
	return func(d *Decoder) {
		if log != nil {
			d.logger = log
		}
	}
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:       bufio.NewReader(r),
		logger:  logger.NewNop(),
		maxLine: DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event in arrival order. It returns io.EOF once the
// stream is closed or a `[DONE]` line is read, and ctx.Err() once ctx is done.
// Lines carrying malformed JSON are dropped and decoding continues.
func (d *Decoder) Next(ctx context.Context) (*model.StreamEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.done {
			return nil, io.EOF
		}

		line, err := d.readLine()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				d.done = true
			}
			return nil, err
		}

		payload, ok := dataPayload(line)
		if !ok || len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, doneSentinel) {
			d.done = true
			return nil, io.EOF
		}

		var event model.StreamEvent
		if err := json.Unmarshal(payload, &event); err != nil || event.Type == "" {
			metrics.MalformedLinesTotal.Inc()
			d.logger.Debug("dropping malformed stream line",
				zap.ByteString("line", truncate(payload, 256)),
				zap.Error(err),
			)
			continue
		}

		metrics.RecordStreamEvent(string(event.Type))
		return &event, nil
	}
}

// readLine returns the next newline-terminated line without its terminator.
// An unterminated tail at EOF is discarded.
func (d *Decoder) readLine() ([]byte, error) {
	d.line = d.line[:0]
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(d.line)+len(chunk) > d.maxLine {
			return nil, ErrLineTooLong
		}
		d.line = append(d.line, chunk...)

		switch {
		case err == nil:
			return bytes.TrimRight(d.line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if len(d.line) > 0 && errors.Is(err, io.EOF) {
				d.logger.Debug("discarding unterminated trailing line", zap.Int("bytes", len(d.line)))
			}
			return nil, err
		}
	}
}

func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := line[len(dataPrefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return payload, true
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
