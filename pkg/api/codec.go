package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/geo-mak/autonomic-playground/pkg/operation"
)

// ContentTypeNDJSON is the media type of state streams: one JSON OpState per line.
const ContentTypeNDJSON = "application/x-ndjson"

// maxLineSize bounds one encoded state.
const maxLineSize = 1024 * 1024

// Encoder writes states as newline-delimited JSON and flushes after each one.
type Encoder struct {
	w       *bufio.Writer
	flusher http.Flusher
}

// NewEncoder creates an encoder. If w is an http.Flusher every state is
// pushed to the client as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	flusher, _ := w.(http.Flusher)
	return &Encoder{
		w:       bufio.NewWriter(w),
		flusher: flusher,
	}
}

// Encode writes one state line.
func (e *Encoder) Encode(state operation.OpState) error {
	if !state.Kind.Valid() {
		return fmt.Errorf("invalid state kind %q", state.Kind)
	}

	msgBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Decoder reads states written by an Encoder.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Decoder{r: scanner}
}

// Decode reads the next state. It returns io.EOF at the end of the stream.
// Blank lines are skipped.
func (d *Decoder) Decode() (operation.OpState, error) {
	for d.r.Scan() {
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var state operation.OpState
		if err := json.Unmarshal(line, &state); err != nil {
			return operation.OpState{}, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		if !state.Kind.Valid() {
			return operation.OpState{}, fmt.Errorf("invalid state kind %q", state.Kind)
		}
		return state, nil
	}
	if err := d.r.Err(); err != nil {
		return operation.OpState{}, fmt.Errorf("scan error: %w", err)
	}
	return operation.OpState{}, io.EOF
}
