// Package events emits the structured progress stream a worker session
// writes while it runs: one line per significant step, carrying how long
// the step took and an optional free-form detail, so a supervising process
// or log aggregator can follow a cycle without parsing prose.
package events

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Event is a single emitted progress line.
type Event struct {
	Label          string      `json:"label"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	Detail         interface{} `json:"detail,omitempty"`
}

// Emitter writes Events as newline-delimited JSON to an underlying writer,
// timestamped relative to when the Emitter was created.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	enc     *json.Encoder
	started time.Time
}

// NewEmitter builds an Emitter writing to w, starting its elapsed-time clock
// now.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w, enc: json.NewEncoder(w), started: time.Now()}
}

// NewStderrEmitter builds an Emitter writing to os.Stderr, the default
// destination for a worker session's own process.
func NewStderrEmitter() *Emitter {
	return NewEmitter(os.Stderr)
}

// Emit writes a single event with the given label and optional detail.
func (e *Emitter) Emit(label string, detail interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(Event{
		Label:          label,
		ElapsedSeconds: time.Since(e.started).Seconds(),
		Detail:         detail,
	})
}

// Step returns a closure that emits label when called, for one-line use at
// the end of a function via defer.
func (e *Emitter) Step(label string) func() {
	return func() { e.Emit(label, nil) }
}
