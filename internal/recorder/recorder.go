// Package recorder captures rate limit decisions as newline-delimited JSON
// so that production traffic can later be replayed against other limits.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
)

// DefaultKeep is how many recent decisions a Recorder retains in memory.
const DefaultKeep = 1000

// Recorder captures decisions for later replay.
// Thread-safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []ratelimit.Event
	keep   int
	enc    *json.Encoder // optional: stream events as they arrive
	closer io.Closer
}

// New creates a Recorder that retains the last keep events in memory. If w
// is non-nil, events are also written to w as newline-delimited JSON.
func New(w io.Writer, keep int) *Recorder {
	r := &Recorder{keep: max(keep, 0)}
	if w != nil {
		r.enc = json.NewEncoder(w)
	}
	return r
}

// Create opens path for appending and returns a Recorder streaming to it.
// Close closes the file.
func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening decision log: %w", err)
	}
	r := New(f, DefaultKeep)
	r.closer = f
	return r, nil
}

// Record captures a single decision.
func (r *Recorder) Record(ev ratelimit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keep > 0 {
		if len(r.events) == r.keep {
			copy(r.events, r.events[1:])
			r.events = r.events[:len(r.events)-1]
		}
		r.events = append(r.events, ev)
	}

	if r.enc != nil {
		if err := r.enc.Encode(ev); err != nil {
			return fmt.Errorf("writing decision: %w", err)
		}
	}
	return nil
}

// Sink adapts Record to ratelimit.Config.OnDecision. Write failures are
// logged rather than returned.
func (r *Recorder) Sink(logger *slog.Logger) func(ratelimit.Event) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev ratelimit.Event) {
		if err := r.Record(ev); err != nil {
			logger.Warn("recording decision failed", "limiter", ev.Limiter, "error", err)
		}
	}
}

// Events returns a copy of the retained decisions, oldest first.
func (r *Recorder) Events() []ratelimit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ratelimit.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of retained decisions.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Close closes the underlying file when the Recorder was built by Create.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	r.enc = nil
	return err
}

// Load reads newline-delimited JSON decisions.
func Load(rd io.Reader) ([]ratelimit.Event, error) {
	dec := json.NewDecoder(rd)
	var events []ratelimit.Event
	for {
		var ev ratelimit.Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decision %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
}

// LoadFile reads a decision log written by Create.
func LoadFile(path string) ([]ratelimit.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening decision log: %w", err)
	}
	defer f.Close()
	return Load(f)
}
