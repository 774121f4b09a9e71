package recorder

import (
	"io"

	internalrecorder "github.com/SmitUplenchwar2687/quota/internal/recorder"
	"github.com/SmitUplenchwar2687/quota/pkg/ratelimit"
)

// Recorder captures limiter decisions for later replay.
type Recorder = internalrecorder.Recorder

// DefaultKeep is how many recent decisions a Recorder retains in memory.
const DefaultKeep = internalrecorder.DefaultKeep

// New creates a Recorder retaining the last keep decisions and streaming
// them to w as newline-delimited JSON when w is non-nil.
func New(w io.Writer, keep int) *Recorder {
	return internalrecorder.New(w, keep)
}

// Create opens path for appending and returns a Recorder streaming to it.
func Create(path string) (*Recorder, error) {
	return internalrecorder.Create(path)
}

// Load reads newline-delimited JSON decisions.
func Load(r io.Reader) ([]ratelimit.Event, error) {
	return internalrecorder.Load(r)
}
