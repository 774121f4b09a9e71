package generate

import (
	internalgenerate "github.com/SmitUplenchwar2687/quota/internal/generate"
	"github.com/SmitUplenchwar2687/quota/pkg/ratelimit"
)

// Pattern shapes the arrival times of generated requests.
type Pattern = internalgenerate.Pattern

const (
	PatternSteady = internalgenerate.PatternSteady
	PatternBurst  = internalgenerate.PatternBurst
	PatternRamp   = internalgenerate.PatternRamp
)

// Options controls how synthetic traffic is generated.
type Options = internalgenerate.Options

// DefaultOptions returns the defaults of quota generate.
func DefaultOptions() Options {
	return internalgenerate.DefaultOptions()
}

// Traffic creates a synthetic decision log for replay.
func Traffic(opts Options) ([]ratelimit.Event, error) {
	return internalgenerate.Traffic(opts)
}
