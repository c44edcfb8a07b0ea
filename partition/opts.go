package partition

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Opts configures the greedy chunk splitter.
type Opts struct {
	// NucleotidesPerSecond converts a region length into a runtime estimate
	// for regions that don't carry one.
	NucleotidesPerSecond float64
	// MinChunkSeconds is the accumulated time a chunk must exceed before it
	// can be closed.
	MinChunkSeconds float64
	// LongestSlack bounds how far a chunk may grow past the longest single
	// region it contains, once it exceeds MinChunkSeconds.
	LongestSlack float64
}

// DefaultOpts are the splitter settings used by the command-line tools.
var DefaultOpts = Opts{
	NucleotidesPerSecond: 1000,
	MinChunkSeconds:      600,
	LongestSlack:         1.05,
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (o Opts) validate() error {
	if !finite(o.NucleotidesPerSecond) || o.NucleotidesPerSecond <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("partition: NucleotidesPerSecond must be positive, got %v", o.NucleotidesPerSecond))
	}
	if !finite(o.MinChunkSeconds) || !finite(o.LongestSlack) || o.MinChunkSeconds < 0 || o.LongestSlack <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("partition: invalid split thresholds %v/%v", o.MinChunkSeconds, o.LongestSlack))
	}
	return nil
}
