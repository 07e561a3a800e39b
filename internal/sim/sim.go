// Package sim defines the contracts between the fitting core and its
// pattern-synthesis collaborators.
//
// The core never synthesizes channeling patterns itself. It drives a
// Generator, which renders a weighted superposition of pre-simulated site
// patterns plus a random background over the same grid and mask as the
// measured data, and a Library, which supplies per-site metadata for result
// annotation.
package sim

import (
	"errors"
	"fmt"
	"sync/atomic"

	"channelfit/pkg/grid"
)

// Mode selects how a Generator renders a pattern.
type Mode string

const (
	// ModeIdeal renders the deterministic expected pattern.
	ModeIdeal Mode = "ideal"
	// ModeMonteCarlo renders a stochastic pattern by sampling events.
	ModeMonteCarlo Mode = "montecarlo"
	// ModePoisson renders the ideal pattern with per-cell Poisson noise.
	ModePoisson Mode = "poisson"
	// ModeYield renders the raw per-cell simulated yield without
	// renormalization to total events.
	ModeYield Mode = "yield"
)

// Valid reports whether m is a known rendering mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeIdeal, ModeMonteCarlo, ModePoisson, ModeYield:
		return true
	}
	return false
}

// ErrStopped is returned by generators when a cooperative stop was requested.
var ErrStopped = errors.New("pattern generation stopped")

// Generator renders synthetic patterns for one fixed site selection.
//
// fractions[0] is the random-background fraction; the remaining entries align
// with the generator's site selection, in order. The returned pattern carries
// the same mask semantics as the data it was built against, possibly with
// additional cells masked as out of the simulated range.
type Generator interface {
	MakePattern(dx, dy, phi float64, fractions []float64, totalEvents, sigma float64, mode Mode) (*grid.Pattern, error)
}

// Factory builds a Generator bound to a library, a data grid and a site
// selection. One generator is built per fit so that nothing mutable is shared
// across combinations.
//
// When maskOutOfRange is true, the returned patterns' masks mark exactly the
// cells outside the simulated range, so callers can separate range geometry
// from the measurement mask. Otherwise the data mask is carried through and
// out-of-range cells are substituted by a small positive floor.
type Factory interface {
	NewGenerator(lib Library, data *grid.Pattern, sites []int, subPixels int, maskOutOfRange bool, stop *StopFlag) (Generator, error)
}

// SiteInfo is the per-site metadata used to annotate fit results.
type SiteInfo struct {
	Number      int
	Description string
	Factor      float64
	U1          float64
}

// Library looks up per-site metadata by pattern index.
type Library interface {
	// SiteInfo returns metadata for the site at the given pattern index.
	SiteInfo(index int) (SiteInfo, error)
	// NumSites returns the number of patterns in the library.
	NumSites() int
}

// CheckIndex validates that index addresses a pattern in lib.
func CheckIndex(lib Library, index int) error {
	if index < 0 || index >= lib.NumSites() {
		return fmt.Errorf("pattern index %d out of library range [0, %d)", index, lib.NumSites())
	}
	return nil
}

// StopFlag is a cooperative cancellation flag. Generators are expected to
// poll it during pattern synthesis and bail out with ErrStopped; it cannot
// interrupt a single in-flight numeric evaluation at finer grain.
type StopFlag struct {
	stopped atomic.Bool
}

// Stop requests cancellation of in-progress generation.
func (s *StopFlag) Stop() { s.stopped.Store(true) }

// Reset clears the flag before a new run.
func (s *StopFlag) Reset() { s.stopped.Store(false) }

// Stopped reports whether cancellation was requested.
func (s *StopFlag) Stopped() bool { return s.stopped.Load() }
