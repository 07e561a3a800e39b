package fitman

import "fmt"

// cartesian enumerates the cartesian product of per-slot candidate site
// indices lazily, in row-major order: the last slot varies fastest, input
// order is preserved. It replaces recursive enumeration so a sweep can be
// resumed or bounded without rewriting control flow.
type cartesian struct {
	sets [][]int
	idx  []int
	done bool
}

// newCartesian validates the candidate sets and positions the iterator
// before the first combination.
func newCartesian(sets [][]int) (*cartesian, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("no candidate site sets given")
	}
	c := &cartesian{idx: make([]int, len(sets))}
	for i, s := range sets {
		if len(s) == 0 {
			return nil, fmt.Errorf("candidate set for site slot %d is empty", i+1)
		}
		c.sets = append(c.sets, append([]int(nil), s...))
	}
	return c, nil
}

// count returns the total number of combinations.
func (c *cartesian) count() int {
	n := 1
	for _, s := range c.sets {
		n *= len(s)
	}
	return n
}

// next returns the next combination, or ok=false when exhausted. The
// returned slice is owned by the caller.
func (c *cartesian) next() ([]int, bool) {
	if c.done {
		return nil, false
	}
	out := make([]int, len(c.sets))
	for i := range c.sets {
		out[i] = c.sets[i][c.idx[i]]
	}
	// Advance, last slot fastest.
	for i := len(c.sets) - 1; ; i-- {
		c.idx[i]++
		if c.idx[i] < len(c.sets[i]) {
			break
		}
		c.idx[i] = 0
		if i == 0 {
			c.done = true
			break
		}
	}
	return out, true
}
