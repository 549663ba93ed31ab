// Package dtw implements dynamic time warping over feature sequences.
//
// Distance is a pure function: no state is kept across calls, so it is safe
// to invoke concurrently from any number of scoring goroutines.
package dtw

import "math"

// Distance aligns two ordered feature sequences and returns the normalized
// alignment distance. Cell cost is squared Euclidean distance between the
// paired vectors; the cumulative cost at (i,j) adds the minimum of the
// insertion, deletion and match predecessors. Only two rows of the cost
// matrix are kept, so memory is O(m) rather than O(n*m).
//
// The final path cost is square-rooted and divided by sqrt(n*m) so scores
// stay comparable across sequences of different lengths.
//
// Returns +Inf when either sequence is empty. Paired vectors are assumed to
// share the same dimensionality; this is a precondition, not a runtime
// check, to keep the hot loop free of per-cell branching.
func Distance(a, b [][]float32) float32 {
	if len(a) == 0 || len(b) == 0 {
		return float32(math.Inf(1))
	}

	n := len(a)
	m := len(b)

	inf := float32(math.Inf(1))
	prev := make([]float32, m+1)
	curr := make([]float32, m+1)
	for j := range prev {
		prev[j] = inf
	}
	prev[0] = 0 // path origin

	for i := 1; i <= n; i++ {
		curr[0] = inf
		for j := 1; j <= m; j++ {
			cost := squaredDistance(a[i-1], b[j-1])

			minPrev := prev[j] // insertion
			if prev[j-1] < minPrev {
				minPrev = prev[j-1] // match
			}
			if curr[j-1] < minPrev {
				minPrev = curr[j-1] // deletion
			}

			curr[j] = cost + minPrev
		}
		prev, curr = curr, prev
	}

	total := float32(math.Sqrt(float64(prev[m])))
	return total / float32(math.Sqrt(float64(n)*float64(m)))
}

// squaredDistance assumes equal-length vectors; see the Distance precondition.
func squaredDistance(v1, v2 []float32) float32 {
	var d float32
	for i := range v1 {
		diff := v1[i] - v2[i]
		d += diff * diff
	}
	return d
}
