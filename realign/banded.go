package realign

import (
	"fmt"

	"github.com/biogo/hts/sam"
)

// DefaultBand is the default band half-width, in bases, either side of
// the main diagonal.
const DefaultBand = 8

// BandedAligner performs banded global alignment of a query against a
// reference slice using a simple match/mismatch/gap scoring scheme.
// Restricting the dynamic-programming matrix to a band around the
// diagonal keeps cost close to O(n·band) instead of O(n²), which is
// enough for merged-read-sized queries (tens to low hundreds of bases)
// against the reference window supplied by the pair merger.
type BandedAligner struct {
	Band     int
	Match    int
	Mismatch int
	Gap      int
}

// Clone returns a value copy; BandedAligner carries no shared mutable
// state between calls, so Clone just copies the struct.
func (a *BandedAligner) Clone() Aligner {
	cp := *a
	return &cp
}

type cell struct {
	score int
	op    sam.CigarOpType
}

// Align computes a banded global alignment of query against ref and
// returns the reference span it covers and the CIGAR describing it.
func (a *BandedAligner) Align(query, ref []byte) (start, end int, cigar sam.Cigar, err error) {
	if len(query) == 0 {
		return 0, 0, nil, fmt.Errorf("realign: empty query")
	}
	if len(ref) == 0 {
		return 0, 0, nil, fmt.Errorf("realign: empty reference")
	}

	band := a.Band
	if band <= 0 {
		band = DefaultBand
	}
	n, m := len(query), len(ref)

	// dp[i][j] holds the score/traceback for query[:i] against ref[:j],
	// restricted to |i-j| <= band; cells outside the band are left at
	// their zero value and never reached by traceback because the
	// recurrence only looks at in-band neighbors.
	dp := make([][]cell, n+1)
	for i := range dp {
		lo, hi := bandRange(i, m, band)
		dp[i] = make([]cell, hi-lo+1)
	}

	get := func(i, j int) (cell, bool) {
		lo, hi := bandRange(i, m, band)
		if j < lo || j > hi {
			return cell{}, false
		}
		return dp[i][j-lo], true
	}
	set := func(i, j int, c cell) {
		lo, _ := bandRange(i, m, band)
		dp[i][j-lo] = c
	}

	set(0, 0, cell{score: 0})
	for i := 1; i <= n; i++ {
		if c, ok := get(i-1, 0); ok {
			set(i, 0, cell{score: c.score + a.Gap, op: sam.CigarInsertion})
		}
	}
	for j := 1; j <= m; j++ {
		if c, ok := get(0, j-1); ok {
			set(0, j, cell{score: c.score + a.Gap, op: sam.CigarDeletion})
		}
	}

	for i := 1; i <= n; i++ {
		lo, hi := bandRange(i, m, band)
		if lo == 0 {
			lo = 1
		}
		for j := lo; j <= hi; j++ {
			best := cell{score: minInt}
			if diag, ok := get(i-1, j-1); ok {
				s := diag.score + a.matchScore(query[i-1], ref[j-1])
				if s > best.score {
					best = cell{score: s, op: sam.CigarMatch}
				}
			}
			if up, ok := get(i-1, j); ok {
				s := up.score + a.Gap
				if s > best.score {
					best = cell{score: s, op: sam.CigarInsertion}
				}
			}
			if left, ok := get(i, j-1); ok {
				s := left.score + a.Gap
				if s > best.score {
					best = cell{score: s, op: sam.CigarDeletion}
				}
			}
			set(i, j, best)
		}
	}

	// Pick the best-scoring endpoint along the last row, matching a
	// semi-global alignment that lets the reference extend past the
	// query's end.
	bestJ, bestScore := -1, minInt
	loLast, hiLast := bandRange(n, m, band)
	for j := loLast; j <= hiLast; j++ {
		if c, ok := get(n, j); ok && c.score > bestScore {
			bestScore, bestJ = c.score, j
		}
	}
	if bestJ < 0 {
		return 0, 0, nil, fmt.Errorf("realign: no alignment found within band %d", band)
	}

	var ops []sam.CigarOp
	i, j := n, bestJ
	endRef := j
	for i > 0 || j > 0 {
		c, ok := get(i, j)
		if !ok || (i == 0 && j == 0) {
			break
		}
		switch c.op {
		case sam.CigarMatch:
			ops = append(ops, sam.NewCigarOp(sam.CigarMatch, 1))
			i--
			j--
		case sam.CigarInsertion:
			ops = append(ops, sam.NewCigarOp(sam.CigarInsertion, 1))
			i--
		case sam.CigarDeletion:
			ops = append(ops, sam.NewCigarOp(sam.CigarDeletion, 1))
			j--
		default:
			i, j = 0, 0
		}
	}
	startRef := j
	reverseOps(ops)
	cigar = mergeRuns(ops)
	return startRef, endRef, cigar, nil
}

const minInt = -1 << 62

func (a *BandedAligner) matchScore(q, r byte) int {
	if q == r {
		return a.Match
	}
	return a.Mismatch
}

// bandRange returns the inclusive [lo, hi] range of j valid for row i
// under the band constraint, clamped to [0, m].
func bandRange(i, m, band int) (lo, hi int) {
	lo = i - band
	if lo < 0 {
		lo = 0
	}
	hi = i + band
	if hi > m {
		hi = m
	}
	return lo, hi
}

func reverseOps(ops []sam.CigarOp) {
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
}

// mergeRuns collapses consecutive same-type CigarOps of length 1 into
// single runs, as real CIGAR strings require.
func mergeRuns(ops []sam.CigarOp) sam.Cigar {
	if len(ops) == 0 {
		return nil
	}
	out := make(sam.Cigar, 0, len(ops))
	curType := ops[0].Type()
	curLen := ops[0].Len()
	for _, op := range ops[1:] {
		if op.Type() == curType {
			curLen += op.Len()
			continue
		}
		out = append(out, sam.NewCigarOp(curType, curLen))
		curType = op.Type()
		curLen = op.Len()
	}
	out = append(out, sam.NewCigarOp(curType, curLen))
	return out
}
