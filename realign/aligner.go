// Package realign provides the seam through which merged-read sequences
// are re-aligned to a reference after pair merging. Re-aligner internals
// are explicitly out of scope: this package exists only so the merge
// pipeline has a working default end to end. Any alignment library can
// be substituted by implementing Aligner.
package realign

import "github.com/biogo/hts/sam"

// Aligner aligns a query sequence against a reference slice and returns
// the 0-based start and end reference offsets and the CIGAR describing
// the alignment.
type Aligner interface {
	Align(query, ref []byte) (start, end int, cigar sam.Cigar, err error)
	// Clone returns an independent copy for use by a single worker
	// goroutine, per the "each worker holds its own clone" resource
	// rule.
	Clone() Aligner
}

// NewDefault returns the package's default Aligner.
func NewDefault() Aligner {
	return &BandedAligner{Band: DefaultBand, Match: 1, Mismatch: -1, Gap: -2}
}
