package umi

// SubstringIndex indexes a set of equal-length UMIs on their two
// half-length substrings, so that Hamming-distance-1 neighbors of any UMI
// can be found without an all-pairs comparison. Grounded on
// Processor.get_substring_map / iter_substring_neighbors in the original
// bam_processor/src/processor.rs: split each UMI at its midpoint and
// index both halves.
//
// Soundness: under Hamming distance 1, a single differing base lies in
// exactly one of the two halves, so the other half matches exactly. This
// makes candidate lookup lossless for threshold 1. It is not sound for
// threshold > 1 (two differing bases can straddle both halves), so
// Processor falls back to all-pairs comparison whenever its Threshold
// exceeds 1.
type SubstringIndex struct {
	half     map[string][]Seq
	keys     []string // insertion order, for deterministic iteration
	umiLen   int
	midpoint int
	// odd holds every UMI whose length differs from umiLen. These can't
	// be half-split safely, so instead of being dropped (which would
	// hide a length mismatch from Hamming entirely) they're always
	// returned as a candidate of every other UMI, and see every other
	// UMI as their own candidate. Either direction is enough for
	// buildAdjacency to call Hamming on the pair and surface
	// ErrMalformedUMISet.
	odd []Seq
}

// NewSubstringIndex builds an index over umis. umis are expected to
// share one uniform length; any UMI with a different length is tracked
// separately so it still reaches Hamming as a malformed pair instead of
// silently vanishing from candidate lookups.
func NewSubstringIndex(umis []Seq) *SubstringIndex {
	idx := &SubstringIndex{half: make(map[string][]Seq)}
	if len(umis) == 0 {
		return idx
	}
	idx.umiLen = len(umis[0])
	idx.midpoint = idx.umiLen / 2

	add := func(sub string, u Seq) {
		if _, ok := idx.half[sub]; !ok {
			idx.keys = append(idx.keys, sub)
		}
		idx.half[sub] = append(idx.half[sub], u)
	}
	for _, u := range umis {
		if len(u) != idx.umiLen {
			idx.odd = append(idx.odd, u)
			continue
		}
		h0, h1 := u[:idx.midpoint], u[idx.midpoint:]
		add(h0, u)
		add(h1, u)
	}
	return idx
}

// Candidates returns the deduplicated set of UMIs sharing either half of u
// with some other indexed UMI, excluding u itself, plus every odd-length
// UMI tracked separately (see SubstringIndex.odd). The result order is
// not significant; callers that need determinism sort it themselves.
func (idx *SubstringIndex) Candidates(u Seq) []Seq {
	if idx.umiLen == 0 {
		return nil
	}
	seen := make(map[Seq]bool)
	var out []Seq
	add := func(other Seq) {
		if other == u || seen[other] {
			return
		}
		seen[other] = true
		out = append(out, other)
	}

	if len(u) == idx.umiLen {
		h0, h1 := u[:idx.midpoint], u[idx.midpoint:]
		collect := func(sub string) {
			for _, other := range idx.half[sub] {
				add(other)
			}
		}
		collect(h0)
		collect(h1)
	} else {
		// u itself is odd-length: the half-split index can't be
		// queried for it, so fall back to every equal-length UMI via
		// the index's key list.
		for _, sub := range idx.keys {
			for _, other := range idx.half[sub] {
				add(other)
			}
		}
	}
	for _, other := range idx.odd {
		add(other)
	}
	return out
}
