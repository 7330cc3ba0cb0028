package pairmerge

import (
	"sort"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/log"

	"github.com/greninger-lab/rumina/realign"
)

// bundle is one UMI's reads awaiting merge processing, mirroring
// PairBundles.read_dict in the grounding source.
type bundle struct {
	umi   string
	reads []*sam.Record
}

// mergeBundle processes one UMI's reads: repeatedly takes the head read,
// searches the remainder for the first opposite-orientation overlapping
// mate, attempts a merge, and emits either the merged record or the
// unmodified head. A singleton bundle (a UMI with exactly one read
// surviving dedup) is passed through unchanged with a warning, since it
// indicates the duplicate group this read belonged to had no mate to
// merge with.
func mergeBundle(b bundle, aligner realign.Aligner, ref []byte, minOverlapBP int, report *Report) []*sam.Record {
	if len(b.reads) <= 1 {
		if len(b.reads) == 1 {
			log.Error.Printf("pairmerge: UMI %s has a single surviving read; no mate to merge with", b.umi)
		}
		return b.reads
	}

	reads := make([]*sam.Record, len(b.reads))
	copy(reads, b.reads)
	sort.Slice(reads, func(i, j int) bool {
		return lessForMerge(reads[i], reads[j])
	})

	var out []*sam.Record
	for len(reads) > 0 {
		head := reads[0]
		reads = reads[1:]

		idx, result, merged := findMerge(head, reads, aligner, ref, minOverlapBP)
		report.count(result)
		switch result {
		case outcomeDiscordant:
			reads = removeAt(reads, idx)
		case outcomeNoMerge:
			out = append(out, head)
		case outcomeMerge:
			reads = removeAt(reads, idx)
			out = append(out, merged)
		}
	}
	return out
}

// lessForMerge orders reads by (Pos, Name, reverse-first, RefID), the
// order under which overlapping mate pairs end up adjacent.
func lessForMerge(a, b *sam.Record) bool {
	if a.Pos != b.Pos {
		return a.Pos < b.Pos
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	ar, br := a.Flags&sam.Reverse != 0, b.Flags&sam.Reverse != 0
	if ar != br {
		return ar // reverse-strand reads sort first
	}
	return a.RefID() < b.RefID()
}

func removeAt(reads []*sam.Record, i int) []*sam.Record {
	return append(reads[:i], reads[i+1:]...)
}

// findMerge scans the remainder for the first opposite-orientation
// overlapping mate of head and attempts a merge with it. Returns the
// index of that mate within reads (only meaningful when a mate was
// found) and the outcome.
func findMerge(head *sam.Record, reads []*sam.Record, aligner realign.Aligner, ref []byte, minOverlapBP int) (int, outcome, *sam.Record) {
	for i, other := range reads {
		if !oppositeOrientation(head, other) || !overlaps(head, other) {
			continue
		}
		result, merged := attemptMerge(head, other, aligner, ref, minOverlapBP)
		return i, result, merged
	}
	return -1, outcomeNoMerge, nil
}

func oppositeOrientation(a, b *sam.Record) bool {
	ar, br := a.Flags&sam.Reverse != 0, b.Flags&sam.Reverse != 0
	return ar != br
}

func overlaps(a, b *sam.Record) bool {
	as, ae := a.Start(), a.End()
	bs, be := b.Start(), b.End()
	if as == bs && ae == be {
		return true
	}
	return as < bs && ae >= bs
}

// attemptMerge builds the per-reference-position base blueprint for each
// read via aligned pairs (only CIGAR ops consuming both query and
// reference contribute a position), compares the shared positions for
// discordance, and on success constructs a merged record. First write
// wins per shared position — if the two reads were built in a
// deterministic order, this matches the original's sequential
// IndexMap::entry().or_insert() semantics.
func attemptMerge(a, b *sam.Record, aligner realign.Aligner, ref []byte, minOverlapBP int) (outcome, *sam.Record) {
	ra := alignedPairsBlueprint(a)
	rb := alignedPairsBlueprint(b)

	numOverlap := 0
	for pos, base := range ra {
		other, ok := rb[pos]
		if !ok {
			rb[pos] = base
			continue
		}
		if other != base {
			return outcomeDiscordant, nil
		}
		numOverlap++
	}

	if numOverlap < minOverlapBP {
		return outcomeNoMerge, nil
	}

	positions := make([]int, 0, len(rb))
	for pos := range rb {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	seq := make([]byte, len(positions))
	for i, pos := range positions {
		seq[i] = rb[pos]
	}

	merged, err := constructMergedRead(a, seq, positions[0], aligner, ref)
	if err != nil {
		log.Error.Printf("pairmerge: realign failed for %s: %v, keeping unmerged", a.Name, err)
		return outcomeNoMerge, nil
	}
	return outcomeMerge, merged
}

// alignedPairsBlueprint returns reference-position -> query-base for
// every CIGAR op that consumes both query and reference (M/=/X), which
// is what "aligned pairs" means for the purpose of this blueprint: a
// soft clip or indel contributes no (query, ref) pair.
func alignedPairsBlueprint(r *sam.Record) map[int]byte {
	seq := r.Seq.Expand()
	out := make(map[int]byte)
	refPos := r.Pos
	queryPos := 0
	for _, op := range r.Cigar {
		con := op.Type().Consumes()
		if con.Query != 0 && con.Reference != 0 {
			for k := 0; k < op.Len(); k++ {
				out[refPos+k] = seq[queryPos+k]
			}
		}
		refPos += op.Len() * con.Reference
		queryPos += op.Len() * con.Query
	}
	return out
}

// constructMergedRead clones a, re-aligns seq against ref, and overwrites
// name, cigar, sequence, quality, and position to reflect the merged
// consensus.
func constructMergedRead(a *sam.Record, seq []byte, fallbackPos int, aligner realign.Aligner, ref []byte) (*sam.Record, error) {
	start, _, cigar, err := aligner.Align(seq, ref)
	if err != nil {
		return nil, err
	}

	qual := make([]byte, len(seq))
	for i := range qual {
		qual[i] = 0xFF
	}

	merged, err := sam.NewRecord(a.Name+":MERGED", a.Ref, a.MateRef, start, a.MatePos, a.TempLen, a.MapQ, cigar, seq, qual, a.AuxFields)
	if err != nil {
		return nil, err
	}
	merged.Flags = a.Flags
	return merged, nil
}
