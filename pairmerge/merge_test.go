package pairmerge

import (
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"

	"github.com/greninger-lab/rumina/realign"
)

func newMergeRef(t *testing.T) *sam.Reference {
	t.Helper()
	ref, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	assert.NoError(t, err)
	_, err = sam.NewHeader(nil, []*sam.Reference{ref})
	assert.NoError(t, err)
	return ref
}

func newMatchRecord(t *testing.T, ref *sam.Reference, name string, pos int, reverse bool, seq string) *sam.Record {
	t.Helper()
	co := []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, len(seq))}
	r, err := sam.NewRecord(name, ref, nil, pos, -1, 0, 30, co, []byte(seq), nil, nil)
	assert.NoError(t, err)
	if reverse {
		r.Flags |= sam.Reverse
	}
	return r
}

func TestMergeBundleConcordantOverlapMerges(t *testing.T) {
	ref := newMergeRef(t)
	a := newMatchRecord(t, ref, "pairA", 0, false, "AAAACCCCGG")
	b := newMatchRecord(t, ref, "pairB", 5, true, "CCCCGTTTTT")

	report := &Report{}
	aligner := realign.NewDefault()
	refSeq := make([]byte, 64)
	for i := range refSeq {
		refSeq[i] = "ACGT"[i%4]
	}

	out := mergeBundle(bundle{umi: "AAAA", reads: []*sam.Record{a, b}}, aligner, refSeq, 3, report)
	assert.Len(t, out, 1, "a concordant overlapping pair should merge into a single record")
	assert.Equal(t, 1, report.NumMerged)
}

func TestMergeBundleDiscordantOverlapDrops(t *testing.T) {
	ref := newMergeRef(t)
	a := newMatchRecord(t, ref, "pairA", 0, false, "AAAACCCCGG")
	// Mismatched base at ref position 5 (C vs G) within the overlap.
	b := newMatchRecord(t, ref, "pairB", 5, true, "GCCCGTTTTT")

	report := &Report{}
	aligner := realign.NewDefault()
	refSeq := make([]byte, 64)

	out := mergeBundle(bundle{umi: "AAAA", reads: []*sam.Record{a, b}}, aligner, refSeq, 3, report)
	assert.Equal(t, 1, report.NumDiscordant)
	assert.Len(t, out, 0, "the discordant mate is dropped and the head has no remaining reads to emit alone")
}

func TestMergeBundleSingletonPassesThroughUnchanged(t *testing.T) {
	ref := newMergeRef(t)
	a := newMatchRecord(t, ref, "lonely", 0, false, "AAAA")

	report := &Report{}
	out := mergeBundle(bundle{umi: "AAAA", reads: []*sam.Record{a}}, realign.NewDefault(), nil, 3, report)
	assert.Equal(t, []*sam.Record{a}, out)
}

func TestMergeBundleNonOverlappingPairBothEmitted(t *testing.T) {
	ref := newMergeRef(t)
	a := newMatchRecord(t, ref, "pairA", 0, false, "AAAA")
	b := newMatchRecord(t, ref, "pairB", 100, true, "TTTT")

	report := &Report{}
	out := mergeBundle(bundle{umi: "AAAA", reads: []*sam.Record{a, b}}, realign.NewDefault(), nil, 3, report)
	assert.Len(t, out, 2)
	assert.Equal(t, 2, report.NumUnmerged, "each read is tried as a head with no remaining mate to overlap")
}

func TestAlignedPairsBlueprintSkipsSoftClipsAndIndels(t *testing.T) {
	ref := newMergeRef(t)
	co := []sam.CigarOp{
		sam.NewCigarOp(sam.CigarSoftClipped, 2),
		sam.NewCigarOp(sam.CigarMatch, 4),
		sam.NewCigarOp(sam.CigarInsertion, 1),
		sam.NewCigarOp(sam.CigarMatch, 2),
	}
	r, err := sam.NewRecord("r1", ref, nil, 10, -1, 0, 30, co, []byte("NNACGTXAC"), nil, nil)
	assert.NoError(t, err)

	bp := alignedPairsBlueprint(r)
	// 2 soft-clipped bases contribute nothing; 4M then 1I (skipped) then 2M.
	assert.Len(t, bp, 6)
	assert.Equal(t, byte('A'), bp[10])
	assert.Equal(t, byte('C'), bp[11])
	assert.Equal(t, byte('G'), bp[12])
	assert.Equal(t, byte('T'), bp[13])
	assert.Equal(t, byte('A'), bp[14])
	assert.Equal(t, byte('C'), bp[15])
}

func TestOppositeOrientation(t *testing.T) {
	ref := newMergeRef(t)
	fwd := newMatchRecord(t, ref, "a", 0, false, "AAAA")
	rev := newMatchRecord(t, ref, "b", 0, true, "AAAA")
	assert.True(t, oppositeOrientation(fwd, rev))
	assert.False(t, oppositeOrientation(fwd, fwd))
}
