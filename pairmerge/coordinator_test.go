package pairmerge

import (
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
)

func TestWindowsForReferencePartitionsEvenly(t *testing.T) {
	windows := windowsForReference(1, 10, 4)
	assert.Equal(t, []window{
		{tid: 1, start: 0, end: 4},
		{tid: 1, start: 4, end: 8},
		{tid: 1, start: 8, end: 10},
	}, windows)
}

func TestWindowsForReferenceWholeReferenceWhenWidthZero(t *testing.T) {
	assert.Equal(t, []window{{tid: 0, start: 0, end: 500}}, windowsForReference(0, 500, 0))
}

func TestWindowsForReferenceEmptyReference(t *testing.T) {
	assert.Nil(t, windowsForReference(0, 0, 100))
}

func TestReadUMIReturnsBXTagValue(t *testing.T) {
	ref := newMergeRef(t)
	r := newMatchRecord(t, ref, "r1", 10, false, "ACGT")
	aux, err := sam.NewAux(bxTag, "AAAA")
	assert.NoError(t, err)
	r.AuxFields = append(r.AuxFields, aux)

	assert.Equal(t, "AAAA", readUMI(r))
}

func TestReadUMIFallsBackToNullSentinel(t *testing.T) {
	ref := newMergeRef(t)
	r := newMatchRecord(t, ref, "r1", 10, false, "ACGT")
	assert.Equal(t, "NULL", readUMI(r))
}
