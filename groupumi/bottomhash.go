// Package groupumi implements the position-bucketed UMI grouping stage:
// the BottomHash bucket structure and the window coordinator that drives
// fetch, bucket, cluster, and tag across a BAM file.
package groupumi

import (
	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/log"

	"github.com/greninger-lab/rumina/umi"
)

// PositionKey identifies the coordinate+strand bucket a read's duplicates
// are grouped within. Anchor is end-1 for reverse-strand reads (so the
// bucket is keyed on the read's 3' end, which is the stable coordinate
// under soft-clipping) and pos otherwise.
type PositionKey struct {
	RefID   int
	Anchor  int
	Reverse bool
	// Length is populated only when GroupByLength is enabled; zero
	// otherwise, so the key degrades cleanly to (RefID, Anchor, Reverse).
	Length int
}

// ReadsAndCount is one UMI's bucket of reads sharing a PositionKey.
type ReadsAndCount struct {
	Reads []*sam.Record
	Count int
}

// orderedUMIMap is an insertion-ordered UMI -> *ReadsAndCount map,
// mirroring indexmap.IndexMap in the grounding source: a slice of keys
// for deterministic iteration plus a map for O(1) lookup.
type orderedUMIMap struct {
	keys    []umi.Seq
	entries map[umi.Seq]*ReadsAndCount
}

func newOrderedUMIMap() *orderedUMIMap {
	return &orderedUMIMap{entries: make(map[umi.Seq]*ReadsAndCount)}
}

func (m *orderedUMIMap) insert(u umi.Seq, r *sam.Record) {
	e, ok := m.entries[u]
	if !ok {
		e = &ReadsAndCount{}
		m.entries[u] = e
		m.keys = append(m.keys, u)
	}
	e.Reads = append(e.Reads, r)
	e.Count++
}

// UMIs returns the bucket's UMIs in insertion order.
func (m *orderedUMIMap) UMIs() []umi.Seq { return m.keys }

// Get returns the bucket for u.
func (m *orderedUMIMap) Get(u umi.Seq) *ReadsAndCount { return m.entries[u] }

// Counts returns a plain map[UMI]int snapshot suitable for umi.Processor.
func (m *orderedUMIMap) Counts() map[umi.Seq]int {
	out := make(map[umi.Seq]int, len(m.keys))
	for _, k := range m.keys {
		out[k] = m.entries[k].Count
	}
	return out
}

// PositionBucket pairs one PositionKey with its UMI map, as returned by
// BottomHash.Drain.
type PositionBucket struct {
	Key  PositionKey
	UMIs *orderedUMIMap
}

// BottomHash buckets reads by PositionKey then by UMI. It is owned
// exclusively by the window coordinator within one chunk: workers never
// write to it, only read the disjoint PositionBucket values handed to
// them after Drain.
type BottomHash struct {
	buckets map[PositionKey]*orderedUMIMap
	keys    []PositionKey
}

// NewBottomHash returns an empty BottomHash.
func NewBottomHash() *BottomHash {
	return &BottomHash{
		buckets: make(map[PositionKey]*orderedUMIMap),
	}
}

// Insert buckets r under its PositionKey and UMI, extracted via
// archive.ExtractUMI's rules (BX tag, else qname suffix after
// separator). A read with no resolvable UMI is bucketed under the
// sentinel UMI "NULL" with a warning, rather than dropped, so it still
// counts toward the position's read total (§7 error-handling policy:
// warn and continue).
func (b *BottomHash) Insert(r *sam.Record, rawUMI string, haveUMI bool, groupByLength bool) {
	if !haveUMI {
		log.Error.Printf("groupumi: read %s has no resolvable UMI, using NULL", r.Name)
		rawUMI = "NULL"
	}

	key := PositionKeyFor(r, groupByLength)
	m, ok := b.buckets[key]
	if !ok {
		m = newOrderedUMIMap()
		b.buckets[key] = m
		b.keys = append(b.keys, key)
	}
	m.insert(rawUMI, r)
}

// PositionKeyFor computes the PositionKey for a read.
func PositionKeyFor(r *sam.Record, groupByLength bool) PositionKey {
	reverse := r.Flags&sam.Reverse != 0
	anchor := r.Pos
	if reverse {
		anchor = r.End() - 1
	}
	key := PositionKey{RefID: r.RefID(), Anchor: anchor, Reverse: reverse}
	if groupByLength {
		key.Length = r.Seq.Length
	}
	return key
}

// Drain returns all buckets in insertion order and resets the
// BottomHash to empty, ready for reuse by the next window chunk.
func (b *BottomHash) Drain() []PositionBucket {
	out := make([]PositionBucket, 0, len(b.keys))
	for _, k := range b.keys {
		out = append(out, PositionBucket{Key: k, UMIs: b.buckets[k]})
	}
	b.buckets = make(map[PositionKey]*orderedUMIMap, len(b.keys))
	b.keys = b.keys[:0]
	return out
}
