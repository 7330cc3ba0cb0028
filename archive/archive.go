// Package archive wraps github.com/biogo/hts/bam and
// github.com/biogo/hts/sam for indexed read/write access to aligned read
// archives. The index-driven fetch pattern is grounded on
// bamIterator.reset/findRecordOffset/Scan in
// grailbio-bio/encoding/bamprovider/bamprovider.go, adapted to a plain
// (refID, pos) coordinate pair instead of grailbio's biopb.Coord/Shard
// abstractions, which belong to a sharded-compute model this tool does
// not have.
package archive

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/sam"
)

// IOError wraps a failure opening, reading, or writing an archive file
// with the path that caused it.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("archive: %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// IndexMissingError is returned by Open when a BAM file has no sibling
// .bai index.
type IndexMissingError struct {
	Path string
}

func (e *IndexMissingError) Error() string {
	return fmt.Sprintf("archive: %s: no index found (expected %s.bai)", e.Path, e.Path)
}

// Fetcher is the interface the window coordinator and pair merger fetch
// records through. Satisfied by *Reader. Fetch returns the concrete
// *RecordIter, which wraps a *bam.Iterator, so any implementation still
// reads its records from an indexed BAM file.
type Fetcher interface {
	Header() *sam.Header
	Fetch(tid, start, end int) (*RecordIter, error)
}

// Reader is an indexed BAM reader.
type Reader struct {
	f   *os.File
	br  *bam.Reader
	idx *bam.Index
	path string
}

// Open opens the BAM file at path for indexed reading. index is the path
// to its .bai file; if empty, path+".bai" is assumed. Returns
// *IndexMissingError if the index file does not exist.
func Open(path, index string) (*Reader, error) {
	if index == "" {
		index = path + ".bai"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	br, err := bam.NewReader(f, 0)
	if err != nil {
		f.Close()
		return nil, &IOError{Path: path, Err: err}
	}
	idxFile, err := os.Open(index)
	if err != nil {
		f.Close()
		if os.IsNotExist(err) {
			return nil, &IndexMissingError{Path: path}
		}
		return nil, &IOError{Path: index, Err: err}
	}
	defer idxFile.Close()
	idx, err := bam.ReadIndex(idxFile)
	if err != nil {
		f.Close()
		return nil, &IOError{Path: index, Err: err}
	}
	return &Reader{f: f, br: br, idx: idx, path: path}, nil
}

// Header returns the BAM file's header.
func (r *Reader) Header() *sam.Header { return r.br.Header() }

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return &IOError{Path: r.path, Err: err}
	}
	return nil
}

// RecordIter yields records from a Fetch call, already filtered to those
// whose reference span overlaps [start, end).
type RecordIter struct {
	it         *bam.Iterator
	start, end int
	rec        *sam.Record
	err        error
}

// Next advances the iterator. It returns false at end of range or on
// error; callers must check Error after Next returns false.
//
// A record passes when its reference span overlaps [start, end) at
// all, not only when its start position falls inside the range: a
// record beginning before start but extending into the window (most
// commonly a reverse-strand read whose 3' end lands in the window
// while its Pos doesn't) must still be yielded, since callers that key
// off the 3' end (e.g. groupumi's strand-aware window assignment) rely
// on seeing it here.
func (it *RecordIter) Next() bool {
	for it.it.Next() {
		rec := it.it.Record()
		if rec.Pos >= it.end || rec.End() <= it.start {
			continue
		}
		it.rec = rec
		return true
	}
	it.err = it.it.Error()
	return false
}

// Record returns the current record. Valid only after Next returns true.
func (it *RecordIter) Record() *sam.Record { return it.rec }

// Error returns any error encountered during iteration, or nil if the
// range was exhausted cleanly.
func (it *RecordIter) Error() error { return it.err }

// Close releases resources held by the iterator.
func (it *RecordIter) Close() error { return it.it.Close() }

// Fetch returns an iterator over records on reference tid whose
// reference span overlaps [start, end). It seeks to the first indexed
// bgzf chunk overlapping the range, then scans forward, discarding
// records outside the range lazily via Next (mirrors bamIterator.Scan).
func (r *Reader) Fetch(tid, start, end int) (*RecordIter, error) {
	refs := r.Header().Refs()
	if tid < 0 || tid >= len(refs) {
		return nil, &IOError{Path: r.path, Err: fmt.Errorf("reference id %d out of range", tid)}
	}
	chunks, err := r.idx.Chunks(refs[tid], start, end)
	if err != nil {
		return nil, &IOError{Path: r.path, Err: err}
	}
	it, err := bam.NewIterator(r.br, chunks)
	if err != nil {
		return nil, &IOError{Path: r.path, Err: err}
	}
	return &RecordIter{it: it, start: start, end: end}, nil
}

// Writer wraps a bam.Writer.
type Writer struct {
	bw *bam.Writer
}

// NewWriter creates a BAM writer over w using h as the output header.
func NewWriter(w io.Writer, h *sam.Header) (*Writer, error) {
	bw, err := bam.NewWriter(w, h, 0)
	if err != nil {
		return nil, &IOError{Path: "<writer>", Err: err}
	}
	return &Writer{bw: bw}, nil
}

// Write appends one record.
func (w *Writer) Write(r *sam.Record) error {
	if err := w.bw.Write(r); err != nil {
		return &IOError{Path: "<writer>", Err: err}
	}
	return nil
}

// Close flushes and closes the writer.
func (w *Writer) Close() error {
	if err := w.bw.Close(); err != nil {
		return &IOError{Path: "<writer>", Err: err}
	}
	return nil
}

// bxTag is the BX aux tag carrying a read's (possibly corrected) UMI.
var bxTag = sam.Tag{'B', 'X'}

// ExtractUMI returns a record's UMI: the BX aux tag if present, else the
// qname suffix following the last occurrence of separator. ok is false
// if neither source yields a UMI.
func ExtractUMI(r *sam.Record, separator string) (umi string, ok bool) {
	if aux := r.AuxFields.Get(bxTag); aux != nil {
		if s, isStr := aux.Value().(string); isStr && s != "" {
			return s, true
		}
	}
	if separator == "" {
		return "", false
	}
	idx := strings.LastIndex(r.Name, separator)
	if idx < 0 || idx+len(separator) >= len(r.Name) {
		return "", false
	}
	return r.Name[idx+len(separator):], true
}

// Tag sets (replacing any existing value for the same tag) an aux field
// on r, mirroring flagRead in grailbio-bio/markduplicates/mark_duplicates.go.
func Tag(r *sam.Record, tag sam.Tag, value interface{}) error {
	aux, err := sam.NewAux(tag, value)
	if err != nil {
		return fmt.Errorf("archive: tag %s: %w", tag, err)
	}
	for i, existing := range r.AuxFields {
		if existing.Tag() == tag {
			r.AuxFields[i] = aux
			return nil
		}
	}
	r.AuxFields = append(r.AuxFields, aux)
	return nil
}

// IndexBAM builds a .bai index for the BAM file at path, writing it to
// path+".bai". It re-reads path from the start, so the caller must not
// hold it open for writing. Mirrors index_bam in the original tool's
// process.rs, run between the dedup and merge passes so the merge pass
// can fetch through an index too.
func IndexBAM(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	defer f.Close()
	br, err := bam.NewReader(f, 0)
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	defer br.Close()

	// A zero-value Index is a valid, empty index: Add grows its internal
	// reference slice as records for new reference IDs arrive, so there
	// is no separate construction step analogous to ReadIndex.
	var idx bam.Index
	chunk := bgzf.Chunk{Begin: br.LastChunk().Begin}
	for {
		rec, err := br.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &IOError{Path: path, Err: err}
		}
		chunk.End = br.LastChunk().End
		if err := idx.Add(rec, chunk); err != nil {
			return "", &IOError{Path: path, Err: err}
		}
		chunk.Begin = chunk.End
	}

	idxPath := path + ".bai"
	out, err := os.Create(idxPath)
	if err != nil {
		return "", &IOError{Path: idxPath, Err: err}
	}
	defer out.Close()
	if err := bam.WriteIndex(out, &idx); err != nil {
		return "", &IOError{Path: idxPath, Err: err}
	}
	return idxPath, nil
}
