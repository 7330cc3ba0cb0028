package pairmerge

import (
	"runtime"
	"sort"
	"sync"

	"github.com/biogo/hts/sam"

	"github.com/greninger-lab/rumina/archive"
	"github.com/greninger-lab/rumina/realign"
)

// ChunkSize matches groupumi.ChunkSize: windows are processed in groups
// of 3 so the pair merger's per-chunk writer thread has a bounded amount
// of work to sort at chunk boundaries.
const ChunkSize = 3

// Opts configures the pair-merge coordinator.
type Opts struct {
	MinOverlapBP int
	Parallelism  int
	Aligner      realign.Aligner
	Reference    []byte
}

func (o Opts) withDefaults() Opts {
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.NumCPU()
	}
	if o.Aligner == nil {
		o.Aligner = realign.NewDefault()
	}
	return o
}

var bxTag = sam.Tag{'B', 'X'}

func readUMI(r *sam.Record) string {
	if aux := r.AuxFields.Get(bxTag); aux != nil {
		if s, ok := aux.Value().(string); ok && s != "" {
			return s
		}
	}
	return "NULL"
}

// window is a half-open coordinate range on one reference.
type window struct {
	tid        int
	start, end int
}

// Coordinator drives the merge pass: fetch in coordinate-chunked
// windows, bucket by canonical UMI, merge each bucket in parallel, and
// write survivors through a dedicated per-chunk writer goroutine.
//
// The second-pass fetch is restricted to each chunk's own coordinate
// span rather than re-reading the whole reference per chunk: the
// grounding source's fetch((tid, 0, u32::MAX)) repeated inside the
// window_chunk loop is a bug (it rescans everything seen so far on every
// chunk), not a behavior this tool reproduces.
type Coordinator struct {
	fetcher archive.Fetcher
	writer  *archive.Writer
	opts    Opts
	report  *Report
}

// NewCoordinator returns a Coordinator reading through fetcher and
// writing to writer.
func NewCoordinator(fetcher archive.Fetcher, writer *archive.Writer, opts Opts) *Coordinator {
	return &Coordinator{fetcher: fetcher, writer: writer, opts: opts.withDefaults(), report: &Report{}}
}

// Report returns the run's aggregate merge statistics.
func (c *Coordinator) Report() *Report { return c.report }

// Run processes every reference's windows in order.
func (c *Coordinator) Run(splitWindow int) error {
	refs := c.fetcher.Header().Refs()
	for tid, ref := range refs {
		windows := windowsForReference(tid, ref.Len(), splitWindow)
		for i := 0; i < len(windows); i += ChunkSize {
			end := i + ChunkSize
			if end > len(windows) {
				end = len(windows)
			}
			if err := c.processChunk(windows[i:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

func windowsForReference(tid, length, w int) []window {
	if length <= 0 {
		return nil
	}
	if w <= 0 {
		return []window{{tid: tid, start: 0, end: length}}
	}
	var out []window
	for start := 0; start < length; start += w {
		e := start + w
		if e > length {
			e = length
		}
		out = append(out, window{tid: tid, start: start, end: e})
	}
	return out
}

func (c *Coordinator) processChunk(windows []window) error {
	bundles := make(map[string]*bundle)
	var order []string

	for _, w := range windows {
		it, err := c.fetcher.Fetch(w.tid, w.start, w.end)
		if err != nil {
			return err
		}
		for it.Next() {
			r := it.Record()
			c.report.addInReads(1)
			u := readUMI(r)
			bd, ok := bundles[u]
			if !ok {
				bd = &bundle{umi: u}
				bundles[u] = bd
				order = append(order, u)
			}
			bd.reads = append(bd.reads, r)
		}
		if err := it.Close(); err != nil {
			return err
		}
		if err := it.Error(); err != nil {
			return err
		}
	}

	if len(order) == 0 {
		return nil
	}

	// Writer goroutine for this chunk: buffers every emitted record,
	// then sorts by Pos ascending and writes in order once all workers
	// have finished, mirroring spawn_writer_thread in the grounding
	// source.
	recordCh := make(chan *sam.Record, len(order)*2)
	writeErrCh := make(chan error, 1)
	go func() {
		var buf []*sam.Record
		for r := range recordCh {
			buf = append(buf, r)
		}
		sort.Slice(buf, func(i, j int) bool { return buf[i].Pos < buf[j].Pos })
		for _, r := range buf {
			if err := c.writer.Write(r); err != nil {
				writeErrCh <- err
				return
			}
			c.report.addOutRead()
		}
		writeErrCh <- nil
	}()

	jobs := make(chan *bundle, len(order))
	for _, u := range order {
		jobs <- bundles[u]
	}
	close(jobs)

	workers := c.opts.Parallelism
	if workers > len(order) {
		workers = len(order)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			aligner := c.opts.Aligner.Clone()
			for b := range jobs {
				for _, r := range mergeBundle(*b, aligner, c.opts.Reference, c.opts.MinOverlapBP, c.report) {
					recordCh <- r
				}
			}
		}()
	}
	wg.Wait()
	close(recordCh)
	return <-writeErrCh
}
