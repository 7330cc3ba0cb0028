package groupumi

import (
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"sync"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/log"

	"github.com/greninger-lab/rumina/archive"
	"github.com/greninger-lab/rumina/umi"
)

// ChunkSize is the number of consecutive windows processed together
// before their buckets are clustered, matching the original tool's
// fixed chunking of coordinate windows.
const ChunkSize = 3

// MinAutoWindow is the minimum window width chosen by --split-window
// auto, regardless of how short that makes the per-reference window
// count fall below ChunkSize.
const MinAutoWindow = 1000

// Opts configures the window coordinator.
type Opts struct {
	GroupByLength bool
	R1Only        bool
	OnlyGroup     bool
	Singletons    bool
	Separator     string
	Parallelism   int
	Processor     *umi.Processor
}

// withDefaults returns a copy of o with zero-value fields replaced by
// their defaults.
func (o Opts) withDefaults() Opts {
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.NumCPU()
	}
	if o.Processor == nil {
		o.Processor = umi.NewProcessor()
	}
	if o.Separator == "" {
		o.Separator = "_"
	}
	return o
}

// Report aggregates grouping statistics across the whole run.
type Report struct {
	mu           sync.Mutex
	ReadsIn      int
	ReadsOut     int
	Groups       int
	Singletons   int
	MinGroupSize int
	MaxGroupSize int
	sumGroupSize int
}

func (r *Report) recordCluster(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Groups++
	r.sumGroupSize += size
	if size == 1 {
		r.Singletons++
	}
	if r.MinGroupSize == 0 || size < r.MinGroupSize {
		r.MinGroupSize = size
	}
	if size > r.MaxGroupSize {
		r.MaxGroupSize = size
	}
}

// MeanGroupSize returns the mean reads-per-group, or 0 if no groups were
// recorded.
func (r *Report) MeanGroupSize() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Groups == 0 {
		return 0
	}
	return float64(r.sumGroupSize) / float64(r.Groups)
}

// WriteReportFile writes the run's statistics to path as one "key:
// value" line per metric, grounded on writeMetrics in
// markduplicates/metrics.go (create, write, checked close).
func (r *Report) WriteReportFile(path string) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, createErr := os.Create(path)
	if createErr != nil {
		return &archive.IOError{Path: path, Err: createErr}
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = &archive.IOError{Path: path, Err: closeErr}
		}
	}()

	mean := float64(0)
	if r.Groups > 0 {
		mean = float64(r.sumGroupSize) / float64(r.Groups)
	}
	lines := []string{
		fmt.Sprintf("reads_in: %d", r.ReadsIn),
		fmt.Sprintf("reads_out: %d", r.ReadsOut),
		fmt.Sprintf("num_groups: %d", r.Groups),
		fmt.Sprintf("min_reads: %d", r.MinGroupSize),
		fmt.Sprintf("max_reads: %d", r.MaxGroupSize),
		fmt.Sprintf("mean_reads: %f", mean),
		fmt.Sprintf("num_singletons: %d", r.Singletons),
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return &archive.IOError{Path: path, Err: err}
		}
	}
	return nil
}

// errLatch records the first fatal error reported by any worker;
// subsequent reports are dropped. Workers finish their current unit of
// work before checking it, matching §5's no-preemption cancellation
// rule.
type errLatch struct {
	mu  sync.Mutex
	err error
}

func (l *errLatch) report(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *errLatch) get() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// ugTagCounter hands out monotonic group ids, seeded from the input
// filename so ids are stable across repeated runs on the same input but
// distinguishable across different inputs.
type ugTagCounter struct {
	mu   sync.Mutex
	next uint64
}

func newUGTagCounter(inputName string) *ugTagCounter {
	h := fnv.New64a()
	h.Write([]byte(inputName))
	return &ugTagCounter{next: h.Sum64()}
}

func (c *ugTagCounter) next64() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.next
	c.next++
	return v
}

var (
	ugTag = sam.Tag{'U', 'G'}
	bxTag = sam.Tag{'B', 'X'}
)

// window is a half-open coordinate range on one reference.
type window struct {
	tid        int
	start, end int
}

// Coordinator drives fetch -> bucket -> cluster -> tag -> emit for one
// BAM file.
type Coordinator struct {
	fetcher archive.Fetcher
	writer  *archive.Writer
	opts    Opts
	report  *Report
	ugCtr   *ugTagCounter
}

// NewCoordinator returns a Coordinator that reads through fetcher and
// writes tagged survivors to writer. inputName seeds the UG tag counter.
func NewCoordinator(fetcher archive.Fetcher, writer *archive.Writer, inputName string, opts Opts) *Coordinator {
	return &Coordinator{
		fetcher: fetcher,
		writer:  writer,
		opts:    opts.withDefaults(),
		report:  &Report{},
		ugCtr:   newUGTagCounter(inputName),
	}
}

// Report returns the run's aggregate statistics.
func (c *Coordinator) Report() *Report { return c.report }

// Run processes every reference's windows in order and writes tagged
// survivors through c.writer. splitWindow is the configured window width
// in bp, or 0 to use one window per reference.
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

// windowsForReference splits [0, length) into windows of width w, or one
// window covering the whole reference if w <= 0.
func windowsForReference(tid, length, w int) []window {
	if length <= 0 {
		return nil
	}
	if w <= 0 {
		return []window{{tid: tid, start: 0, end: length}}
	}
	var out []window
	for start := 0; start < length; start += w {
		end := start + w
		if end > length {
			end = length
		}
		out = append(out, window{tid: tid, start: start, end: end})
	}
	return out
}

// AutoWindowWidth picks a window width for --split-window auto so a
// reference of the given length gets roughly ChunkSize windows, never
// narrower than MinAutoWindow.
func AutoWindowWidth(refLength int) int {
	w := refLength / ChunkSize
	if w < MinAutoWindow {
		return MinAutoWindow
	}
	return w
}

// bucketJob is one unit of work handed to a clustering worker.
type bucketJob struct {
	bucket PositionBucket
}

// bucketResult is a worker's output for one bucket.
type bucketResult struct {
	tagged []*sam.Record
}

func (c *Coordinator) processChunk(windows []window) error {
	bh := NewBottomHash()

	for _, w := range windows {
		it, err := c.fetcher.Fetch(w.tid, w.start, w.end)
		if err != nil {
			return err
		}
		for it.Next() {
			r := it.Record()
			c.report.mu.Lock()
			c.report.ReadsIn++
			c.report.mu.Unlock()

			if c.opts.R1Only && r.Flags&sam.Read2 != 0 {
				continue
			}
			if !inWindow(r, w) {
				continue
			}
			rawUMI, ok := archive.ExtractUMI(r, c.opts.Separator)
			bh.Insert(r, rawUMI, ok, c.opts.GroupByLength)
		}
		if err := it.Close(); err != nil {
			return err
		}
		if err := it.Error(); err != nil {
			return err
		}
	}

	buckets := bh.Drain()
	if len(buckets) == 0 {
		return nil
	}

	latch := &errLatch{}
	jobs := make(chan bucketJob, len(buckets))
	results := make(chan bucketResult, len(buckets))
	var wg sync.WaitGroup

	workers := c.opts.Parallelism
	if workers > len(buckets) {
		workers = len(buckets)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				res, err := c.clusterBucket(job.bucket)
				if err != nil {
					latch.report(err)
					continue
				}
				results <- res
			}
		}()
	}
	for _, b := range buckets {
		jobs <- bucketJob{bucket: b}
	}
	close(jobs)
	wg.Wait()
	close(results)

	for res := range results {
		for _, r := range res.tagged {
			if err := c.writer.Write(r); err != nil {
				return err
			}
			c.report.mu.Lock()
			c.report.ReadsOut++
			c.report.mu.Unlock()
		}
	}
	return latch.get()
}

// inWindow reports whether r's position (anchor-adjusted for
// reverse-strand reads, so a read is attributed to the window
// containing its 3' end) falls within w.
func inWindow(r *sam.Record, w window) bool {
	if r.Flags&sam.Reverse != 0 {
		anchor := r.End() - 1
		return w.start <= anchor && anchor < w.end
	}
	return w.start <= r.Pos && r.Pos < w.end
}

// clusterBucket clusters one position bucket's UMIs and returns the
// tagged survivor reads.
func (c *Coordinator) clusterBucket(pb PositionBucket) (bucketResult, error) {
	umis := pb.UMIs.UMIs()
	counts := pb.UMIs.Counts()

	clusters, err := c.opts.Processor.Cluster(umis, counts)
	if err != nil {
		return bucketResult{}, err
	}

	var out []*sam.Record
	for _, cluster := range clusters {
		size := clusterSize(cluster, pb.UMIs)
		c.report.recordCluster(size)
		if size == 1 && !c.opts.Singletons {
			continue
		}

		rep := cluster.Representative()
		groupID := c.ugCtr.next64()

		if c.opts.OnlyGroup {
			for _, u := range cluster {
				bucket := pb.UMIs.Get(u)
				for _, r := range bucket.Reads {
					tagGroup(r, groupID, rep)
					out = append(out, r)
				}
			}
			continue
		}

		winner := bestRead(cluster, pb.UMIs)
		tagGroup(winner, groupID, rep)
		out = append(out, winner)
	}
	return bucketResult{tagged: out}, nil
}

func clusterSize(cluster umi.Cluster, umis *orderedUMIMap) int {
	n := 0
	for _, u := range cluster {
		n += umis.Get(u).Count
	}
	return n
}

// bestRead picks the representative's highest-count read, breaking ties
// by first insertion order, matching the emit rule in §4.4.
func bestRead(cluster umi.Cluster, umis *orderedUMIMap) *sam.Record {
	var best *sam.Record
	bestCount := -1
	for _, u := range cluster {
		bucket := umis.Get(u)
		if bucket.Count > bestCount {
			best = bucket.Reads[0]
			bestCount = bucket.Count
		}
	}
	return best
}

func tagGroup(r *sam.Record, groupID uint64, representative umi.Seq) {
	// sam.NewAux's uint path only accepts values up to MaxUint32, so the
	// 64-bit fnv seed is folded into 32 bits here; uniqueness only needs
	// to hold within one run's tag space, not globally.
	if err := archive.Tag(r, ugTag, uint(uint32(groupID))); err != nil {
		log.Error.Printf("groupumi: tagging %s with UG: %v", r.Name, err)
	}
	if err := archive.Tag(r, bxTag, representative); err != nil {
		log.Error.Printf("groupumi: tagging %s with BX: %v", r.Name, err)
	}
}
