/*
  rumina groups aligned reads by UMI-aware duplicate clustering and,
  optionally, merges overlapping read pairs into a consensus record. For
  background on the algorithm, see package umi and package groupumi.
*/
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/log"

	"github.com/greninger-lab/rumina/archive"
	"github.com/greninger-lab/rumina/encoding/fasta"
	"github.com/greninger-lab/rumina/groupumi"
	"github.com/greninger-lab/rumina/pairmerge"
	"github.com/greninger-lab/rumina/realign"
	"github.com/greninger-lab/rumina/umi"
)

var (
	input          = flag.String("input", "", "Input BAM file")
	outdir         = flag.String("outdir", ".", "Output directory")
	separator      = flag.String("separator", "_", "Separator preceding the UMI suffix in read names")
	threads        = flag.Int("threads", 0, "Number of parallel workers (default runtime.NumCPU())")
	splitWindow    = flag.String("split-window", "auto", "Coordinate window width in bp, or 'auto'")
	groupingMethod = flag.String("grouping-method", "directional", "UMI grouping method: directional, acyclic, or raw")
	groupByLength  = flag.Bool("length", false, "Include read length in the position key")
	onlyGroup      = flag.Bool("only-group", false, "Tag every read in a cluster, not just the representative")
	singletons     = flag.Bool("singletons", false, "Include singleton (size-1) clusters in the output")
	r1Only         = flag.Bool("r1-only", false, "Only use first-in-template reads for grouping")
	mergePairs     = flag.String("merge-pairs", "", "Reference FASTA to merge overlapping pairs against; empty disables merging")
	minOverlapBP   = flag.Int("min-overlap-bp", 10, "Minimum overlapping bases required to merge a pair")
)

// userError signals a problem with the invocation or input that isn't
// an I/O failure: maps to exit code 1.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		log.Fatalf("unparsed arguments, please check flag syntax: %q", strings.Join(flag.Args(), " "))
	}

	if err := run(); err != nil {
		log.Error.Printf("%v", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a run() error to the process exit status documented in
// the CLI surface: 1 for user error, 2 for I/O error.
func exitCode(err error) int {
	var ue *userError
	var umiErr *umi.ErrMalformedUMISet
	if errors.As(err, &ue) || errors.As(err, &umiErr) {
		return 1
	}
	var ioErr *archive.IOError
	var idxErr *archive.IndexMissingError
	if errors.As(err, &ioErr) || errors.As(err, &idxErr) {
		return 2
	}
	return 1
}

func run() error {
	if *input == "" {
		return &userError{"--input is required"}
	}
	method, err := parseGroupingMethod(*groupingMethod)
	if err != nil {
		return err
	}

	index := *input + ".bai"
	if _, statErr := os.Stat(index); statErr != nil {
		return &archive.IndexMissingError{Path: *input}
	}

	reader, err := archive.Open(*input, index)
	if err != nil {
		return err
	}
	defer reader.Close()

	base := strings.TrimSuffix(filepath.Base(*input), filepath.Ext(*input))
	dedupPath := filepath.Join(*outdir, base+".dedup.bam")

	if err := runDedup(reader, dedupPath, method); err != nil {
		os.Remove(dedupPath)
		return err
	}

	if *mergePairs == "" {
		return nil
	}

	if _, err := archive.IndexBAM(dedupPath); err != nil {
		return err
	}
	mergedPath := filepath.Join(*outdir, base+".merged.bam")
	if err := runMerge(dedupPath, mergedPath); err != nil {
		os.Remove(mergedPath)
		return err
	}
	return nil
}

func parseGroupingMethod(s string) (umi.GroupingMethod, error) {
	switch strings.ToLower(s) {
	case "directional":
		return umi.Directional, nil
	case "acyclic":
		return umi.Acyclic, nil
	case "raw":
		return umi.Raw, nil
	default:
		return 0, &userError{fmt.Sprintf("unrecognized --grouping-method %q", s)}
	}
}

func runDedup(reader *archive.Reader, outPath string, method umi.GroupingMethod) error {
	out, err := os.Create(outPath)
	if err != nil {
		return &archive.IOError{Path: outPath, Err: err}
	}
	writer, err := archive.NewWriter(out, reader.Header())
	if err != nil {
		out.Close()
		return err
	}

	processor := &umi.Processor{Threshold: umi.DefaultThreshold, Method: method}
	opts := groupumi.Opts{
		GroupByLength: *groupByLength,
		R1Only:        *r1Only,
		OnlyGroup:     *onlyGroup,
		Singletons:    *singletons,
		Separator:     *separator,
		Parallelism:   *threads,
		Processor:     processor,
	}
	coord := groupumi.NewCoordinator(reader, writer, filepath.Base(*input), opts)

	window, werr := resolveSplitWindow(reader)
	if werr != nil {
		writer.Close()
		out.Close()
		return werr
	}

	runErr := coord.Run(window)
	closeErr := writer.Close()
	if runErr == nil {
		runErr = closeErr
	}
	if closeErr2 := out.Close(); runErr == nil {
		runErr = closeErr2
	}
	if runErr != nil {
		return runErr
	}

	report := coord.Report()
	log.Debug.Printf("dedup: reads_in=%d reads_out=%d groups=%d singletons=%d mean_reads=%.2f",
		report.ReadsIn, report.ReadsOut, report.Groups, report.Singletons, report.MeanGroupSize())
	return report.WriteReportFile(outPath + ".minmax.txt")
}

// resolveSplitWindow turns the --split-window flag into a bp width.
// "auto" picks groupumi.AutoWindowWidth's result for the largest
// reference, matching "auto" resolving to one width applied uniformly:
// every reference is split with that same width.
func resolveSplitWindow(reader *archive.Reader) (int, error) {
	if *splitWindow == "" || strings.EqualFold(*splitWindow, "auto") {
		maxLen := 0
		for _, ref := range reader.Header().Refs() {
			if ref.Len() > maxLen {
				maxLen = ref.Len()
			}
		}
		return groupumi.AutoWindowWidth(maxLen), nil
	}
	w, err := strconv.Atoi(*splitWindow)
	if err != nil {
		return 0, &userError{fmt.Sprintf("invalid --split-window %q: %v", *splitWindow, err)}
	}
	return w, nil
}

func runMerge(inPath, outPath string) error {
	reader, err := archive.Open(inPath, inPath+".bai")
	if err != nil {
		return err
	}
	defer reader.Close()

	refSeq, err := loadFastaConcat(*mergePairs)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return &archive.IOError{Path: outPath, Err: err}
	}
	writer, err := archive.NewWriter(out, reader.Header())
	if err != nil {
		out.Close()
		return err
	}

	opts := pairmerge.Opts{
		MinOverlapBP: *minOverlapBP,
		Parallelism:  *threads,
		Aligner:      realign.NewDefault(),
		Reference:    refSeq,
	}
	coord := pairmerge.NewCoordinator(reader, writer, opts)

	window, werr := resolveSplitWindow(reader)
	if werr != nil {
		writer.Close()
		out.Close()
		return werr
	}

	runErr := coord.Run(window)
	closeErr := writer.Close()
	if runErr == nil {
		runErr = closeErr
	}
	if closeErr2 := out.Close(); runErr == nil {
		runErr = closeErr2
	}
	if runErr != nil {
		return runErr
	}

	report := coord.Report()
	log.Debug.Printf("merge: reads_in=%d reads_out=%d merged=%d unmerged=%d discordant=%d",
		report.NumInReads, report.NumOutReads, report.NumMerged, report.NumUnmerged, report.NumDiscordant)
	return nil
}

// loadFastaConcat reads a FASTA file and returns its sequence data
// concatenated across every record it contains. The pair merger treats
// the whole file as one flat reference slice, since --merge-pairs
// targets a single-amplicon reference rather than a multi-contig
// genome.
func loadFastaConcat(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &archive.IOError{Path: path, Err: err}
	}
	defer f.Close()

	parsed, err := fasta.New(f)
	if err != nil {
		return nil, &userError{fmt.Sprintf("%s: %v", path, err)}
	}

	var out []byte
	for _, name := range parsed.SeqNames() {
		length, err := parsed.Len(name)
		if err != nil {
			return nil, &userError{fmt.Sprintf("%s: %v", path, err)}
		}
		seq, err := parsed.Get(name, 0, length)
		if err != nil {
			return nil, &userError{fmt.Sprintf("%s: %v", path, err)}
		}
		out = append(out, []byte(strings.ToUpper(seq))...)
	}
	if len(out) == 0 {
		return nil, &userError{fmt.Sprintf("%s contains no sequence data", path)}
	}
	return out, nil
}
