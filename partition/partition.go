// Package partition splits a region list into interval chunks whose estimated
// processing times are balanced, writes them as BED files, and orders them
// longest-first for dispatch.
package partition

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/varscatter/interval"
)

// ListFile is the name of the file, next to the chunk files, which lists them
// in emission order.
const ListFile = "chunks.list"

// Chunk is a named, ordered sequence of regions that is processed as one
// unit.  Chunks are never modified once Partition or Load returns them.
type Chunk struct {
	// ID is derived from the first and last regions, and is stable across
	// runs on identical input.
	ID string
	// Index is the position of the chunk in emission (coordinate) order.
	Index   int
	Regions []interval.Region
	// Path is the chunk's BED file.  It is empty until the chunk is written.
	Path string
}

// Duration returns the sum of the regions' runtime estimates.
func (c *Chunk) Duration(nucleotidesPerSecond float64) float64 {
	var total float64
	for _, r := range c.Regions {
		total += r.Time(nucleotidesPerSecond)
	}
	return total
}

// First returns the chunk's first region.
func (c *Chunk) First() interval.Region {
	return c.Regions[0]
}

// BEDUnion returns the union of the chunk's regions.
func (c *Chunk) BEDUnion() (interval.BEDUnion, error) {
	return interval.NewBEDUnionFromRegions(c.Regions)
}

// chunkName returns "<contig>_<start+1>-<end>", using the first region's
// contig and start and the last region's end.  The last contig is spelled
// out when the chunk spans contigs.
func chunkName(regions []interval.Region) string {
	first, last := regions[0], regions[len(regions)-1]
	if first.Contig != last.Contig {
		return fmt.Sprintf("%s_%d-%s_%d", first.Contig, first.Start0+1, last.Contig, last.End)
	}
	return fmt.Sprintf("%s_%d-%d", first.Contig, first.Start0+1, last.End)
}

// Partition groups regions into chunks.  Weighted regions are packed
// greedily: a new chunk is started when the open chunk has accumulated more
// than opts.MinChunkSeconds and adding the region would push it past
// opts.LongestSlack times its longest region.  Plain regions each get their
// own chunk.  Regions must be sorted, as ScanRegions requires.
func Partition(regions []interval.Region, format interval.Format, opts Opts) ([]Chunk, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if format != interval.FormatWeighted && format != interval.FormatPlain {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition.Partition: unresolved region format %v", format))
	}
	var (
		chunks       []Chunk
		acc, longest float64
	)
	for _, r := range regions {
		t := r.Time(opts.NucleotidesPerSecond)
		if len(chunks) == 0 || format == interval.FormatPlain ||
			(acc > opts.MinChunkSeconds && acc+t > opts.LongestSlack*longest) {
			chunks = append(chunks, Chunk{Index: len(chunks)})
			acc, longest = 0, 0
		}
		c := &chunks[len(chunks)-1]
		c.Regions = append(c.Regions, r)
		acc += t
		if t > longest {
			longest = t
		}
	}
	ids := make(map[string]int, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		c.ID = chunkName(c.Regions)
		if prev, ok := ids[c.ID]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition.Partition: chunks %d and %d are both named %s", prev, i, c.ID))
		}
		ids[c.ID] = i
	}
	log.Debug.Printf("partition.Partition: %d %v region(s) -> %d chunk(s)", len(regions), format, len(chunks))
	return chunks, nil
}

// PartitionFile reads the region list at path and partitions it.
func PartitionFile(ctx context.Context, path string, format interval.Format, opts Opts) ([]Chunk, error) {
	regions, resolved, err := interval.ReadRegions(ctx, path, format)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, errors.E(errors.Invalid, "partition.PartitionFile:", path, "contains no regions")
	}
	return Partition(regions, resolved, opts)
}

// Write writes one "<ID>.bed" file per chunk into dir, followed by ListFile.
// The chunks' Path fields are set.  Weighted lines are copied verbatim; plain
// regions are written as 0-based half-open BED lines.
func Write(ctx context.Context, dir string, chunks []Chunk) error {
	for i := range chunks {
		c := &chunks[i]
		c.Path = file.Join(dir, c.ID+".bed")
		if err := writeChunk(ctx, c); err != nil {
			return err
		}
	}
	if err := writeList(ctx, file.Join(dir, ListFile), chunks); err != nil {
		return err
	}
	log.Printf("partition.Write: %d chunk(s) written to %s", len(chunks), dir)
	return nil
}

func writeChunk(ctx context.Context, c *Chunk) (err error) {
	var out file.File
	if out, err = file.Create(ctx, c.Path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := bufio.NewWriter(out.Writer(ctx))
	for _, r := range c.Regions {
		if _, err = w.WriteString(r.BEDLine()); err != nil {
			return err
		}
		if err = w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeList(ctx context.Context, path string, chunks []Chunk) (err error) {
	var out file.File
	if out, err = file.Create(ctx, path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := bufio.NewWriter(out.Writer(ctx))
	for _, c := range chunks {
		if _, err = fmt.Fprintf(w, "%s.bed\n", c.ID); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Load reads the chunks previously written to dir, in ListFile order.  The
// regions are parsed from the chunk files themselves, so durations computed
// from the result reflect the persisted content.
func Load(ctx context.Context, dir string) ([]Chunk, error) {
	listPath := file.Join(dir, ListFile)
	names, err := readList(ctx, listPath)
	if err != nil {
		return nil, err
	}
	var chunks []Chunk
	for _, name := range names {
		if !strings.HasSuffix(name, ".bed") {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition.Load: %s: unexpected chunk file name %q", listPath, name))
		}
		c := Chunk{
			ID:    strings.TrimSuffix(name, ".bed"),
			Index: len(chunks),
			Path:  file.Join(dir, name),
		}
		if c.Regions, err = readChunk(ctx, c.Path); err != nil {
			return nil, err
		}
		if len(c.Regions) == 0 {
			return nil, errors.E(errors.Invalid, "partition.Load:", c.Path, "is empty")
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func readList(ctx context.Context, path string) (names []string, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	scanner := bufio.NewScanner(in.Reader(ctx))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	err = scanner.Err()
	return
}

func readChunk(ctx context.Context, path string) (regions []interval.Region, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if regions, err = interval.ScanRegions(in.Reader(ctx), interval.FormatWeighted); err != nil {
		err = errors.E(err, path)
	}
	return
}

// SortByDuration returns a copy of chunks in non-increasing order of
// duration.  Chunks with equal durations keep their relative order.
func SortByDuration(chunks []Chunk, nucleotidesPerSecond float64) []Chunk {
	type keyed struct {
		chunk    Chunk
		duration float64
	}
	tmp := make([]keyed, len(chunks))
	for i := range chunks {
		tmp[i] = keyed{chunks[i], chunks[i].Duration(nucleotidesPerSecond)}
	}
	sort.SliceStable(tmp, func(i, j int) bool {
		return tmp[i].duration > tmp[j].duration
	})
	sorted := make([]Chunk, len(tmp))
	for i := range tmp {
		sorted[i] = tmp[i].chunk
	}
	return sorted
}

// TotalDuration returns the sum of the chunks' durations.
func TotalDuration(chunks []Chunk, nucleotidesPerSecond float64) float64 {
	var total float64
	for i := range chunks {
		total += chunks[i].Duration(nucleotidesPerSecond)
	}
	return total
}
