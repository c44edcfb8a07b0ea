// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package gather

import (
	"bufio"
	"context"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/varscatter/encoding/bgzf"
	"github.com/grailbio/varscatter/encoding/vcfindex"
	"github.com/grailbio/varscatter/interval"
	"github.com/grailbio/varscatter/partition"
	"github.com/grailbio/varscatter/scatter"
	"github.com/grailbio/varscatter/util"
	"github.com/klauspost/compress/gzip"
)

// IndexSuffix is appended to a merged output's path to name its index.
const IndexSuffix = ".vci"

// Opts configures merging.
type Opts struct {
	// OutDir is the root of the merged outputs.
	OutDir string
	// Parallelism bounds the number of keys merged concurrently.
	Parallelism int
	// CompressionLevel is the gzip level of the bgzf output.
	CompressionLevel int
	// IndexByteInterval is the spacing of the .vci index entries.
	IndexByteInterval int
}

// DefaultOpts are the default merge settings.
var DefaultOpts = Opts{
	Parallelism:       8,
	CompressionLevel:  gzip.DefaultCompression,
	IndexByteInterval: vcfindex.DefaultByteInterval,
}

// Merged describes one merged output file.
type Merged struct {
	Key       scatter.Key
	Family    scatter.Family
	Path      string
	IndexPath string
	// Chunks is the number of artifacts merged.
	Chunks int
	// Records is the number of records written.
	Records int
	// Dropped counts records outside their chunk or repeated across a chunk
	// boundary.
	Dropped int
	// Checksum is the seahash of the uncompressed output.
	Checksum uint64
}

// Outcome is the result of gathering one key.  Err is nil iff every family
// of the key was merged.
type Outcome struct {
	Key    scatter.Key
	Merged []Merged
	Err    error
}

// OutputPath returns "<outDir>/<key dir>/<key name><family suffix>".
func OutputPath(outDir string, key scatter.Key, family scatter.Family) string {
	return file.Join(outDir, key.Dir(), key.Name()+family.Suffix())
}

// MergeAll merges every expected key of the collector.  Keys are
// independent: a failed or incomplete key is reported in its Outcome without
// affecting the others.  Outcomes are in Keys() order.
func (c *Collector) MergeAll(ctx context.Context, opts Opts) []Outcome {
	keys := c.Keys()
	outcomes := make([]Outcome, len(keys))
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	_ = traverse.Limit(parallelism).Each(len(keys), func(i int) error {
		outcomes[i] = c.MergeKey(ctx, keys[i], opts)
		return nil
	})
	nFailed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			nFailed++
			log.Error.Printf("gather: %v withheld: %v", o.Key, o.Err)
		}
	}
	log.Printf("gather.MergeAll: %d key(s) merged, %d withheld", len(keys)-nFailed, nFailed)
	return outcomes
}

// MergeKey merges every family of key.  All families are checked for
// completeness before any output is written.
func (c *Collector) MergeKey(ctx context.Context, key scatter.Key, opts Opts) Outcome {
	outcome := Outcome{Key: key}
	families := key.Caller.Families()
	groups := make([][]Artifact, len(families))
	for i, family := range families {
		if groups[i], outcome.Err = c.Group(key, family); outcome.Err != nil {
			return outcome
		}
	}
	for i, family := range families {
		m, err := c.merge(ctx, key, family, groups[i], opts)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		outcome.Merged = append(outcome.Merged, m)
	}
	return outcome
}

// merge concatenates the artifacts, in order, into a bgzf file.  The header
// comes from the first artifact.  A record is kept only if its position lies
// in its chunk's regions and it differs from the previous record.
func (c *Collector) merge(ctx context.Context, key scatter.Key, family scatter.Family, artifacts []Artifact, opts Opts) (m Merged, err error) {
	m = Merged{
		Key:       key,
		Family:    family,
		Path:      OutputPath(opts.OutDir, key, family),
		Chunks:    len(artifacts),
		IndexPath: OutputPath(opts.OutDir, key, family) + IndexSuffix,
	}
	var out file.File
	if out, err = file.Create(ctx, m.Path); err != nil {
		return
	}
	defer func() {
		if cerr := out.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			// Don't leave a partial output behind.
			if rerr := file.Remove(ctx, m.Path); rerr != nil {
				log.Debug.Printf("gather: remove %s: %v", m.Path, rerr)
			}
		}
	}()
	var bw *bgzf.Writer
	if bw, err = bgzf.NewWriter(out.Writer(ctx), opts.CompressionLevel); err != nil {
		return
	}
	w := &recordWriter{
		bw:    bw,
		hash:  seahash.New(),
		index: vcfindex.NewBuilder(opts.IndexByteInterval),
		order: c.order,
	}
	for i, a := range artifacts {
		if err = w.copyArtifact(ctx, a, c.chunk(a.ChunkID), i == 0); err != nil {
			return
		}
	}
	if err = bw.Close(); err != nil {
		return
	}
	if err = writeIndex(ctx, m.IndexPath, w.index.Index()); err != nil {
		return
	}
	m.Records, m.Dropped, m.Checksum = w.records, w.dropped, w.hash.Sum64()
	log.Printf("gather: %s: %d chunk(s), %d record(s), %d dropped, checksum %016x",
		m.Path, m.Chunks, m.Records, m.Dropped, m.Checksum)
	return
}

func writeIndex(ctx context.Context, path string, index *vcfindex.Index) (err error) {
	var out file.File
	if out, err = file.Create(ctx, path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	return index.Write(out.Writer(ctx))
}

// recordWriter carries the state of one merge across artifacts.
type recordWriter struct {
	bw    *bgzf.Writer
	hash  hash.Hash64
	index *vcfindex.Builder
	order *interval.ContigOrder

	// headerLine is the first artifact's #CHROM line.
	headerLine string

	prevLine   string
	prevContig string
	prevPos    int32
	records    int
	dropped    int
}

func (w *recordWriter) write(line string) error {
	if _, err := w.bw.WriteString(line); err != nil {
		return err
	}
	if _, err := w.bw.WriteString("\n"); err != nil {
		return err
	}
	w.hash.Write([]byte(line)) // nolint: errcheck
	w.hash.Write([]byte{'\n'}) // nolint: errcheck
	return nil
}

func (w *recordWriter) copyArtifact(ctx context.Context, a Artifact, chunk *partition.Chunk, first bool) (err error) {
	var in *util.Input
	if in, err = util.OpenInput(ctx, a.Path); err != nil {
		return errors.E(errors.NotExist, fmt.Sprintf("gather: %v chunk %s", a.Key, a.ChunkID), err)
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	union, err := chunk.BEDUnion()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), 64<<20)
	lineno := 0
	columns := false
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if line[0] == '#' {
			if err = w.header(line, first, a); err != nil {
				return err
			}
			columns = columns || strings.HasPrefix(line, "#CHROM")
			continue
		}
		if !columns {
			return errors.E(errors.Invalid, fmt.Sprintf("gather: %s:%d: record before the #CHROM header line", a.Path, lineno))
		}
		contig, pos, perr := recordPosition(line)
		if perr != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("gather: %s:%d", a.Path, lineno), perr)
		}
		if !union.ContainsByName(contig, interval.PosType(pos-1)) || line == w.prevLine {
			w.dropped++
			continue
		}
		if w.records > 0 && w.order.Compare(w.prevContig, interval.PosType(w.prevPos), contig, interval.PosType(pos)) > 0 {
			return errors.E(errors.Integrity, fmt.Sprintf("gather: %s:%d: record %s:%d out of order after %s:%d",
				a.Path, lineno, contig, pos, w.prevContig, w.prevPos))
		}
		if err = w.index.Add(contig, pos, w.bw.VOffset()); err != nil {
			return errors.E(errors.Integrity, err)
		}
		if err = w.write(line); err != nil {
			return err
		}
		w.prevLine, w.prevContig, w.prevPos = line, contig, pos
		w.records++
	}
	if err = scanner.Err(); err != nil {
		return err
	}
	if !columns {
		return errors.E(errors.Invalid, fmt.Sprintf("gather: %s has no #CHROM header line", a.Path))
	}
	return nil
}

// header copies the first artifact's header lines, and checks that the
// #CHROM line of every other artifact matches it.
func (w *recordWriter) header(line string, first bool, a Artifact) error {
	isColumns := strings.HasPrefix(line, "#CHROM")
	if first {
		if isColumns {
			w.headerLine = line
		}
		return w.write(line)
	}
	if isColumns && line != w.headerLine {
		return errors.E(errors.Integrity, fmt.Sprintf("gather: %s: column header %q differs from %q", a.Path, line, w.headerLine))
	}
	return nil
}

// recordPosition extracts CHROM and POS from a VCF record.
func recordPosition(line string) (string, int32, error) {
	tab1 := strings.IndexByte(line, '\t')
	if tab1 <= 0 {
		return "", 0, fmt.Errorf("malformed record %q", line)
	}
	rest := line[tab1+1:]
	tab2 := strings.IndexByte(rest, '\t')
	if tab2 < 0 {
		tab2 = len(rest)
	}
	pos, err := strconv.ParseInt(rest[:tab2], 10, 32)
	if err != nil || pos <= 0 {
		return "", 0, fmt.Errorf("malformed position in record %q", line)
	}
	return line[:tab1], int32(pos), nil
}
