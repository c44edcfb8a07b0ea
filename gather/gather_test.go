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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/varscatter/encoding/vcfindex"
	"github.com/grailbio/varscatter/interval"
	"github.com/grailbio/varscatter/partition"
	"github.com/grailbio/varscatter/scatter"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const vcfHeader = "##fileformat=VCFv4.2\n" +
	"##contig=<ID=chr1>\n##contig=<ID=chr2>\n" +
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tN1\tT1\n"

var (
	keyN1 = scatter.Key{Caller: scatter.Mutect2, Subject: "S1", Sample: "N1", Tumor: "T1"}
	keyN2 = scatter.Key{Caller: scatter.Mutect2, Subject: "S1", Sample: "N2", Tumor: "T1"}
)

func region(contig string, start0, end interval.PosType) interval.Region {
	return interval.Region{Contig: contig, Start0: start0, End: end}
}

// testChunks are listed longest-first, as dispatch sees them, which is not
// coordinate order.
func testChunks() []partition.Chunk {
	return []partition.Chunk{
		{ID: "chr2_201-500", Index: 2, Regions: []interval.Region{region("chr2", 200, 500)}},
		{ID: "chr1_1-1000", Index: 0, Regions: []interval.Region{region("chr1", 0, 400), region("chr1", 600, 1000)}},
		{ID: "chr2_100-200", Index: 1, Regions: []interval.Region{region("chr2", 99, 200)}},
	}
}

func record(contig string, pos int, sampleTag string) string {
	return fmt.Sprintf("%s\t%d\t.\tA\tC\t50\tPASS\tDP=%d\tGT\t0/0\t0/1:%s", contig, pos, pos%13, sampleTag)
}

// chunkRecords are the records each chunk's caller emits, including some
// outside the chunk's regions which the merge must drop.
var chunkRecords = map[string][]string{
	"chr1_1-1000": {
		record("chr1", 10, "a"),
		record("chr1", 400, "a"),
		record("chr1", 500, "x"), // in the gap between regions
		record("chr1", 1000, "a"),
	},
	"chr2_100-200": {
		record("chr2", 100, "a"),
		record("chr2", 200, "a"),
		record("chr2", 201, "x"), // belongs to the next chunk
	},
	"chr2_201-500": {
		record("chr2", 200, "x"), // belongs to the previous chunk
		record("chr2", 201, "a"),
		record("chr2", 201, "a"), // duplicate
		record("chr2", 500, "a"),
	},
}

var wantRecords = []string{
	record("chr1", 10, "a"),
	record("chr1", 400, "a"),
	record("chr1", 1000, "a"),
	record("chr2", 100, "a"),
	record("chr2", 200, "a"),
	record("chr2", 201, "a"),
	record("chr2", 500, "a"),
}

func writeVCF(t *testing.T, path, header string, records []string) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(header + strings.Join(records, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))
}

// writeArtifacts writes the chunk outputs of key and returns them.
func writeArtifacts(t *testing.T, dir string, key scatter.Key, family scatter.Family, chunks []partition.Chunk) []Artifact {
	var artifacts []Artifact
	for _, c := range chunks {
		path := filepath.Join(dir, "work", key.Dir(), c.ID+family.Suffix())
		writeVCF(t, path, vcfHeader, chunkRecords[c.ID])
		artifacts = append(artifacts, Artifact{Key: key, Family: family, ChunkID: c.ID, Path: path})
	}
	return artifacts
}

func readMerged(t *testing.T, path string) []string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() // nolint: errcheck
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(gz)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestMergeOrderIndependent(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chunks := testChunks()
	artifacts := writeArtifacts(t, dir, keyN1, scatter.Genotyped, chunks)

	var checksums []uint64
	for iter := 0; iter < 5; iter++ {
		c := NewCollector(chunks, []scatter.Key{keyN1}, nil)
		shuffled := append([]Artifact(nil), artifacts...)
		rand.New(rand.NewSource(int64(iter))).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		var eg errgroup.Group
		for _, a := range shuffled {
			a := a
			eg.Go(func() error { return c.Add(a) })
		}
		require.NoError(t, eg.Wait())

		group, err := c.Group(keyN1, scatter.Genotyped)
		require.NoError(t, err)
		var ids []string
		for _, a := range group {
			ids = append(ids, a.ChunkID)
		}
		assert.Equal(t, []string{"chr1_1-1000", "chr2_100-200", "chr2_201-500"}, ids)

		opts := DefaultOpts
		opts.OutDir = filepath.Join(dir, "out")
		outcomes := c.MergeAll(ctx, opts)
		require.Len(t, outcomes, 1)
		require.NoError(t, outcomes[0].Err)
		require.Len(t, outcomes[0].Merged, 1)
		m := outcomes[0].Merged[0]
		assert.Equal(t, filepath.Join(dir, "out", "mutect2", "S1", "N1", "T1", "mutect2_S1_N1_vs_T1.vcf.gz"), m.Path)
		assert.Equal(t, 3, m.Chunks)
		assert.Equal(t, len(wantRecords), m.Records)
		assert.Equal(t, 4, m.Dropped)
		checksums = append(checksums, m.Checksum)

		lines := readMerged(t, m.Path)
		header := strings.Split(strings.TrimSuffix(vcfHeader, "\n"), "\n")
		assert.Equal(t, header, lines[:len(header)])
		assert.Equal(t, wantRecords, lines[len(header):])
	}
	for _, sum := range checksums[1:] {
		assert.Equal(t, checksums[0], sum)
	}
}

func TestMergeIndex(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chunks := testChunks()
	c := NewCollector(chunks, []scatter.Key{keyN1}, nil)
	for _, a := range writeArtifacts(t, dir, keyN1, scatter.Genotyped, chunks) {
		require.NoError(t, c.Add(a))
	}
	opts := DefaultOpts
	opts.OutDir = dir
	outcome := c.MergeKey(ctx, keyN1, opts)
	require.NoError(t, outcome.Err)

	f, err := os.Open(outcome.Merged[0].IndexPath)
	require.NoError(t, err)
	defer f.Close() // nolint: errcheck
	index, err := vcfindex.Read(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"chr1", "chr2"}, index.Contigs)
	_, ok := index.Lookup("chr2", 150)
	assert.True(t, ok)
}

func TestIncompleteKey(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chunks := testChunks()
	c := NewCollector(chunks, []scatter.Key{keyN1}, nil)
	artifacts := writeArtifacts(t, dir, keyN1, scatter.Genotyped, chunks)
	for _, a := range artifacts {
		if a.ChunkID != "chr2_201-500" {
			require.NoError(t, c.Add(a))
		}
	}
	_, err := c.Group(keyN1, scatter.Genotyped)
	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []string{"chr2_201-500"}, incomplete.Missing)

	opts := DefaultOpts
	opts.OutDir = filepath.Join(dir, "out")
	outcome := c.MergeKey(ctx, keyN1, opts)
	assert.True(t, errors.As(outcome.Err, &incomplete))
	_, err = os.Stat(OutputPath(opts.OutDir, keyN1, scatter.Genotyped))
	assert.True(t, os.IsNotExist(err))
}

func TestFailureIsolatesKey(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chunks := testChunks()
	c := NewCollector(chunks, []scatter.Key{keyN1, keyN2}, nil)
	for _, key := range []scatter.Key{keyN1, keyN2} {
		for _, a := range writeArtifacts(t, dir, key, scatter.Genotyped, chunks) {
			if key == keyN1 && a.ChunkID == "chr2_100-200" {
				continue
			}
			require.NoError(t, c.Add(a))
		}
	}
	failed := scatter.WorkItem{Key: keyN1, Chunk: &chunks[2]}
	require.Equal(t, "chr2_100-200", failed.Chunk.ID)
	c.Fail(&failed, errors.New("exit status 137"))

	opts := DefaultOpts
	opts.OutDir = filepath.Join(dir, "out")
	outcomes := c.MergeAll(ctx, opts)
	require.Len(t, outcomes, 2)

	var failedErr *FailedError
	require.True(t, errors.As(outcomes[0].Err, &failedErr))
	assert.Equal(t, keyN1, failedErr.Key)
	assert.Equal(t, []string{"chr2_100-200"}, failedErr.Chunks)
	assert.Contains(t, failedErr.Error(), "exit status 137")
	_, err := os.Stat(OutputPath(opts.OutDir, keyN1, scatter.Genotyped))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, outcomes[1].Err)
	assert.Equal(t, len(wantRecords), outcomes[1].Merged[0].Records)
	_, err = os.Stat(OutputPath(opts.OutDir, keyN2, scatter.Genotyped))
	assert.NoError(t, err)
}

func TestRetryReplacesArtifact(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chunks := testChunks()
	c := NewCollector(chunks, []scatter.Key{keyN1}, nil)
	artifacts := writeArtifacts(t, dir, keyN1, scatter.Genotyped, chunks)
	for _, a := range artifacts {
		require.NoError(t, c.Add(a))
	}
	// The first attempt of chr1_1-1000 failed; the retry wrote a different
	// file, which replaces the earlier artifact and clears the failure.
	c.Fail(&scatter.WorkItem{Key: keyN1, Chunk: &chunks[1]}, errors.New("transient"))
	_, err := c.Group(keyN1, scatter.Genotyped)
	require.Error(t, err)

	retry := filepath.Join(dir, "retry.vcf.gz")
	writeVCF(t, retry, vcfHeader, []string{record("chr1", 20, "retry")})
	require.NoError(t, c.Add(Artifact{Key: keyN1, Family: scatter.Genotyped, ChunkID: "chr1_1-1000", Path: retry}))

	opts := DefaultOpts
	opts.OutDir = dir
	outcome := c.MergeKey(ctx, keyN1, opts)
	require.NoError(t, outcome.Err)
	lines := readMerged(t, outcome.Merged[0].Path)
	assert.Contains(t, lines, record("chr1", 20, "retry"))
	assert.NotContains(t, lines, record("chr1", 10, "a"))
}

func TestHaplotypeCallerFamilies(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chunks := testChunks()
	key := scatter.Key{Caller: scatter.HaplotypeCaller, Subject: "S1", Sample: "N1"}
	c := NewCollector(chunks, []scatter.Key{key}, nil)
	// Only the genotyped family is complete: nothing may be written.
	for _, a := range writeArtifacts(t, dir, key, scatter.Genotyped, chunks) {
		require.NoError(t, c.Add(a))
	}
	opts := DefaultOpts
	opts.OutDir = filepath.Join(dir, "out")
	outcome := c.MergeKey(ctx, key, opts)
	var incomplete *IncompleteError
	require.True(t, errors.As(outcome.Err, &incomplete))
	assert.Equal(t, scatter.Raw, incomplete.Family)
	assert.Len(t, incomplete.Missing, 3)

	for _, a := range writeArtifacts(t, dir, key, scatter.Raw, chunks) {
		require.NoError(t, c.Add(a))
	}
	outcome = c.MergeKey(ctx, key, opts)
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.Merged, 2)
	assert.True(t, strings.HasSuffix(outcome.Merged[0].Path, "haplotypecaller_S1_N1.g.vcf.gz"))
	assert.True(t, strings.HasSuffix(outcome.Merged[1].Path, "haplotypecaller_S1_N1.vcf.gz"))
}

func TestAddErrors(t *testing.T) {
	chunks := testChunks()
	c := NewCollector(chunks, []scatter.Key{keyN1}, nil)
	err := c.Add(Artifact{Key: keyN1, Family: scatter.Genotyped, ChunkID: "chr9_1-10"})
	assert.True(t, gerrors.Is(gerrors.Invalid, err))
	err = c.Add(Artifact{Key: keyN1, Family: scatter.Raw, ChunkID: "chr1_1-1000"})
	assert.True(t, gerrors.Is(gerrors.Invalid, err))
	err = c.Add(Artifact{Key: keyN2, Family: scatter.Genotyped, ChunkID: "chr1_1-1000"})
	assert.True(t, gerrors.Is(gerrors.Invalid, err))
}

func TestHeaderMismatch(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chunks := testChunks()
	c := NewCollector(chunks, []scatter.Key{keyN1}, nil)
	for _, a := range writeArtifacts(t, dir, keyN1, scatter.Genotyped, chunks) {
		if a.ChunkID == "chr2_201-500" {
			writeVCF(t, a.Path, strings.Replace(vcfHeader, "\tT1", "\tT9", 1), chunkRecords[a.ChunkID])
		}
		require.NoError(t, c.Add(a))
	}
	opts := DefaultOpts
	opts.OutDir = filepath.Join(dir, "out")
	outcome := c.MergeKey(ctx, keyN1, opts)
	assert.True(t, gerrors.Is(gerrors.Integrity, outcome.Err))
	_, err := os.Stat(OutputPath(opts.OutDir, keyN1, scatter.Genotyped))
	assert.True(t, os.IsNotExist(err))
}

func TestHeaderMissing(t *testing.T) {
	ctx := context.Background()
	for _, header := range []string{"", "##fileformat=VCFv4.2\n"} {
		dir, cleanup := testutil.TempDir(t, "", "")
		chunks := testChunks()
		c := NewCollector(chunks, []scatter.Key{keyN1}, nil)
		for _, a := range writeArtifacts(t, dir, keyN1, scatter.Genotyped, chunks) {
			// A later chunk in coordinate order lost its header.
			if a.ChunkID == "chr2_201-500" {
				writeVCF(t, a.Path, header, chunkRecords[a.ChunkID])
			}
			require.NoError(t, c.Add(a))
		}
		opts := DefaultOpts
		opts.OutDir = filepath.Join(dir, "out")
		outcome := c.MergeKey(ctx, keyN1, opts)
		assert.True(t, gerrors.Is(gerrors.Invalid, outcome.Err), "header %q: %v", header, outcome.Err)
		assert.Contains(t, outcome.Err.Error(), "#CHROM")
		_, err := os.Stat(OutputPath(opts.OutDir, keyN1, scatter.Genotyped))
		assert.True(t, os.IsNotExist(err))
		cleanup()
	}
}

func TestContigOrderFromDictionary(t *testing.T) {
	chunks := testChunks()
	// A dictionary that puts chr2 first reverses the merge order.
	c := NewCollector(chunks, []scatter.Key{keyN1}, interval.NewContigOrder([]string{"chr2", "chr1"}))
	for _, id := range []string{"chr1_1-1000", "chr2_201-500", "chr2_100-200"} {
		require.NoError(t, c.Add(Artifact{Key: keyN1, Family: scatter.Genotyped, ChunkID: id}))
	}
	group, err := c.Group(keyN1, scatter.Genotyped)
	require.NoError(t, err)
	var ids []string
	for _, a := range group {
		ids = append(ids, a.ChunkID)
	}
	assert.Equal(t, []string{"chr2_100-200", "chr2_201-500", "chr1_1-1000"}, ids)
}
