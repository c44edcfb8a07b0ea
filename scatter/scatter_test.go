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
package scatter

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/varscatter/interval"
	"github.com/grailbio/varscatter/partition"
	"github.com/grailbio/varscatter/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunks() []partition.Chunk {
	return []partition.Chunk{
		{ID: "chr1_1-1000", Index: 0, Path: "chunks/chr1_1-1000.bed", Regions: []interval.Region{
			{Contig: "chr1", Start0: 0, End: 1000, Estimate: 800, HasEstimate: true}}},
		{ID: "chr2_100-200", Index: 1, Path: "chunks/chr2_100-200.bed", Regions: []interval.Region{
			{Contig: "chr2", Start0: 99, End: 200, Estimate: 50, HasEstimate: true}}},
		{ID: "chr3_1-10", Index: 2, Path: "chunks/chr3_1-10.bed", Regions: []interval.Region{
			{Contig: "chr3", Start0: 0, End: 10, Estimate: 5, HasEstimate: true}}},
	}
}

func testStreams(t *testing.T) sample.Streams {
	rec := func(subject string, role sample.Role, id string) sample.Record {
		return sample.Record{Subject: subject, Role: role, Sample: id, File: id + ".bam", Index: id + ".bai"}
	}
	streams, err := sample.Build([]sample.Record{
		rec("S1", sample.Normal, "N1"),
		rec("S1", sample.Normal, "N2"),
		rec("S1", sample.Tumor, "T1"),
		rec("S2", sample.Tumor, "T2"),
	})
	require.NoError(t, err)
	return streams
}

func TestParseCallers(t *testing.T) {
	callers, err := ParseCallers("HaplotypeCaller, mutect2,strelka_somatic")
	require.NoError(t, err)
	assert.Equal(t, []Caller{HaplotypeCaller, Mutect2, StrelkaSomatic}, callers)

	for _, name := range AllCallers() {
		c, err := ParseCaller(name.String())
		require.NoError(t, err)
		assert.Equal(t, name, c)
	}

	_, err = ParseCallers("mutect2,mutect2")
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = ParseCallers("")
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = ParseCaller("mutekt2")
	assert.True(t, errors.Is(errors.Invalid, err))
	assert.Contains(t, err.Error(), `did you mean "mutect2"`)
}

func TestCallerPredicates(t *testing.T) {
	normal := sample.Record{Role: sample.Normal}
	tumor := sample.Record{Role: sample.Tumor}
	assert.True(t, HaplotypeCaller.Applies(normal))
	assert.True(t, HaplotypeCaller.Applies(tumor))
	assert.True(t, StrelkaGermline.Applies(normal))
	assert.False(t, StrelkaGermline.Applies(tumor))
	assert.True(t, Manta.Applies(tumor))
	assert.False(t, Mutect2.Applies(normal))
	assert.True(t, Mutect2.Paired())
	assert.Equal(t, []Family{Raw, Genotyped}, HaplotypeCaller.Families())
	assert.Equal(t, ".g.vcf.gz", Raw.Suffix())
}

func TestJoinCrossProduct(t *testing.T) {
	streams := testStreams(t)
	chunks := testChunks()
	res := Join(streams, chunks, Opts{Callers: AllCallers()})

	// Entities per caller: haplotypecaller 4 samples, strelka 2 normals,
	// manta 4 samples, and 2 pairs for each paired caller.
	nEntities := 4 + 2 + 4 + 2*3
	assert.Equal(t, nEntities, len(res.Keys))
	assert.Equal(t, nEntities*len(chunks), len(res.Items))
	assert.Empty(t, res.Skips)

	seen := map[string]bool{}
	perKey := map[Key]int{}
	for i := range res.Items {
		item := &res.Items[i]
		assert.False(t, seen[item.ID()], item.String())
		seen[item.ID()] = true
		perKey[item.Key]++
		assert.Equal(t, NoRecal, item.Recal)
		if item.Caller.Paired() {
			assert.NotEmpty(t, item.Tumor)
			assert.Equal(t, item.Tumor+".bam", item.TumorFile)
			assert.Equal(t, sample.Normal, item.Role)
		} else {
			assert.Empty(t, item.Tumor)
			assert.Empty(t, item.TumorFile)
		}
	}
	for _, key := range res.Keys {
		assert.Equal(t, len(chunks), perKey[key], key.String())
	}
	// Chunk-major order keeps the longest-first chunk order.
	assert.Equal(t, "chr1_1-1000", res.Items[0].Chunk.ID)
	assert.Equal(t, "chr3_1-10", res.Items[len(res.Items)-1].Chunk.ID)

	// The fixture key of the failure-isolation scenario exists.
	assert.Equal(t, len(chunks), perKey[Key{Caller: Mutect2, Subject: "S1", Sample: "N1", Tumor: "T1"}])
	// S2 has no normal, so no pairs.
	for key := range perKey {
		if key.Caller.Paired() {
			assert.Equal(t, "S1", key.Subject)
		}
	}
}

func TestJoinRecal(t *testing.T) {
	streams := testStreams(t)
	chunks := testChunks()
	opts := Opts{
		Callers:  []Caller{HaplotypeCaller, Mutect2, Manta},
		UseRecal: true,
		Recal: sample.RecalTables{
			{Subject: "S1", Sample: "N1"}: "N1.recal",
			{Subject: "S1", Sample: "T1"}: "T1.recal",
			{Subject: "S2", Sample: "T2"}: "T2.recal",
			// Wrong subject: doesn't match S1/N2.
			{Subject: "S2", Sample: "N2"}: "N2.recal",
		},
	}
	res := Join(streams, chunks, opts)

	// N2 lacks a table: it is skipped for haplotypecaller and its pair is
	// skipped for mutect2.  Manta doesn't use tables.
	assert.Equal(t, []Skip{
		{Key{Caller: HaplotypeCaller, Subject: "S1", Sample: "N2"}, "no recalibration table"},
		{Key{Caller: Mutect2, Subject: "S1", Sample: "N2", Tumor: "T1"}, "no recalibration table"},
	}, res.Skips)
	assert.Equal(t, (3+1+4)*len(chunks), len(res.Items))
	for i := range res.Items {
		item := &res.Items[i]
		switch item.Caller {
		case HaplotypeCaller:
			assert.Equal(t, item.Sample+".recal", item.Recal)
		case Mutect2:
			assert.Equal(t, "N1.recal", item.Recal)
			assert.Equal(t, "T1.recal", item.TumorRecal)
		case Manta:
			assert.Equal(t, NoRecal, item.Recal)
		}
	}
}

func TestKeyNames(t *testing.T) {
	k := Key{Caller: Mutect2, Subject: "S1", Sample: "N1", Tumor: "T1"}
	assert.Equal(t, "mutect2_S1_N1_vs_T1", k.Name())
	assert.Equal(t, "(mutect2,S1,N1,T1)", k.String())
	assert.Equal(t, "haplotypecaller_S1_N1", Key{Caller: HaplotypeCaller, Subject: "S1", Sample: "N1"}.Name())

	chunks := testChunks()
	item := WorkItem{Key: k, Chunk: &chunks[1]}
	assert.Len(t, item.ID(), 16)
	assert.Equal(t, item.ID(), (&WorkItem{Key: k, Chunk: &chunks[1]}).ID())
	assert.NotEqual(t, item.ID(), (&WorkItem{Key: k, Chunk: &chunks[0]}).ID())
	assert.Equal(t, "mutect2_S1_N1_vs_T1@chr2_100-200", item.String())
	assert.Equal(t, "mutect2/S1/N1/T1", k.Dir())
	assert.Equal(t, "haplotypecaller/S1/N1", Key{Caller: HaplotypeCaller, Subject: "S1", Sample: "N1"}.Dir())
}

func TestKeysWithUnderscores(t *testing.T) {
	streams, err := sample.Build([]sample.Record{
		{Subject: "P_1", Role: sample.Normal, Sample: "N", File: "a.bam", Index: "a.bai"},
		{Subject: "P", Role: sample.Normal, Sample: "1_N", File: "b.bam", Index: "b.bai"},
	})
	require.NoError(t, err)
	chunks := testChunks()
	res := Join(streams, chunks[:1], Opts{Callers: []Caller{HaplotypeCaller}})
	require.Len(t, res.Items, 2)
	a, b := &res.Items[0], &res.Items[1]
	// The display names collide; directories and ids must not.
	assert.Equal(t, a.Key.Name(), b.Key.Name())
	assert.NotEqual(t, a.Key.Dir(), b.Key.Dir())
	assert.NotEqual(t, a.ID(), b.ID())

	paired := Key{Caller: Mutect2, Subject: "S", Sample: "A_vs_B", Tumor: "C"}
	other := Key{Caller: Mutect2, Subject: "S", Sample: "A", Tumor: "B_vs_C"}
	assert.NotEqual(t, paired.Dir(), other.Dir())
	assert.NotEqual(t, (&WorkItem{Key: paired, Chunk: &chunks[0]}).ID(), (&WorkItem{Key: other, Chunk: &chunks[0]}).ID())
}

func TestWritePlan(t *testing.T) {
	res := Join(testStreams(t), testChunks(), Opts{Callers: []Caller{Mutect2}})
	var buf bytes.Buffer
	require.NoError(t, WritePlan(&buf, res.Items, 1000))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, 1+len(res.Items), len(lines))
	assert.True(t, strings.HasPrefix(lines[0], "id\tcaller\tsubject\tsample\ttumor\tchunk\t"))

	r := tsv.NewReader(&buf)
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	var rows []PlanRow
	for {
		var row PlanRow
		if err := r.Read(&row); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		rows = append(rows, row)
	}
	require.Equal(t, len(res.Items), len(rows))
	for i := range rows {
		assert.Equal(t, NewPlanRow(&res.Items[i], 1000), rows[i])
	}
	assert.Equal(t, 800.0, rows[0].Duration)
	assert.Equal(t, "chunks/chr1_1-1000.bed", rows[0].Intervals)
}
