package interval

import (
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
)

func TestScanWeightedRegions(t *testing.T) {
	input := "#header\n" +
		"chr1\t0\t1000\tr1\t100\n" +
		"chr1\t2000\t4000\tr2\t\n" +
		"chr1\t5000\t5100\t\t7.5\n" +
		"chr2\t10\t20\n" +
		"chr2\t30\t40\tr5\t.\textra\n"
	regions, err := ScanRegions(strings.NewReader(input), FormatWeighted)
	expect.NoError(t, err)
	expect.EQ(t, len(regions), 5)

	expect.EQ(t, regions[0].Contig, "chr1")
	expect.EQ(t, regions[0].Start0, PosType(0))
	expect.EQ(t, regions[0].End, PosType(1000))
	expect.True(t, regions[0].HasEstimate)
	expect.EQ(t, regions[0].Time(1000), 100.0)

	// Empty estimate column falls back to the throughput constant.
	expect.False(t, regions[1].HasEstimate)
	expect.EQ(t, regions[1].Time(1000), 2.0)

	// An empty name column must not shift the estimate.
	expect.True(t, regions[2].HasEstimate)
	expect.EQ(t, regions[2].Estimate, 7.5)

	expect.False(t, regions[3].HasEstimate)
	expect.False(t, regions[4].HasEstimate)
	expect.EQ(t, regions[4].BEDLine(), "chr2\t30\t40\tr5\t.\textra")
}

func TestScanPlainRegions(t *testing.T) {
	input := "@HD\tVN:1.6\nchr1:1-1000\nchr1:2001-4000 trailing\n\nchrX:5-5\n"
	regions, err := ScanRegions(strings.NewReader(input), FormatPlain)
	expect.NoError(t, err)
	expect.EQ(t, len(regions), 3)
	expect.EQ(t, regions[0], Region{Contig: "chr1", Start0: 0, End: 1000})
	expect.EQ(t, regions[1], Region{Contig: "chr1", Start0: 2000, End: 4000})
	expect.EQ(t, regions[2], Region{Contig: "chrX", Start0: 4, End: 5})
	expect.EQ(t, regions[1].BEDLine(), "chr1\t2000\t4000")
	expect.EQ(t, regions[1].Time(1000), 2.0)
}

func TestScanRegionsErrors(t *testing.T) {
	tests := []struct {
		input  string
		format Format
	}{
		{"chr1\t100\n", FormatWeighted},
		{"chr1\tabc\t200\n", FormatWeighted},
		{"chr1\t300\t200\n", FormatWeighted},
		{"chr1\t-1\t200\n", FormatWeighted},
		{"chr1\t100\t200\tname\tslow\n", FormatWeighted},
		{"chr1\t100\t200\tname\t-3\n", FormatWeighted},
		{"chr1\t100\t200\tname\tNaN\n", FormatWeighted},
		{"chr1\t100\t200\tname\tInf\n", FormatWeighted},
		{"chr1\t100\t200\tname\t+Inf\n", FormatWeighted},
		{"chr1\t0\t100\ta\t700\nchr1\t100\t200\tb\tnan\n", FormatWeighted},
		{"chr1\t100\t200\nchr2\t0\t10\nchr1\t300\t400\n", FormatWeighted},
		{"chr1\t500\t600\nchr1\t100\t200\n", FormatWeighted},
		{"chr1\n", FormatPlain},
		{"chr1:0-100\n", FormatPlain},
		{"chr1:100-50\n", FormatPlain},
		{"chr1:a-b\n", FormatPlain},
	}
	for _, tt := range tests {
		_, err := ScanRegions(strings.NewReader(tt.input), tt.format)
		expect.True(t, err != nil, "input %q", tt.input)
		expect.True(t, errors.Is(errors.Invalid, err), "input %q: %v", tt.input, err)
	}
}

func TestFormatForPath(t *testing.T) {
	expect.EQ(t, FormatForPath("a/b/intervals.bed"), FormatWeighted)
	expect.EQ(t, FormatForPath("intervals.bed.gz"), FormatWeighted)
	expect.EQ(t, FormatForPath("intervals.list"), FormatPlain)
	expect.EQ(t, FormatForPath("intervals.interval_list"), FormatPlain)
	f, err := ParseFormat("weighted")
	expect.NoError(t, err)
	expect.EQ(t, f, FormatWeighted)
	_, err = ParseFormat("vcf")
	expect.True(t, err != nil)
}

func TestBEDUnionFromRegions(t *testing.T) {
	regions := []Region{
		{Contig: "chr1", Start0: 100, End: 200},
		{Contig: "chr1", Start0: 150, End: 300},
		{Contig: "chr1", Start0: 400, End: 400},
		{Contig: "chr1", Start0: 500, End: 600},
		{Contig: "chr2", Start0: 0, End: 10},
	}
	u, err := NewBEDUnionFromRegions(regions)
	expect.NoError(t, err)
	expect.EQ(t, u.nameMap["chr1"], []PosType{100, 300, 500, 600})
	expect.EQ(t, u.Contigs(), 2)

	tests := []struct {
		contig string
		pos    PosType
		want   bool
	}{
		{"chr1", 99, false},
		{"chr1", 100, true},
		{"chr1", 299, true},
		{"chr1", 300, false},
		{"chr1", 550, true},
		{"chr1", 150, true},
		{"chr2", 9, true},
		{"chr2", 10, false},
		{"chr3", 0, false},
	}
	// The second pass exercises the cached, non-sequential search path.
	for pass := 0; pass < 2; pass++ {
		for _, tt := range tests {
			expect.EQ(t, u.ContainsByName(tt.contig, tt.pos), tt.want, "%s:%d", tt.contig, tt.pos)
		}
	}
	clone := u.Clone()
	expect.True(t, clone.ContainsByName("chr1", 100))

	_, err = NewBEDUnionFromRegions([]Region{
		{Contig: "chr1", Start0: 0, End: 10},
		{Contig: "chr2", Start0: 0, End: 10},
		{Contig: "chr1", Start0: 20, End: 30},
	})
	expect.True(t, err != nil)
}

func TestParseRegionString(t *testing.T) {
	tests := []struct {
		region string
		want   Region
	}{
		{"chr1:1-1000", Region{Contig: "chr1", Start0: 0, End: 1000}},
		{"chr1:1000", Region{Contig: "chr1", Start0: 999, End: 1000}},
		{"HLA-A*01:01:01:01:5-10", Region{Contig: "HLA-A*01:01:01:01", Start0: 4, End: 10}},
	}
	for _, tt := range tests {
		result, err := ParseRegionString(tt.region)
		expect.NoError(t, err)
		expect.EQ(t, result, tt.want)
	}
	for _, bad := range []string{"", ":1-2", "chr1", "chr1:0", "chr1:5-4"} {
		_, err := ParseRegionString(bad)
		expect.True(t, err != nil, bad)
	}
}

func TestContigOrder(t *testing.T) {
	order := ContigOrderFromRegions([]Region{
		{Contig: "chr2"}, {Contig: "chr2"}, {Contig: "chr10"}, {Contig: "chr1"},
	})
	expect.EQ(t, order.Names(), []string{"chr2", "chr10", "chr1"})
	expect.EQ(t, order.Rank("chr10"), 1)
	expect.True(t, order.Compare("chr2", 500, "chr10", 1) < 0)
	expect.True(t, order.Compare("chr1", 5, "chr1", 4) > 0)
	expect.EQ(t, order.Compare("chr1", 5, "chr1", 5), 0)
	// Unknown contigs sort last, by name.
	expect.False(t, order.Known("chrM"))
	expect.True(t, order.Compare("chrM", 0, "chr1", 100) > 0)
	expect.True(t, order.Compare("chrM", 0, "chrY", 0) < 0)
}
