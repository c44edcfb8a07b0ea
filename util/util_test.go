package util

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

func TestSuggest(t *testing.T) {
	candidates := []string{"haplotypecaller", "strelka", "manta", "mutect2", "freebayes", "strelka_somatic"}
	tests := []struct {
		name string
		want string
	}{
		{"haplotypecaler", "haplotypecaller"},
		{"Mutect", "mutect2"},
		{"streka", "strelka"},
		{"freebays", "freebayes"},
		{"deepvariant", ""},
	}
	for _, test := range tests {
		expect.EQ(t, Suggest(test.name, candidates), test.want, test.name)
	}
}

func TestOpenInput(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	const content = "S1\t0\tN1\n"
	plain := filepath.Join(dir, "manifest.tsv")
	assert.NoError(t, ioutil.WriteFile(plain, []byte(content), 0644))

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(content))
	assert.NoError(t, err)
	assert.NoError(t, gz.Close())
	compressed := filepath.Join(dir, "manifest.tsv.gz")
	assert.NoError(t, ioutil.WriteFile(compressed, buf.Bytes(), 0644))

	for _, path := range []string{plain, compressed} {
		in, err := OpenInput(ctx, path)
		assert.NoError(t, err)
		data, err := ioutil.ReadAll(in)
		assert.NoError(t, err)
		assert.NoError(t, in.Close(ctx))
		expect.EQ(t, string(data), content, path)
	}

	_, err = OpenInput(ctx, filepath.Join(dir, "missing.tsv"))
	expect.True(t, err != nil)
}
