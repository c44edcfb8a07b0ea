package sample

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/varscatter/util"
)

// ManifestFormat identifies the column layout of a sample manifest.
type ManifestFormat int

const (
	// ManifestAligned rows are "subject status sample file index".
	ManifestAligned ManifestFormat = iota
	// ManifestFastq rows are "subject status sample lane read1 read2".  The
	// reads are aligned upstream, so every sample resolves to
	// "<alignedDir>/<sample>.bam" and its ".bai".
	ManifestFastq
)

// String implements fmt.Stringer.
func (f ManifestFormat) String() string {
	if f == ManifestFastq {
		return "fastq"
	}
	return "aligned"
}

// ParseManifestFormat parses the command-line spelling of a ManifestFormat.
func ParseManifestFormat(s string) (ManifestFormat, error) {
	switch s {
	case "", "aligned", "bam":
		return ManifestAligned, nil
	case "fastq":
		return ManifestFastq, nil
	}
	return ManifestAligned, errors.E(errors.Invalid, fmt.Sprintf("sample.ParseManifestFormat: unknown manifest format %q", s))
}

type alignedRow struct {
	Subject string
	Status  string
	Sample  string
	File    string
	Index   string
}

type fastqRow struct {
	Subject string
	Status  string
	Sample  string
	Lane    string
	Read1   string
	Read2   string
}

// newReader returns a tsv reader for headerless, '#'-commented tables with a
// fixed number of columns.
func newReader(r io.Reader, nColumns int) *tsv.Reader {
	reader := tsv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = nColumns
	return reader
}

// ReadManifest reads a sample manifest.  alignedDir is only used by
// ManifestFastq.
func ReadManifest(ctx context.Context, path string, format ManifestFormat, alignedDir string) (records []Record, err error) {
	var in *util.Input
	if in, err = util.OpenInput(ctx, path); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	switch format {
	case ManifestFastq:
		records, err = ScanFastq(in, alignedDir)
	default:
		records, err = ScanAligned(in)
	}
	if err != nil {
		return nil, errors.E(err, path)
	}
	log.Printf("sample.ReadManifest: %s: %d %v sample(s)", path, len(records), format)
	return records, nil
}

// ScanAligned parses an aligned-form manifest.  Each sample may appear only
// once.
func ScanAligned(r io.Reader) ([]Record, error) {
	reader := newReader(r, 5)
	var (
		records []Record
		seen    = map[string]bool{}
	)
	for {
		var row alignedRow
		if err := reader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, "sample.ScanAligned:", err)
		}
		role, err := ParseStatus(row.Status)
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("sample %s", row.Sample))
		}
		if err := checkIDs(row.Subject, row.Sample); err != nil {
			return nil, err
		}
		if seen[row.Sample] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sample.ScanAligned: duplicate sample %s", row.Sample))
		}
		seen[row.Sample] = true
		records = append(records, Record{
			Subject: row.Subject,
			Role:    role,
			Sample:  row.Sample,
			File:    row.File,
			Index:   row.Index,
		})
	}
	return records, nil
}

// ScanFastq parses a fastq-form manifest.  The lanes of a sample collapse
// into one record, and must agree on subject and status.
func ScanFastq(r io.Reader, alignedDir string) ([]Record, error) {
	if alignedDir == "" {
		return nil, errors.E(errors.Invalid, "sample.ScanFastq: the aligned-file directory must be set for fastq manifests")
	}
	reader := newReader(r, 6)
	var (
		records []Record
		index   = map[string]int{}
		lanes   = map[[2]string]bool{}
	)
	for {
		var row fastqRow
		if err := reader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, "sample.ScanFastq:", err)
		}
		role, err := ParseStatus(row.Status)
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("sample %s", row.Sample))
		}
		if err := checkIDs(row.Subject, row.Sample); err != nil {
			return nil, err
		}
		lane := [2]string{row.Sample, row.Lane}
		if lanes[lane] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sample.ScanFastq: duplicate lane %s for sample %s", row.Lane, row.Sample))
		}
		lanes[lane] = true
		if i, ok := index[row.Sample]; ok {
			if prev := records[i]; prev.Subject != row.Subject || prev.Role != role {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("sample.ScanFastq: lanes of sample %s disagree: %v vs %s/%v", row.Sample, prev, row.Subject, role))
			}
			continue
		}
		index[row.Sample] = len(records)
		bam := file.Join(alignedDir, row.Sample+".bam")
		records = append(records, Record{
			Subject: row.Subject,
			Role:    role,
			Sample:  row.Sample,
			File:    bam,
			Index:   bam + ".bai",
		})
	}
	return records, nil
}

func checkIDs(subject, sample string) error {
	if subject == "" || sample == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("sample: empty subject or sample id in %q/%q", subject, sample))
	}
	if strings.ContainsAny(subject+sample, "/ ") {
		return errors.E(errors.Invalid, fmt.Sprintf("sample: ids %q/%q must not contain '/' or spaces", subject, sample))
	}
	for _, id := range []string{subject, sample} {
		if id == "." || id == ".." {
			return errors.E(errors.Invalid, fmt.Sprintf("sample: %q is not a valid id", id))
		}
	}
	return nil
}
