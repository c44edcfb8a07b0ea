package sample

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/varscatter/util"
)

// RecalKey identifies the recalibration table of one sample.
type RecalKey struct {
	Subject, Sample string
}

// RecalTables maps a sample to its recalibration table.
type RecalTables map[RecalKey]string

// Lookup returns the table of the given record.
func (t RecalTables) Lookup(r Record) (string, bool) {
	path, ok := t[RecalKey{r.Subject, r.Sample}]
	return path, ok
}

type recalRow struct {
	Subject string
	Sample  string
	Table   string
}

// ReadRecalTables reads a "subject sample table" relation.
func ReadRecalTables(ctx context.Context, path string) (tables RecalTables, err error) {
	var in *util.Input
	if in, err = util.OpenInput(ctx, path); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if tables, err = ScanRecalTables(in); err != nil {
		return nil, errors.E(err, path)
	}
	log.Printf("sample.ReadRecalTables: %s: %d table(s)", path, len(tables))
	return tables, nil
}

// ScanRecalTables parses a recalibration-table relation.  A sample may have
// only one table.
func ScanRecalTables(r io.Reader) (RecalTables, error) {
	reader := newReader(r, 3)
	tables := RecalTables{}
	for {
		var row recalRow
		if err := reader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, "sample.ScanRecalTables:", err)
		}
		key := RecalKey{row.Subject, row.Sample}
		if prev, ok := tables[key]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sample.ScanRecalTables: %s/%s has two tables: %s and %s", row.Subject, row.Sample, prev, row.Table))
		}
		if row.Table == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sample.ScanRecalTables: %s/%s has an empty table path", row.Subject, row.Sample))
		}
		tables[key] = row.Table
	}
	return tables, nil
}
