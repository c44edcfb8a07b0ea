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
package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Report statuses.
const (
	StatusMerged  = "merged"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ReportRow is one row of the run report: a merged output, a key that was
// withheld, or an entity that got no work items.
type ReportRow struct {
	Caller   string `tsv:"caller"`
	Subject  string `tsv:"subject"`
	Sample   string `tsv:"sample"`
	Tumor    string `tsv:"tumor"`
	Status   string `tsv:"status"`
	Family   string `tsv:"family"`
	Path     string `tsv:"path"`
	Chunks   int    `tsv:"chunks"`
	Records  int    `tsv:"records"`
	Dropped  int    `tsv:"dropped"`
	Checksum string `tsv:"checksum"`
	Reason   string `tsv:"reason"`
}

// ReportRows lists the rows of the report of r: skips first, then the
// outcome of each key in plan order.
func ReportRows(r *Result) []ReportRow {
	var rows []ReportRow
	for _, s := range r.Plan.Scatter.Skips {
		rows = append(rows, ReportRow{
			Caller:  s.Key.Caller.String(),
			Subject: s.Key.Subject,
			Sample:  s.Key.Sample,
			Tumor:   s.Key.Tumor,
			Status:  StatusSkipped,
			Reason:  s.Reason,
		})
	}
	for _, o := range r.Outcomes {
		base := ReportRow{
			Caller:  o.Key.Caller.String(),
			Subject: o.Key.Subject,
			Sample:  o.Key.Sample,
			Tumor:   o.Key.Tumor,
		}
		if o.Err != nil {
			row := base
			row.Status = StatusFailed
			row.Reason = o.Err.Error()
			rows = append(rows, row)
			continue
		}
		for _, m := range o.Merged {
			row := base
			row.Status = StatusMerged
			row.Family = m.Family.String()
			row.Path = m.Path
			row.Chunks = m.Chunks
			row.Records = m.Records
			row.Dropped = m.Dropped
			row.Checksum = fmt.Sprintf("%016x", m.Checksum)
			rows = append(rows, row)
		}
	}
	return rows
}

func writeReport(w io.Writer, rows []ReportRow) error {
	tw := tsv.NewRowWriter(w)
	for i := range rows {
		if err := tw.Write(&rows[i]); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteReport writes the report of r to path.
func WriteReport(ctx context.Context, path string, r *Result) (err error) {
	var out file.File
	if out, err = file.Create(ctx, path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	rows := ReportRows(r)
	if err = writeReport(out.Writer(ctx), rows); err != nil {
		return err
	}
	log.Printf("pipeline.WriteReport: %d row(s) written to %s", len(rows), path)
	return nil
}
