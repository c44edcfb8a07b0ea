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
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// PlanRow is one row of a plan file, which hands work items to an external
// executor.
type PlanRow struct {
	ID         string  `tsv:"id"`
	Caller     string  `tsv:"caller"`
	Subject    string  `tsv:"subject"`
	Sample     string  `tsv:"sample"`
	Tumor      string  `tsv:"tumor"`
	Chunk      string  `tsv:"chunk"`
	Duration   float64 `tsv:"est_seconds"`
	Intervals  string  `tsv:"intervals"`
	File       string  `tsv:"bam"`
	Index      string  `tsv:"bai"`
	Recal      string  `tsv:"recal"`
	TumorFile  string  `tsv:"tumor_bam"`
	TumorIndex string  `tsv:"tumor_bai"`
	TumorRecal string  `tsv:"tumor_recal"`
}

// NewPlanRow converts a work item to its plan row.
func NewPlanRow(item *WorkItem, nucleotidesPerSecond float64) PlanRow {
	return PlanRow{
		ID:         item.ID(),
		Caller:     item.Caller.String(),
		Subject:    item.Subject,
		Sample:     item.Sample,
		Tumor:      item.Tumor,
		Chunk:      item.Chunk.ID,
		Duration:   item.Chunk.Duration(nucleotidesPerSecond),
		Intervals:  item.Chunk.Path,
		File:       item.File,
		Index:      item.Index,
		Recal:      item.Recal,
		TumorFile:  item.TumorFile,
		TumorIndex: item.TumorIndex,
		TumorRecal: item.TumorRecal,
	}
}

// WritePlan writes one row per item, with a header line, in item order.
func WritePlan(w io.Writer, items []WorkItem, nucleotidesPerSecond float64) error {
	tw := tsv.NewRowWriter(w)
	for i := range items {
		row := NewPlanRow(&items[i], nucleotidesPerSecond)
		if err := tw.Write(&row); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WritePlanFile writes the plan to path.
func WritePlanFile(ctx context.Context, path string, items []WorkItem, nucleotidesPerSecond float64) (err error) {
	var out file.File
	if out, err = file.Create(ctx, path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = WritePlan(out.Writer(ctx), items, nucleotidesPerSecond); err != nil {
		return err
	}
	log.Printf("scatter.WritePlanFile: %d item(s) written to %s", len(items), path)
	return nil
}

// ReadPlan reads a plan file written by WritePlanFile.
func ReadPlan(ctx context.Context, path string) (rows []PlanRow, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	for {
		var row PlanRow
		if err = r.Read(&row); err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("scatter.ReadPlan %s", path), err)
		}
		rows = append(rows, row)
	}
}

// Key returns the key of the row.
func (r *PlanRow) Key() (Key, error) {
	c, err := ParseCaller(r.Caller)
	if err != nil {
		return Key{}, err
	}
	return Key{Caller: c, Subject: r.Subject, Sample: r.Sample, Tumor: r.Tumor}, nil
}
