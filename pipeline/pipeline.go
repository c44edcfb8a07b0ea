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

// Package pipeline wires the scatter/gather stages together: the sample
// manifest and the interval list are turned into a plan of work items, the
// items are dispatched, and their per-chunk outputs are gathered into merged
// per-key files.
//
// Under Opts.WorkDir, a run keeps
//
//   chunks/        one BED file per chunk, plus chunks.list
//   plan.tsv       the work items, longest first
//   calls/         per-chunk outputs, see dispatch.CommandInvoker
//   journal.sz     completed items, when resuming is enabled
//   report.tsv     per-key outcomes, when Opts.Report is set
package pipeline

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/varscatter/dispatch"
	"github.com/grailbio/varscatter/gather"
	"github.com/grailbio/varscatter/interval"
	"github.com/grailbio/varscatter/partition"
	"github.com/grailbio/varscatter/sample"
	"github.com/grailbio/varscatter/scatter"
)

// Names of the entries under Opts.WorkDir.
const (
	ChunksDir   = "chunks"
	PlanFile    = "plan.tsv"
	CallsDir    = "calls"
	JournalFile = "journal.sz"
	ReportFile  = "report.tsv"
)

// Opts configures a pipeline run.
type Opts struct {
	// Intervals is the region list to partition.
	Intervals      string
	IntervalFormat interval.Format
	// Manifest lists the samples.
	Manifest       string
	ManifestFormat sample.ManifestFormat
	// AlignedDir resolves the samples of a fastq-form manifest.
	AlignedDir string
	// RecalTables, if set, is the "subject sample table" relation.  Callers
	// that use recalibration then skip samples without a table.  If empty,
	// every item gets scatter.NoRecal.
	RecalTables string
	// Callers to run, in order.
	Callers []scatter.Caller
	// Dict, if set, is a reference sequence dictionary giving the contig
	// order of the merged outputs.  Otherwise the interval list's order is
	// used.
	Dict string
	// WorkDir holds the intermediate files.
	WorkDir string
	// OutDir holds the merged outputs.
	OutDir string

	Partition partition.Opts
	Dispatch  dispatch.Opts
	Gather    gather.Opts

	// Report enables writing ReportFile.
	Report bool
	// Resume enables the completion journal, so that a rerun skips items
	// whose outputs exist.
	Resume bool
}

// DefaultOpts are the default pipeline settings.
var DefaultOpts = Opts{
	Callers:   []scatter.Caller{scatter.HaplotypeCaller},
	Partition: partition.DefaultOpts,
	Dispatch:  dispatch.DefaultOpts,
	Gather:    gather.DefaultOpts,
}

// Plan is the output of the scatter stages.  It is immutable once made.
type Plan struct {
	// Chunks are sorted by decreasing duration.
	Chunks  []partition.Chunk
	Streams sample.Streams
	Scatter scatter.Result
	// Order ranks contigs for gathering.
	Order *interval.ContigOrder
}

// MakePlan reads the inputs, partitions the intervals, and joins them with
// the samples.  Any input malformation is returned before anything is
// dispatched.  The chunk files and the plan file are written under
// opts.WorkDir.
func MakePlan(ctx context.Context, opts Opts) (*Plan, error) {
	if opts.WorkDir == "" {
		return nil, errors.E(errors.Invalid, "pipeline.MakePlan: no work directory")
	}
	records, err := sample.ReadManifest(ctx, opts.Manifest, opts.ManifestFormat, opts.AlignedDir)
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	if plan.Streams, err = sample.Build(records); err != nil {
		return nil, errors.E(err, opts.Manifest)
	}
	scatterOpts := scatter.Opts{Callers: opts.Callers}
	if opts.RecalTables != "" {
		scatterOpts.UseRecal = true
		if scatterOpts.Recal, err = sample.ReadRecalTables(ctx, opts.RecalTables); err != nil {
			return nil, err
		}
	}

	chunks, err := partition.PartitionFile(ctx, opts.Intervals, opts.IntervalFormat, opts.Partition)
	if err != nil {
		return nil, err
	}
	chunkDir := file.Join(opts.WorkDir, ChunksDir)
	if err = partition.Write(ctx, chunkDir, chunks); err != nil {
		return nil, err
	}
	if chunks, err = partition.Load(ctx, chunkDir); err != nil {
		return nil, err
	}
	if plan.Order, err = contigOrder(ctx, opts.Dict, chunks); err != nil {
		return nil, err
	}
	plan.Chunks = partition.SortByDuration(chunks, opts.Partition.NucleotidesPerSecond)

	plan.Scatter = scatter.Join(plan.Streams, plan.Chunks, scatterOpts)
	if err = scatter.WritePlanFile(ctx, file.Join(opts.WorkDir, PlanFile), plan.Scatter.Items, opts.Partition.NucleotidesPerSecond); err != nil {
		return nil, err
	}
	log.Printf("pipeline.MakePlan: %d chunk(s) (%.0fs estimated), %d key(s), %d item(s), %d skip(s)",
		len(plan.Chunks), partition.TotalDuration(plan.Chunks, opts.Partition.NucleotidesPerSecond),
		len(plan.Scatter.Keys), len(plan.Scatter.Items), len(plan.Scatter.Skips))
	return plan, nil
}

// contigOrder reads the dictionary at dict, or derives the order from the
// chunks, which are in emission order.  Every chunk contig must be known to
// the dictionary.
func contigOrder(ctx context.Context, dict string, chunks []partition.Chunk) (*interval.ContigOrder, error) {
	if dict == "" {
		var regions []interval.Region
		for _, c := range chunks {
			regions = append(regions, c.Regions...)
		}
		return interval.ContigOrderFromRegions(regions), nil
	}
	order, err := interval.ReadContigOrder(ctx, dict)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		for _, r := range c.Regions {
			if !order.Known(r.Contig) {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("pipeline: chunk %s: contig %s is not in %s", c.ID, r.Contig, dict))
			}
		}
	}
	return order, nil
}

// Result is the outcome of a run.
type Result struct {
	Plan     *Plan
	Dispatch dispatch.Stats
	// Outcomes has one entry per key, in plan order.
	Outcomes []gather.Outcome
}

// Failed returns the outcomes of keys that were not merged.
func (r *Result) Failed() []gather.Outcome {
	var failed []gather.Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Run makes the plan, runs every item with invoker, and merges every key.
// A failed key does not stop the others; the caller should inspect
// Result.Failed.  The error is non-nil only if no plan could be made or ctx
// was canceled.
func Run(ctx context.Context, opts Opts, invoker dispatch.Invoker) (*Result, error) {
	plan, err := MakePlan(ctx, opts)
	if err != nil {
		return nil, err
	}
	result := &Result{Plan: plan}
	collector := gather.NewCollector(plan.Chunks, plan.Scatter.Keys, plan.Order)

	dispatchOpts := opts.Dispatch
	if opts.Resume {
		if dispatchOpts.Journal, err = dispatch.OpenJournal(file.Join(opts.WorkDir, JournalFile)); err != nil {
			return nil, err
		}
		defer func() {
			if err := dispatchOpts.Journal.Close(); err != nil {
				log.Error.Printf("pipeline: journal: %v", err)
			}
		}()
	}
	if result.Dispatch, err = dispatch.Run(ctx, plan.Scatter.Items, invoker, collector, dispatchOpts); err != nil {
		return result, err
	}
	gatherOpts := opts.Gather
	gatherOpts.OutDir = opts.OutDir
	result.Outcomes = collector.MergeAll(ctx, gatherOpts)
	if opts.Report {
		if err := WriteReport(ctx, file.Join(opts.WorkDir, ReportFile), result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Gather merges the outputs of a plan that was run elsewhere, e.g., by an
// external executor fed with plan.tsv.  Outputs are looked up where
// dispatch.CommandInvoker writes them under WorkDir/calls; a missing one
// leaves its key incomplete.
func Gather(ctx context.Context, opts Opts) (*Result, error) {
	chunks, err := partition.Load(ctx, file.Join(opts.WorkDir, ChunksDir))
	if err != nil {
		return nil, err
	}
	order, err := contigOrder(ctx, opts.Dict, chunks)
	if err != nil {
		return nil, err
	}
	rows, err := scatter.ReadPlan(ctx, file.Join(opts.WorkDir, PlanFile))
	if err != nil {
		return nil, err
	}
	inv, err := dispatch.NewCommandInvoker(nil, dispatch.Reference{}, file.Join(opts.WorkDir, CallsDir))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*partition.Chunk, len(chunks))
	for i := range chunks {
		byID[chunks[i].ID] = &chunks[i]
	}
	var (
		keys  []scatter.Key
		items []scatter.WorkItem
		seen  = map[scatter.Key]bool{}
	)
	for i := range rows {
		key, err := rows[i].Key()
		if err != nil {
			return nil, err
		}
		chunk, ok := byID[rows[i].Chunk]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("pipeline.Gather: plan row %s: unknown chunk %s", rows[i].ID, rows[i].Chunk))
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		items = append(items, scatter.WorkItem{Key: key, Chunk: chunk})
	}
	collector := gather.NewCollector(chunks, keys, order)
	for i := range items {
		item := &items[i]
		for _, family := range item.Caller.Families() {
			path := inv.OutputPath(item, family)
			if _, err := file.Stat(ctx, path); err != nil {
				log.Debug.Printf("pipeline.Gather: %v: %v output %s: %v", item, family, path, err)
				continue
			}
			if err := collector.Add(gather.Artifact{Key: item.Key, Family: family, ChunkID: item.Chunk.ID, Path: path}); err != nil {
				return nil, err
			}
		}
	}
	gatherOpts := opts.Gather
	gatherOpts.OutDir = opts.OutDir
	result := &Result{
		Plan:     &Plan{Chunks: chunks, Order: order, Scatter: scatter.Result{Items: items, Keys: keys}},
		Outcomes: collector.MergeAll(ctx, gatherOpts),
	}
	if opts.Report {
		if err := WriteReport(ctx, file.Join(opts.WorkDir, ReportFile), result); err != nil {
			return result, err
		}
	}
	return result, nil
}
