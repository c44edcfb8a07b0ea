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
package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/varscatter/dispatch"
	"github.com/grailbio/varscatter/interval"
	"github.com/grailbio/varscatter/partition"
	"github.com/grailbio/varscatter/pipeline"
	"github.com/grailbio/varscatter/sample"
	"github.com/grailbio/varscatter/scatter"
	"v.io/x/lib/cmdline"
)

// planFlags are the flags shared by the subcommands that make a plan.
type planFlags struct {
	intervals      *string
	intervalFormat *string
	manifest       *string
	manifestFormat *string
	alignedDir     *string
	recal          *string
	callers        *string
	dict           *string
	workDir        *string
	outDir         *string
	nps            *float64
	minChunk       *float64
	slack          *float64
	parallelism    *int
	report         *bool
}

func addPlanFlags(cmd *cmdline.Command) *planFlags {
	return &planFlags{
		intervals:      cmd.Flags.String("intervals", "", "Interval list.  A .bed(.gz) file may carry a runtime estimate in seconds in its fifth column; other files list contig:start-end regions"),
		intervalFormat: cmd.Flags.String("interval-format", "auto", "Interval list format: 'auto', 'weighted' or 'plain'"),
		manifest:       cmd.Flags.String("manifest", "", "Sample manifest TSV"),
		manifestFormat: cmd.Flags.String("manifest-format", "aligned", "Manifest columns: 'aligned' (subject status sample bam bai) or 'fastq' (subject status sample lane read1 read2)"),
		alignedDir:     cmd.Flags.String("aligned-dir", "", "Directory of <sample>.bam files, for -manifest-format=fastq"),
		recal:          cmd.Flags.String("recal", "", "Recalibration tables TSV (subject sample table).  If empty, callers run without recalibration"),
		callers:        cmd.Flags.String("callers", "haplotypecaller", "Comma-separated callers: "+callerList()),
		dict:           cmd.Flags.String("ref-dict", "", "Reference sequence dictionary, for the contig order of merged outputs.  Defaults to the interval list's order"),
		workDir:        cmd.Flags.String("work-dir", "", "Directory of chunk files, the plan, and per-chunk outputs"),
		outDir:         cmd.Flags.String("out-dir", "", "Directory of merged outputs"),
		nps:            cmd.Flags.Float64("nucleotides-per-second", partition.DefaultOpts.NucleotidesPerSecond, "Runtime estimate of regions without one"),
		minChunk:       cmd.Flags.Float64("min-chunk-seconds", partition.DefaultOpts.MinChunkSeconds, "A chunk is closed only after its estimate exceeds this"),
		slack:          cmd.Flags.Float64("longest-slack", partition.DefaultOpts.LongestSlack, "A chunk is closed when adding a region would exceed this multiple of its longest region"),
		parallelism:    cmd.Flags.Int("parallelism", pipeline.DefaultOpts.Dispatch.Parallelism, "Maximum number of work items or merges run at once"),
		report:         cmd.Flags.Bool("report", false, "Write a per-key report TSV to the work directory"),
	}
}

func callerList() string {
	var names []string
	for _, c := range scatter.AllCallers() {
		names = append(names, c.String())
	}
	return strings.Join(names, ", ")
}

func (f *planFlags) opts() (pipeline.Opts, error) {
	opts := pipeline.DefaultOpts
	var err error
	if *f.workDir == "" {
		return opts, fmt.Errorf("-work-dir is required")
	}
	if opts.IntervalFormat, err = interval.ParseFormat(*f.intervalFormat); err != nil {
		return opts, err
	}
	if opts.ManifestFormat, err = sample.ParseManifestFormat(*f.manifestFormat); err != nil {
		return opts, err
	}
	if opts.Callers, err = scatter.ParseCallers(*f.callers); err != nil {
		return opts, err
	}
	opts.Intervals = *f.intervals
	opts.Manifest = *f.manifest
	opts.AlignedDir = *f.alignedDir
	opts.RecalTables = *f.recal
	opts.Dict = *f.dict
	opts.WorkDir = *f.workDir
	opts.OutDir = *f.outDir
	if opts.OutDir == "" {
		opts.OutDir = file.Join(opts.WorkDir, "merged")
	}
	opts.Partition = partition.Opts{
		NucleotidesPerSecond: *f.nps,
		MinChunkSeconds:      *f.minChunk,
		LongestSlack:         *f.slack,
	}
	opts.Dispatch.Parallelism = *f.parallelism
	opts.Gather.Parallelism = *f.parallelism
	opts.Report = *f.report
	return opts, nil
}

func newCmdPartition() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "partition",
		Short:    "Split an interval list into chunks of balanced runtime",
		ArgsName: "intervals outdir",
	}
	format := cmd.Flags.String("format", "auto", "Interval list format: 'auto', 'weighted' or 'plain'")
	nps := cmd.Flags.Float64("nucleotides-per-second", partition.DefaultOpts.NucleotidesPerSecond, "Runtime estimate of regions without one")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("partition takes intervals and outdir, but got %v", argv)
		}
		f, err := interval.ParseFormat(*format)
		if err != nil {
			return err
		}
		opts := partition.DefaultOpts
		opts.NucleotidesPerSecond = *nps
		return runPartition(vcontext.Background(), env.Stdout, argv[0], f, argv[1], opts)
	})
	return cmd
}

// runPartition writes the chunks of intervals to outDir, and prints them
// longest first.
func runPartition(ctx context.Context, out io.Writer, intervals string, format interval.Format, outDir string, opts partition.Opts) error {
	chunks, err := partition.PartitionFile(ctx, intervals, format, opts)
	if err != nil {
		return err
	}
	if err = partition.Write(ctx, outDir, chunks); err != nil {
		return err
	}
	for _, c := range partition.SortByDuration(chunks, opts.NucleotidesPerSecond) {
		fmt.Fprintf(out, "%s\t%d\t%.1f\n", c.ID, len(c.Regions), c.Duration(opts.NucleotidesPerSecond)) // nolint: errcheck
	}
	return nil
}

func newCmdPlan() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "plan",
		Short: "Write the chunk files and the plan of work items",
	}
	flags := addPlanFlags(cmd)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		opts, err := flags.opts()
		if err != nil {
			return err
		}
		_, err = pipeline.MakePlan(vcontext.Background(), opts)
		return err
	})
	return cmd
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "run",
		Short: "Plan, run every work item locally, and merge the outputs",
	}
	flags := addPlanFlags(cmd)
	var ref dispatch.Reference
	cmd.Flags.StringVar(&ref.Fasta, "ref", "", "Reference FASTA")
	cmd.Flags.StringVar(&ref.Index, "ref-index", "", "Reference FASTA index.  Defaults to -ref + .fai")
	cmd.Flags.StringVar(&ref.KnownSites, "known-sites", "", "Known variant sites VCF")
	templates := cmd.Flags.String("templates", "", "Command templates TSV (caller command).  Listed callers override the built-in commands")
	resume := cmd.Flags.Bool("resume", false, "Skip work items completed by an earlier run with the same work directory")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		ctx := vcontext.Background()
		opts, err := flags.opts()
		if err != nil {
			return err
		}
		opts.Resume = *resume
		ref.Dict = opts.Dict
		if ref.Index == "" && ref.Fasta != "" {
			ref.Index = ref.Fasta + ".fai"
		}
		commands := dispatch.DefaultTemplates
		if *templates != "" {
			if commands, err = readTemplates(ctx, *templates); err != nil {
				return err
			}
		}
		invoker, err := dispatch.NewCommandInvoker(commands, ref, file.Join(opts.WorkDir, pipeline.CallsDir))
		if err != nil {
			return err
		}
		result, err := pipeline.Run(ctx, opts, invoker)
		if err != nil {
			return err
		}
		return checkResult(result)
	})
	return cmd
}

func readTemplates(ctx context.Context, path string) (templates map[scatter.Caller]string, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	return dispatch.ReadTemplates(in.Reader(ctx))
}

func newCmdGather() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "gather",
		Short: "Merge the per-chunk outputs of a plan run by an external executor",
	}
	workDir := cmd.Flags.String("work-dir", "", "Work directory of the plan")
	outDir := cmd.Flags.String("out-dir", "", "Directory of merged outputs.  Defaults to <work-dir>/merged")
	dict := cmd.Flags.String("ref-dict", "", "Reference sequence dictionary, for the contig order of merged outputs")
	parallelism := cmd.Flags.Int("parallelism", pipeline.DefaultOpts.Gather.Parallelism, "Maximum number of keys merged at once")
	report := cmd.Flags.Bool("report", false, "Write a per-key report TSV to the work directory")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if *workDir == "" {
			return fmt.Errorf("-work-dir is required")
		}
		opts := pipeline.DefaultOpts
		opts.WorkDir = *workDir
		opts.OutDir = *outDir
		if opts.OutDir == "" {
			opts.OutDir = file.Join(opts.WorkDir, "merged")
		}
		opts.Dict = *dict
		opts.Gather.Parallelism = *parallelism
		opts.Report = *report
		result, err := pipeline.Gather(vcontext.Background(), opts)
		if err != nil {
			return err
		}
		return checkResult(result)
	})
	return cmd
}

// checkResult returns an error naming the keys that were not merged.
func checkResult(result *pipeline.Result) error {
	failed := result.Failed()
	if len(failed) == 0 {
		log.Printf("bio-scatter: %d key(s) merged", len(result.Outcomes))
		return nil
	}
	names := make([]string, len(failed))
	for i, o := range failed {
		names[i] = o.Key.Name()
	}
	return fmt.Errorf("%d of %d key(s) not merged: %s", len(failed), len(result.Outcomes), strings.Join(names, ", "))
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-scatter",
		Short:    "Scatter variant calling over balanced interval chunks and gather the results",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdPartition(),
			newCmdPlan(),
			newCmdRun(),
			newCmdGather(),
		},
	}
}

func main() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newCmdRoot())
}
