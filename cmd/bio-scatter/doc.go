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

/*
bio-scatter runs variant callers over a cohort in parallel.  The interval
list is split into chunks of balanced estimated runtime, every (caller,
sample or normal/tumor pair, chunk) becomes an independent work item, and the
per-chunk outputs are merged back into one ordered, deduplicated and indexed
VCF per caller and sample.

Subcommands:

  partition  split an interval list into chunk BED files
  plan       write the chunk files and the plan of work items
  run        plan, run every work item locally, and gather
  gather     merge the outputs of a plan run by an external executor

Sample usage:
bio-scatter run \
    -intervals wgs_calling_regions.bed \
    -manifest samples.tsv \
    -callers haplotypecaller,mutect2 \
    -ref genome.fa -ref-dict genome.dict -known-sites dbsnp.vcf.gz \
    -work-dir /scratch/run1 \
    -out-dir results

The manifest has the columns "subject status sample bam bai", where status is
0 for a normal sample and any other integer for a tumor.  With -recal, the
"subject sample table" file supplies recalibration tables; callers that use
them skip samples that have none.

Command templates may be overridden with -templates, a file of
"caller<TAB>command" lines whose commands may use the placeholders
{{ref}}, {{refIndex}}, {{refDict}}, {{knownSites}}, {{intervals}},
{{sample}}, {{tumor}}, {{bam}}, {{bai}}, {{tumorBam}}, {{tumorBai}},
{{recal}}, {{tumorRecal}}, {{recalFlag}}, {{out}}, {{rawOut}} and
{{workDir}}.

The command exits non-zero if any key could not be merged, after every other
key has been.
*/
package main
