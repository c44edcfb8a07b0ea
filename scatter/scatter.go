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

// Package scatter joins sample streams, recalibration tables and interval
// chunks into independent work items, one per (caller, sample or pair,
// chunk).
package scatter

import (
	"fmt"
	"path"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/log"
	"github.com/grailbio/varscatter/partition"
	"github.com/grailbio/varscatter/sample"
)

// NoRecal is the recalibration table of items whose caller must be invoked
// without a recalibration flag.
const NoRecal = "NO_RECAL_TABLE"

// Key identifies the merged outputs that a set of work items gathers into.
// Sample is the called sample of a single-sample caller, or the normal sample
// of a pair; Tumor is empty for single-sample callers.
type Key struct {
	Caller  Caller
	Subject string
	Sample  string
	Tumor   string
}

// Name returns "<caller>_<subject>_<sample>" or, for pairs,
// "<caller>_<subject>_<sample>_vs_<tumor>".  It is for display and file base
// names only: ids may contain '_', so distinct keys can share a name.  Use
// Dir to place files.
func (k Key) Name() string {
	if k.Tumor == "" {
		return fmt.Sprintf("%v_%s_%s", k.Caller, k.Subject, k.Sample)
	}
	return fmt.Sprintf("%v_%s_%s_vs_%s", k.Caller, k.Subject, k.Sample, k.Tumor)
}

// Dir returns the relative directory "<caller>/<subject>/<sample>" or, for
// pairs, "<caller>/<subject>/<sample>/<tumor>".  Ids never contain '/', so
// distinct keys get distinct directories.
func (k Key) Dir() string {
	dir := path.Join(k.Caller.String(), k.Subject, k.Sample)
	if k.Tumor != "" {
		dir = path.Join(dir, k.Tumor)
	}
	return dir
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("(%v,%s,%s,%s)", k.Caller, k.Subject, k.Sample, k.Tumor)
}

// WorkItem is one independently executable unit: a key restricted to one
// chunk, plus every input the caller needs.
type WorkItem struct {
	Key
	Chunk *partition.Chunk
	// Role is the role of Sample; always sample.Normal for pairs.
	Role        sample.Role
	File, Index string
	// Recal is the recalibration table of Sample, or NoRecal.
	Recal string
	// The tumor fields are set for paired callers only.
	TumorFile, TumorIndex, TumorRecal string
}

// ID returns a fingerprint of the key and chunk, as 16 hex digits.
func (w *WorkItem) ID() string {
	fields := []string{w.Caller.String(), w.Subject, w.Sample, w.Tumor, w.Chunk.ID}
	return fmt.Sprintf("%016x", farm.Fingerprint64([]byte(strings.Join(fields, "\x00"))))
}

// String implements fmt.Stringer.
func (w *WorkItem) String() string {
	return w.Key.Name() + "@" + w.Chunk.ID
}

// Skip records an entity that gets no work items, and why.
type Skip struct {
	Key    Key
	Reason string
}

// Opts configures Join.
type Opts struct {
	// Callers lists the callers to scatter, in order.
	Callers []Caller
	// UseRecal enables recalibration.  When false, every item gets NoRecal.
	UseRecal bool
	// Recal holds the tables used when UseRecal is set.
	Recal sample.RecalTables
}

// Result is the output of Join.
type Result struct {
	Items []WorkItem
	Skips []Skip
	// Keys lists each key that has items, in first-seen order.
	Keys []Key
}

// entity is a caller bound to one sample or pair, with recalibration tables
// attached.
type entity struct {
	key                               Key
	role                              sample.Role
	file, index, recal                string
	tumorFile, tumorIndex, tumorRecal string
}

// attachRecal returns the table to use for r under caller c.
func attachRecal(c Caller, r sample.Record, opts Opts) (string, bool) {
	if !opts.UseRecal || !c.UsesRecal() {
		return NoRecal, true
	}
	return opts.Recal.Lookup(r)
}

// entities applies c's applicability predicate and the recalibration join to
// the streams, once per record or pair.
func entities(c Caller, streams sample.Streams, opts Opts, skips *[]Skip) []entity {
	var result []entity
	if c.Paired() {
		for _, p := range streams.Pairs {
			e := entity{
				key:        Key{Caller: c, Subject: p.Subject, Sample: p.Normal.Sample, Tumor: p.Tumor.Sample},
				role:       sample.Normal,
				file:       p.Normal.File,
				index:      p.Normal.Index,
				tumorFile:  p.Tumor.File,
				tumorIndex: p.Tumor.Index,
			}
			var ok1, ok2 bool
			e.recal, ok1 = attachRecal(c, p.Normal, opts)
			e.tumorRecal, ok2 = attachRecal(c, p.Tumor, opts)
			if !ok1 || !ok2 {
				*skips = append(*skips, Skip{e.key, "no recalibration table"})
				continue
			}
			result = append(result, e)
		}
		return result
	}
	for _, r := range streams.Subjects {
		if !c.Applies(r) {
			continue
		}
		e := entity{
			key:   Key{Caller: c, Subject: r.Subject, Sample: r.Sample},
			role:  r.Role,
			file:  r.File,
			index: r.Index,
		}
		var ok bool
		if e.recal, ok = attachRecal(c, r, opts); !ok {
			*skips = append(*skips, Skip{e.key, "no recalibration table"})
			continue
		}
		result = append(result, e)
	}
	return result
}

// Join computes the full cross product of every applicable entity with every
// chunk.  Chunks are expected in dispatch (longest-first) order, and items are
// generated chunk-major so that the item list keeps that order.  Entities
// without a required recalibration table get no items; they are logged and
// reported in Result.Skips.
func Join(streams sample.Streams, chunks []partition.Chunk, opts Opts) Result {
	var (
		res   Result
		all   []entity
		nKeys = map[Caller]int{}
	)
	for _, c := range opts.Callers {
		e := entities(c, streams, opts, &res.Skips)
		nKeys[c] = len(e)
		all = append(all, e...)
	}
	for _, skip := range res.Skips {
		log.Printf("scatter.Join: skipping %v: %s", skip.Key, skip.Reason)
	}
	for _, e := range all {
		res.Keys = append(res.Keys, e.key)
	}
	res.Items = make([]WorkItem, 0, len(all)*len(chunks))
	for i := range chunks {
		for _, e := range all {
			res.Items = append(res.Items, WorkItem{
				Key:        e.key,
				Chunk:      &chunks[i],
				Role:       e.role,
				File:       e.file,
				Index:      e.index,
				Recal:      e.recal,
				TumorFile:  e.tumorFile,
				TumorIndex: e.tumorIndex,
				TumorRecal: e.tumorRecal,
			})
		}
	}
	for _, c := range opts.Callers {
		log.Printf("scatter.Join: %v: %d key(s) x %d chunk(s)", c, nKeys[c], len(chunks))
	}
	return res
}
