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

// Package dispatch executes scatter work items through an Invoker, with
// bounded parallelism, and reports their outputs and failures to a
// gather.Collector.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/varscatter/gather"
	"github.com/grailbio/varscatter/scatter"
	"golang.org/x/sync/errgroup"
)

// Invoker runs one work item.  It returns one artifact per output family of
// the item's caller.  Invoke must be safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, item *scatter.WorkItem) ([]gather.Artifact, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, item *scatter.WorkItem) ([]gather.Artifact, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, item *scatter.WorkItem) ([]gather.Artifact, error) {
	return f(ctx, item)
}

// Opts configures Run.
type Opts struct {
	// Parallelism is the maximum number of items run at once.
	Parallelism int
	// Journal, if non-nil, lets Run skip items completed by an earlier run,
	// and records the items it completes.
	Journal *Journal
}

// DefaultOpts are the default dispatch settings.
var DefaultOpts = Opts{Parallelism: 8}

// Stats summarizes a Run.
type Stats struct {
	Items     int
	Succeeded int
	Failed    int
	// Resumed counts items whose outputs were taken from the journal.
	Resumed int
	// Canceled counts items not run because ctx was canceled.  Their keys
	// are left incomplete.
	Canceled int
}

// Run executes items, starting them in slice order, i.e., longest-first for
// items produced by scatter.Join.  A failed item is reported to collector
// with Fail and doesn't stop other items.  Once ctx is canceled no further
// items are started, and Run returns ctx.Err() after the running ones
// finish.
func Run(ctx context.Context, items []scatter.WorkItem, invoker Invoker, collector *gather.Collector, opts Opts) (Stats, error) {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	stats := Stats{Items: len(items)}
	var (
		succeeded, failed, resumed, canceled int64
		started                              int
		eg                                   errgroup.Group
	)
	start := time.Now()
	eg.SetLimit(parallelism)
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		item := &items[i]
		if opts.Journal != nil {
			if artifacts, ok := opts.Journal.Completed(item); ok {
				started++
				if add(collector, item, artifacts) {
					atomic.AddInt64(&resumed, 1)
				} else {
					atomic.AddInt64(&failed, 1)
				}
				continue
			}
		}
		started++
		eg.Go(func() error {
			if ctx.Err() != nil {
				atomic.AddInt64(&canceled, 1)
				return nil
			}
			t0 := time.Now()
			artifacts, err := invoker.Invoke(ctx, item)
			if err != nil {
				log.Error.Printf("dispatch: %v (%s) failed after %v: %v", item, item.ID(), time.Since(t0), err)
				collector.Fail(item, err)
				atomic.AddInt64(&failed, 1)
				return nil
			}
			if !add(collector, item, artifacts) {
				atomic.AddInt64(&failed, 1)
				return nil
			}
			if opts.Journal != nil {
				if err := opts.Journal.Record(item, artifacts); err != nil {
					log.Error.Printf("dispatch: %v: %v", item, err)
				}
			}
			log.Debug.Printf("dispatch: %v done in %v", item, time.Since(t0))
			atomic.AddInt64(&succeeded, 1)
			return nil
		})
	}
	_ = eg.Wait()
	stats.Succeeded = int(succeeded)
	stats.Failed = int(failed)
	stats.Resumed = int(resumed)
	stats.Canceled = len(items) - started + int(canceled)
	log.Printf("dispatch.Run: %d item(s) in %v: %d succeeded, %d resumed, %d failed, %d canceled",
		stats.Items, time.Since(start), stats.Succeeded, stats.Resumed, stats.Failed, stats.Canceled)
	return stats, ctx.Err()
}

// add hands the artifacts of item to collector.  A rejected artifact fails
// the item.
func add(collector *gather.Collector, item *scatter.WorkItem, artifacts []gather.Artifact) bool {
	for _, a := range artifacts {
		if err := collector.Add(a); err != nil {
			log.Error.Printf("dispatch: %v: %v", item, err)
			collector.Fail(item, err)
			return false
		}
	}
	return true
}
