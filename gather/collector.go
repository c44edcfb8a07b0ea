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

// Package gather collects the per-chunk outputs of scattered work items, in
// any arrival order, and merges each complete key into one ordered,
// deduplicated, bgzf-compressed and indexed file per output family.
package gather

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/varscatter/interval"
	"github.com/grailbio/varscatter/partition"
	"github.com/grailbio/varscatter/scatter"
)

// Artifact is one chunk-level output file of a work item.
type Artifact struct {
	Key     scatter.Key
	Family  scatter.Family
	ChunkID string
	Path    string
}

// FailedError reports a key withheld from merging because some of its work
// items failed.
type FailedError struct {
	Key scatter.Key
	// Chunks lists the failed chunk ids, sorted.
	Chunks []string
	// Err is the failure of Chunks[0].
	Err error
}

// Error implements error.
func (e *FailedError) Error() string {
	return fmt.Sprintf("gather: %v: %d work item(s) failed (chunks %s): %v",
		e.Key, len(e.Chunks), strings.Join(e.Chunks, ","), e.Err)
}

// IncompleteError reports a key whose artifact set doesn't cover every chunk.
type IncompleteError struct {
	Key    scatter.Key
	Family scatter.Family
	// Missing lists the absent chunk ids, in coordinate order.
	Missing []string
}

// Error implements error.
func (e *IncompleteError) Error() string {
	return fmt.Sprintf("gather: %v %v: missing output for %d chunk(s): %s",
		e.Key, e.Family, len(e.Missing), strings.Join(e.Missing, ","))
}

// artifactNode orders the artifacts of one (key, family) by the coordinates
// of their chunks.
type artifactNode struct {
	chunk    *partition.Chunk
	order    *interval.ContigOrder
	artifact Artifact
}

// Compare implements llrb.Comparable.  Nodes for the same chunk compare
// equal, so a retried artifact replaces the earlier one.
func (n *artifactNode) Compare(c llrb.Comparable) int {
	other := c.(*artifactNode)
	if n.chunk == other.chunk {
		return 0
	}
	return compareChunks(n.order, n.chunk, other.chunk)
}

func compareChunks(order *interval.ContigOrder, c1, c2 *partition.Chunk) int {
	r1, r2 := c1.First(), c2.First()
	if cmp := order.Compare(r1.Contig, r1.Start0, r2.Contig, r2.Start0); cmp != 0 {
		return cmp
	}
	return strings.Compare(c1.ID, c2.ID)
}

type groupKey struct {
	key    scatter.Key
	family scatter.Family
}

// Collector accumulates artifacts and failures.  Its methods may be called
// concurrently.
type Collector struct {
	order  *interval.ContigOrder
	chunks map[string]*partition.Chunk
	// sorted holds the chunks in coordinate order.
	sorted []*partition.Chunk
	keys   []scatter.Key

	mu       sync.Mutex
	expected map[scatter.Key]bool
	groups   map[groupKey]*llrb.Tree
	failed   map[scatter.Key]map[string]error
}

// NewCollector creates a Collector expecting one artifact per chunk for
// every family of every key.  order ranks contigs; if nil, contigs are
// ranked in the order the chunks list them.
func NewCollector(chunks []partition.Chunk, keys []scatter.Key, order *interval.ContigOrder) *Collector {
	if order == nil {
		var regions []interval.Region
		sortedByIndex := make([]*partition.Chunk, len(chunks))
		for i := range chunks {
			sortedByIndex[i] = &chunks[i]
		}
		sort.SliceStable(sortedByIndex, func(i, j int) bool { return sortedByIndex[i].Index < sortedByIndex[j].Index })
		for _, c := range sortedByIndex {
			regions = append(regions, c.Regions...)
		}
		order = interval.ContigOrderFromRegions(regions)
	}
	c := &Collector{
		order:    order,
		chunks:   make(map[string]*partition.Chunk, len(chunks)),
		expected: make(map[scatter.Key]bool, len(keys)),
		groups:   map[groupKey]*llrb.Tree{},
		failed:   map[scatter.Key]map[string]error{},
	}
	for i := range chunks {
		c.chunks[chunks[i].ID] = &chunks[i]
		c.sorted = append(c.sorted, &chunks[i])
	}
	sort.SliceStable(c.sorted, func(i, j int) bool {
		return compareChunks(order, c.sorted[i], c.sorted[j]) < 0
	})
	for _, k := range keys {
		if !c.expected[k] {
			c.expected[k] = true
			c.keys = append(c.keys, k)
		}
	}
	return c
}

// Keys returns the expected keys, in the order given to NewCollector.
func (c *Collector) Keys() []scatter.Key {
	return c.keys
}

// Add records an artifact.  A second artifact for the same (key, family,
// chunk) replaces the first, and clears an earlier failure of that chunk.
func (c *Collector) Add(a Artifact) error {
	chunk, ok := c.chunks[a.ChunkID]
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("gather.Add: %v: unknown chunk %s", a.Key, a.ChunkID))
	}
	if !familyOf(a.Key.Caller, a.Family) {
		return errors.E(errors.Invalid, fmt.Sprintf("gather.Add: %v does not produce %v output", a.Key.Caller, a.Family))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expected[a.Key] {
		return errors.E(errors.Invalid, fmt.Sprintf("gather.Add: unexpected key %v", a.Key))
	}
	gk := groupKey{a.Key, a.Family}
	tree := c.groups[gk]
	if tree == nil {
		tree = &llrb.Tree{}
		c.groups[gk] = tree
	}
	tree.Insert(&artifactNode{chunk: chunk, order: c.order, artifact: a})
	if failures := c.failed[a.Key]; failures != nil {
		delete(failures, a.ChunkID)
		if len(failures) == 0 {
			delete(c.failed, a.Key)
		}
	}
	return nil
}

// Fail records that a work item failed.  Its key will not be merged unless
// the chunk is later re-added.
func (c *Collector) Fail(item *scatter.WorkItem, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures := c.failed[item.Key]
	if failures == nil {
		failures = map[string]error{}
		c.failed[item.Key] = failures
	}
	failures[item.Chunk.ID] = err
}

func familyOf(caller scatter.Caller, family scatter.Family) bool {
	for _, f := range caller.Families() {
		if f == family {
			return true
		}
	}
	return false
}

// Group returns the artifacts of (key, family) in chunk coordinate order.
// It returns a *FailedError if a work item of the key failed, and an
// *IncompleteError if any chunk has no artifact.
func (c *Collector) Group(key scatter.Key, family scatter.Family) ([]Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expected[key] {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("gather.Group: unexpected key %v", key))
	}
	if failures := c.failed[key]; len(failures) > 0 {
		e := &FailedError{Key: key}
		for id := range failures {
			e.Chunks = append(e.Chunks, id)
		}
		sort.Strings(e.Chunks)
		e.Err = failures[e.Chunks[0]]
		return nil, e
	}
	var (
		artifacts []Artifact
		present   = map[*partition.Chunk]bool{}
	)
	if tree := c.groups[groupKey{key, family}]; tree != nil {
		tree.Do(func(item llrb.Comparable) bool {
			n := item.(*artifactNode)
			artifacts = append(artifacts, n.artifact)
			present[n.chunk] = true
			return false
		})
	}
	if len(artifacts) != len(c.sorted) {
		e := &IncompleteError{Key: key, Family: family}
		for _, chunk := range c.sorted {
			if !present[chunk] {
				e.Missing = append(e.Missing, chunk.ID)
			}
		}
		return nil, e
	}
	return artifacts, nil
}

// chunk returns the chunk with the given id.
func (c *Collector) chunk(id string) *partition.Chunk {
	return c.chunks[id]
}
