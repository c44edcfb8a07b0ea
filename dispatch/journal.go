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
package dispatch

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/varscatter/gather"
	"github.com/grailbio/varscatter/scatter"
)

// Journal records completed work items, so that a rerun of the same plan
// can skip them.  The journal is a snappy-framed stream of lines
// "<item id>\t<family>\t<output path>", one per artifact, flushed once per
// item.  A later entry for the same item and family replaces an earlier one.
// It must be on a local filesystem since it is appended to.
//
// Journal methods may be called concurrently.
type Journal struct {
	path string

	mu   sync.Mutex
	f    *os.File
	w    *snappy.Writer
	// done maps an item id to its output path per family.
	done map[string]map[scatter.Family]string
}

// OpenJournal opens or creates the journal at path.  A journal whose tail
// is corrupt, e.g., after a crash mid-write, is rewritten with the entries
// that could be read.
func OpenJournal(path string) (*Journal, error) {
	j := &Journal{path: path, done: map[string]map[scatter.Family]string{}}
	clean, err := j.load()
	if err != nil {
		return nil, err
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !clean {
		flag = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	if j.f, err = os.OpenFile(path, flag, 0644); err != nil {
		return nil, errors.E(fmt.Sprintf("dispatch.OpenJournal %s", path), err)
	}
	j.w = snappy.NewBufferedWriter(j.f)
	if !clean {
		for id, outputs := range j.done {
			if err := j.writeLocked(id, outputs); err != nil {
				return nil, err
			}
		}
	}
	log.Debug.Printf("dispatch: journal %s: %d completed item(s)", path, len(j.done))
	return j, nil
}

// load reads the existing entries.  It returns false if the journal could
// only be read in part.
func (j *Journal) load() (bool, error) {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, errors.E(fmt.Sprintf("dispatch.OpenJournal %s", j.path), err)
	}
	defer f.Close() // nolint: errcheck
	scanner := bufio.NewScanner(snappy.NewReader(f))
	lineno := 0
	for scanner.Scan() {
		lineno++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 3 {
			log.Error.Printf("dispatch: journal %s:%d: malformed entry; discarding the rest", j.path, lineno)
			return false, nil
		}
		family, err := scatter.ParseFamily(fields[1])
		if err != nil {
			log.Error.Printf("dispatch: journal %s:%d: %v; discarding the rest", j.path, lineno, err)
			return false, nil
		}
		j.setLocked(fields[0], family, fields[2])
	}
	if err := scanner.Err(); err != nil {
		log.Error.Printf("dispatch: journal %s: %v; keeping %d entries", j.path, err, len(j.done))
		return false, nil
	}
	return true, nil
}

// Completed returns the artifacts of item if it was recorded as completed
// and all its outputs still exist.
func (j *Journal) Completed(item *scatter.WorkItem) ([]gather.Artifact, bool) {
	families := item.Caller.Families()
	paths := make([]string, len(families))
	j.mu.Lock()
	outputs := j.done[item.ID()]
	for i, f := range families {
		paths[i] = outputs[f]
	}
	j.mu.Unlock()
	artifacts := make([]gather.Artifact, len(families))
	for i, path := range paths {
		if path == "" {
			return nil, false
		}
		if _, err := os.Stat(path); err != nil {
			log.Debug.Printf("dispatch: %v: journaled output %s: %v; rerunning", item, path, err)
			return nil, false
		}
		artifacts[i] = gather.Artifact{Key: item.Key, Family: families[i], ChunkID: item.Chunk.ID, Path: path}
	}
	return artifacts, true
}

// Record marks item completed with the given artifacts.
func (j *Journal) Record(item *scatter.WorkItem, artifacts []gather.Artifact) error {
	outputs := make(map[scatter.Family]string, len(artifacts))
	for _, a := range artifacts {
		outputs[a.Family] = a.Path
	}
	id := item.ID()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.done[id] = outputs
	return j.writeLocked(id, outputs)
}

func (j *Journal) setLocked(id string, family scatter.Family, path string) {
	outputs := j.done[id]
	if outputs == nil {
		outputs = map[scatter.Family]string{}
		j.done[id] = outputs
	}
	outputs[family] = path
}

func (j *Journal) writeLocked(id string, outputs map[scatter.Family]string) error {
	for family, path := range outputs {
		if _, err := fmt.Fprintf(j.w, "%s\t%v\t%s\n", id, family, path); err != nil {
			return errors.E(fmt.Sprintf("dispatch: journal %s", j.path), err)
		}
	}
	if err := j.w.Flush(); err != nil {
		return errors.E(fmt.Sprintf("dispatch: journal %s", j.path), err)
	}
	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.w.Close()
	if cerr := j.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
