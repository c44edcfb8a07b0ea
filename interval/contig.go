package interval

import (
	"context"
	"io/ioutil"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/sam"
)

// ContigOrder ranks contig names, either in sequence-dictionary order or in
// the order they were first encountered in a region list.  It is immutable
// once constructed and may be shared between goroutines.
type ContigOrder struct {
	names []string
	rank  map[string]int
}

// NewContigOrder returns a ContigOrder which ranks names in the given order.
// Repeated names keep their first rank.
func NewContigOrder(names []string) *ContigOrder {
	o := &ContigOrder{rank: make(map[string]int, len(names))}
	for _, name := range names {
		if _, ok := o.rank[name]; ok {
			continue
		}
		o.rank[name] = len(o.names)
		o.names = append(o.names, name)
	}
	return o
}

// ContigOrderFromRegions ranks contigs in first-encounter order.
func ContigOrderFromRegions(regions []Region) *ContigOrder {
	names := make([]string, 0, 32)
	for _, r := range regions {
		if len(names) == 0 || names[len(names)-1] != r.Contig {
			names = append(names, r.Contig)
		}
	}
	return NewContigOrder(names)
}

// ReadContigOrder loads the @SQ lines of a reference sequence dictionary
// (.dict, i.e. a SAM header) from path.
func ReadContigOrder(ctx context.Context, path string) (order *ContigOrder, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var text []byte
	if text, err = ioutil.ReadAll(infile.Reader(ctx)); err != nil {
		return
	}
	var header *sam.Header
	if header, err = sam.NewHeader(text, nil); err != nil {
		err = errors.E(errors.Invalid, "interval.ReadContigOrder:", path, err)
		return
	}
	refs := header.Refs()
	if len(refs) == 0 {
		err = errors.E(errors.Invalid, "interval.ReadContigOrder:", path, "has no @SQ lines")
		return
	}
	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.Name()
	}
	return NewContigOrder(names), nil
}

// Names returns the ranked contig names.  The caller must not modify the
// result.
func (o *ContigOrder) Names() []string {
	return o.names
}

// Rank returns the position of contig in the order.  Unknown contigs all rank
// after every known one.
func (o *ContigOrder) Rank(contig string) int {
	if r, ok := o.rank[contig]; ok {
		return r
	}
	return math.MaxInt32
}

// Known reports whether the contig is part of the order.
func (o *ContigOrder) Known(contig string) bool {
	_, ok := o.rank[contig]
	return ok
}

// Compare orders two positions: by contig rank, then by position.  Unknown
// contigs are ordered by name among themselves.
func (o *ContigOrder) Compare(contig1 string, pos1 PosType, contig2 string, pos2 PosType) int {
	if contig1 != contig2 {
		r1, r2 := o.Rank(contig1), o.Rank(contig2)
		if r1 != r2 {
			if r1 < r2 {
				return -1
			}
			return 1
		}
		if contig1 < contig2 {
			return -1
		}
		return 1
	}
	if pos1 < pos2 {
		return -1
	} else if pos1 > pos2 {
		return 1
	}
	return 0
}
