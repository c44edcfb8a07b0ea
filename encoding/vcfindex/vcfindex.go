// Package vcfindex implements the .vci index written next to every merged
// bgzf-compressed VCF.  It maps (contig, position) to the bgzf virtual offset
// of a record at or before that position.
//
// The on disk .vci format is the magic byte sequence
//   {'G', 'V', 'C', 'I', 0x01, 0x5e, 0x21, 0x9a,
//    0x3d, 0x70, 0xc4, 0x0b, 0x92, 0x1f, 0x66, 0xe8}
// followed by a gzip-compressed body.  The body starts with the contig table:
// a little-endian uint32 count, then for each contig a uint32 length and the
// name bytes.  The table is followed by a sequence of entries, each holding
// three little-endian values:
//   1) int32 index into the contig table
//   2) int32 1-based VCF position
//   3) uint64 virtual offset of the record in the .vcf.gz file
//
// Entries are sorted by (contig index, position), contigs are numbered in the
// order they appear in the VCF, and there is always an entry for the first
// record of each contig.  Further entries are added whenever the compressed
// file offset has advanced by at least the configured byte interval.
package vcfindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/hts/bgzf"
	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultByteInterval is the default minimum spacing, in compressed
	// bytes, between consecutive index entries of one contig.
	DefaultByteInterval = 64 * 1024

	// maxContigNameLen bounds the contig name lengths Read accepts.
	maxContigNameLen = 64 * 1024
)

var vciMagic = []byte{
	'G', 'V', 'C', 'I', 0x01, 0x5e, 0x21, 0x9a,
	0x3d, 0x70, 0xc4, 0x0b, 0x92, 0x1f, 0x66, 0xe8,
}

// Entry is one entry of the .vci index.
type Entry struct {
	ContigID int32
	Pos      int32
	VOffset  uint64
}

// Index is a parsed .vci index.
type Index struct {
	Contigs []string
	Entries []Entry

	contigIDs map[string]int32
}

// ToBGZFOffset takes a uint64 voffset and returns a bgzf.Offset.
func ToBGZFOffset(voffset uint64) bgzf.Offset {
	return bgzf.Offset{File: int64(voffset >> 16), Block: uint16(voffset & 0xffff)}
}

// Lookup returns a voffset into the VCF from which reading forward will
// eventually read the records of contig at positions >= pos.  The second
// result is false if contig has no records.
func (idx *Index) Lookup(contig string, pos int32) (bgzf.Offset, bool) {
	id, ok := idx.contigID(contig)
	if !ok {
		return bgzf.Offset{}, false
	}
	target := Entry{ContigID: id, Pos: pos}
	x := sort.Search(len(idx.Entries), func(i int) bool {
		return compareEntry(&idx.Entries[i], &target) >= 0
	})
	// Back up to the last entry strictly before target, unless that entry
	// belongs to an earlier contig.
	if x == len(idx.Entries) || compareEntry(&idx.Entries[x], &target) > 0 {
		if x > 0 && idx.Entries[x-1].ContigID == id {
			x--
		}
	}
	if x == len(idx.Entries) {
		// Every entry precedes the target contig; there must be none of its
		// records in the index.
		return bgzf.Offset{}, false
	}
	return ToBGZFOffset(idx.Entries[x].VOffset), true
}

// contigID never modifies idx, so that Lookup may be called concurrently.
func (idx *Index) contigID(contig string) (int32, bool) {
	if idx.contigIDs != nil {
		id, ok := idx.contigIDs[contig]
		return id, ok
	}
	for i, name := range idx.Contigs {
		if name == contig {
			return int32(i), true
		}
	}
	return 0, false
}

func compareEntry(x, y *Entry) int {
	if x.ContigID != y.ContigID {
		if x.ContigID < y.ContigID {
			return -1
		}
		return 1
	}
	if x.Pos > y.Pos {
		return 1
	} else if x.Pos < y.Pos {
		return -1
	}
	return 0
}

// Builder accumulates index entries while a VCF is being written.  Records
// must be added in file order.
type Builder struct {
	byteInterval uint64
	index        Index

	prevContig     string
	prevPos        int32
	prevFileOffset uint64
}

// NewBuilder creates a Builder which spaces the entries of a contig at least
// byteInterval compressed bytes apart.
func NewBuilder(byteInterval int) *Builder {
	if byteInterval <= 0 {
		byteInterval = DefaultByteInterval
	}
	return &Builder{
		byteInterval: uint64(byteInterval),
		index:        Index{contigIDs: map[string]int32{}},
	}
}

// Add records that the VCF record at (contig, pos) starts at voffset.
func (b *Builder) Add(contig string, pos int32, voffset uint64) error {
	fileOffset := voffset >> 16
	if len(b.index.Contigs) == 0 || contig != b.prevContig {
		if _, ok := b.index.contigIDs[contig]; ok {
			return fmt.Errorf("vcfindex.Builder.Add: unsorted input (split contig %s)", contig)
		}
		id := int32(len(b.index.Contigs))
		b.index.Contigs = append(b.index.Contigs, contig)
		b.index.contigIDs[contig] = id
		b.index.Entries = append(b.index.Entries, Entry{ContigID: id, Pos: pos, VOffset: voffset})
		b.prevContig, b.prevPos, b.prevFileOffset = contig, pos, fileOffset
		return nil
	}
	if pos < b.prevPos {
		return fmt.Errorf("vcfindex.Builder.Add: unsorted input at %s:%d", contig, pos)
	}
	// Only the first record at a position gets an entry.
	if pos != b.prevPos && fileOffset-b.prevFileOffset >= b.byteInterval {
		id := b.index.contigIDs[contig]
		b.index.Entries = append(b.index.Entries, Entry{ContigID: id, Pos: pos, VOffset: voffset})
		b.prevFileOffset = fileOffset
	}
	b.prevPos = pos
	return nil
}

// Index returns the entries added so far.
func (b *Builder) Index() *Index {
	return &b.index
}

// Write serializes idx to w in .vci format.
func (idx *Index) Write(w io.Writer) error {
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(vciMagic); err != nil {
		return err
	}
	if err := binary.Write(gz, binary.LittleEndian, uint32(len(idx.Contigs))); err != nil {
		return err
	}
	for _, name := range idx.Contigs {
		if err := binary.Write(gz, binary.LittleEndian, uint32(len(name))); err != nil {
			return err
		}
		if _, err := io.WriteString(gz, name); err != nil {
			return err
		}
	}
	for i := range idx.Entries {
		if err := binary.Write(gz, binary.LittleEndian, &idx.Entries[i]); err != nil {
			return err
		}
	}
	return gz.Close()
}

// Read expects a .vci file as r, and returns the parsed Index.
func Read(r io.Reader) (index *Index, err error) {
	var gz *gzip.Reader
	if gz, err = gzip.NewReader(r); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := gz.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	buf := make([]byte, len(vciMagic))
	if _, err = io.ReadFull(gz, buf); err != nil {
		return nil, err
	}
	if !bytes.Equal(vciMagic, buf) {
		return nil, fmt.Errorf("vcfindex.Read: unexpected magic %v, should be %v", buf, vciMagic)
	}

	index = &Index{contigIDs: map[string]int32{}}
	var nContigs uint32
	if err = binary.Read(gz, binary.LittleEndian, &nContigs); err != nil {
		return nil, err
	}
	for i := uint32(0); i < nContigs; i++ {
		var n uint32
		if err = binary.Read(gz, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		if n == 0 || n > maxContigNameLen {
			return nil, fmt.Errorf("vcfindex.Read: contig %d has invalid name length %d", i, n)
		}
		name := make([]byte, n)
		if _, err = io.ReadFull(gz, name); err != nil {
			return nil, err
		}
		if _, ok := index.contigIDs[string(name)]; ok {
			return nil, fmt.Errorf("vcfindex.Read: duplicate contig %s", name)
		}
		index.contigIDs[string(name)] = int32(i)
		index.Contigs = append(index.Contigs, string(name))
	}
	for {
		var entry Entry
		if err = binary.Read(gz, binary.LittleEndian, &entry); err == io.EOF {
			err = nil
			break
		} else if err != nil {
			return nil, err
		}
		if entry.ContigID < 0 || int(entry.ContigID) >= len(index.Contigs) {
			return nil, fmt.Errorf("vcfindex.Read: entry %d has invalid contig index %d", len(index.Entries), entry.ContigID)
		}
		if n := len(index.Entries); n > 0 {
			prev := index.Entries[n-1]
			if compareEntry(&prev, &entry) > 0 || prev.VOffset > entry.VOffset {
				return nil, fmt.Errorf("vcfindex.Read: entries out of order: %+v before %+v", prev, entry)
			}
		}
		index.Entries = append(index.Entries, entry)
	}
	return index, nil
}
