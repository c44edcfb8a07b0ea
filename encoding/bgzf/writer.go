// Package bgzf includes a Writer for the .bgzf (block gzipped) file
// format, which is how merged variant-call files are written.  A .bgzf
// file consists of one or more complete gzip blocks concatenated
// together.  Each block represents at most 64KB of uncompressed data,
// and its compressed size is also at most 64KB.  A valid .bgzf file
// ends with the 28 byte terminator below, which is itself a gzip block
// with an empty payload.
//
// Since every block is a complete gzip member, the output can be read
// by any gzip reader, and random access is possible through virtual
// offsets: (compressed block start << 16) | offset within the block.
//
// For more information about the .bgzf file format, see the SAM/BAM
// spec here: https://samtools.github.io/hts-specs/SAMv1.pdf
//
// Example use:
//   var out bytes.Buffer
//   w, err := NewWriter(&out, gzip.DefaultCompression)
//   voff := w.VOffset()   // where the next record starts
//   n, err := w.Write([]byte("chr1\t100\t.\tA\tC\n"))
//   err = w.Close()
package bgzf

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultUncompressedBlockSize is the default bgzf
	// uncompressedBlockSize chosen by both sambamba and biogo.  See
	// the SAM/BAM specification for details.
	DefaultUncompressedBlockSize = 0x0ff00

	// MaxUncompressedBlockSize is the largest legal value for
	// uncompressedBlockSize.
	MaxUncompressedBlockSize = 0x10000

	// compressedBlockSize is the maximum size of the compressed data
	// for a Bgzf block.  See the SAM/BAM specification for details.
	compressedBlockSize = 0x10000
)

var (
	// bgzfExtra goes into the gzip's Extra subfield, with subfield
	// ids: 66, 67, and length 2.  See the SAM/BAM spec.
	bgzfExtra       = [...]byte{66, 67, 2, 0, 0, 0}
	bgzfExtraPrefix = [...]byte{66, 67, 2, 0}

	// terminator is the Bgzf EOF terminator.  It belongs at the end
	// of a valid Bgzf file.  See the SAM/BAM spec.
	terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// blockCompressor keeps a single gzip.Writer around so that it can be
// Reset() for each block instead of being reallocated.
type blockCompressor struct {
	gz *gzip.Writer
}

func (c *blockCompressor) create(w io.Writer) (io.WriteCloser, error) {
	// Reset clears the header, so the bgzf fields are set below.
	c.gz.Reset(w)
	c.gz.Header.Extra = make([]byte, len(bgzfExtra))
	copy(c.gz.Header.Extra[:], bgzfExtra[:])
	c.gz.Header.OS = 0xff // Unknown OS value
	return c.gz, nil
}

// Writer compresses data into .bgzf format.  Each gzip block carries
// an Extra header field holding the compressed size of the block minus
// one.  The payload of the file is the in-order concatenation of the
// uncompressed payloads of the blocks.
//
// Writer is not thread-safe.
type Writer struct {
	compressor       blockCompressor
	uncompressedSize int
	w                io.Writer
	original         bytes.Buffer
	compressed       bytes.Buffer
	coffset          uint64 // starting file position of the current gzip block
}

// NewWriter returns a new .bgzf writer with the given compression
// level, using DefaultUncompressedBlockSize.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	return NewWriterSize(w, level, DefaultUncompressedBlockSize)
}

// NewWriterSize is like NewWriter, but with a custom uncompressed
// block size, which must be in (0, MaxUncompressedBlockSize].
func NewWriterSize(w io.Writer, level, uncompressedBlockSize int) (*Writer, error) {
	if uncompressedBlockSize <= 0 || uncompressedBlockSize > MaxUncompressedBlockSize {
		return nil, fmt.Errorf("bgzf.NewWriterSize: invalid uncompressed block size %d", uncompressedBlockSize)
	}
	gz, err := gzip.NewWriterLevel(ioutil.Discard, level)
	if err != nil {
		return nil, err
	}
	return &Writer{
		compressor:       blockCompressor{gz: gz},
		uncompressedSize: uncompressedBlockSize,
		w:                w,
	}, nil
}

// Write appends buf to the .bgzf payload.  Returns the number of bytes
// consumed from buf and any error encountered.
func (w *Writer) Write(buf []byte) (int, error) {
	for i := 0; i < len(buf); {
		// Fill at most one block at a time, accounting for straggler
		// bytes from the previous Write.
		end := len(buf)
		limit := i + w.uncompressedSize - w.original.Len()
		if limit < end {
			end = limit
		}
		n, _ := w.original.Write(buf[i:end])
		i += n
		if err := w.flushBlocks(false); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// WriteString is like Write, for strings.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Flush compresses any buffered bytes into a (possibly short) block.
// After Flush, VOffset() points to the start of a block.
func (w *Writer) Flush() error {
	return w.flushBlocks(true)
}

// CloseWithoutTerminator closes the current .bgzf block, but does not
// append the .bgzf terminator.  The output is not a complete .bgzf
// file until a terminator is appended.
func (w *Writer) CloseWithoutTerminator() error {
	return w.flushBlocks(true)
}

// Close the current .bgzf block and also append the .bgzf terminator.
func (w *Writer) Close() error {
	if err := w.CloseWithoutTerminator(); err != nil {
		return err
	}
	n, err := w.w.Write(terminator)
	w.coffset += uint64(n)
	return err
}

// flushBlocks removes full blocks (and, if compressRemainder is set,
// the trailing partial block) from w.original, compresses them, and
// writes them to w.w.
func (w *Writer) flushBlocks(compressRemainder bool) error {
	for w.original.Len() >= w.uncompressedSize || (compressRemainder && w.original.Len() > 0) {
		gz, err := w.compressor.create(&w.compressed)
		if err != nil {
			return err
		}
		if _, err := gz.Write(w.original.Next(w.uncompressedSize)); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}

		// Replace bgzf BSIZE header with compressed length - 1.
		b := w.compressed.Bytes()
		const offset = 12 // This is the offset of the Extra field in the gzip header.
		bsize := w.compressed.Len() - 1
		if bsize >= compressedBlockSize {
			return fmt.Errorf("bgzf compressed block is too big: %d > %d", bsize, compressedBlockSize)
		}
		if len(b) < offset+len(bgzfExtra) {
			return fmt.Errorf("bgzf compressed length is too short: %d < %d", len(b), offset+len(bgzfExtra))
		}
		if !bytes.Equal(b[offset:offset+len(bgzfExtraPrefix)], bgzfExtraPrefix[:]) {
			return fmt.Errorf("bgzf: could not find extra-field prefix in gzip header")
		}
		b[offset+4] = byte(bsize)
		b[offset+5] = byte(bsize >> 8)

		sz := w.compressed.Len()
		if _, err := w.compressed.WriteTo(w.w); err != nil {
			return err
		}
		w.coffset += uint64(sz)
	}
	return nil
}

// VOffset returns the virtual-offset of the next byte to be written.
func (w *Writer) VOffset() uint64 {
	return w.coffset<<16 | uint64(w.original.Len())
}
