package util

import (
	"context"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
)

// Input is an open, possibly gzip-compressed, text input.
type Input struct {
	io.Reader
	f  file.File
	gz *gzip.Reader
}

// OpenInput opens path for reading.  Paths that fileio.DetermineType
// identifies as gzip are transparently decompressed.
func OpenInput(ctx context.Context, path string) (*Input, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	in := &Input{Reader: f.Reader(ctx), f: f}
	if fileio.DetermineType(path) == fileio.Gzip {
		if in.gz, err = gzip.NewReader(in.Reader); err != nil {
			f.Close(ctx) // nolint: errcheck
			return nil, err
		}
		in.Reader = in.gz
	}
	return in, nil
}

// Close closes the input.
func (in *Input) Close(ctx context.Context) error {
	var err error
	if in.gz != nil {
		err = in.gz.Close()
	}
	if cerr := in.f.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
