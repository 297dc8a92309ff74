package main

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// compressFormat names an output codec for `vhddump extract --compress`.
// zopfli is accepted as an alias for gzip: zopfli produces an ordinary
// gzip-compatible stream, it just spends more CPU finding a smaller one,
// and go.mod lists go-zopfli only as an indirect requirement without any
// package importing it — same as in the teacher's own tree. See DESIGN.md.
type compressFormat string

const (
	compressNone   compressFormat = "none"
	compressGzip   compressFormat = "gzip"
	compressZopfli compressFormat = "zopfli"
	compressXz     compressFormat = "xz"
	compressLzma   compressFormat = "lzma"
	compressBzip2  compressFormat = "bzip2"
	compressLz4    compressFormat = "lz4"
)

func parseCompressFormat(s string) (compressFormat, error) {
	switch compressFormat(s) {
	case compressNone, compressGzip, compressZopfli, compressXz, compressLzma, compressBzip2, compressLz4:
		return compressFormat(s), nil
	default:
		return "", fmt.Errorf("unsupported compression format %q", s)
	}
}

// newCompressWriter wraps w so that writes to the returned WriteCloser
// land in w compressed in the requested format. Close must be called to
// flush the underlying codec's trailer.
func newCompressWriter(format compressFormat, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case compressNone:
		return nopWriteCloser{w}, nil
	case compressGzip, compressZopfli:
		return gzip.NewWriter(w), nil
	case compressXz:
		return xz.NewWriter(w)
	case compressLzma:
		return lzma.NewWriter(w)
	case compressBzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	case compressLz4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression format %q", format)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
