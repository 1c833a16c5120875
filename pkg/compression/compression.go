package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/lgulliver/waypoint/pkg/types"
)

// Threshold is the payload size above which opted-in compression applies
const Threshold = 10 * 1024 * 1024

// Result holds a compressed payload
type Result struct {
	Data         []byte
	OriginalSize int64
	// Ratio is compressed size divided by original size
	Ratio float64
}

// ShouldCompress reports whether a payload of size bytes is compressed
// before transfer
func ShouldCompress(size int64, enabled bool) bool {
	return enabled && size > Threshold
}

// Compress gzips data in memory
func Compress(data []byte) (*Result, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCompression, err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrCompression, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCompression, err)
	}

	result := &Result{
		Data:         buf.Bytes(),
		OriginalSize: int64(len(data)),
	}
	if len(data) > 0 {
		result.Ratio = float64(len(result.Data)) / float64(len(data))
	}
	return result, nil
}

// NewReader returns a streaming decompressor over r. Corrupt input surfaces
// as types.ErrCompression from Read.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCompression, err)
	}
	return &reader{zr: zr}, nil
}

// Decompress inflates a complete gzip payload
func Decompress(data []byte) ([]byte, error) {
	zr, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type reader struct {
	zr *gzip.Reader
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", types.ErrCompression, err)
	}
	return n, err
}

func (r *reader) Close() error {
	return r.zr.Close()
}
