package storage

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Compress writes the zstd-compressed form of src to dst and returns the
// number of compressed bytes written.
func Compress(dst io.Writer, src io.Reader) (int64, error) {
	cw := &countingWriter{w: dst}
	enc, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("compress: %w", err)
	}
	return cw.n, nil
}

// Decompress writes the decompressed form of src to dst.
func Decompress(dst io.Writer, src io.Reader) error {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	if _, err := io.Copy(dst, dec); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return nil
}
