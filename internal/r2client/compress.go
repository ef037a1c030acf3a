package r2client

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CompressFile writes srcPath to dstPath as a zstd stream and returns the
// compressed size in bytes. dstPath is removed on failure.
func CompressFile(srcPath, dstPath string) (written int64, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("compress %s: %w", srcPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("compress to %s: %w", dstPath, err)
	}
	defer func() {
		_ = dst.Close()
		if err != nil {
			_ = os.Remove(dstPath)
		}
	}()

	counter := &countingWriter{w: dst}
	enc, err := zstd.NewWriter(counter, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return 0, fmt.Errorf("zstd encoder: %w", err)
	}
	if _, err = io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return 0, fmt.Errorf("compress %s: %w", srcPath, err)
	}
	if err = enc.Close(); err != nil {
		return 0, fmt.Errorf("flush zstd stream: %w", err)
	}
	if err = dst.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", dstPath, err)
	}
	return counter.n, nil
}

// DecompressStream expands the zstd stream r into dstPath.
func DecompressStream(r io.Reader, dstPath string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("decompress to %s: %w", dstPath, err)
	}
	if _, err := io.Copy(dst, dec); err != nil {
		_ = dst.Close()
		return fmt.Errorf("decompress to %s: %w", dstPath, err)
	}
	return dst.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
