// Package compress compresses export files in place. Each codec knows the
// file extension it produces and the name the warehouses use for it.
package compress

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec names accepted by New.
const (
	None  = "none"
	Gzip  = "gzip"
	Zstd  = "zstd"
	Bzip2 = "bzip2"
)

// DefaultPbzip2 is where the parallel bzip2 binary is expected.
const DefaultPbzip2 = "/usr/bin/pbzip2"

// Compressor turns path into a compressed file at path+Extension() and
// removes path. On failure no partial output is left behind.
type Compressor interface {
	Compress(ctx context.Context, path string) (string, error)
	// Extension is appended to the file name, e.g. ".gz". Empty for None.
	Extension() string
	// Codec is the codec name, one of the constants above.
	Codec() string
}

// New returns the Compressor for a codec name.
func New(codec string) (Compressor, error) {
	switch strings.ToLower(codec) {
	case None, "":
		return noneCompressor{}, nil
	case Gzip:
		return streamCompressor{codec: Gzip, ext: ".gz", newWriter: newGzipWriter}, nil
	case Zstd:
		return streamCompressor{codec: Zstd, ext: ".zst", newWriter: newZstdWriter}, nil
	case Bzip2:
		return &Pbzip2{Binary: DefaultPbzip2}, nil
	}
	return nil, errors.Errorf("unsupported compression codec %q", codec)
}

type noneCompressor struct{}

func (noneCompressor) Compress(_ context.Context, path string) (string, error) {
	return path, nil
}
func (noneCompressor) Extension() string { return "" }
func (noneCompressor) Codec() string     { return None }

func newGzipWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.DefaultCompression)
}

func newZstdWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

// streamCompressor compresses in process.
type streamCompressor struct {
	codec     string
	ext       string
	newWriter func(io.Writer) (io.WriteCloser, error)
}

func (c streamCompressor) Extension() string { return c.ext }
func (c streamCompressor) Codec() string     { return c.codec }

func (c streamCompressor) Compress(ctx context.Context, path string) (_ string, err error) {
	out := path + c.ext
	src, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "Unable to open file "+path)
	}
	defer src.Close()

	dst, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", errors.Wrap(err, "Unable to create file "+out)
	}
	defer func() {
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(out)
		}
	}()

	buffered := bufio.NewWriterSize(dst, 1<<20)
	zw, err := c.newWriter(buffered)
	if err != nil {
		return "", errors.Wrap(err, "Unable to create "+c.codec+" writer")
	}
	if _, err = io.Copy(zw, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = zw.Close()
		return "", errors.Wrap(err, "Unable to compress "+path)
	}
	if err = zw.Close(); err != nil {
		return "", errors.Wrap(err, "Unable to finish "+c.codec+" stream")
	}
	if err = buffered.Flush(); err != nil {
		return "", errors.Wrap(err, "Unable to flush "+out)
	}
	if err = dst.Close(); err != nil {
		return "", errors.Wrap(err, "Unable to close "+out)
	}
	if err = os.Remove(path); err != nil {
		return "", errors.Wrap(err, "Unable to remove uncompressed "+path)
	}
	return out, nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// Pbzip2 shells out to the parallel bzip2 binary, which replaces path with
// path.bz2.
type Pbzip2 struct {
	Binary string
}

func (p *Pbzip2) Extension() string { return ".bz2" }
func (p *Pbzip2) Codec() string     { return Bzip2 }

func (p *Pbzip2) Compress(ctx context.Context, path string) (string, error) {
	out := path + p.Extension()
	binary, err := exec.LookPath(p.Binary)
	if err != nil {
		return "", errors.Wrap(err, "compressor binary not available")
	}
	output, err := exec.CommandContext(ctx, binary, "-f", path).CombinedOutput()
	if err != nil {
		_ = os.Remove(out)
		return "", errors.Wrapf(err, "%s failed: %s", binary, strings.TrimSpace(string(output)))
	}
	if _, err = os.Stat(out); err != nil {
		return "", errors.Wrap(err, "compressed file missing")
	}
	return out, nil
}
