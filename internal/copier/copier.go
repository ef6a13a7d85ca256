// Package copier drains a byte source into a sink and measures the transfer.
package copier

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultChunkSize is the read buffer used per iteration.
const DefaultChunkSize = 64 * 1024

// ErrIO marks a read or write failure on a file or stream.
var ErrIO = errors.New("i/o failure")

// Result is the outcome of one copy.
type Result struct {
	Bytes   int64
	Elapsed time.Duration
}

// Throughput is bytes per second, zero when nothing was copied or no time
// elapsed.
func (r Result) Throughput() float64 {
	if r.Bytes == 0 || r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("%s in %s, %s/s",
		humanize.Bytes(uint64(r.Bytes)),
		r.Elapsed.Round(time.Millisecond),
		humanize.Bytes(uint64(r.Throughput())),
	)
}

type options struct {
	chunkSize int
	progress  io.Writer
	digest    hash.Hash
	now       func() time.Time
}

type Option func(*options)

func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithProgress mirrors every written chunk into w. A failing progress writer
// does not fail the copy.
func WithProgress(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

// WithDigest feeds every written chunk into h.
func WithDigest(h hash.Hash) Option {
	return func(o *options) { o.digest = h }
}

// Copy reads src in chunks and writes each chunk fully to dst until src
// reports io.EOF. The first failure aborts the copy; the returned Result then
// holds what was written before it.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, opts ...Option) (Result, error) {
	o := options{chunkSize: DefaultChunkSize, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	buf := make([]byte, o.chunkSize)
	begin := o.now()
	var written int64

	result := func() Result {
		return Result{Bytes: written, Elapsed: o.now().Sub(begin)}
	}

	for {
		if err := ctx.Err(); err != nil {
			return result(), fmt.Errorf("%w: %w", ErrIO, err)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if err := writeFull(dst, buf[:n]); err != nil {
				return result(), fmt.Errorf("%w: write: %w", ErrIO, err)
			}
			written += int64(n)
			if o.digest != nil {
				o.digest.Write(buf[:n])
			}
			if o.progress != nil {
				_, _ = o.progress.Write(buf[:n])
			}
		}

		if rerr == io.EOF {
			return result(), nil
		}
		if rerr != nil {
			return result(), fmt.Errorf("%w: read: %w", ErrIO, rerr)
		}
	}
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
