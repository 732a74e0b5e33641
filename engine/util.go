package engine

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// ReaderFunc lets a plain function satisfy io.Reader.
type ReaderFunc func(p []byte) (n int, err error)

func (f ReaderFunc) Read(p []byte) (n int, err error) { return f(p) }

// throttledReader wraps r so that every Read, after reading from r,
// waits on limiter for the number of bytes read before returning them.
func throttledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return ReaderFunc(func(p []byte) (int, error) {
		n, err := r.Read(p)
		if n > 0 {
			if werr := limiter.WaitN(ctx, n); werr != nil && err == nil {
				err = werr
			}
		}
		return n, err
	})
}
