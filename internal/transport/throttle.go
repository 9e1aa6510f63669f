package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize bounds the token bucket burst so a single Read never reserves
// an unreasonably large number of tokens at once.
const maxBurstSize = 256 * 1024

// ThrottledReader wraps a reader with a token-bucket rate limiter, capping
// throughput to bytesPerSec bytes/second. It exists to replay a captured
// acquisition file at a bounded simulated event rate, so the reducer
// driver's backpressure handling (ring-full, chunk-writer-busy) can be
// exercised deterministically in tests without a live detector.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledReader wraps r with a rate limiter. If bytesPerSec <= 0, r is
// returned unmodified (bypass).
func NewThrottledReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Read implements io.Reader with rate limiting: it caps each underlying read
// to the burst size and waits for tokens before issuing it.
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	chunk := len(p)
	if chunk > tr.limiter.Burst() {
		chunk = tr.limiter.Burst()
	}

	if err := tr.limiter.WaitN(tr.ctx, chunk); err != nil {
		return 0, err
	}

	return tr.r.Read(p[:chunk])
}
