package netutil

import (
	"context"
	"errors"
	"time"
)

// RetryDownloader decorates a Downloader with tunnel retry logic: when
// a direct fetch fails on a network error, the download is retried
// through an established tunnel. Feed endpoints are often unreachable
// from networks where this process is the reason they are unreachable.
type RetryDownloader struct {
	Direct Downloader
	// TunnelAttemptTimeout caps each tunnel retry attempt. If <= 0, it
	// falls back to the direct downloader's timeout when available,
	// otherwise 30s.
	TunnelAttemptTimeout time.Duration
	// TunnelFetch downloads url through a tunnel. Nil disables the
	// fallback.
	TunnelFetch func(ctx context.Context, url string) ([]byte, error)
}

// Download attempts a direct download first, then falls back to tunnel
// retries.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Direct.Download(ctx, url)
	if err == nil {
		return body, nil
	}

	if !shouldRetryViaTunnel(err) || r.TunnelFetch == nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	attemptTimeout := r.attemptTimeout()

	for i := 0; i < 2; i++ {
		if ctx.Err() != nil {
			return nil, err
		}
		attemptCtx := ctx
		cancel := func() {}
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		body, fetchErr := r.TunnelFetch(attemptCtx, url)
		cancel()
		if fetchErr == nil {
			return body, nil
		}
	}

	return nil, err
}

func shouldRetryViaTunnel(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// The server answered; a tunnel will not change its mind.
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}

func (r *RetryDownloader) attemptTimeout() time.Duration {
	if r.TunnelAttemptTimeout > 0 {
		return r.TunnelAttemptTimeout
	}
	if direct, ok := r.Direct.(*DirectDownloader); ok && direct != nil && direct.Timeout > 0 {
		return direct.Timeout
	}
	return 30 * time.Second
}
