// Package httpx builds the shared HTTP client used by the fetch scheduler:
// a cleanhttp-derived transport with per-host connection caps, wrapped in
// retryablehttp for transient network/transport-level retry, matching the
// client construction style of _examples/AKJUS-bsc-erigon's downloader
// client (go-cleanhttp + go-retryablehttp).
package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Options configures client construction. Zero values fall back to sane
// defaults.
type Options struct {
	// Timeout bounds a single request round-trip, including any transport
	// retries.
	Timeout time.Duration

	// MaxConnsPerHost caps idle+active connections kept open to the origin.
	MaxConnsPerHost int

	// RetryMax is the number of transport-level retries retryablehttp
	// performs before giving up; the fetch scheduler handles HTTP-level
	// (429/5xx) retry itself, so this stays small and only covers
	// connection resets/timeouts.
	RetryMax int
}

// DefaultOptions returns the options used when the caller passes a zero Options.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		MaxConnsPerHost: 200,
		RetryMax:        2,
	}
}

// New builds an *http.Client ready to be handed to the fetch scheduler. The
// returned client's CheckRedirect and cookie jar follow cleanhttp's
// connection-reuse-friendly defaults.
func New(opts Options) *http.Client {
	if opts.Timeout == 0 && opts.MaxConnsPerHost == 0 && opts.RetryMax == 0 {
		opts = DefaultOptions()
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxIdleConnsPerHost = opts.MaxConnsPerHost
	transport.MaxConnsPerHost = opts.MaxConnsPerHost

	base := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}

	retry := retryablehttp.NewClient()
	retry.HTTPClient = base
	retry.RetryMax = opts.RetryMax
	retry.Logger = nil
	// Transport-level retry only; 429/5xx handling lives in the fetch scheduler.
	retry.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return retry.StandardClient()
}
