// Package fetch implements the fetch scheduler (C3): a priority queue of
// fetch intents drained under bounded concurrency, with adaptive per-slot
// throttling, 429 backoff, and timer-based deferred re-dispatch.
//
// Grounded on _examples/GoogleCloudPlatform-prometheus-engine/pkg/export/
// shard.go's ring-buffer queue (adapted here into one FIFO ring per priority
// band) and on _examples/original_source/tse/common/basespider.py and
// tse/settings.py for the conditional-GET headers and the
// AUTOTHROTTLE_*/RETRY_TIMES semantics.
package fetch

import "time"

// Callback receives the outcome of a dispatched intent's request.
type Callback func(Result)

// Intent is one request the scheduler should eventually issue.
type Intent struct {
	// RemotePath is appended to the configured origin per spec.md §8's
	// "{host}/{environment}[/{cycle}]/{remote_path}" rule; the scheduler
	// builds the full URL from it (see Scheduler.buildURL).
	RemotePath string

	// Priority selects the band; higher values are admitted first. Ties
	// are broken FIFO by enqueue order.
	Priority int

	// Conditional carries the validators known for this path, if any; the
	// zero value means "no existing entry," so the request omits
	// conditional headers and asks for Cache-Control: no-cache.
	Conditional Conditional

	// DeferUntil, if non-zero, holds the intent out of the admissible
	// queue until that instant (spec.md §4.3 "Deferred re-dispatch").
	DeferUntil time.Time

	// RetryCount tracks how many times this intent has already been
	// re-enqueued after a 429, bounded by RetryTimes. Transport errors and
	// other error statuses are not re-enqueued by the scheduler.
	RetryCount int

	// Meta is opaque caller data threaded through to the Result, used by
	// the discovery pipelines to carry artifact descriptors.
	Meta interface{}

	// OnStart, if set, is invoked once the intent is admitted to a
	// dispatch slot, immediately before the request is issued. The
	// discovery pipelines use this to populate the downloading set that
	// guards date-bumping (spec.md §4.5.3).
	OnStart func()

	OnDone Callback
}

// Conditional holds the HTTP validators for an existing index entry.
type Conditional struct {
	HasEntry     bool
	LastModified time.Time
	ETag         string
}

// Outcome classifies what happened to a dispatched intent.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeNew             // 200, fresh body delivered
	OutcomeUnchanged       // 304
	OutcomeNotFound        // 403 on any path: final, not retried (pictures are negative-cached)
	OutcomeThrottled       // 429: requeued internally; exhausted retries surface as OutcomeFailed
	OutcomeFailed          // retries exhausted or non-retriable error
)

// Result is delivered to an intent's OnDone callback exactly once.
type Result struct {
	Intent Intent

	Outcome Outcome
	Err     error

	StatusCode   int
	Body         []byte
	LastModified time.Time
	ETag         string
}
