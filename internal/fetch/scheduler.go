package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/capyvara/divulga-crawler/internal/config"
)

// Scheduler is the fetch scheduler (C3): a priority queue drained under
// bounded concurrency with adaptive per-slot delay, 429 backoff, and
// timer-based deferred re-dispatch.
type Scheduler struct {
	client      *http.Client
	host        string
	environment string
	cycle       string
	retryTimes  int

	logger log.Logger

	mu       sync.Mutex
	queue    *priorityQueue
	deferred []deferredEntry
	inFlight int

	sem      *semaphore.Weighted
	throttle *adaptiveThrottle

	wake chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type deferredEntry struct {
	at     time.Time
	intent Intent
}

// New constructs a Scheduler bound to cfg's origin and throttling settings.
func New(cfg config.Config, client *http.Client, logger log.Logger) *Scheduler {
	s := &Scheduler{
		client:      client,
		host:        cfg.Host,
		environment: cfg.Environment,
		cycle:       cfg.Cycle,
		retryTimes:  cfg.RetryTimes,
		logger:      logger,
		queue:       newPriorityQueue(),
		sem:         semaphore.NewWeighted(int64(cfg.ConcurrentRequestsPerDomain)),
		throttle:    newAdaptiveThrottle(cfg.AutothrottleStartDelay, cfg.AutothrottleMaxDelay, cfg.AutothrottleTargetConcurrency),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	return s
}

// Enqueue admits an intent to the priority queue, or to the deferred set if
// DeferUntil lies in the future.
func (s *Scheduler) Enqueue(i Intent) {
	s.mu.Lock()
	if !i.DeferUntil.IsZero() {
		s.deferred = append(s.deferred, deferredEntry{at: i.DeferUntil, intent: i})
		s.mu.Unlock()
		return
	}
	s.queue.push(i)
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled or Stop is called. It
// blocks until all in-flight work drains.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.promoteDeferred()

		i, ok := s.tryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return ctx.Err()
			case <-s.stop:
				s.wg.Wait()
				return nil
			case <-s.wake:
				continue
			case <-ticker.C:
				continue
			}
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.wg.Wait()
			return err
		}

		delay := s.throttle.delayFor()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.sem.Release(1)
			s.wg.Wait()
			return ctx.Err()
		}

		s.mu.Lock()
		s.inFlight++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.dispatch(ctx, i)
	}
}

// Stop signals Run to drain and return once the current queue is exhausted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) tryDequeue() (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pop()
}

func (s *Scheduler) promoteDeferred() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.deferred) == 0 {
		return
	}
	now := time.Now()
	remaining := s.deferred[:0]
	for _, d := range s.deferred {
		if !d.at.After(now) {
			s.queue.push(d.intent)
		} else {
			remaining = append(remaining, d)
		}
	}
	s.deferred = remaining
}

// buildURL assembles the origin URL for remotePath, per spec.md §8:
// comum/-prefixed artifacts omit the cycle segment, all others include it.
func (s *Scheduler) buildURL(remotePath string) string {
	if len(remotePath) >= 6 && remotePath[:6] == "comum/" {
		return fmt.Sprintf("%s/%s/%s", s.host, s.environment, remotePath)
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.host, s.environment, s.cycle, remotePath)
}

func (s *Scheduler) dispatch(ctx context.Context, i Intent) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	if i.OnStart != nil {
		i.OnStart()
	}

	s.mu.Lock()
	concurrency := s.inFlight
	s.mu.Unlock()

	start := time.Now()
	res := s.do(ctx, i)
	latency := time.Since(start)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	switch res.Outcome {
	case OutcomeThrottled:
		delay := s.throttle.onThrottled()
		level.Debug(s.logger).Log("msg", "throttled", "path", i.RemotePath, "delay", delay)

		if i.RetryCount+1 >= s.retryTimes {
			res.Outcome = OutcomeFailed
			res.Err = errors.Errorf("exhausted retries after repeated 429 for %q", i.RemotePath)
			s.finish(i, res)
			return
		}

		next := i
		next.RetryCount++
		next.Priority = i.Priority - 1
		s.Enqueue(next)
		return

	default:
		s.throttle.onResponse(latency, concurrency)
	}

	s.finish(i, res)
}

func (s *Scheduler) finish(i Intent, res Result) {
	res.Intent = i
	if i.OnDone != nil {
		i.OnDone(res)
	}
}

// do issues the HTTP request for i and classifies the outcome per spec.md
// §4.3's conditional-GET rule and §8's status taxonomy.
func (s *Scheduler) do(ctx context.Context, i Intent) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.buildURL(i.RemotePath), nil)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: errors.Wrap(err, "building request")}
	}

	if i.Conditional.HasEntry {
		if !i.Conditional.LastModified.IsZero() {
			req.Header.Set("If-Modified-Since", i.Conditional.LastModified.UTC().Format(http.TimeFormat))
		}
		if i.Conditional.ETag != "" {
			req.Header.Set("If-None-Match", fmt.Sprintf("%q", i.Conditional.ETag))
		}
		req.Header.Set("Cache-Control", "max-age=0")
	} else {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if i.RetryCount+1 >= s.retryTimes {
			return Result{Outcome: OutcomeFailed, Err: errors.Wrap(err, "transport error, retries exhausted")}
		}
		return Result{Outcome: OutcomeFailed, Err: errors.Wrap(err, "transport error")}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{Outcome: OutcomeFailed, Err: errors.Wrap(err, "reading body"), StatusCode: resp.StatusCode}
		}
		lm, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
		return Result{
			Outcome:      OutcomeNew,
			StatusCode:   resp.StatusCode,
			Body:         body,
			LastModified: lm,
			ETag:         trimQuotes(resp.Header.Get("ETag")),
		}

	case http.StatusNotModified:
		return Result{Outcome: OutcomeUnchanged, StatusCode: resp.StatusCode}

	case http.StatusForbidden:
		return Result{Outcome: OutcomeNotFound, StatusCode: resp.StatusCode}

	case http.StatusTooManyRequests:
		return Result{Outcome: OutcomeThrottled, StatusCode: resp.StatusCode}

	default:
		return Result{
			Outcome:    OutcomeFailed,
			StatusCode: resp.StatusCode,
			Err:        errors.Errorf("unexpected status %d for %q", resp.StatusCode, i.RemotePath),
		}
	}
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// sortByPriorityDesc sorts intents by priority, highest first, keeping
// enqueue order among equal priorities. Nothing in the package calls it.
func sortByPriorityDesc(intents []Intent) {
	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Priority > intents[j].Priority })
}
