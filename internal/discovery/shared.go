// Package discovery implements the two crawl pipelines (C5): the regional
// "divulga" pipeline (election-result manifests fanning out to files and
// candidate pictures) and the polling-section "urna" pipeline (section
// configs fanning out to section auxiliaries and ballot-box files).
//
// Grounded field-for-field on _examples/original_source/tse/spiders/
// divulga.py and tse/spiders/urna.py, generalized onto the C2/C3/C4
// machinery (index.Store, fetch.Scheduler, persist.Engine) in place of
// Scrapy's request/response callback chain.
package discovery

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/capyvara/divulga-crawler/internal/classify"
	"github.com/capyvara/divulga-crawler/internal/config"
	"github.com/capyvara/divulga-crawler/internal/fetch"
	"github.com/capyvara/divulga-crawler/internal/index"
	"github.com/capyvara/divulga-crawler/internal/persist"
	"github.com/capyvara/divulga-crawler/internal/stats"
)

// shared holds the pending/downloading dedupe sets and collaborators used
// by both pipelines, per spec.md §4.5.3's "pending set"/"downloading set"
// discipline.
type shared struct {
	cfg       config.Config
	store     *index.Store
	persist   *persist.Engine
	scheduler *fetch.Scheduler
	logger    log.Logger
	stats     *stats.Stats

	mu sync.Mutex
	// pending tracks, per filename, the publication date of the in-flight
	// or queued request claiming it.
	pending map[string]time.Time
	// downloading holds filenames whose request has already been admitted
	// to a dispatch slot; consulted by markPending to decide whether
	// date-bumping is still safe (spec.md §4.5.1 step 2).
	downloading map[string]struct{}
}

func newShared(cfg config.Config, store *index.Store, eng *persist.Engine, sched *fetch.Scheduler, logger log.Logger, st *stats.Stats) *shared {
	return &shared{
		cfg:         cfg,
		store:       store,
		persist:     eng,
		scheduler:   sched,
		logger:      logger,
		stats:       st,
		pending:     make(map[string]time.Time),
		downloading: make(map[string]struct{}),
	}
}

// markPending implements spec.md §4.5.1 step 2. If filename is not yet
// pending, it is recorded with date and isNew is true. If it is already
// pending and has not started transferring on any slot, a strictly later
// date overwrites the pending date ("date bumping") and bumped is true.
// Otherwise this is an ordinary dupe: neither isNew nor bumped.
func (s *shared) markPending(filename string, date time.Time) (isNew, bumped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pending[filename]
	if !ok {
		s.pending[filename] = date
		return true, false
	}

	if _, downloading := s.downloading[filename]; downloading {
		return false, false
	}
	if !date.After(existing) {
		return false, false
	}

	s.pending[filename] = date
	return false, true
}

// startDownloading marks filename as admitted to a dispatch slot, closing
// the date-bumping window for it.
func (s *shared) startDownloading(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloading[filename] = struct{}{}
}

// pendingDate returns the (possibly bumped) publication date recorded for
// filename, for the per-file callback to stamp into the index.
func (s *shared) pendingDate(filename string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.pending[filename]
	return d, ok
}

func (s *shared) clearPending(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, filename)
	delete(s.downloading, filename)
}

func (s *shared) isPending(filename string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[filename]
	return ok
}

// PendingCount returns the number of filenames currently claimed by an
// in-flight fetch, for stats.Report's gauge.
func (s *shared) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// conditional looks up the current index entry for filename and, if one
// exists and its body is still present on disk at localRelPath, builds the
// validators for a conditional GET. A missing entry or a missing local
// file means the request must go out unconditional, per spec.md §4.3.
func (s *shared) conditional(ctx context.Context, filename, localRelPath string) fetch.Conditional {
	e, ok, err := s.store.Get(ctx, filename)
	if err != nil || !ok {
		return fetch.Conditional{}
	}
	if _, err := os.Stat(s.persist.LocalPath(localRelPath)); err != nil {
		return fetch.Conditional{}
	}
	return fetch.Conditional{HasEntry: true, LastModified: e.LastModified, ETag: e.ETag}
}

// electionOrdinal returns election's 0-based position in cfg.Elections, or
// the last index if not found (never expected in practice).
func electionOrdinal(cfg config.Config, election int) int {
	for i, e := range cfg.Elections {
		if e == election {
			return i
		}
	}
	return len(cfg.Elections) - 1
}

// pictureRegion applies the country-wide picture-routing rule from
// tse/spiders/divulga.py:query_pictures ("President is br, others go on
// state specific directories"): candidate type "1" (president) always
// routes under the country-wide region regardless of the manifest's state.
func pictureRegion(cfg config.Config, manifestRegion, candidateType string) string {
	if candidateType == "1" {
		return config.CountryWideRegion
	}
	return manifestRegion
}

func artifactCountryWide(cfg config.Config, a *classify.Artifact) bool {
	return a.Prefix == "cert" || a.Prefix == "mun" || cfg.IsCountryWide(a.Region)
}
