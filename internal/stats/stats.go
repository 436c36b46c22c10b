// Package stats collects the crawl run's Prometheus counters/gauges and
// periodically logs a summary, grounded on
// _examples/GoogleCloudPlatform-prometheus-engine/pkg/export/export.go's
// package-level prometheus.New*/reg.MustRegister idiom.
package stats

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds every counter/gauge named in spec.md §4.5.3/§7.
type Stats struct {
	Bumped       prometheus.Counter
	Dupes        prometheus.Counter
	SkippedDupes prometheus.Counter
	Reindexes    prometheus.Counter

	SectionsSeen      prometheus.Counter
	SectionsProcessed prometheus.Counter
	SectionsNotFound  prometheus.Counter

	MachineFilesSeen      prometheus.Counter
	MachineFilesProcessed prometheus.Counter

	PendingGauge prometheus.Gauge
}

// New constructs and registers the crawler's metrics under reg.
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		Bumped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_bumped_total",
			Help: "Number of pending fetches whose publication date was bumped by a later manifest entry.",
		}),
		Dupes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_dupes_total",
			Help: "Number of manifest entries seen again with an unchanged filedate.",
		}),
		SkippedDupes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_skipped_dupes_total",
			Help: "Number of manifest entries skipped because a fetch for the same filename was already pending.",
		}),
		Reindexes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_reindexes_total",
			Help: "Number of deferred manifest re-indexing requests issued in continuous mode.",
		}),
		SectionsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_sections_seen_total",
			Help: "Number of polling sections enumerated from section-config manifests.",
		}),
		SectionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_sections_processed_total",
			Help: "Number of polling sections whose auxiliary reached a totalized state.",
		}),
		SectionsNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_sections_not_found_total",
			Help: "Number of polling sections reported as not installed.",
		}),
		MachineFilesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_machine_files_seen_total",
			Help: "Number of voting-machine files listed in totalized section hashes.",
		}),
		MachineFilesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "divulga_crawler_machine_files_processed_total",
			Help: "Number of voting-machine files successfully fetched and persisted.",
		}),
		PendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "divulga_crawler_pending",
			Help: "Number of filenames currently claimed by an in-flight fetch.",
		}),
	}

	reg.MustRegister(
		s.Bumped, s.Dupes, s.SkippedDupes, s.Reindexes,
		s.SectionsSeen, s.SectionsProcessed, s.SectionsNotFound,
		s.MachineFilesSeen, s.MachineFilesProcessed,
		s.PendingGauge,
	)

	return s
}

// PendingCounter returns the live pending-set size; Report stores it in
// PendingGauge.
type PendingCounter func() int

// Report logs a periodic INFO summary every interval until ctx is
// cancelled, per spec.md §7's periodic stats reporting.
func Report(ctx context.Context, logger log.Logger, s *Stats, interval time.Duration, pending PendingCounter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := pending()
			s.PendingGauge.Set(float64(n))
			level.Info(logger).Log(
				"msg", "crawl stats",
				"bumped", counterValue(s.Bumped),
				"dupes", counterValue(s.Dupes),
				"skipped_dupes", counterValue(s.SkippedDupes),
				"reindexes", counterValue(s.Reindexes),
				"sections_seen", counterValue(s.SectionsSeen),
				"sections_processed", counterValue(s.SectionsProcessed),
				"sections_not_found", counterValue(s.SectionsNotFound),
				"machine_files_seen", counterValue(s.MachineFilesSeen),
				"machine_files_processed", counterValue(s.MachineFilesProcessed),
				"pending", n,
			)
		}
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
