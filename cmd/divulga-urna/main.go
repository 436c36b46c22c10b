// Command divulga-urna runs the polling-section ("urna") crawl pipeline: it
// mirrors per-section totalization auxiliaries and voting-machine ballot
// files from the configured origin into a local files-store tree.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capyvara/divulga-crawler/internal/config"
	"github.com/capyvara/divulga-crawler/internal/discovery"
	"github.com/capyvara/divulga-crawler/internal/fetch"
	"github.com/capyvara/divulga-crawler/internal/httpx"
	"github.com/capyvara/divulga-crawler/internal/index"
	"github.com/capyvara/divulga-crawler/internal/logging"
	"github.com/capyvara/divulga-crawler/internal/persist"
	"github.com/capyvara/divulga-crawler/internal/stats"
)

func main() {
	a := kingpin.New("divulga-urna", "Mirrors TSE polling-section totalization auxiliaries and voting-machine ballot files")

	configFile := a.Flag("config.file", "YAML configuration file; fields it omits keep their defaults").String()
	logLevel := a.Flag("log.level", "One of debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	listenAddress := a.Flag("web.listen-address", "Address to expose /metrics on; empty disables the server").Default(":9091").String()
	indexPath := a.Flag("index.path", "Path to the SQLite index database").Default("data/index.db").String()

	a.HelpFlag.Short('h')

	if _, err := a.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("parsing arguments: %v", err)
	}

	logger := logging.New(*logLevel)

	cfg, err := config.Load(*configFile)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load configuration", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "starting polling-section crawl", "host", cfg.Host, "environment", cfg.Environment, "cycle", cfg.Cycle, "plea", cfg.Plea)

	store, err := index.Open(*indexPath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open index store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	st := stats.New(reg)

	client := httpx.New(httpx.Options{Timeout: cfg.DownloadTimeout, MaxConnsPerHost: cfg.ConcurrentRequestsPerDomain, RetryMax: 2})
	sched := fetch.New(cfg, client, logger)
	eng := persist.NewEngine(cfg.FilesStore, cfg.KeepOldVersions, store)

	if cfg.ValidateIndex {
		removed, err := store.Validate(context.Background(), discovery.NewValidatePredicate(cfg, eng))
		if err != nil {
			level.Error(logger).Log("msg", "index validation sweep failed", "err", err)
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "index validation sweep complete", "removed", removed)
	}

	var g run.Group

	ctx, cancel := context.WithCancel(context.Background())
	urnas := discovery.NewUrnas(ctx, cfg, store, eng, sched, logger, st)
	{
		g.Add(func() error {
			urnas.Start()
			return sched.Run(ctx)
		}, func(error) {
			sched.Stop()
			cancel()
		})
	}
	{
		g.Add(func() error {
			stats.Report(ctx, logger, st, cfg.StatsInterval, urnas.PendingCount)
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		term := make(chan os.Signal, 1)
		done := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "received termination signal, shutting down")
			case <-done:
			}
			return nil
		}, func(error) {
			close(done)
		})
	}
	if *listenAddress != "" {
		server := &http.Server{Addr: *listenAddress, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})}

		g.Add(func() error {
			level.Info(logger).Log("msg", "starting metrics server", "listen", *listenAddress)
			return server.ListenAndServe()
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "crawl terminated", "err", err)
		os.Exit(1)
	}
}
