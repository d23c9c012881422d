// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command argus-agent is the Argus monitoring agent daemon: it
// discovers its proxy once at startup, then runs the heartbeat,
// metric-upload, exporter-scrape and self-monitor loops concurrently
// until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"argus.dev/agent/internal/collector/exporter"
	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/control"
	"argus.dev/agent/internal/hostfacts"
	"argus.dev/agent/internal/logging"
	"argus.dev/agent/internal/proxymgr"
	"argus.dev/agent/internal/reporting"
	"argus.dev/agent/internal/scheduler"
	"argus.dev/agent/internal/selfmonitor"
	"argus.dev/agent/internal/taskmgr"
)

func main() {
	if err := run(); err != nil {
		logging.Default().Error("argus-agent exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("argus-agent", flag.ExitOnError)
	baseDir := fs.String("base-dir", "/usr/local/cloudmonitor", "agent install root (local_data, logs)")
	configFile := fs.String("c", "", "explicit accesskey.properties path (overrides the search order)")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "127.0.0.1:9595", "local-only address for the /metrics debug endpoint; empty disables it")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	logging.SetLevel(*logLevel)
	logger := logging.Default().WithComponent("main")

	execDir, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	execDir = filepath.Dir(execDir)

	cfg, err := loadConfig(*configFile, *baseDir, execDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	facts := hostfacts.New()
	tasks := taskmgr.New()

	mgr := proxymgr.New(cfg, facts, tasks, *baseDir, execDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := mgr.Init(ctx); err != nil {
		return fmt.Errorf("initial proxy discovery: %w", err)
	}

	client := control.New(cfg, tasks, facts, mgr, *baseDir)
	channel := reporting.New(cfg, tasks, filepath.Join(*baseDir, "logs"))

	monitor := selfmonitor.New(cfg, facts, channel, client)
	sched := newExporterScheduler(channel, facts)

	if *metricsAddr != "" {
		startMetricsServer(ctx, *metricsAddr, monitor.Collector())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); client.Run(ctx) }()
	go func() { defer wg.Done(); channel.Run(ctx) }()
	go func() { defer wg.Done(); sched.Run(ctx) }()
	go func() { defer wg.Done(); monitor.Run(ctx) }()
	go reconcileExporterItems(ctx, tasks, sched)

	<-ctx.Done()
	sched.Close()
	wg.Wait()
	logger.Info("argus-agent exited cleanly")
	return nil
}

// startMetricsServer exposes the self-monitor's status gauge on a
// loopback-only HTTP listener for local scraping. It never blocks
// startup on a bind failure; a failed listener just logs and the agent
// keeps running without it.
func startMetricsServer(ctx context.Context, addr string, collectors ...prometheus.Collector) {
	logger := logging.Default().WithComponent("main")
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			logger.Warn("failed to register metrics collector", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func loadConfig(explicit, baseDir, execDir string) (*config.Config, error) {
	if explicit != "" {
		return config.Load(explicit)
	}
	return config.LoadFirst(config.SearchPaths(baseDir, execDir))
}

func newExporterScheduler(channel *reporting.Channel, facts hostfacts.Facts) *scheduler.Scheduler[exporter.ExporterItem] {
	lookup := exporter.SystemLabelLookup(func(name string) string {
		switch name {
		case "ip":
			if ips, err := facts.LocalIPs(); err == nil && len(ips) > 0 {
				return ips[0]
			}
			return ""
		case "hostname":
			if h, err := os.Hostname(); err == nil {
				return h
			}
			return ""
		default:
			return ""
		}
	})
	collector := exporter.NewCollector(channel, lookup)
	return scheduler.New[exporter.ExporterItem](scheduler.DefaultConfig(), collector.Collect)
}

// reconcileExporterItems polls the task manager's "task" slot for
// exporter scrape-target changes and republishes them into the
// scheduler. taskmgr.Slot has no change-notification, so this is a
// cheap poll rather than a push.
func reconcileExporterItems(ctx context.Context, tasks *taskmgr.Manager, sched *scheduler.Scheduler[exporter.ExporterItem]) {
	logger := logging.Default().WithComponent("main")
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastRaw string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, ok := tasks.TaskConfig("task")
			if !ok || string(raw) == lastRaw {
				continue
			}
			lastRaw = string(raw)
			items, err := exporter.DecodeTasks(raw)
			if err != nil {
				logger.Warn("failed to decode exporter task config", "error", err)
				continue
			}
			sched.SetItems(items)
			logger.Info("exporter task config updated", "count", len(items))
		}
	}
}
