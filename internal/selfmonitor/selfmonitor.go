// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package selfmonitor is the agent's own watchdog: it samples this
// process's CPU/RSS/fd usage plus the reporting channel's
// empty-queue streak, and forces a restart if any signal stays over
// threshold for too many consecutive samples in a row.
package selfmonitor

import (
	"bytes"
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/control"
	"argus.dev/agent/internal/hostfacts"
	"argus.dev/agent/internal/logging"
)

const (
	defaultInterval       = 15 * time.Second
	defaultMaxConsecutive = 4
	defaultCPUFraction    = 0.5
	defaultRSSBytes       = 200 * 1024 * 1024
	defaultFDLimitLinux   = 300
	defaultFDLimitWindows = 700
	heapTrimEveryN        = 60
)

// Thresholds bounds a single process-health signal.
type Thresholds struct {
	CPUFraction    float64
	RSSBytes       uint64
	FDCount        int
	MaxConsecutive int
}

// DefaultThresholds returns the platform-dependent built-in defaults.
func DefaultThresholds() Thresholds {
	fd := defaultFDLimitLinux
	if runtime.GOOS == "windows" {
		fd = defaultFDLimitWindows
	}
	return Thresholds{
		CPUFraction:    defaultCPUFraction,
		RSSBytes:       defaultRSSBytes,
		FDCount:        fd,
		MaxConsecutive: defaultMaxConsecutive,
	}
}

// ThresholdsFromConfig overlays configured overrides (megabytes for
// memory) onto DefaultThresholds.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	t := DefaultThresholds()
	t.CPUFraction = cfg.GetFloat64(config.KeyCPULimit, t.CPUFraction)
	if mb := cfg.GetInt(config.KeyMemoryLimit, -1); mb >= 0 {
		t.RSSBytes = uint64(mb) * 1024 * 1024
	}
	if fd := cfg.GetInt(config.KeyFDLimit, -1); fd >= 0 {
		t.FDCount = fd
	}
	if n := cfg.GetInt(config.KeyExceedLimit, -1); n >= 0 {
		t.MaxConsecutive = n
	}
	return t
}

// QueueLiveness is the narrow view of the reporting channel this
// package needs: how many consecutive ticks drained nothing.
type QueueLiveness interface {
	QueueEmptyRuns() int64
}

// DumpSender is the narrow view of the control client this package
// needs: upload a thread-dump before the process exits.
type DumpSender interface {
	SendThreadsDump(ctx context.Context, resources []control.ResourceWaterLevel, topTasks []control.TaskDuration, stacks string) error
}

// Monitor is the self-monitor's background loop.
type Monitor struct {
	cfg        *config.Config
	facts      hostfacts.Facts
	queue      QueueLiveness
	dumps      DumpSender
	thresholds Thresholds
	logger     *logging.Logger

	iteration int
	counters  map[string]int

	status prometheus.Gauge

	exit   func(code int)
	stacks func() string
}

// New builds a Monitor. queue and dumps may be nil if those signals
// aren't wired yet (queueEmpty is simply never over threshold, and a
// forced exit skips the upload step).
func New(cfg *config.Config, facts hostfacts.Facts, queue QueueLiveness, dumps DumpSender) *Monitor {
	return &Monitor{
		cfg:        cfg,
		facts:      facts,
		queue:      queue,
		dumps:      dumps,
		thresholds: ThresholdsFromConfig(cfg),
		logger:     logging.Default().WithComponent("selfmonitor"),
		counters:   map[string]int{},
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_agent_status",
			Help: "1 if any self-monitor signal is currently in its consecutive-exceed window, else 0.",
		}),
		exit:   os.Exit,
		stacks: captureStacks,
	}
}

// Collector exposes the status gauge for registration with a
// prometheus.Registry.
func (m *Monitor) Collector() prometheus.Collector { return m.status }

func captureStacks() string {
	var buf bytes.Buffer
	_ = pprof.Lookup("goroutine").WriteTo(&buf, 2)
	return buf.String()
}

// Run blocks, sampling on the configured interval until ctx is done or
// a forced exit happens.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.GetDurationSeconds(config.KeyResourceInterval, defaultInterval)
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Tick(ctx) {
				return
			}
		}
	}
}

// Tick runs one sample. It returns true if a signal reached its
// consecutive-exceed maximum and triggerExit was invoked (exposed for
// tests, which override exit to avoid actually terminating).
func (m *Monitor) Tick(ctx context.Context) bool {
	m.iteration++
	if runtime.GOOS == "linux" && m.iteration%heapTrimEveryN == 0 {
		debug.FreeOSMemory()
	}

	stats, err := m.facts.ProcessStats()
	if err != nil {
		m.logger.Warn("process stats unavailable", "error", err)
		return false
	}

	var queueEmptyRuns int64
	if m.queue != nil {
		queueEmptyRuns = m.queue.QueueEmptyRuns()
	}

	exceeded := map[string]bool{
		"cpuPercent": stats.CPUFraction > m.thresholds.CPUFraction,
		"rssMemory":  stats.RSSBytes > m.thresholds.RSSBytes,
		"fdCount":    stats.OpenFDs > m.thresholds.FDCount,
		"queueEmpty": queueEmptyRuns > int64(2*m.thresholds.MaxConsecutive),
	}
	for name, over := range exceeded {
		if over {
			m.counters[name]++
		} else {
			m.counters[name] = 0
		}
	}

	anyOver := false
	for _, c := range m.counters {
		if c > 0 {
			anyOver = true
			break
		}
	}
	if anyOver {
		m.status.Set(1)
	} else {
		m.status.Set(0)
	}

	for name, c := range m.counters {
		if c >= m.thresholds.MaxConsecutive {
			m.triggerExit(ctx, name, stats)
			return true
		}
	}
	return false
}

func (m *Monitor) triggerExit(ctx context.Context, signal string, stats hostfacts.Stats) {
	m.logger.Error("resource threshold exceeded repeatedly, forcing restart", "signal", signal)

	resources := []control.ResourceWaterLevel{
		{Resource: "cpuPercent", Value: stats.CPUFraction, Threshold: m.thresholds.CPUFraction, Times: m.counters["cpuPercent"]},
		{Resource: "rssMemory", Value: float64(stats.RSSBytes), Threshold: float64(m.thresholds.RSSBytes), Times: m.counters["rssMemory"]},
		{Resource: "fdCount", Value: float64(stats.OpenFDs), Threshold: float64(m.thresholds.FDCount), Times: m.counters["fdCount"]},
	}

	if m.dumps != nil {
		stackText := ""
		if m.stacks != nil {
			stackText = m.stacks()
		}
		dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := m.dumps.SendThreadsDump(dctx, resources, nil, stackText); err != nil {
			m.logger.Warn("thread dump upload failed", "error", err)
		}
		cancel()
	}

	time.Sleep(3 * time.Second)
	m.exit(1)
}
