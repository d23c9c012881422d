// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testTask struct {
	id       string
	interval time.Duration
	cron     string
}

func (t testTask) TaskID() string          { return t.id }
func (t testTask) Interval() time.Duration { return t.interval }
func (t testTask) CronExpression() string  { return t.cron }

func TestSchedulerFiresPublishedTask(t *testing.T) {
	var count int32
	cfg := DefaultConfig()
	cfg.ScheduleFactor = 10 * time.Millisecond
	s := New(cfg, func(ctx context.Context, item testTask) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	s.SetItems(map[string]testTask{
		"t1": {id: "t1", interval: 20 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Close()
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerSkipsWhenCronWindowClosed(t *testing.T) {
	var count int32
	s := New(DefaultConfig(), func(ctx context.Context, item testTask) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	// The year field pins the window to 2000, so the cron gate never
	// opens and the runner body never executes.
	s.SetItems(map[string]testTask{
		"never": {id: "never", interval: 10 * time.Millisecond, cron: "* * * * * * 2000"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Close()
	}()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestSchedulerSampleReportsAndClearsCounters(t *testing.T) {
	var mu sync.Mutex
	fail := true
	s := New(DefaultConfig(), func(ctx context.Context, item testTask) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return context.DeadlineExceeded
		}
		return nil
	})

	cfg := DefaultConfig()
	cfg.ScheduleFactor = time.Millisecond
	s.cfg = cfg

	s.SetItems(map[string]testTask{
		"t1": {id: "t1", interval: 15 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Close()
	}()

	require.Eventually(t, func() bool {
		return len(s.Sample().ErrorList) > 0
	}, 2*time.Second, 5*time.Millisecond)
	// The runner fails only once, so the sample that reported the error
	// cleared it and the next sample has none.
	require.Empty(t, s.Sample().ErrorList)
}

func TestSchedulerCloseStopsLoopPromptly(t *testing.T) {
	s := New(DefaultConfig(), func(ctx context.Context, item testTask) error {
		return nil
	})
	s.SetItems(map[string]testTask{
		"t1": {id: "t1", interval: time.Second},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return in time")
	}
	cancel()
}

func TestInitialPhaseIsWithinFactorBound(t *testing.T) {
	item := testTask{id: "abc", interval: time.Hour}
	d := initialPhase("abc", item, 120*time.Second)
	require.GreaterOrEqual(t, d, time.Duration(0))
	require.Less(t, d, 120*time.Second)
}

func TestInitialPhaseUsesSmallerOfFactorAndInterval(t *testing.T) {
	item := testTask{id: "abc", interval: 5 * time.Second}
	d := initialPhase("abc", item, 120*time.Second)
	require.Less(t, d, 5*time.Second)
}
