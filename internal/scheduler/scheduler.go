// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scheduler is the single-threaded timer-queue scheduler
// driving this agent's periodic collectors. One
// instance is created per collector family (exporters, scripts,
// modules); it is generic over the descriptor type T so every family
// shares the same phase-spreading, skip-accounting and cool-down logic.
package scheduler

import (
	"container/heap"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"argus.dev/agent/internal/cron"
	"argus.dev/agent/internal/logging"
)

// Descriptor is what a scheduled task needs from its caller-supplied
// type: a stable id, a cadence, and an optional cron-gated window.
type Descriptor interface {
	TaskID() string
	Interval() time.Duration
	CronExpression() string
}

// Runner executes one fire of a task. ctx is the context passed to Run;
// Close does not cancel it, so a fire in progress when Close is called
// runs on unless Run's caller cancels ctx. The runner should return
// promptly once it observes cancellation.
type Runner[T Descriptor] func(ctx context.Context, item T) error

// State is the runtime companion to a published descriptor.
type State[T Descriptor] struct {
	mu sync.Mutex

	item T

	nextFire    time.Time
	errorCount  int
	skipCount   int

	continueExceedTimes int
	lastExecDuration     time.Duration
	maxExecDuration      time.Duration
	exceedSkipTimes      int

	running bool

	cronExpr *cron.Expression
}

// Config tunes the scheduler's defaults.
type Config struct {
	// ScheduleFactor is the modulus used for initial phase spreading
	// (default 120s) when the descriptor doesn't specify its own
	// duration to spread across.
	ScheduleFactor time.Duration
	// PoolSize bounds the worker pool used to run fires concurrently.
	PoolSize int
	// ExceedThreshold is how many consecutive over-budget executions
	// trigger a cool-down (default 3).
	ExceedThreshold int
	// CoolDownSkips is how many fires are skipped once cool-down
	// triggers (default 3).
	CoolDownSkips int
	// MaxWait bounds how long the loop will block on the condition
	// variable when the timer queue is empty (default 5 minutes),
	// limiting the effect of a system clock jump.
	MaxWait time.Duration
}

// DefaultConfig returns the scheduler's default tuning.
func DefaultConfig() Config {
	return Config{
		ScheduleFactor:  120 * time.Second,
		PoolSize:        100,
		ExceedThreshold: 3,
		CoolDownSkips:   3,
		MaxWait:         5 * time.Minute,
	}
}

// timerEntry is one slot in the scheduler's priority queue.
type timerEntry[T Descriptor] struct {
	nextFire time.Time
	state    *State[T]
	index    int
}

type timerQueue[T Descriptor] []*timerEntry[T]

func (q timerQueue[T]) Len() int            { return len(q) }
func (q timerQueue[T]) Less(i, j int) bool  { return q[i].nextFire.Before(q[j].nextFire) }
func (q timerQueue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *timerQueue[T]) Push(x any) {
	e := x.(*timerEntry[T])
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *timerQueue[T]) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler is one generic timer-queue event loop.
type Scheduler[T Descriptor] struct {
	cfg    Config
	runner Runner[T]
	logger *logging.Logger

	mu          sync.Mutex
	items       map[string]T
	states      map[string]*State[T]
	queue       timerQueue[T]
	wake        chan struct{}
	closing     bool
	closed      chan struct{}

	sem chan struct{} // worker pool capacity
}

// New creates a Scheduler bound to runner, which executes one fire of
// a published descriptor.
func New[T Descriptor](cfg Config, runner Runner[T]) *Scheduler[T] {
	if cfg.ScheduleFactor <= 0 {
		cfg.ScheduleFactor = DefaultConfig().ScheduleFactor
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if cfg.ExceedThreshold <= 0 {
		cfg.ExceedThreshold = DefaultConfig().ExceedThreshold
	}
	if cfg.CoolDownSkips <= 0 {
		cfg.CoolDownSkips = DefaultConfig().CoolDownSkips
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig().MaxWait
	}
	return &Scheduler[T]{
		cfg:    cfg,
		runner: runner,
		logger: logging.Default().WithComponent("scheduler"),
		items:  make(map[string]T),
		states: make(map[string]*State[T]),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		sem:    make(chan struct{}, cfg.PoolSize),
	}
}

// SetItems publishes the full set of descriptors this scheduler should
// be driving. New ids get fresh state (with phase-spread first fire);
// removed ids have their state dropped; unchanged ids keep their state.
func (s *Scheduler[T]) SetItems(items map[string]T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range items {
		if _, exists := s.states[id]; !exists {
			st := &State[T]{
				item:            item,
				maxExecDuration: defaultMaxExecDuration(item),
			}
			if expr := item.CronExpression(); expr != "" {
				if ce, err := cron.Parse(expr); err != nil {
					s.logger.Warn("invalid cron expression, task will run unconditionally", "task", id, "error", err)
				} else {
					st.cronExpr = ce
				}
			}
			st.nextFire = time.Now().Add(initialPhase(id, item, s.cfg.ScheduleFactor))
			s.states[id] = st
			heap.Push(&s.queue, &timerEntry[T]{nextFire: st.nextFire, state: st})
		} else {
			s.states[id].item = item
		}
	}
	for id := range s.items {
		if _, still := items[id]; !still {
			delete(s.states, id)
		}
	}
	s.items = items
	s.signalWake()
}

func defaultMaxExecDuration(item Descriptor) time.Duration {
	return time.Duration(float64(item.Interval()) * 0.8)
}

// initialPhase computes `hash(taskId) mod min(factor, interval)` (mod
// factor when the interval is not positive), spreading tasks with
// the same interval across the period instead of firing them all at
// once.
func initialPhase(id string, item Descriptor, factor time.Duration) time.Duration {
	f := factor
	if d := item.Interval(); d > 0 && d < factor {
		f = d
	}
	if f <= 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	mod := int64(h.Sum64() % uint64(f))
	return time.Duration(mod)
}

func (s *Scheduler[T]) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the event loop until ctx is cancelled or Close is called.
// It is meant to be invoked from its own goroutine.
func (s *Scheduler[T]) Run(ctx context.Context) {
	defer close(s.closed)
	for {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		wait := s.cfg.MaxWait
		if len(s.queue) > 0 {
			d := time.Until(s.queue[0].nextFire)
			if d < 0 {
				d = 0
			}
			if d < wait {
				wait = d
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		s.dispatchDue(ctx)
	}
}

func (s *Scheduler[T]) dispatchDue(ctx context.Context) {
	now := time.Now()
	var due []*timerEntry[T]

	s.mu.Lock()
	for len(s.queue) > 0 && !s.queue[0].nextFire.After(now) {
		e := heap.Pop(&s.queue).(*timerEntry[T])
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		st := e.state
		submitted := s.trySubmit(ctx, st, now)
		if !submitted {
			st.mu.Lock()
			st.nextFire = now.Add(st.item.Interval())
			st.skipCount++
			next := st.nextFire
			st.mu.Unlock()
			s.mu.Lock()
			heap.Push(&s.queue, &timerEntry[T]{nextFire: next, state: st})
			s.mu.Unlock()
		}
	}
}

// trySubmit attempts to hand the fire to the worker pool with a
// 1-second commit timeout.
func (s *Scheduler[T]) trySubmit(ctx context.Context, st *State[T], now time.Time) bool {
	select {
	case s.sem <- struct{}{}:
	case <-time.After(1 * time.Second):
		return false
	}

	go func() {
		defer func() { <-s.sem }()
		s.runOnce(ctx, st, now)
	}()
	return true
}

func (s *Scheduler[T]) runOnce(ctx context.Context, st *State[T], scheduledAt time.Time) {
	st.mu.Lock()
	if st.running {
		// Single-flight invariant: never overlap. This shouldn't be
		// reachable via the normal dispatch path (the timer entry is
		// popped before submission), but guards against a caller
		// invoking runOnce directly.
		st.skipCount++
		st.mu.Unlock()
		return
	}
	if st.exceedSkipTimes > 0 {
		st.exceedSkipTimes--
		interval := st.item.Interval()
		st.nextFire = st.advanceNextFireLocked(scheduledAt, interval)
		st.mu.Unlock()
		s.requeue(st)
		return
	}
	if st.cronExpr != nil && !st.cronExpr.In(scheduledAt) {
		interval := st.item.Interval()
		st.nextFire = scheduledAt.Add(interval)
		st.mu.Unlock()
		s.requeue(st)
		return
	}
	st.running = true
	item := st.item
	st.mu.Unlock()

	start := time.Now()
	err := s.runner(ctx, item)
	duration := time.Since(start)

	st.mu.Lock()
	st.running = false
	st.lastExecDuration = duration
	if err != nil {
		st.errorCount++
		s.logger.Warn("task execution failed", "task", item.TaskID(), "error", err)
	}

	if duration > st.maxExecDuration {
		st.continueExceedTimes++
		if st.continueExceedTimes >= threshold(s.cfg.ExceedThreshold) {
			st.exceedSkipTimes = s.cfg.CoolDownSkips
			st.continueExceedTimes = 0
		}
	} else {
		st.continueExceedTimes = 0
	}

	interval := item.Interval()
	now := time.Now()
	nextFire := scheduledAt.Add(interval)
	if now.After(nextFire) {
		st.nextFire = st.advanceNextFireLocked(now, interval)
	} else {
		st.nextFire = nextFire
	}
	st.mu.Unlock()

	s.requeue(st)
}

func threshold(n int) int {
	if n <= 0 {
		return DefaultConfig().ExceedThreshold
	}
	return n
}

// advanceNextFireLocked fast-forwards nextFire past now, counting every
// skipped interval. Caller holds st.mu.
func (st *State[T]) advanceNextFireLocked(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	behind := now.Sub(st.nextFire)
	if behind <= 0 {
		return st.nextFire
	}
	skips := int64(behind/interval) + 1
	st.skipCount += int(skips)
	return st.nextFire.Add(time.Duration(skips) * interval)
}

func (s *Scheduler[T]) requeue(st *State[T]) {
	st.mu.Lock()
	next := st.nextFire
	st.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	// Only requeue if the state is still published.
	if _, ok := s.states[st.item.TaskID()]; !ok {
		return
	}
	heap.Push(&s.queue, &timerEntry[T]{nextFire: next, state: st})
	s.signalWake()
}

// Close stops the loop: flips the closing flag, wakes the loop, waits
// for Run to return, then clears the state map and timer queue. Fires
// already handed to the worker pool are not waited for.
func (s *Scheduler[T]) Close() {
	s.mu.Lock()
	s.closing = true
	s.signalWake()
	s.mu.Unlock()

	<-s.closed

	s.mu.Lock()
	s.states = make(map[string]*State[T])
	s.queue = nil
	s.mu.Unlock()
}

// StatusMetric samples {number_of_tasks, ok_list, error_list,
// skip_list} and clears each state's skip/error counters — every
// sample reports only what changed since the previous one.
type StatusMetric struct {
	NumberOfTasks int
	OKList        []string
	ErrorList     []string
	SkipList      []string
	Value         float64
}

// Sample produces a StatusMetric and clears the per-task counters it
// reports.
func (s *Scheduler[T]) Sample() StatusMetric {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := StatusMetric{NumberOfTasks: len(s.states)}
	for id, st := range s.states {
		st.mu.Lock()
		hadIssue := st.errorCount > 0 || st.skipCount > 0
		if st.errorCount > 0 {
			m.ErrorList = append(m.ErrorList, id)
		}
		if st.skipCount > 0 {
			m.SkipList = append(m.SkipList, id)
		}
		if !hadIssue {
			m.OKList = append(m.OKList, id)
		}
		st.errorCount = 0
		st.skipCount = 0
		st.mu.Unlock()
	}
	if len(m.ErrorList) > 0 || len(m.SkipList) > 0 {
		m.Value = 1
	}
	return m
}
