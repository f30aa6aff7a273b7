// Package scheduler fires orchestration cycles on a cron or interval schedule.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tecbrain/pkg/logx"
)

// Runner is the cycle the trigger fires.
type Runner interface {
	Run(ctx context.Context) (bool, error)
}

type Config struct {
	Schedule   string
	RunOnStart bool
	Timezone   string
}

// Trigger owns the cron instance. Overlapping fires are left to the runner's guard.
type Trigger struct {
	mu      sync.Mutex
	cfg     Config
	spec    Spec
	runner  Runner
	log     logx.Logger
	c       *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
}

func New(cfg Config, runner Runner, log logx.Logger) (*Trigger, error) {
	spec, err := Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{cfg: cfg, spec: spec, runner: runner, log: log.With(logx.String("comp", "scheduler"))}, nil
}

// Start registers the schedule and, when configured, fires one cycle right away.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}
	t.ctx = ctx
	t.c = cron.New(cron.WithParser(parser), cron.WithLocation(t.location()))
	if err := t.registerLocked(); err != nil {
		t.c = nil
		return err
	}
	t.c.Start()
	t.log.Info("scheduler started", logx.String("schedule", t.spec.String()), logx.String("next", t.nextLocked()))

	if t.cfg.RunOnStart {
		go t.fire("startup")
	}
	return nil
}

// Apply swaps the schedule of a running trigger.
func (t *Trigger) Apply(schedule string) error {
	spec, err := Parse(schedule)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if spec == t.spec {
		return nil
	}
	t.spec = spec
	t.cfg.Schedule = schedule
	if t.c == nil {
		return nil
	}
	t.c.Remove(t.entryID)
	if err := t.registerLocked(); err != nil {
		return err
	}
	t.log.Info("schedule changed", logx.String("schedule", spec.String()), logx.String("next", t.nextLocked()))
	return nil
}

// Stop halts new fires and waits for a running fire to return or ctx to end.
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next is the next planned fire, zero when stopped.
func (t *Trigger) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return time.Time{}
	}
	return t.c.Entry(t.entryID).Next
}

func (t *Trigger) registerLocked() error {
	sched, err := t.spec.Schedule()
	if err != nil {
		return err
	}
	t.entryID = t.c.Schedule(sched, cron.FuncJob(func() { t.fire("schedule") }))
	return nil
}

func (t *Trigger) nextLocked() string {
	next := t.c.Entry(t.entryID).Next
	if next.IsZero() {
		// cron fills Next once its loop has run
		sched, err := t.spec.Schedule()
		if err != nil {
			return ""
		}
		next = sched.Next(time.Now().In(t.location()))
	}
	return next.Format(time.RFC3339)
}

func (t *Trigger) fire(reason string) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("cycle panicked", logx.String("reason", reason), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	ran, err := t.runner.Run(ctx)
	if err != nil {
		t.log.Error("cycle failed", logx.String("reason", reason), logx.Err(err))
		return
	}
	if !ran {
		t.log.Debug("cycle skipped, previous still running", logx.String("reason", reason))
	}
}

func (t *Trigger) location() *time.Location {
	if t.cfg.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(t.cfg.Timezone)
	if err != nil {
		t.log.Warn("unknown timezone, using local", logx.String("tz", t.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}
