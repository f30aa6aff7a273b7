// Package orchestrator runs notification cycles: one cycle at a time, a bounded number of accounts in
// parallel, and each account's notifications in order.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tecbrain/internal/dispatch"
	"tecbrain/internal/domain"
	"tecbrain/internal/metrics"
	"tecbrain/internal/source"
	logx "tecbrain/pkg/logx"
)

const (
	DefaultConcurrency  = 3
	DefaultFetchTimeout = source.DefaultFetchTimeout
)

// AccountStore lists the accounts a cycle covers.
type AccountStore interface {
	ActiveAccounts(ctx context.Context) ([]domain.Account, error)
}

// Credentials turns a stored credential reference into the source password.
type Credentials interface {
	Resolve(ref string) (string, error)
}

// Dispatcher delivers one notification. Errors it returns are storage errors.
type Dispatcher interface {
	Dispatch(ctx context.Context, account domain.Account, n domain.Notification, session domain.Session) (dispatch.Outcome, error)
}

type Config struct {
	Concurrency  int
	FetchTimeout time.Duration
}

type Runner struct {
	accounts   AccountStore
	source     source.Source
	creds      Credentials
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        logx.Logger

	fetchTimeout time.Duration
	concurrency  atomic.Int32
	running      atomic.Bool
	last         atomic.Pointer[CycleReport]
	bg           sync.WaitGroup
}

type Option func(*Runner)

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

func WithLogger(l logx.Logger) Option { return func(r *Runner) { r.log = l } }

func New(cfg Config, accounts AccountStore, src source.Source, creds Credentials, d Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		accounts:     accounts,
		source:       src,
		creds:        creds,
		dispatcher:   d,
		fetchTimeout: cfg.FetchTimeout,
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = DefaultFetchTimeout
	}
	r.SetConcurrency(cfg.Concurrency)
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "orchestrator"))
	return r
}

// SetConcurrency changes the account parallelism for the next cycle; n <= 0 restores the default.
func (r *Runner) SetConcurrency(n int) {
	if n <= 0 {
		n = DefaultConcurrency
	}
	r.concurrency.Store(int32(n))
}

func (r *Runner) Concurrency() int { return int(r.concurrency.Load()) }

// Running reports whether a cycle is in flight.
func (r *Runner) Running() bool { return r.running.Load() }

// LastReport returns the most recent finished cycle, or nil before the first one.
func (r *Runner) LastReport() *CycleReport { return r.last.Load() }

// Run executes one cycle and blocks until it ends. When a cycle is already running it returns
// immediately with ran=false and does not touch any account.
func (r *Runner) Run(ctx context.Context) (bool, error) {
	if !r.claim() {
		return false, nil
	}
	defer r.running.Store(false)
	return true, r.cycle(ctx)
}

// Start is Run in the background. It reports false when a cycle is already running.
func (r *Runner) Start(ctx context.Context) bool {
	if !r.claim() {
		return false
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer r.running.Store(false)
		_ = r.cycle(ctx)
	}()
	return true
}

// Wait blocks until cycles launched by Start have returned.
func (r *Runner) Wait() { r.bg.Wait() }

func (r *Runner) claim() bool {
	if r.running.CompareAndSwap(false, true) {
		return true
	}
	r.log.Info("cycle already running, trigger ignored")
	r.metrics.Cycle("skipped")
	return false
}

func (r *Runner) cycle(ctx context.Context) error {
	rep := &CycleReport{ID: uuid.NewString(), StartedAt: time.Now()}
	log := r.log.With(logx.String("cycle_id", rep.ID))

	accounts, err := r.accounts.ActiveAccounts(ctx)
	if err != nil {
		log.Error("cycle aborted", logx.String("action", "load_accounts"), logx.Err(err))
		r.metrics.Cycle("aborted")
		return err
	}
	rep.Accounts = len(accounts)
	limit := r.Concurrency()
	log.Info("cycle started", logx.Int("accounts", len(accounts)), logx.Int("concurrency", limit))

	results := make([]accountResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, acc := range accounts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer r.recoverAccount(log, acc, &results[i])
			r.runAccount(ctx, log, acc, &results[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		rep.add(accounts[i], res)
	}
	rep.Duration = time.Since(rep.StartedAt)
	r.last.Store(rep)

	r.metrics.Cycle("completed")
	r.metrics.CycleDuration(rep.Duration)
	log.Info("cycle finished",
		logx.Int("accounts", rep.Accounts),
		logx.Int("fetched", rep.Fetched),
		logx.Int("delivered", rep.Delivered),
		logx.Int("redelivered", rep.Redelivered),
		logx.Int("duplicates", rep.Duplicates),
		logx.Int("dispatch_errors", rep.DispatchErrors),
		logx.Strings("failed_accounts", rep.FailedAccounts),
		logx.Duration("duration", rep.Duration),
	)
	return nil
}

// recoverAccount turns a panic in one account's work into a failed account. Counts gathered
// before the panic are kept.
func (r *Runner) recoverAccount(log logx.Logger, acc domain.Account, res *accountResult) {
	p := recover()
	if p == nil {
		return
	}
	r.metrics.AccountFailed()
	log.Error("account panicked",
		logx.String("account_id", acc.ID),
		logx.String("action", "account_panic"),
		logx.Err(fmt.Errorf("panic: %v", p)),
		logx.Stack(string(debug.Stack())),
	)
	res.ran, res.failed = true, true
}

func (r *Runner) runAccount(ctx context.Context, log logx.Logger, acc domain.Account, res *accountResult) {
	res.ran = true
	alog := log.With(logx.String("account_id", acc.ID))

	password, err := r.creds.Resolve(acc.CredentialRef)
	if err != nil {
		r.metrics.AccountFailed()
		alog.Error("credential unavailable", logx.String("action", "credential_resolve"), logx.Err(err))
		res.failed = true
		return
	}

	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	fetched, err := r.source.Fetch(fctx, acc, password)
	cancel()
	if err != nil {
		r.metrics.AccountFailed()
		alog.Error("fetch failed", logx.String("action", "scrape_failed"), logx.Err(err))
		res.failed = true
		return
	}
	res.fetched = len(fetched.Notifications)
	alog.Debug("notifications fetched", logx.Int("count", res.fetched), logx.Int("skipped", fetched.Skipped))

	for _, n := range fetched.Notifications {
		if ctx.Err() != nil {
			alog.Warn("cycle cancelled, account interrupted", logx.Err(ctx.Err()))
			break
		}
		out, err := r.dispatcher.Dispatch(ctx, acc, n, fetched.Session)
		if err != nil {
			r.metrics.DispatchError()
			alog.Error("dispatch failed",
				logx.String("action", "dispatch_wrapper"),
				logx.String("external_id", n.Head().ExternalID),
				logx.String("type", string(n.Kind())),
				logx.Err(err),
			)
			res.dispatchErrors++
			continue
		}
		res.count(out)
	}
}
