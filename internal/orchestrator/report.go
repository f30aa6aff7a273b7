package orchestrator

import (
	"time"

	"tecbrain/internal/dispatch"
	"tecbrain/internal/domain"
)

// CycleReport summarizes one finished cycle.
type CycleReport struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Accounts       int           `json:"accounts"`
	Fetched        int           `json:"fetched"`
	Delivered      int           `json:"delivered"`
	Redelivered    int           `json:"redelivered"`
	Duplicates     int           `json:"duplicates"`
	DispatchErrors int           `json:"dispatch_errors"`
	FailedAccounts []string      `json:"failed_accounts,omitempty"`
}

type accountResult struct {
	ran            bool
	failed         bool
	fetched        int
	delivered      int
	redelivered    int
	duplicates     int
	dispatchErrors int
}

func (a *accountResult) count(o dispatch.Outcome) {
	switch o {
	case dispatch.Delivered:
		a.delivered++
	case dispatch.Redelivered:
		a.redelivered++
	case dispatch.Duplicate:
		a.duplicates++
	}
}

// add folds one account into the report. Accounts never started (cancelled cycle) are left out.
func (c *CycleReport) add(acc domain.Account, a accountResult) {
	if !a.ran {
		return
	}
	if a.failed {
		c.FailedAccounts = append(c.FailedAccounts, acc.ID)
	}
	c.Fetched += a.fetched
	c.Delivered += a.delivered
	c.Redelivered += a.redelivered
	c.Duplicates += a.duplicates
	c.DispatchErrors += a.dispatchErrors
}
