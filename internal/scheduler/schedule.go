package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule polls every five minutes.
const DefaultSchedule = "*/5 * * * *"

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Spec is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */2 * * * *" (seconds optional), "@hourly", "@every 10m"
//   - duration: "10m", "1h30m"
//   - HH:MM interval: "00:30" is every 30 minutes, "02:00" every two hours
//
// "cron:" and "every:" prefixes force one interpretation.
type Spec struct {
	Kind  Kind
	Expr  string
	Every time.Duration
	Form  string // "cron" | "duration" | "hhmm"
}

// SecondOptional accepts both 5 and 6 field expressions.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// Parse validates raw. An empty string yields DefaultSchedule.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = DefaultSchedule
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronSpec(s)
	}
	sp, err := intervalSpec(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like %q, HH:MM like '00:30', or a duration like '10m')", raw, DefaultSchedule)
	}
	return sp, nil
}

func cronSpec(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Expr: expr, Form: "cron"}, nil
}

func intervalSpec(v string) (Spec, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: KindInterval, Every: d, Form: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: KindInterval, Every: d, Form: "duration"}, nil
}

// Schedule builds the cron schedule for s.
func (s Spec) Schedule() (cron.Schedule, error) {
	if s.Kind == KindInterval {
		return cron.Every(s.Every), nil
	}
	return parser.Parse(s.Expr)
}

func (s Spec) String() string {
	if s.Kind == KindInterval {
		return "every " + s.Every.String()
	}
	return s.Expr
}
