package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field crontab expression
// (minute hour day-of-month month day-of-week).
type CronExpr struct {
	minutes [60]bool
	hours   [24]bool
	dom     [32]bool
	months  [13]bool
	dow     [7]bool
	source  string
}

// ParseCron parses a standard 5-field expression with *, */step, ranges,
// and lists.
func ParseCron(expr string) (*CronExpr, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("scheduler: cron %q needs 5 fields, got %d", expr, len(fields))
	}
	c := &CronExpr{source: expr}
	specs := []struct {
		field    string
		min, max int
		set      func(int)
	}{
		{fields[0], 0, 59, func(i int) { c.minutes[i] = true }},
		{fields[1], 0, 23, func(i int) { c.hours[i] = true }},
		{fields[2], 1, 31, func(i int) { c.dom[i] = true }},
		{fields[3], 1, 12, func(i int) { c.months[i] = true }},
		{fields[4], 0, 6, func(i int) { c.dow[i] = true }},
	}
	for _, s := range specs {
		if err := parseCronField(s.field, s.min, s.max, s.set); err != nil {
			return nil, fmt.Errorf("scheduler: cron %q: %w", expr, err)
		}
	}
	return c, nil
}

func parseCronField(field string, min, max int, set func(int)) error {
	for _, part := range strings.Split(field, ",") {
		step := 1
		if i := strings.Index(part, "/"); i >= 0 {
			s, err := strconv.Atoi(part[i+1:])
			if err != nil || s <= 0 {
				return fmt.Errorf("bad step in %q", part)
			}
			step = s
			part = part[:i]
		}
		lo, hi := min, max
		switch {
		case part == "*" || part == "":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if lo, err = strconv.Atoi(bounds[0]); err != nil {
				return fmt.Errorf("bad range %q", part)
			}
			if hi, err = strconv.Atoi(bounds[1]); err != nil {
				return fmt.Errorf("bad range %q", part)
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("bad value %q", part)
			}
			lo, hi = n, n
		}
		if lo < min || hi > max || lo > hi {
			return fmt.Errorf("value out of range in %q (%d-%d)", part, min, max)
		}
		for i := lo; i <= hi; i += step {
			set(i)
		}
	}
	return nil
}

// Matches reports whether t satisfies the expression. Day-of-month and
// day-of-week combine with OR when both are restricted, per crontab
// convention.
func (c *CronExpr) Matches(t time.Time) bool {
	if !c.minutes[t.Minute()] || !c.hours[t.Hour()] || !c.months[int(t.Month())] {
		return false
	}
	domRestricted := !allSet(c.dom[1:32])
	dowRestricted := !allSet(c.dow[:])
	domOK := c.dom[t.Day()]
	dowOK := c.dow[int(t.Weekday())]
	if domRestricted && dowRestricted {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// Next returns the first time strictly after t matching the expression, or
// the zero time when none exists within four years.
func (c *CronExpr) Next(t time.Time) time.Time {
	// Minute resolution; scan forward.
	cursor := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for cursor.Before(limit) {
		if c.Matches(cursor) {
			return cursor
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}
}

func (c *CronExpr) String() string { return c.source }

func allSet(b []bool) bool {
	for _, v := range b {
		if !v {
			return false
		}
	}
	return true
}

// Schedule is one configured cron trigger.
type Schedule struct {
	ID        string         `yaml:"id"`
	Cron      string         `yaml:"cron"`
	Template  string         `yaml:"template"`
	Queue     string         `yaml:"queue"`
	Priority  int            `yaml:"priority"`
	Timezone  string         `yaml:"timezone"`
	Variables map[string]any `yaml:"variables"`
}

// CronRunner fires schedules into the orchestrator. Each firing enqueues
// exactly one run (at-most-once per fire).
type CronRunner struct {
	orch      *Orchestrator
	schedules []scheduleEntry
	now       func() time.Time
	stop      chan struct{}
}

type scheduleEntry struct {
	Schedule
	expr *CronExpr
	loc  *time.Location
	next time.Time
}

// NewCronRunner parses the schedules and computes first fire times.
func NewCronRunner(orch *Orchestrator, schedules []Schedule) (*CronRunner, error) {
	r := &CronRunner{orch: orch, now: time.Now, stop: make(chan struct{})}
	for _, s := range schedules {
		expr, err := ParseCron(s.Cron)
		if err != nil {
			return nil, err
		}
		loc := time.Local
		if s.Timezone != "" {
			if loc, err = time.LoadLocation(s.Timezone); err != nil {
				return nil, fmt.Errorf("scheduler: schedule %s: unknown timezone %q", s.ID, s.Timezone)
			}
		}
		r.schedules = append(r.schedules, scheduleEntry{
			Schedule: s,
			expr:     expr,
			loc:      loc,
			next:     expr.Next(r.now().In(loc)),
		})
	}
	return r, nil
}

// Tick fires every schedule whose next time has arrived. Exposed for
// deterministic tests; Run calls it once a minute.
func (r *CronRunner) Tick(now time.Time) []string {
	var fired []string
	for i := range r.schedules {
		s := &r.schedules[i]
		local := now.In(s.loc)
		if s.next.IsZero() || local.Before(s.next) {
			continue
		}
		job := Job{
			ID:        fmt.Sprintf("%s@%d", s.ID, local.Unix()),
			Template:  s.Template,
			Queue:     s.Queue,
			Priority:  s.Priority,
			Variables: s.Variables,
			Trigger:   "cron",
		}
		if err := r.orch.Submit(job); err == nil {
			fired = append(fired, s.ID)
		}
		s.next = s.expr.Next(local)
	}
	return fired
}

// Run ticks until Stop or ctx-style close.
func (r *CronRunner) Run() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.Tick(now)
		}
	}
}

// Stop halts Run.
func (r *CronRunner) Stop() { close(r.stop) }
