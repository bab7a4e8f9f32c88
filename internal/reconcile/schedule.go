package reconcile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule is the poll cadence when none is configured.
const DefaultSchedule = "15s"

type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// Schedule is a parsed poll cadence.
//
// Supported forms:
//   - Interval duration: "15s", "2m30s"
//   - Interval HH:MM: "00:05" (5 minutes)
//   - Cron: "*/30 * * * * *", "@every 20s", "@hourly"
//
// Optional prefixes "cron:" and "every:" force one interpretation.
type Schedule struct {
	Kind   ScheduleKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Spec renders the schedule as an expression robfig/cron accepts.
func (s Schedule) Spec() string {
	if s.Kind == ScheduleInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

// ParseSchedule parses a poll cadence. An empty string yields DefaultSchedule.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = DefaultSchedule
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, src, err := parseInterval(s[len("every:"):])
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleInterval, Every: d, Source: src}, nil
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if d, src, err := parseInterval(s); err == nil {
		return Schedule{Kind: ScheduleInterval, Every: d, Source: src}, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid poll schedule %q (use a duration like '15s', HH:MM like '00:05', or cron like '*/30 * * * * *')",
		raw,
	)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}
