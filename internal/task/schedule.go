package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RuleKind is the normalized kind of a recurrence rule.
type RuleKind int

const (
	RuleCron RuleKind = iota
	RuleInterval
)

// ParsedRule is a recurrence rule after parsing.
//
// Accepted forms:
//   - cron: "0 * * * *", "*/30 * * * * *" (optional seconds), "@hourly", "@daily"
//   - duration interval: "55m", "2h30m"
//   - HH:MM interval: "00:50" (50 minutes), "24:00" (daily)
//
// "cron:" forces cron parsing, "interval:" or "every:" force an interval.
// "@every <d>" is treated as an interval.
type ParsedRule struct {
	Kind   RuleKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses and checks a recurrence rule.
func ParseSchedule(raw string) (ParsedRule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedRule{}, fmt.Errorf("rule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		return parseInterval(s[len("@every "):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	if p, err := parseInterval(s); err == nil {
		return p, nil
	}
	return ParsedRule{}, fmt.Errorf("invalid rule %q (use cron like '0 * * * *', HH:MM like '02:30', or a duration like '55m')", raw)
}

func parseCron(expr string) (ParsedRule, error) {
	if expr == "" {
		return ParsedRule{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedRule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedRule{Kind: RuleCron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (ParsedRule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedRule{}, fmt.Errorf("interval required")
	}
	var (
		d   time.Duration
		src = "duration"
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedRule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d, src = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedRule{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < time.Second {
		return ParsedRule{}, fmt.Errorf("interval must be at least 1s")
	}
	return ParsedRule{Kind: RuleInterval, Every: d, Source: src}, nil
}

// Schedule compiles the rule. Intervals are anchored at anchor so every
// instant is anchor + k*Every.
func (p ParsedRule) Schedule(anchor time.Time) (cron.Schedule, error) {
	switch p.Kind {
	case RuleCron:
		return cronParser.Parse(p.Cron)
	case RuleInterval:
		return anchoredInterval{anchor: anchor.Truncate(time.Second), every: p.Every}, nil
	default:
		return nil, fmt.Errorf("unsupported rule kind %d", p.Kind)
	}
}

// anchoredInterval implements cron.Schedule.
type anchoredInterval struct {
	anchor time.Time
	every  time.Duration
}

// Next returns the first anchor + k*every strictly after t (k >= 0).
func (a anchoredInterval) Next(t time.Time) time.Time {
	if t.Before(a.anchor) {
		return a.anchor
	}
	k := t.Sub(a.anchor)/a.every + 1
	return a.anchor.Add(k * a.every)
}
