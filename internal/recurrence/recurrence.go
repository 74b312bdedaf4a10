// Package recurrence computes the next trigger time of a schedule template.
//
// Schedules are parsed from a frequency name and a JSON config into one of
// Daily, Weekly, Monthly or Custom. All arithmetic happens in now's location.
package recurrence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	FreqCustom  Frequency = "custom"
)

var ErrUnknownFrequency = errors.New("unknown frequency")

// Schedule is implemented by Daily, Weekly, Monthly and Custom.
type Schedule interface {
	Frequency() Frequency
	next(now time.Time) time.Time
}

// Daily fires the next calendar day at Hour:Minute.
type Daily struct {
	Hour, Minute int
}

// Weekly fires on the next DayOfWeek strictly after today.
type Weekly struct {
	DayOfWeek    time.Weekday
	Hour, Minute int
}

// Monthly fires in the next calendar month. A DayOfMonth past the end of that
// month is clamped to its last day.
type Monthly struct {
	DayOfMonth   int
	Hour, Minute int
}

// Custom fires at NextRun when set, else at the next Cron match, else one day out.
type Custom struct {
	NextRun *time.Time
	Cron    string

	sched cron.Schedule
}

func (Daily) Frequency() Frequency   { return FreqDaily }
func (Weekly) Frequency() Frequency  { return FreqWeekly }
func (Monthly) Frequency() Frequency { return FreqMonthly }
func (Custom) Frequency() Frequency  { return FreqCustom }

func (d Daily) next(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, d.Hour, d.Minute, 0, 0, now.Location())
}

func (w Weekly) next(now time.Time) time.Time {
	offset := int(w.DayOfWeek) - int(now.Weekday())
	if offset <= 0 {
		offset += 7
	}
	return time.Date(now.Year(), now.Month(), now.Day()+offset, w.Hour, w.Minute, 0, 0, now.Location())
}

func (m Monthly) next(now time.Time) time.Time {
	first := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
	day := min(m.DayOfMonth, daysIn(first))
	return time.Date(first.Year(), first.Month(), day, m.Hour, m.Minute, 0, 0, now.Location())
}

func (c Custom) next(now time.Time) time.Time {
	if c.NextRun != nil {
		return *c.NextRun
	}
	if c.sched != nil {
		if t := c.sched.Next(now); !t.IsZero() {
			return t
		}
	}
	return oneDayOut(now)
}

func daysIn(monthStart time.Time) int {
	return monthStart.AddDate(0, 1, -1).Day()
}

func oneDayOut(now time.Time) time.Time { return now.AddDate(0, 0, 1) }

// NextTrigger returns the first firing of s after now.
func NextTrigger(s Schedule, now time.Time) time.Time {
	if s == nil {
		return oneDayOut(now)
	}
	return s.next(now)
}

// Result carries the computed time and whether it came from the fallback path.
type Result struct {
	At       time.Time
	Fallback bool
	Err      error
}

// Next parses the config and computes the next trigger. It never fails:
// malformed configs and unknown frequencies resolve to one day after now with
// Fallback set and Err describing the problem.
func Next(freq string, raw json.RawMessage, now time.Time) Result {
	s, err := Parse(freq, raw)
	if err != nil {
		return Result{At: oneDayOut(now), Fallback: true, Err: err}
	}
	return Result{At: s.next(now)}
}

type wireConfig struct {
	Hour       *int       `json:"hour"`
	Minute     *int       `json:"minute"`
	DayOfWeek  *int       `json:"dayOfWeek"`
	DayOfMonth *int       `json:"dayOfMonth"`
	NextRun    *time.Time `json:"nextRun"`
	Cron       string     `json:"cron"`
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse turns a frequency and its JSON config into a Schedule.
// Missing fields take defaults: 00:00, Monday, day 1.
func Parse(freq string, raw json.RawMessage) (Schedule, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(freq)))
	switch f {
	case FreqDaily, FreqWeekly, FreqMonthly, FreqCustom:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrequency, freq)
	}

	var w wireConfig
	if b := bytes.TrimSpace(raw); len(b) > 0 && !bytes.Equal(b, []byte("null")) {
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("%s schedule config: %w", f, err)
		}
	}

	hour, minute := intOr(w.Hour, 0), intOr(w.Minute, 0)
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("%s schedule config: hour %d out of range", f, hour)
	}
	if minute < 0 || minute > 59 {
		return nil, fmt.Errorf("%s schedule config: minute %d out of range", f, minute)
	}

	switch f {
	case FreqDaily:
		return Daily{Hour: hour, Minute: minute}, nil
	case FreqWeekly:
		dow := intOr(w.DayOfWeek, int(time.Monday))
		if dow < 0 || dow > 6 {
			return nil, fmt.Errorf("weekly schedule config: dayOfWeek %d out of range", dow)
		}
		return Weekly{DayOfWeek: time.Weekday(dow), Hour: hour, Minute: minute}, nil
	case FreqMonthly:
		dom := intOr(w.DayOfMonth, 1)
		if dom < 1 || dom > 31 {
			return nil, fmt.Errorf("monthly schedule config: dayOfMonth %d out of range", dom)
		}
		return Monthly{DayOfMonth: dom, Hour: hour, Minute: minute}, nil
	default:
		c := Custom{NextRun: w.NextRun, Cron: strings.TrimSpace(w.Cron)}
		if c.NextRun == nil && c.Cron != "" {
			sched, err := cronParser.Parse(c.Cron)
			if err != nil {
				return nil, fmt.Errorf("custom schedule config: cron %q: %w", c.Cron, err)
			}
			c.sched = sched
		}
		return c, nil
	}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
