// Package schedule enforces notification timing: minimum lead time, quiet hours,
// task deadlines, spacing between repeats and reaction deadlines.
package schedule

import (
	"fmt"
	"time"

	"github.com/msageha/cogno/internal/model"
)

type Policy struct {
	Location   *time.Location
	QuietStart int // local hour, inclusive
	QuietEnd   int // local hour, exclusive
	MinLead    time.Duration
	Spacing    time.Duration
	Window     time.Duration
	MaxPerTask int
	MaxPerRun  int
}

// NewPolicy builds a Policy from config. A nil loc means UTC.
func NewPolicy(cfg model.ScheduleConfig, loc *time.Location) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{
		Location:   loc,
		QuietStart: cfg.QuietStartHour,
		QuietEnd:   cfg.QuietEndHour,
		MinLead:    time.Duration(cfg.MinLeadMin) * time.Minute,
		Spacing:    time.Duration(cfg.SpacingMin) * time.Minute,
		Window:     time.Duration(cfg.WindowHours) * time.Hour,
		MaxPerTask: cfg.MaxPerTask,
		MaxPerRun:  cfg.MaxPerRun,
	}
}

func (p Policy) wraps() bool { return p.QuietStart > p.QuietEnd }

// InQuiet reports whether t falls in the local quiet window [QuietStart, QuietEnd).
func (p Policy) InQuiet(t time.Time) bool {
	h := t.In(p.Location).Hour()
	if p.wraps() {
		return h >= p.QuietStart || h < p.QuietEnd
	}
	return h >= p.QuietStart && h < p.QuietEnd
}

// leaveQuiet moves t to the end of its quiet window, keeping the minute, so a 23:40 due
// becomes 07:40 the next morning.
func (p Policy) leaveQuiet(t time.Time) time.Time {
	local := t.In(p.Location)
	y, m, d := local.Date()
	if p.wraps() && local.Hour() >= p.QuietStart {
		d++
	}
	return time.Date(y, m, d, p.QuietEnd, local.Minute(), 0, 0, p.Location)
}

// lastBeforeQuiet returns the latest minute before the quiet window containing t.
func (p Policy) lastBeforeQuiet(t time.Time) time.Time {
	local := t.In(p.Location)
	y, m, d := local.Date()
	if p.wraps() && local.Hour() < p.QuietEnd {
		d--
	}
	return time.Date(y, m, d, p.QuietStart, 0, 0, 0, p.Location).Add(-time.Minute)
}

// Earliest is the first instant a notification may be due.
func (p Policy) Earliest(now time.Time) time.Time {
	return now.Add(p.MinLead)
}

// Place returns the due date to use for a proposed one, or false when no valid slot exists.
//
// A valid slot is strictly after now+MinLead, outside quiet hours, not after the
// deadline (when set) and at least Spacing after prev (when set).
func (p Policy) Place(proposed, now time.Time, deadline, prev *time.Time) (time.Time, bool) {
	earliest := p.Earliest(now)
	due := proposed
	if !due.After(earliest) {
		due = earliest.Add(time.Minute)
	}
	var floor time.Time
	if prev != nil {
		floor = prev.Add(p.Spacing)
		if due.Before(floor) {
			due = floor
		}
	}
	// Stored due dates have second precision; rounding up keeps both bounds.
	due = ceilSecond(due)
	if p.InQuiet(due) {
		due = p.leaveQuiet(due)
	}
	if deadline != nil && due.After(*deadline) {
		due = deadline.Truncate(time.Second)
		if p.InQuiet(due) {
			due = p.lastBeforeQuiet(due)
		}
		if !due.After(earliest) || (prev != nil && due.Before(floor)) {
			return time.Time{}, false
		}
	}
	return due, true
}

func ceilSecond(t time.Time) time.Time {
	if tr := t.Truncate(time.Second); tr.Before(t) {
		return tr.Add(time.Second)
	}
	return t
}

// ReactionBuffer is the minimum gap between a due date and its reaction deadline,
// shorter for tasks whose deadline is close.
func (p Policy) ReactionBuffer(now time.Time, deadline *time.Time) time.Duration {
	if deadline == nil {
		return 2 * time.Hour
	}
	switch until := deadline.Sub(now); {
	case until <= 24*time.Hour:
		return 30 * time.Minute
	case until <= 72*time.Hour:
		return time.Hour
	default:
		return 2 * time.Hour
	}
}

// ReactBy returns the reaction deadline for a notification due at due. It is nil whenever
// choices is nil; otherwise it is the proposal or due+buffer, whichever is later.
func (p Policy) ReactBy(proposed *time.Time, due, now time.Time, choices model.ReactionChoices, deadline *time.Time) *time.Time {
	if !choices.Requested() {
		return nil
	}
	minimum := due.Add(p.ReactionBuffer(now, deadline))
	if proposed == nil || proposed.Before(minimum) {
		return &minimum
	}
	v := proposed.Truncate(time.Second)
	return &v
}

// WindowRange is the consolidation horizon starting at now.
func (p Policy) WindowRange(now time.Time) (time.Time, time.Time) {
	return now, now.Add(p.Window)
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseTime accepts RFC 3339 or a zone-less local timestamp interpreted in the policy location.
func (p Policy) ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, p.Location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Format renders t in the policy location for oracle prompts.
func (p Policy) Format(t time.Time) string {
	return t.In(p.Location).Format(time.RFC3339)
}
