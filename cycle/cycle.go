// Package cycle derives the issuance/batching cycle identifier from wall-clock
// time. Identifiers are recomputed on every call and never persisted; callers
// must re-fetch rather than cache across blocking operations.
package cycle

import (
	"fmt"
	"time"
)

type Period string

const (
	Monthly Period = "monthly"
	Weekly  Period = "weekly"
	Daily   Period = "daily"
)

// ParsePeriod accepts the configuration spelling of a period.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Monthly, Weekly, Daily:
		return p, nil
	case "":
		return Monthly, nil
	}
	return "", fmt.Errorf("cycle: unknown period %q", s)
}

type Manager struct {
	period Period
	now    func() time.Time
}

// New returns a manager for period; now defaults to time.Now.
func New(period Period, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if period == "" {
		period = Monthly
	}
	return &Manager{period: period, now: now}
}

func (m *Manager) Period() Period { return m.period }

// Now is the manager's clock in UTC. Records are stamped with it so one
// injected clock drives cycle ids and timestamps alike.
func (m *Manager) Now() time.Time { return m.now().UTC() }

// Current is At(now).
func (m *Manager) Current() string { return m.At(m.now()) }

// CurrentBounds is Bounds(now).
func (m *Manager) CurrentBounds() (start, end time.Time) { return m.Bounds(m.now()) }

// At returns the identifier of the cycle containing t. Identifiers of one
// period sort lexicographically in time order.
func (m *Manager) At(t time.Time) string {
	t = t.UTC()
	switch m.period {
	case Weekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case Daily:
		return t.Format("2006-01-02")
	default:
		return t.Format("2006-01")
	}
}

// Bounds returns the half-open interval [start, end) of the cycle containing t.
func (m *Manager) Bounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	switch m.period {
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		start = day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case Daily:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	default:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}
