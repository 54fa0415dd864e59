// Package period resolves caller period selectors into concrete UTC day windows.
package period

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
)

// DefaultDays is used when a period selector cannot be understood.
const DefaultDays = 30

// ErrInvalidRange is returned for explicit ranges whose end precedes the start.
var ErrInvalidRange = errors.New("period: end date is before start date")

// Window is an inclusive range of UTC calendar days. Start and End are both
// midnight UTC; End names the last day included. The zero Window is unbounded.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether the window is unbounded.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Days returns the number of calendar days covered by the window.
func (w Window) Days() int {
	return formula.InclusiveDayCount(w.Start, w.End)
}

// EndExclusive returns midnight after the last included day, for half-open queries.
func (w Window) EndExclusive() time.Time {
	if w.End.IsZero() {
		return time.Time{}
	}
	return w.End.AddDate(0, 0, 1)
}

// Previous returns the window of equal length that ends the day before w starts.
func (w Window) Previous() Window {
	days := w.Days()
	if days == 0 {
		return Window{}
	}
	end := w.Start.AddDate(0, 0, -1)
	return Window{Start: end.AddDate(0, 0, -(days - 1)), End: end}
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	d := formula.TruncateDay(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// FromRange builds a window from two dates, truncating both to UTC days.
func FromRange(from, to time.Time) (Window, error) {
	w := Window{Start: formula.TruncateDay(from), End: formula.TruncateDay(to)}
	if w.End.Before(w.Start) {
		return Window{}, ErrInvalidRange
	}
	return w, nil
}

// LastDays returns the n days ending on now's day.
func LastDays(n int, now time.Time) Window {
	if n <= 0 {
		n = DefaultDays
	}
	end := formula.TruncateDay(now)
	return Window{Start: end.AddDate(0, 0, -(n - 1)), End: end}
}

// Resolve turns a period selector into a window ending on now's day.
//
// Accepted selectors are a positive day count ("7", "30", "90"), "mtd", "qtd",
// "ytd" and "last_month". Anything else falls back to the last DefaultDays days.
func Resolve(selector string, now time.Time) Window {
	today := formula.TruncateDay(now)
	s := strings.ToLower(strings.TrimSpace(selector))

	switch s {
	case "mtd":
		return Window{Start: time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC), End: today}
	case "qtd":
		q := (int(today.Month()) - 1) / 3
		return Window{Start: time.Date(today.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC), End: today}
	case "ytd":
		return Window{Start: time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), End: today}
	case "last_month":
		firstThisMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: firstThisMonth.AddDate(0, -1, 0), End: firstThisMonth.AddDate(0, 0, -1)}
	}

	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return LastDays(n, today)
	}
	return LastDays(DefaultDays, today)
}

// IsMonthToDate reports whether w starts on the first of a month and ends in that month.
func (w Window) IsMonthToDate() bool {
	return !w.IsZero() && w.Start.Day() == 1 && w.Start.Year() == w.End.Year() && w.Start.Month() == w.End.Month()
}

// MonthDays returns the number of days in the month containing t.
func MonthDays(t time.Time) int {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}
