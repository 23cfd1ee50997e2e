package usecase

import (
	"time"
)

// TradingWindow is the weekday session [start, end] in market time, both
// ends inclusive.
type TradingWindow struct {
	loc   *time.Location
	start time.Duration
	end   time.Duration
}

// NewTradingWindow takes start and end as offsets from local midnight.
func NewTradingWindow(loc *time.Location, start, end time.Duration) *TradingWindow {
	if loc == nil {
		loc = time.UTC
	}
	return &TradingWindow{loc: loc, start: start, end: end}
}

func (w *TradingWindow) Location() *time.Location {
	return w.loc
}

func (w *TradingWindow) clock(t time.Time) time.Duration {
	local := t.In(w.loc)
	h, m, s := local.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsOpen reports whether t falls inside the session on a weekday.
func (w *TradingWindow) IsOpen(t time.Time) bool {
	if isWeekend(t.In(w.loc)) {
		return false
	}
	c := w.clock(t)
	return c >= w.start && c <= w.end
}

// BeforeStart reports whether t is earlier than the session start on its
// market-time day.
func (w *TradingWindow) BeforeStart(t time.Time) bool {
	return w.clock(t) < w.start
}

// Day returns the market-time trading day of t as YYYY-MM-DD.
func (w *TradingWindow) Day(t time.Time) string {
	return t.In(w.loc).Format("2006-01-02")
}

// Clock returns the market-time HH:MM of t.
func (w *TradingWindow) Clock(t time.Time) string {
	return t.In(w.loc).Format("15:04")
}
