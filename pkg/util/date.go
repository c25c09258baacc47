package util

import "time"

// DayLayout is the layout of a UTC trading-day key.
const DayLayout = "2006-01-02"

// TradingDay returns the UTC calendar day key for t.
func TradingDay(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// InHourWindow reports whether t's UTC hour falls in [start, end). start > end wraps midnight;
// start == end means the whole day.
func InHourWindow(t time.Time, start, end int) bool {
	h := t.UTC().Hour()
	switch {
	case start == end:
		return true
	case start < end:
		return h >= start && h < end
	default:
		return h >= start || h < end
	}
}

// IsWeekend reports whether t falls on a UTC Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.UTC().Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
