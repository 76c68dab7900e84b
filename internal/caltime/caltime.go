// Package caltime holds the zone-aware date helpers shared by the agenda
// normalizer and the week layout engine. Nothing here reads the local zone or
// the clock; the reference zone is always passed in.
package caltime

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the day-bucket key format.
const DateLayout = "2006-01-02"

// ClockLayout is the display format for start/end times.
const ClockLayout = "15:04"

// zone-less layouts are interpreted in the reference zone.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// LoadZone resolves an IANA zone name. An empty name is an error rather than
// a silent fallback to UTC or the host zone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("empty time zone name")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}

// DateKey formats the calendar date of t as seen in zone.
func DateKey(t time.Time, zone *time.Location) string {
	return t.In(zone).Format(DateLayout)
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, zone *time.Location) time.Time {
	lt := t.In(zone)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, zone)
}

// NextMidnight returns local midnight of the day after t.
func NextMidnight(t time.Time, zone *time.Location) time.Time {
	lt := t.In(zone)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, zone)
}

// AddDays moves a local midnight by n calendar days. Using time.Date keeps
// the result on midnight across DST transitions.
func AddDays(day time.Time, n int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+n, 0, 0, 0, 0, day.Location())
}

// StartOfWeek returns local midnight of the first day of the week containing t.
func StartOfWeek(t time.Time, zone *time.Location, first time.Weekday) time.Time {
	day := StartOfDay(t, zone)
	offset := int(day.Weekday()) - int(first)
	if offset < 0 {
		offset += 7
	}
	return AddDays(day, -offset)
}

// WeekKeys returns the seven date keys starting at weekStart.
func WeekKeys(weekStart time.Time) [7]string {
	var keys [7]string
	for i := range keys {
		keys[i] = AddDays(weekStart, i).Format(DateLayout)
	}
	return keys
}

// ParseInstant parses the timestamp encodings the calendar backends emit.
// Values with an explicit offset keep it; zone-less values are read in zone.
// The returned time is always expressed in zone.
func ParseInstant(s string, zone *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(zone), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, zone); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation(DateLayout, s, zone); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseDate parses a YYYY-MM-DD or RFC 3339 value and returns local midnight
// of that day in zone.
func ParseDate(s string, zone *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(DateLayout, s, zone); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD or RFC3339", s)
	}
	return StartOfDay(t, zone), nil
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
