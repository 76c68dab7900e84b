// Package layout arranges normalized agenda items into a seven-day week and
// assigns side-by-side lanes to overlapping timed items.
package layout

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dukerupert/agendaweek/internal/caltime"
	"github.com/dukerupert/agendaweek/internal/model"
)

// ErrInvalidArgument marks caller mistakes: a missing zone or an unusable
// week start.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	minVisibleDays = 5
	daysPerWeek    = 7
)

// Engine lays out weeks in a reference zone. FirstDay defaults to Sunday,
// the zero Weekday, so callers wanting Monday weeks must set it.
type Engine struct {
	Zone     *time.Location
	FirstDay time.Weekday
}

// LayoutWeek lays out the Monday-first week containing weekStart.
func LayoutWeek(items []model.AgendaItem, weekStart time.Time, zone *time.Location) (model.WeekLayout, error) {
	return Engine{Zone: zone, FirstDay: time.Monday}.Layout(items, weekStart)
}

// ParseWeekStart parses a YYYY-MM-DD date (or a full timestamp) in zone.
func ParseWeekStart(s string, zone *time.Location) (time.Time, error) {
	if zone == nil {
		return time.Time{}, fmt.Errorf("%w: nil zone", ErrInvalidArgument)
	}
	s = strings.TrimSpace(s)
	if t, err := caltime.ParseDate(s, zone); err == nil {
		return t, nil
	}
	t, err := caltime.ParseInstant(s, zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: week start %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// Layout buckets items into the seven days of the week containing weekStart.
// Days are taken from each item's start as seen in e.Zone, so items
// normalized in another zone still land on the right day. Items anchored
// outside that week are left out.
func (e Engine) Layout(items []model.AgendaItem, weekStart time.Time) (model.WeekLayout, error) {
	if e.Zone == nil {
		return model.WeekLayout{}, fmt.Errorf("%w: nil zone", ErrInvalidArgument)
	}
	if weekStart.IsZero() {
		return model.WeekLayout{}, fmt.Errorf("%w: zero week start", ErrInvalidArgument)
	}
	if e.FirstDay < time.Sunday || e.FirstDay > time.Saturday {
		return model.WeekLayout{}, fmt.Errorf("%w: first day %d", ErrInvalidArgument, e.FirstDay)
	}

	start := caltime.StartOfWeek(weekStart, e.Zone, e.FirstDay)
	keys := caltime.WeekKeys(start)

	week := model.WeekLayout{
		WeekStart: keys[0],
		Zone:      e.Zone.String(),
		Location:  e.Zone,
	}

	index := make(map[string]int, daysPerWeek)
	timed := make([][]model.AgendaItem, daysPerWeek)
	for i, k := range keys {
		index[k] = i
		week.Days[i] = model.DayLayout{
			DateKey: k,
			Weekday: caltime.AddDays(start, i).Weekday().String(),
			AllDay:  []model.AgendaItem{},
			Timed:   []model.PositionedItem{},
		}
	}

	for _, item := range items {
		i, ok := index[caltime.DateKey(item.Start, e.Zone)]
		if !ok {
			continue
		}
		if item.AllDay {
			week.Days[i].AllDay = append(week.Days[i].AllDay, item)
		} else {
			timed[i] = append(timed[i], item)
		}
	}

	for i := range week.Days {
		week.Days[i].Timed = assignLanes(timed[i])
	}
	week.VisibleDays = visibleDays(week.Days)

	return week, nil
}

// assignLanes sorts one day's timed items and places each in the first lane
// whose previous item has ended. Lane counts are shared per cluster of
// transitively overlapping items.
func assignLanes(items []model.AgendaItem) []model.PositionedItem {
	out := make([]model.PositionedItem, 0, len(items))
	if len(items) == 0 {
		return out
	}

	sorted := make([]model.AgendaItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.ID < b.ID
	})

	var (
		lanes        []time.Time
		clusterStart int
		clusterEnd   time.Time
	)

	closeCluster := func(end int) {
		for k := clusterStart; k < end; k++ {
			out[k].LaneCount = len(lanes)
		}
	}

	for i, item := range sorted {
		if i > 0 && !item.Start.Before(clusterEnd) {
			closeCluster(i)
			clusterStart = i
			lanes = lanes[:0]
		}

		lane := -1
		for l, end := range lanes {
			if !end.After(item.Start) {
				lane = l
				break
			}
		}
		if lane < 0 {
			lane = len(lanes)
			lanes = append(lanes, item.End)
		} else {
			lanes[lane] = item.End
		}

		if i == clusterStart || item.End.After(clusterEnd) {
			clusterEnd = item.End
		}
		out = append(out, model.PositionedItem{AgendaItem: item, Lane: lane})
	}
	closeCluster(len(out))

	return out
}

// visibleDays is five unless the sixth or seventh day has something on it.
func visibleDays(days [daysPerWeek]model.DayLayout) int {
	for i := daysPerWeek - 1; i >= minVisibleDays; i-- {
		if len(days[i].AllDay) > 0 || len(days[i].Timed) > 0 {
			return i + 1
		}
	}
	return minVisibleDays
}

// ErrUnknownZone is returned by MarkTodayStrict when a layout carries
// neither a location nor a loadable zone name.
var ErrUnknownZone = errors.New("layout zone unknown")

// MarkToday returns a copy of w with Today set on the day containing now, as
// seen in the layout's zone. A layout whose zone cannot be resolved is
// returned with every Today flag cleared.
func MarkToday(w model.WeekLayout, now time.Time) model.WeekLayout {
	marked, err := MarkTodayStrict(w, now)
	if err != nil {
		for i := range w.Days {
			w.Days[i].Today = false
		}
		return w
	}
	return marked
}

// MarkTodayStrict is MarkToday reporting ErrUnknownZone instead of leaving
// the layout unmarked. The layout's Location is used when set, so fixed
// offset zones work; otherwise Zone is loaded by name.
func MarkTodayStrict(w model.WeekLayout, now time.Time) (model.WeekLayout, error) {
	zone := w.Location
	if zone == nil {
		var err error
		zone, err = caltime.LoadZone(w.Zone)
		if err != nil {
			return w, fmt.Errorf("%w: %q", ErrUnknownZone, w.Zone)
		}
		w.Location = zone
	}
	key := caltime.DateKey(now, zone)
	for i := range w.Days {
		w.Days[i].Today = w.Days[i].DateKey == key
	}
	return w, nil
}
