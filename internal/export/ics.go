// Package export renders week layouts as iCalendar feeds.
package export

import (
	"errors"
	"fmt"
	"io"
	"time"

	ics "github.com/emersion/go-ical"

	"github.com/dukerupert/agendaweek/internal/model"
)

const (
	productID = "-//agendaweek//agendaweek//EN"
	propColor = "X-AGENDA-COLOR"
	propWeek  = "X-AGENDA-WEEK"
)

var now = time.Now

// ErrEmptyWeek is returned for a week without items. An iCalendar object
// must contain at least one component, so there is nothing valid to write.
var ErrEmptyWeek = errors.New("week has no items")

// WriteWeekICS encodes every item of week as a VEVENT. Timed events are
// written in UTC; all-day events as DATE values.
func WriteWeekICS(w io.Writer, week model.WeekLayout) error {
	if countItems(week) == 0 {
		return ErrEmptyWeek
	}

	cal := ics.NewCalendar()
	cal.Props.SetText(ics.PropVersion, "2.0")
	cal.Props.SetText(ics.PropProductID, productID)
	cal.Props.SetText(propWeek, week.WeekStart)

	stamp := now().UTC()
	for _, day := range week.Days {
		for _, item := range day.AllDay {
			cal.Children = append(cal.Children, event(item, stamp))
		}
		for _, p := range day.Timed {
			cal.Children = append(cal.Children, event(p.AgendaItem, stamp))
		}
	}

	if err := ics.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode ICS: %w", err)
	}
	return nil
}

func event(item model.AgendaItem, stamp time.Time) *ics.Component {
	comp := ics.NewComponent(ics.CompEvent)

	comp.Props.SetText(ics.PropUID, item.Key+"@agendaweek")
	comp.Props.SetText(ics.PropSummary, item.Title)
	comp.Props.SetDateTime(ics.PropDateTimeStamp, stamp)
	comp.Props.SetText(ics.PropCategories, string(item.Category))

	if item.Description != "" {
		comp.Props.SetText(ics.PropDescription, item.Description)
	}
	if item.Room != "" {
		comp.Props.SetText(ics.PropLocation, item.Room)
	}

	if item.AllDay {
		comp.Props.SetDate(ics.PropDateTimeStart, item.Start)
		end := item.End
		if !end.After(item.Start) {
			end = item.Start.AddDate(0, 0, 1)
		}
		comp.Props.SetDate(ics.PropDateTimeEnd, end)
	} else {
		comp.Props.SetDateTime(ics.PropDateTimeStart, item.Start.UTC())
		comp.Props.SetDateTime(ics.PropDateTimeEnd, item.End.UTC())
	}

	if item.Color != "" {
		comp.Props.SetText(propColor, item.Color)
	}
	return comp
}

func countItems(week model.WeekLayout) int {
	n := 0
	for _, d := range week.Days {
		n += len(d.AllDay) + len(d.Timed)
	}
	return n
}
