package agenda

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/dukerupert/agendaweek/internal/caltime"
	"github.com/dukerupert/agendaweek/internal/model"
)

// maxOccurrences caps the expansion of a single rule within one window.
const maxOccurrences = 500

// ExpandRecurring expands rules in zone with the default logger.
func ExpandRecurring(items []model.AgendaItem, from, to time.Time, zone *time.Location) []model.AgendaItem {
	n, err := NewNormalizer(Config{Zone: zone})
	if err != nil {
		panic(err)
	}
	return n.ExpandRecurring(items, from, to)
}

// ExpandRecurring replaces every item carrying an RRULE with its occurrences
// starting in [from, to). Items without a rule pass through unchanged. An
// item whose rule does not parse is kept as a single occurrence.
func (n *Normalizer) ExpandRecurring(items []model.AgendaItem, from, to time.Time) []model.AgendaItem {
	out := make([]model.AgendaItem, 0, len(items))

	for _, item := range items {
		if item.Recurrence == "" {
			out = append(out, item)
			continue
		}

		occs, err := n.occurrences(item, from, to)
		if err != nil {
			n.logger.Warn("keeping recurring event unexpanded", "id", item.ID, "rrule", item.Recurrence, "error", err)
			out = append(out, item)
			continue
		}
		out = append(out, occs...)
	}

	SortItems(out)
	return out
}

func (n *Normalizer) occurrences(item model.AgendaItem, from, to time.Time) ([]model.AgendaItem, error) {
	opt, err := rrule.StrToROption(item.Recurrence)
	if err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}
	opt.Dtstart = item.Start.In(n.zone)

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rule: %w", err)
	}

	duration := item.End.Sub(item.Start)
	starts := rule.Between(from, to, true)

	var out []model.AgendaItem
	for _, s := range starts {
		if !s.Before(to) {
			continue
		}
		if len(out) == maxOccurrences {
			n.logger.Warn("truncated recurring event", "id", item.ID, "cap", maxOccurrences)
			break
		}

		s = s.In(n.zone)
		e := s.Add(duration)

		occ := item
		occ.ID = fmt.Sprintf("%s_%d", item.ID, s.Unix())
		occ.Key = string(item.Category) + "-" + occ.ID
		occ.Start = s
		occ.End = e
		occ.DateKey = caltime.DateKey(s, n.zone)
		occ.FromTime = s.Format(caltime.ClockLayout)
		occ.ToTime = e.Format(caltime.ClockLayout)
		out = append(out, occ)
	}
	return out, nil
}
