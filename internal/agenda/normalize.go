// Package agenda turns loosely shaped calendar records into AgendaItems.
package agenda

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dukerupert/agendaweek/internal/caltime"
	"github.com/dukerupert/agendaweek/internal/model"
)

const (
	DefaultTitle = "Event"
	DefaultColor = "#9E9E9E"

	defaultDuration = time.Hour
)

// Report counts what happened to a batch.
type Report struct {
	Received   int `json:"received"`
	Normalized int `json:"normalized"`
	Dropped    int `json:"dropped"`
	Clamped    int `json:"clamped"`
}

type Config struct {
	Zone         *time.Location
	DefaultColor string
	Logger       *slog.Logger
}

// Normalizer is safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	zone         *time.Location
	defaultColor string
	logger       *slog.Logger
}

func NewNormalizer(cfg Config) (*Normalizer, error) {
	if cfg.Zone == nil {
		return nil, fmt.Errorf("normalizer: reference zone is required")
	}
	if cfg.DefaultColor == "" {
		cfg.DefaultColor = DefaultColor
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Normalizer{
		zone:         cfg.Zone,
		defaultColor: cfg.DefaultColor,
		logger:       cfg.Logger,
	}, nil
}

// Normalize converts raw records using the default color and logger.
// zone must not be nil.
func Normalize(raw []model.RawEvent, zone *time.Location) []model.AgendaItem {
	n, err := NewNormalizer(Config{Zone: zone})
	if err != nil {
		panic(err)
	}
	items, _ := n.Normalize(raw)
	return items
}

// Zone returns the reference zone.
func (n *Normalizer) Zone() *time.Location {
	return n.zone
}

// Normalize converts a batch. Records without a usable start are dropped and
// the rest of the batch is still converted. The result is in canonical order
// (start, end, id, title) regardless of input order.
func (n *Normalizer) Normalize(raw []model.RawEvent) ([]model.AgendaItem, Report) {
	rep := Report{Received: len(raw)}
	items := make([]model.AgendaItem, 0, len(raw))

	for i, r := range raw {
		item, clamped, ok := n.convert(r)
		if !ok {
			rep.Dropped++
			n.logger.Debug("dropping record without parsable start", "index", i, "id", firstString(r, idKeys))
			continue
		}
		if clamped {
			rep.Clamped++
		}
		items = append(items, item)
	}

	SortItems(items)
	rep.Normalized = len(items)
	return items, rep
}

// NormalizeJSON decodes and normalizes a batch. Anything that is not an
// array of objects (or a {"data": [...]} envelope) normalizes to no items.
func (n *Normalizer) NormalizeJSON(data []byte) ([]model.AgendaItem, Report) {
	raw, skipped, err := DecodeBatch(data)
	if err != nil {
		n.logger.Debug("ignoring undecodable batch", "error", err)
		return []model.AgendaItem{}, Report{}
	}
	items, rep := n.Normalize(raw)
	rep.Received += skipped
	rep.Dropped += skipped
	return items, rep
}

// Item normalizes a single record. ok is false when the record has no
// parsable start.
func (n *Normalizer) Item(r model.RawEvent) (model.AgendaItem, bool) {
	item, _, ok := n.convert(r)
	return item, ok
}

func (n *Normalizer) convert(r model.RawEvent) (model.AgendaItem, bool, bool) {
	if r == nil {
		return model.AgendaItem{}, false, false
	}

	start, ok := n.firstInstant(r, startKeys)
	if !ok {
		return model.AgendaItem{}, false, false
	}

	allDay := firstBool(r, allDayKeys)

	end, ok := n.firstInstant(r, endKeys)
	if !ok {
		if allDay {
			end = caltime.NextMidnight(start, n.zone)
		} else {
			end = start.Add(defaultDuration)
		}
	}

	title := firstString(r, titleKeys)
	if title == "" {
		title = DefaultTitle
	}

	clamped := false
	if end.Before(start) {
		n.logger.Warn("clamping event that ends before it starts",
			"id", firstString(r, idKeys),
			"title", title,
			"start", start,
			"end", end,
		)
		end = start
		clamped = true
	}

	dateKey := caltime.DateKey(start, n.zone)

	id := firstString(r, idKeys)
	if id == "" {
		id = dateKey + "-" + title
	}

	color := firstString(r, colorKeys)
	if color == "" {
		color = n.defaultColor
	}

	category := ParseCategory(firstString(r, typeKeys))

	item := model.AgendaItem{
		ID:          id,
		Key:         string(category) + "-" + id,
		Title:       title,
		Description: firstString(r, descriptionKeys),
		Start:       start,
		End:         end,
		DateKey:     dateKey,
		FromTime:    start.Format(caltime.ClockLayout),
		ToTime:      end.Format(caltime.ClockLayout),
		Category:    category,
		AllDay:      allDay,
		Color:       color,
		Room:        firstString(r, roomKeys),
		Recurrence:  strings.TrimPrefix(firstString(r, rruleKeys), "RRULE:"),
	}

	courseID := firstString(r, courseIDKeys)
	courseTitle := firstString(r, courseTitleKeys)
	if courseID != "" || courseTitle != "" {
		item.Course = &model.Course{ID: courseID, Title: courseTitle}
	}

	return item, clamped, true
}

// firstInstant returns the first candidate that parses; present but
// malformed values fall through to the next alias.
func (n *Normalizer) firstInstant(r model.RawEvent, keys []string) (time.Time, bool) {
	for _, v := range values(r, keys) {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, err := caltime.ParseInstant(s, n.zone); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseCategory maps a free-text type onto the known categories. Anything
// unrecognized is a lecture.
func ParseCategory(s string) model.Category {
	switch c := model.Category(strings.ToLower(strings.TrimSpace(s))); c {
	case model.CategoryExam, model.CategoryBooking, model.CategoryDeadline:
		return c
	default:
		return model.CategoryLecture
	}
}

// SortItems puts items in canonical order in place.
func SortItems(items []model.AgendaItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Title < b.Title
	})
}
