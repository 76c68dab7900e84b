package model

import "time"

// RawEvent is an undecoded calendar record as received from a backend.
// Field names vary between backend versions; see agenda.Normalizer.
type RawEvent map[string]any

type Category string

const (
	CategoryExam     Category = "exam"
	CategoryBooking  Category = "booking"
	CategoryDeadline Category = "deadline"
	CategoryLecture  Category = "lecture"
)

// Categories lists every category an AgendaItem can carry.
var Categories = []Category{CategoryExam, CategoryBooking, CategoryDeadline, CategoryLecture}

type Course struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// AgendaItem is a normalized calendar event ready for display.
type AgendaItem struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	DateKey     string    `json:"date_key"`
	FromTime    string    `json:"from_time"`
	ToTime      string    `json:"to_time"`
	Category    Category  `json:"category"`
	AllDay      bool      `json:"all_day"`
	Color       string    `json:"color"`
	Room        string    `json:"room,omitempty"`
	Course      *Course   `json:"course"`
	Recurrence  string    `json:"recurrence,omitempty"`
}

// PositionedItem is a timed item with its column assignment.
type PositionedItem struct {
	AgendaItem
	Lane      int `json:"lane"`
	LaneCount int `json:"lane_count"`
}

type DayLayout struct {
	DateKey string           `json:"date_key"`
	Weekday string           `json:"weekday"`
	Today   bool             `json:"today"`
	AllDay  []AgendaItem     `json:"all_day"`
	Timed   []PositionedItem `json:"timed"`
}

// WeekLayout is the per-day arrangement of one week. Days is always full and
// in calendar order, starting at WeekStart.
type WeekLayout struct {
	WeekStart   string       `json:"week_start"`
	Zone        string       `json:"zone"`
	VisibleDays int          `json:"visible_days"`
	Days        [7]DayLayout `json:"days"`

	// Location is the zone the layout was built in. It does not survive
	// encoding; readers of a decoded layout fall back to Zone.
	Location *time.Location `json:"-"`
}

// Day returns the bucket for a date key.
func (w WeekLayout) Day(key string) (DayLayout, bool) {
	for _, d := range w.Days {
		if d.DateKey == key {
			return d, true
		}
	}
	return DayLayout{}, false
}

// Keys returns the date keys of the week in order.
func (w WeekLayout) Keys() []string {
	keys := make([]string, 0, len(w.Days))
	for _, d := range w.Days {
		keys = append(keys, d.DateKey)
	}
	return keys
}
