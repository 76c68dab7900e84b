package agenda

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dukerupert/agendaweek/internal/model"
)

// Candidate keys per logical field, most preferred first. Backends renamed
// these over time, so every alias is tried before a field counts as absent.
var (
	idKeys          = []string{"id", "uid"}
	titleKeys       = []string{"title", "summary", "course_name", "course_title"}
	descriptionKeys = []string{"description"}
	startKeys       = []string{"starts_at", "start_date", "start"}
	endKeys         = []string{"ends_at", "end_date", "end"}
	typeKeys        = []string{"type", "category"}
	colorKeys       = []string{"color"}
	allDayKeys      = []string{"allDay", "all_day"}
	roomKeys        = []string{"room", "place"}
	courseIDKeys    = []string{"course_id", "courseId"}
	courseTitleKeys = []string{"course_title", "course_name"}
	rruleKeys       = []string{"rrule"}
)

// nested objects that may carry the same keys as the top level.
var extendedKeys = []string{"extendedProps", "extended_properties"}

// values returns every present value for keys: top-level matches first, in
// key order, then matches inside the extended-properties objects.
func values(r model.RawEvent, keys []string) []any {
	var out []any
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			out = append(out, v)
		}
	}
	for _, ek := range extendedKeys {
		var nested map[string]any
		switch n := r[ek].(type) {
		case map[string]any:
			nested = n
		case model.RawEvent:
			nested = n
		default:
			continue
		}
		for _, k := range keys {
			if v, ok := nested[k]; ok && v != nil {
				out = append(out, v)
			}
		}
	}
	return out
}

// firstString returns the first candidate that renders as a non-blank string.
func firstString(r model.RawEvent, keys []string) string {
	for _, v := range values(r, keys) {
		if s, ok := asString(v); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstBool(r model.RawEvent, keys []string) bool {
	for _, v := range values(r, keys) {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed
			}
		case json.Number:
			return b.String() != "0"
		}
	}
	return false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	}
	return "", false
}
