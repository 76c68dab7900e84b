package agenda

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/agendaweek/internal/model"
)

// ErrNotBatch is returned for JSON that is neither an array nor a
// {"data": [...]} envelope.
var ErrNotBatch = errors.New("payload is not an event array")

// DecodeBatch decodes a raw event batch. Numbers are kept as json.Number so
// numeric ids survive untouched. Elements that are not objects are skipped
// and counted. Empty input and JSON null decode to an empty batch.
func DecodeBatch(data []byte) ([]model.RawEvent, int, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []model.RawEvent{}, 0, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, 0, fmt.Errorf("decode event batch: %w", err)
	}

	var elems []any
	switch t := v.(type) {
	case nil:
		return []model.RawEvent{}, 0, nil
	case []any:
		elems = t
	case map[string]any:
		data, ok := t["data"]
		if !ok || data == nil {
			return []model.RawEvent{}, 0, nil
		}
		arr, ok := data.([]any)
		if !ok {
			return nil, 0, ErrNotBatch
		}
		elems = arr
	default:
		return nil, 0, ErrNotBatch
	}

	events := make([]model.RawEvent, 0, len(elems))
	skipped := 0
	for _, e := range elems {
		obj, ok := e.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		events = append(events, model.RawEvent(obj))
	}
	return events, skipped, nil
}
