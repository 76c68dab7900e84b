package model

import "time"

// StoredEvent is a raw record persisted as received, with the columns needed
// to find it again by week.
type StoredEvent struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	Payload    string    `json:"payload"`
	StartsAt   time.Time `json:"starts_at"`
	Recurring  bool      `json:"recurring"`
	BatchID    string    `json:"batch_id"`
	FetchedAt  time.Time `json:"fetched_at"`
}
