package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/agendaweek/internal/model"
)

type RawEventStore struct {
	db *sql.DB
}

func NewRawEventStore(db *sql.DB) *RawEventStore {
	return &RawEventStore{db: db}
}

// WriteResult reports what a write did to the table.
type WriteResult struct {
	// Stored counts the distinct rows written.
	Stored int
	// Previous holds the prior version of every row the write overwrote or
	// deleted, so callers can refresh the weeks those rows used to sit in.
	Previous []model.StoredEvent
}

const rawEventColumns = `id, source, external_id, payload, starts_at, recurring, batch_id, fetched_at`

const upsertRawEvent = `INSERT INTO raw_events (source, external_id, payload, starts_at, recurring, batch_id, fetched_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?)
	 ON CONFLICT (source, external_id) DO UPDATE SET
		payload = excluded.payload,
		starts_at = excluded.starts_at,
		recurring = excluded.recurring,
		batch_id = excluded.batch_id,
		fetched_at = excluded.fetched_at`

// Upsert stores events, replacing any row with the same source and external id.
func (s *RawEventStore) Upsert(events []model.StoredEvent) (WriteResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return WriteResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var res WriteResult
	if err := upsertTx(tx, events, &res); err != nil {
		return WriteResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

// ReplaceRange swaps the non-recurring rows of source starting in [from, to)
// for events, in one transaction. Recurring rows may have their first
// occurrence outside the range, so they are only removed when named in
// staleRecurring.
func (s *RawEventStore) ReplaceRange(source string, from, to time.Time, events []model.StoredEvent, staleRecurring []string) (WriteResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return WriteResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var res WriteResult

	removed, err := queryRawEvents(tx,
		`SELECT `+rawEventColumns+` FROM raw_events
		 WHERE source = ? AND recurring = 0 AND starts_at >= ? AND starts_at < ?`,
		source, from.UTC(), to.UTC(),
	)
	if err != nil {
		return WriteResult{}, fmt.Errorf("query raw events in range: %w", err)
	}
	for _, id := range staleRecurring {
		row, err := scanRawEvent(tx.QueryRow(
			`SELECT `+rawEventColumns+` FROM raw_events
			 WHERE source = ? AND external_id = ? AND recurring = 1`,
			source, id,
		))
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return WriteResult{}, fmt.Errorf("query recurring raw event %s/%s: %w", source, id, err)
		}
		removed = append(removed, *row)
	}

	if len(removed) > 0 {
		del, err := tx.Prepare(`DELETE FROM raw_events WHERE id = ?`)
		if err != nil {
			return WriteResult{}, fmt.Errorf("prepare delete: %w", err)
		}
		defer del.Close()
		for _, e := range removed {
			if _, err := del.Exec(e.ID); err != nil {
				return WriteResult{}, fmt.Errorf("delete raw event %s/%s: %w", e.Source, e.ExternalID, err)
			}
		}
	}
	res.Previous = removed

	if err := upsertTx(tx, events, &res); err != nil {
		return WriteResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

func upsertTx(tx *sql.Tx, events []model.StoredEvent, res *WriteResult) error {
	if len(events) == 0 {
		return nil
	}

	lookup, err := tx.Prepare(`SELECT ` + rawEventColumns + ` FROM raw_events WHERE source = ? AND external_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare lookup: %w", err)
	}
	defer lookup.Close()

	stmt, err := tx.Prepare(upsertRawEvent)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	type rowKey struct{ source, externalID string }
	written := make(map[rowKey]bool, len(events))

	for _, e := range events {
		k := rowKey{e.Source, e.ExternalID}
		// A key repeated within the batch overwrites its own earlier copy,
		// which is not a previous version.
		if !written[k] {
			prev, err := scanRawEvent(lookup.QueryRow(e.Source, e.ExternalID))
			switch {
			case err == sql.ErrNoRows:
			case err != nil:
				return fmt.Errorf("lookup raw event %s/%s: %w", e.Source, e.ExternalID, err)
			default:
				res.Previous = append(res.Previous, *prev)
			}
		}

		var recurring int
		if e.Recurring {
			recurring = 1
		}
		fetchedAt := e.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now()
		}
		if _, err := stmt.Exec(e.Source, e.ExternalID, e.Payload, e.StartsAt.UTC(), recurring, e.BatchID, fetchedAt.UTC()); err != nil {
			return fmt.Errorf("upsert raw event %s/%s: %w", e.Source, e.ExternalID, err)
		}
		written[k] = true
	}
	res.Stored += len(written)
	return nil
}

// ListForRange returns rows starting in [from, to) plus every recurring row
// that started before to.
func (s *RawEventStore) ListForRange(from, to time.Time) ([]model.StoredEvent, error) {
	events, err := queryRawEvents(s.db,
		`SELECT `+rawEventColumns+` FROM raw_events
		 WHERE (starts_at >= ? AND starts_at < ?) OR (recurring = 1 AND starts_at < ?)
		 ORDER BY starts_at ASC, id ASC`,
		from.UTC(), to.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query raw events: %w", err)
	}
	return events, nil
}

// ListRecurring returns the recurring rows of source whose series started
// before the given time.
func (s *RawEventStore) ListRecurring(source string, before time.Time) ([]model.StoredEvent, error) {
	events, err := queryRawEvents(s.db,
		`SELECT `+rawEventColumns+` FROM raw_events
		 WHERE source = ? AND recurring = 1 AND starts_at < ?
		 ORDER BY starts_at ASC, id ASC`,
		source, before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query recurring raw events: %w", err)
	}
	return events, nil
}

func (s *RawEventStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM raw_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw events: %w", err)
	}
	return n, nil
}

func queryRawEvents(q interface {
	Query(query string, args ...any) (*sql.Rows, error)
}, query string, args ...any) ([]model.StoredEvent, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.StoredEvent
	for rows.Next() {
		e, err := scanRawEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanRawEvent(scanner interface{ Scan(...any) error }) (*model.StoredEvent, error) {
	var e model.StoredEvent
	var recurring int
	if err := scanner.Scan(&e.ID, &e.Source, &e.ExternalID, &e.Payload, &e.StartsAt, &recurring, &e.BatchID, &e.FetchedAt); err != nil {
		return nil, err
	}
	e.Recurring = recurring != 0
	return &e, nil
}
