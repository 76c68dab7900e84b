package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/agendaweek/internal/model"
)

type SyncRunStore struct {
	db *sql.DB
}

func NewSyncRunStore(db *sql.DB) *SyncRunStore {
	return &SyncRunStore{db: db}
}

// Start records the beginning of a sync or import.
func (s *SyncRunStore) Start(batchID, source, weekStart string) (*model.SyncRun, error) {
	result, err := s.db.Exec(
		`INSERT INTO sync_runs (batch_id, source, week_start, started_at) VALUES (?, ?, ?, ?)`,
		batchID, source, weekStart, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(id)
}

// Finish stores the outcome of a run. A nil runErr marks success.
func (s *SyncRunStore) Finish(id int64, fetched, stored, skipped int, runErr error) error {
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}

	_, err := s.db.Exec(
		`UPDATE sync_runs
		 SET fetched = ?, stored = ?, skipped = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		fetched, stored, skipped, msg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

func (s *SyncRunStore) GetByID(id int64) (*model.SyncRun, error) {
	row := s.db.QueryRow(
		`SELECT id, batch_id, source, week_start, fetched, stored, skipped, error, started_at, finished_at
		 FROM sync_runs WHERE id = ?`,
		id,
	)
	r, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sync run: %w", err)
	}
	return r, nil
}

// ListRecent returns the newest runs first.
func (s *SyncRunStore) ListRecent(limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, batch_id, source, week_start, fetched, stored, skipped, error, started_at, finished_at
		 FROM sync_runs
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	runs := []model.SyncRun{}
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanSyncRun(scanner interface{ Scan(...any) error }) (*model.SyncRun, error) {
	var r model.SyncRun
	var finished sql.NullTime
	if err := scanner.Scan(&r.ID, &r.BatchID, &r.Source, &r.WeekStart, &r.Fetched, &r.Stored, &r.Skipped, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
