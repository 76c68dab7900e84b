// Package syncer pulls weeks from the upstream calendar into the raw event
// store and tells the rest of the service what changed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/agendaweek/internal/agenda"
	"github.com/dukerupert/agendaweek/internal/caltime"
	"github.com/dukerupert/agendaweek/internal/model"
	"github.com/dukerupert/agendaweek/internal/store"
	"github.com/dukerupert/agendaweek/internal/upstream"
	"github.com/dukerupert/agendaweek/internal/websocket"
)

// Source is the name stored with upstream records.
const Source = "upstream"

type Fetcher interface {
	Configured() bool
	FetchRange(ctx context.Context, from, to time.Time) ([]model.RawEvent, int, error)
}

type EventWriter interface {
	Upsert(events []model.StoredEvent) (store.WriteResult, error)
	ReplaceRange(source string, from, to time.Time, events []model.StoredEvent, staleRecurring []string) (store.WriteResult, error)
	ListRecurring(source string, before time.Time) ([]model.StoredEvent, error)
}

type RunRecorder interface {
	Start(batchID, source, weekStart string) (*model.SyncRun, error)
	Finish(id int64, fetched, stored, skipped int, runErr error) error
}

// WeekCache is the part of the planner that must forget a week once it
// has been rewritten.
type WeekCache interface {
	WeekStart(day time.Time) time.Time
	Invalidate(ctx context.Context, days ...time.Time) error
	InvalidateAll(ctx context.Context) error
}

type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

type Config struct {
	Fetcher       Fetcher
	Events        EventWriter
	Runs          RunRecorder
	Weeks         WeekCache
	Normalizer    *agenda.Normalizer
	Hub           Broadcaster
	PrefetchWeeks int
	Logger        *slog.Logger
}

// Result summarizes one synced week.
type Result struct {
	BatchID   string `json:"batch_id"`
	WeekStart string `json:"week_start"`
	Fetched   int    `json:"fetched"`
	Stored    int    `json:"stored"`
	Skipped   int    `json:"skipped"`
}

type Syncer struct {
	fetcher  Fetcher
	events   EventWriter
	runs     RunRecorder
	weeks    WeekCache
	norm     *agenda.Normalizer
	hub      Broadcaster
	prefetch int
	group    singleflight.Group
	logger   *slog.Logger
}

func New(cfg Config) (*Syncer, error) {
	if cfg.Fetcher == nil || cfg.Events == nil || cfg.Runs == nil || cfg.Weeks == nil || cfg.Normalizer == nil {
		return nil, errors.New("syncer: fetcher, stores, week cache and normalizer are required")
	}
	if cfg.PrefetchWeeks < 0 {
		cfg.PrefetchWeeks = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Syncer{
		fetcher:  cfg.Fetcher,
		events:   cfg.Events,
		runs:     cfg.Runs,
		weeks:    cfg.Weeks,
		norm:     cfg.Normalizer,
		hub:      cfg.Hub,
		prefetch: cfg.PrefetchWeeks,
		logger:   cfg.Logger,
	}, nil
}

// Configured reports whether an upstream is available to sync from.
func (s *Syncer) Configured() bool {
	return s.fetcher.Configured()
}

// SyncWeek refreshes the week containing day. Callers asking for a week that
// is already being synced wait for that run and share its result.
func (s *Syncer) SyncWeek(ctx context.Context, day time.Time) (Result, error) {
	start := s.weeks.WeekStart(day)
	key := start.Format(caltime.DateLayout)

	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.syncWeek(ctx, start)
	})
	if shared {
		s.logger.Debug("joined in-flight week sync", "week", key)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Syncer) syncWeek(ctx context.Context, start time.Time) (Result, error) {
	if !s.fetcher.Configured() {
		return Result{}, fmt.Errorf("sync week: %w", upstream.ErrNotConfigured)
	}

	key := start.Format(caltime.DateLayout)
	end := caltime.AddDays(start, 7)
	res := Result{BatchID: uuid.NewString(), WeekStart: key}

	run, err := s.runs.Start(res.BatchID, Source, key)
	if err != nil {
		return Result{}, err
	}

	res, written, err := s.fetchAndStore(ctx, start, end, res)
	if ferr := s.runs.Finish(run.ID, res.Fetched, res.Stored, res.Skipped, err); ferr != nil {
		s.logger.Error("record sync run", "batch", res.BatchID, "error", ferr)
	}
	if err != nil {
		return Result{}, fmt.Errorf("sync week %s: %w", key, err)
	}

	if err := s.invalidateChanged(ctx, written.events, written.previous, start); err != nil {
		s.logger.Warn("invalidate synced week", "week", key, "error", err)
	}
	if s.hub != nil {
		s.hub.Broadcast(websocket.WeekSynced(key, res.BatchID, res.Stored))
	}

	s.logger.Info("week synced",
		"week", key,
		"batch", res.BatchID,
		"fetched", res.Fetched,
		"stored", res.Stored,
		"skipped", res.Skipped,
	)
	return res, nil
}

// writeSet pairs the rows a sync wrote with the versions they replaced.
type writeSet struct {
	events   []model.StoredEvent
	previous []model.StoredEvent
}

func (s *Syncer) fetchAndStore(ctx context.Context, start, end time.Time, res Result) (Result, writeSet, error) {
	raw, skipped, err := s.fetcher.FetchRange(ctx, start, end)
	if err != nil {
		return res, writeSet{}, err
	}
	res.Fetched = len(raw) + skipped

	events, unusable := s.norm.Prepare(Source, res.BatchID, raw, time.Now())
	res.Skipped = skipped + unusable

	stale, err := s.staleRecurring(start, end, events)
	if err != nil {
		return res, writeSet{}, err
	}

	wr, err := s.events.ReplaceRange(Source, start, end, events, stale)
	if err != nil {
		return res, writeSet{}, err
	}
	res.Stored = wr.Stored
	return res, writeSet{events: events, previous: wr.Previous}, nil
}

// staleRecurring names the stored upstream series that have an occurrence in
// [start, end) but were missing from the batch fetched for that window. The
// upstream returns every series occurring in the requested range, so such a
// series was cancelled.
func (s *Syncer) staleRecurring(start, end time.Time, fetched []model.StoredEvent) ([]string, error) {
	stored, err := s.events.ListRecurring(Source, end)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(fetched))
	for _, e := range fetched {
		seen[e.ExternalID] = true
	}

	var stale []string
	for _, row := range stored {
		if seen[row.ExternalID] {
			continue
		}
		items, _ := s.norm.Normalize(s.norm.Records([]model.StoredEvent{row}))
		for _, occ := range s.norm.ExpandRecurring(items, start, end) {
			if !occ.Start.Before(start) && occ.Start.Before(end) {
				stale = append(stale, row.ExternalID)
				break
			}
		}
	}
	if len(stale) > 0 {
		s.logger.Info("pruning recurring events missing upstream", "week", start.Format(caltime.DateLayout), "count", len(stale))
	}
	return stale, nil
}

// SyncAround syncs the week containing now and PrefetchWeeks weeks on either
// side, concurrently. Every week is attempted; the first failure is returned.
func (s *Syncer) SyncAround(ctx context.Context, now time.Time) ([]Result, error) {
	current := s.weeks.WeekStart(now)

	var days []time.Time
	for i := -s.prefetch; i <= s.prefetch; i++ {
		days = append(days, caltime.AddDays(current, 7*i))
	}

	results := make([]Result, len(days))
	var g errgroup.Group
	for i, d := range days {
		g.Go(func() error {
			res, err := s.SyncWeek(ctx, d)
			if err != nil {
				s.logger.Warn("week sync failed", "week", d.Format(caltime.DateLayout), "error", err)
				return err
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// Import stores a pushed batch. Records keep their own ids, so a re-import
// replaces earlier copies instead of duplicating them.
// nonObjects counts batch elements the decoder already discarded.
func (s *Syncer) Import(ctx context.Context, source string, raw []model.RawEvent, nonObjects int) (Result, error) {
	res := Result{BatchID: uuid.NewString()}

	run, err := s.runs.Start(res.BatchID, source, "")
	if err != nil {
		return Result{}, err
	}

	events, unusable := s.norm.Prepare(source, res.BatchID, raw, time.Now())
	res.Fetched = len(raw) + nonObjects
	res.Skipped = nonObjects + unusable

	wr, err := s.events.Upsert(events)
	res.Stored = wr.Stored
	if ferr := s.runs.Finish(run.ID, res.Fetched, res.Stored, res.Skipped, err); ferr != nil {
		s.logger.Error("record import run", "batch", res.BatchID, "error", ferr)
	}
	if err != nil {
		return Result{}, fmt.Errorf("import batch: %w", err)
	}

	if err := s.invalidateChanged(ctx, events, wr.Previous); err != nil {
		s.logger.Warn("invalidate imported weeks", "batch", res.BatchID, "error", err)
	}
	if s.hub != nil {
		s.hub.Broadcast(websocket.EventsImported(res.BatchID, res.Stored))
	}

	s.logger.Info("events imported", "source", source, "batch", res.BatchID, "stored", res.Stored, "skipped", res.Skipped)
	return res, nil
}

// invalidateChanged drops every week a write touched: the weeks changed rows
// now start in, the weeks their previous versions started in, and the weeks
// of deleted rows. A changed or deleted recurring row can touch any week, so
// it flushes everything. Rows rewritten unchanged are ignored. days are
// invalidated as well.
func (s *Syncer) invalidateChanged(ctx context.Context, written, previous []model.StoredEvent, days ...time.Time) error {
	type rowKey struct{ source, externalID string }
	before := make(map[rowKey]model.StoredEvent, len(previous))
	for _, p := range previous {
		before[rowKey{p.Source, p.ExternalID}] = p
	}

	for _, e := range written {
		k := rowKey{e.Source, e.ExternalID}
		p, existed := before[k]
		delete(before, k)
		if existed && p.Payload == e.Payload && p.StartsAt.Equal(e.StartsAt) && p.Recurring == e.Recurring {
			continue
		}
		if e.Recurring || (existed && p.Recurring) {
			return s.weeks.InvalidateAll(ctx)
		}
		days = append(days, e.StartsAt)
		if existed {
			days = append(days, p.StartsAt)
		}
	}

	// What remains was deleted.
	for _, p := range before {
		if p.Recurring {
			return s.weeks.InvalidateAll(ctx)
		}
		days = append(days, p.StartsAt)
	}

	if len(days) == 0 {
		return nil
	}
	return s.weeks.Invalidate(ctx, s.distinctWeeks(days)...)
}

func (s *Syncer) distinctWeeks(days []time.Time) []time.Time {
	seen := make(map[string]bool, len(days))
	weeks := make([]time.Time, 0, len(days))
	for _, d := range days {
		start := s.weeks.WeekStart(d)
		key := start.Format(caltime.DateLayout)
		if seen[key] {
			continue
		}
		seen[key] = true
		weeks = append(weeks, start)
	}
	return weeks
}
