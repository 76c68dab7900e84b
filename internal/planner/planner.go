// Package planner serves week layouts built from stored raw events, with a
// cache in front.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/agendaweek/internal/agenda"
	"github.com/dukerupert/agendaweek/internal/cache"
	"github.com/dukerupert/agendaweek/internal/caltime"
	"github.com/dukerupert/agendaweek/internal/layout"
	"github.com/dukerupert/agendaweek/internal/model"
)

// EventSource is the read side of the raw event store.
type EventSource interface {
	ListForRange(from, to time.Time) ([]model.StoredEvent, error)
}

type Config struct {
	Store      EventSource
	Normalizer *agenda.Normalizer
	FirstDay   time.Weekday
	Cache      cache.Cache
	Logger     *slog.Logger
}

type Planner struct {
	store  EventSource
	norm   *agenda.Normalizer
	engine layout.Engine
	cache  cache.Cache
	group  singleflight.Group
	now    func() time.Time
	logger *slog.Logger

	// gen moves on every invalidation. Builds that started under an older
	// generation must not leave their result in the cache.
	gen atomic.Uint64
}

func New(cfg Config) (*Planner, error) {
	if cfg.Store == nil || cfg.Normalizer == nil {
		return nil, fmt.Errorf("planner: store and normalizer are required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory(5 * time.Minute)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{
		store:  cfg.Store,
		norm:   cfg.Normalizer,
		engine: layout.Engine{Zone: cfg.Normalizer.Zone(), FirstDay: cfg.FirstDay},
		cache:  cfg.Cache,
		now:    time.Now,
		logger: cfg.Logger,
	}, nil
}

// Zone returns the reference zone.
func (p *Planner) Zone() *time.Location {
	return p.engine.Zone
}

// WeekStart returns local midnight of the first day of the week containing day.
func (p *Planner) WeekStart(day time.Time) time.Time {
	return caltime.StartOfWeek(day, p.engine.Zone, p.engine.FirstDay)
}

// Today returns local midnight of the current day.
func (p *Planner) Today() time.Time {
	return caltime.StartOfDay(p.now(), p.engine.Zone)
}

func weekKey(weekStart time.Time) string {
	return "week:" + weekStart.Format(caltime.DateLayout)
}

// Week returns the layout of the week containing day, with today marked.
// Concurrent misses for the same week share one build. The shared build is
// not cancelled when the caller that started it goes away.
func (p *Planner) Week(ctx context.Context, day time.Time) (model.WeekLayout, error) {
	start := p.WeekStart(day)
	key := weekKey(start)

	if b, ok, err := p.cache.Get(ctx, key); err != nil {
		p.logger.Warn("week cache read failed", "key", key, "error", err)
	} else if ok {
		var w model.WeekLayout
		if err := json.Unmarshal(b, &w); err == nil {
			w.Location = p.engine.Zone
			return layout.MarkToday(w, p.now()), nil
		}
		p.logger.Warn("discarding undecodable cached week", "key", key)
	}

	// Callers arriving after an invalidation get a fresh build instead of
	// joining one that may have read the store before the write.
	gen := p.gen.Load()
	flight := key + "#" + strconv.FormatUint(gen, 10)
	buildCtx := context.WithoutCancel(ctx)

	v, err, _ := p.group.Do(flight, func() (any, error) {
		return p.build(buildCtx, start, key, gen)
	})
	if err != nil {
		return model.WeekLayout{}, err
	}
	return layout.MarkToday(v.(model.WeekLayout), p.now()), nil
}

func (p *Planner) build(ctx context.Context, start time.Time, key string, gen uint64) (model.WeekLayout, error) {
	items, err := p.Items(ctx, start, caltime.AddDays(start, 7))
	if err != nil {
		return model.WeekLayout{}, err
	}

	w, err := p.engine.Layout(items, start)
	if err != nil {
		return model.WeekLayout{}, fmt.Errorf("layout week %s: %w", key, err)
	}

	p.cacheWeek(ctx, key, w, gen)
	return w, nil
}

// cacheWeek caches w unless an invalidation happened since gen was read. The
// generation is checked again after the write: an invalidation racing the
// write bumps gen before deleting, so one of the two deletes wins.
func (p *Planner) cacheWeek(ctx context.Context, key string, w model.WeekLayout, gen uint64) {
	if p.gen.Load() != gen {
		return
	}
	b, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, key, b); err != nil {
		p.logger.Warn("week cache write failed", "key", key, "error", err)
		return
	}
	if p.gen.Load() != gen {
		if err := p.cache.Delete(ctx, key); err != nil {
			p.logger.Warn("week cache delete failed", "key", key, "error", err)
		}
	}
}

// Items returns normalized items starting in [from, to), with recurring
// records expanded into occurrences.
func (p *Planner) Items(ctx context.Context, from, to time.Time) ([]model.AgendaItem, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: empty range %s to %s", layout.ErrInvalidArgument, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A day of slack on each side catches records whose stored UTC start
	// lands on a neighbouring day.
	stored, err := p.store.ListForRange(caltime.AddDays(caltime.StartOfDay(from, p.engine.Zone), -1), caltime.AddDays(caltime.StartOfDay(to, p.engine.Zone), 1))
	if err != nil {
		return nil, fmt.Errorf("list stored events: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	normalized, rep := p.norm.Normalize(p.norm.Records(stored))
	if rep.Dropped > 0 || rep.Clamped > 0 {
		p.logger.Debug("normalized stored events", "received", rep.Received, "dropped", rep.Dropped, "clamped", rep.Clamped)
	}

	expanded := p.norm.ExpandRecurring(normalized, from, to)

	items := make([]model.AgendaItem, 0, len(expanded))
	for _, it := range expanded {
		if !it.Start.Before(from) && it.Start.Before(to) {
			items = append(items, it)
		}
	}
	return items, nil
}

// Invalidate drops the cached layouts of the weeks containing the given days.
func (p *Planner) Invalidate(ctx context.Context, days ...time.Time) error {
	if len(days) == 0 {
		return nil
	}
	keys := make([]string, 0, len(days))
	for _, d := range days {
		keys = append(keys, weekKey(p.WeekStart(d)))
	}
	p.gen.Add(1)
	return p.cache.Delete(ctx, keys...)
}

func (p *Planner) InvalidateAll(ctx context.Context) error {
	p.gen.Add(1)
	return p.cache.Flush(ctx)
}
