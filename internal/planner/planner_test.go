package planner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/agendaweek/internal/agenda"
	"github.com/dukerupert/agendaweek/internal/cache"
	"github.com/dukerupert/agendaweek/internal/database"
	"github.com/dukerupert/agendaweek/internal/model"
	"github.com/dukerupert/agendaweek/internal/store"
)

type fixture struct {
	planner *Planner
	store   *store.RawEventStore
	norm    *agenda.Normalizer
	zone    *time.Location
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(database.MemoryPath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	zone, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	norm, err := agenda.NewNormalizer(agenda.Config{Zone: zone})
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}

	events := store.NewRawEventStore(db)
	p, err := New(Config{
		Store:      events,
		Normalizer: norm,
		FirstDay:   time.Monday,
		Cache:      cache.NewMemory(time.Hour),
	})
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	p.now = func() time.Time { return time.Date(2024, 3, 6, 12, 0, 0, 0, zone) }

	return &fixture{planner: p, store: events, norm: norm, zone: zone}
}

func (f *fixture) seed(t *testing.T, raw ...model.RawEvent) {
	t.Helper()
	events, skipped := f.norm.Prepare("test", "batch", raw, time.Now())
	if skipped != 0 {
		t.Fatalf("seed skipped %d records", skipped)
	}
	if _, err := f.store.Upsert(events); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestWeek(t *testing.T) {
	f := setup(t)
	f.seed(t,
		model.RawEvent{"id": "a", "start": "2024-03-04T09:00:00", "end": "2024-03-04T10:00:00"},
		model.RawEvent{"id": "b", "start": "2024-03-04T09:30:00", "end": "2024-03-04T10:30:00"},
		model.RawEvent{"id": "holiday", "start": "2024-03-08", "allDay": true},
		model.RawEvent{"id": "other-week", "start": "2024-03-12T09:00:00"},
	)

	w, err := f.planner.Week(context.Background(), time.Date(2024, 3, 7, 0, 0, 0, 0, f.zone))
	if err != nil {
		t.Fatalf("week: %v", err)
	}

	if w.WeekStart != "2024-03-04" {
		t.Errorf("week start = %s, want 2024-03-04", w.WeekStart)
	}
	mon := w.Days[0]
	if len(mon.Timed) != 2 {
		t.Fatalf("monday timed = %d, want 2", len(mon.Timed))
	}
	if mon.Timed[1].Lane != 1 || mon.Timed[1].LaneCount != 2 {
		t.Errorf("second item lane = %d/%d, want 1/2", mon.Timed[1].Lane, mon.Timed[1].LaneCount)
	}
	if len(w.Days[4].AllDay) != 1 {
		t.Errorf("friday all-day = %d, want 1", len(w.Days[4].AllDay))
	}
	if !w.Days[2].Today {
		t.Error("wednesday should be marked as today")
	}
	for _, d := range w.Days {
		for _, it := range d.Timed {
			if it.ID == "other-week" {
				t.Error("item from another week leaked into layout")
			}
		}
	}
}

func TestWeekIsCachedUntilInvalidated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, f.zone)

	f.seed(t, model.RawEvent{"id": "a", "start": "2024-03-04T09:00:00"})
	if _, err := f.planner.Week(ctx, day); err != nil {
		t.Fatalf("week: %v", err)
	}

	f.seed(t, model.RawEvent{"id": "late", "start": "2024-03-05T09:00:00"})

	w, err := f.planner.Week(ctx, day)
	if err != nil {
		t.Fatalf("week: %v", err)
	}
	if len(w.Days[1].Timed) != 0 {
		t.Error("expected cached layout without the late record")
	}
	if !w.Days[2].Today {
		t.Error("today must be marked on cached layouts too")
	}

	if err := f.planner.Invalidate(ctx, time.Date(2024, 3, 9, 15, 0, 0, 0, f.zone)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	w, err = f.planner.Week(ctx, day)
	if err != nil {
		t.Fatalf("week: %v", err)
	}
	if len(w.Days[1].Timed) != 1 {
		t.Errorf("tuesday timed = %d, want 1 after invalidation", len(w.Days[1].Timed))
	}
}

func TestItemsExpandsRecurring(t *testing.T) {
	f := setup(t)
	f.seed(t,
		model.RawEvent{"id": "lec", "start": "2024-02-05T09:00:00", "end": "2024-02-05T11:00:00", "rrule": "FREQ=WEEKLY;BYDAY=MO,TH"},
		model.RawEvent{"id": "once", "start": "2024-03-05T14:00:00"},
		model.RawEvent{"id": "before", "start": "2024-03-03T23:30:00"},
	)

	from := time.Date(2024, 3, 4, 0, 0, 0, 0, f.zone)
	items, err := f.planner.Items(context.Background(), from, from.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("items: %v", err)
	}

	var got []string
	for _, it := range items {
		got = append(got, it.DateKey+" "+it.FromTime)
	}
	want := []string{"2024-03-04 09:00", "2024-03-05 14:00", "2024-03-07 09:00"}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestItemsRejectsEmptyRange(t *testing.T) {
	f := setup(t)
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, f.zone)
	if _, err := f.planner.Items(context.Background(), day, day); err == nil {
		t.Error("expected error for empty range")
	}
}

type countingSource struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (c *countingSource) ListForRange(from, to time.Time) ([]model.StoredEvent, error) {
	c.calls.Add(1)
	<-c.gate
	return nil, nil
}

func TestWeekSharesConcurrentBuilds(t *testing.T) {
	zone, _ := time.LoadLocation("Europe/Rome")
	norm, _ := agenda.NewNormalizer(agenda.Config{Zone: zone})
	src := &countingSource{gate: make(chan struct{})}

	p, err := New(Config{Store: src, Normalizer: norm, FirstDay: time.Monday})
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}

	day := time.Date(2024, 3, 4, 0, 0, 0, 0, zone)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Week(context.Background(), day); err != nil {
				t.Errorf("week: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}

// gatedStore holds the first read until released, after it has already
// taken its snapshot of the store.
type gatedStore struct {
	*store.RawEventStore
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListForRange(from, to time.Time) ([]model.StoredEvent, error) {
	events, err := g.RawEventStore.ListForRange(from, to)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.read)
		<-g.release
	}
	return events, err
}

func TestWeekDropsBuildStartedBeforeInvalidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, f.zone)

	src := &gatedStore{RawEventStore: f.store, read: make(chan struct{}), release: make(chan struct{})}
	p, err := New(Config{Store: src, Normalizer: f.norm, FirstDay: time.Monday, Cache: cache.NewMemory(time.Hour)})
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}

	f.seed(t, model.RawEvent{"id": "a", "start": "2024-03-04T09:00:00"})

	stale := make(chan model.WeekLayout, 1)
	go func() {
		w, err := p.Week(ctx, day)
		if err != nil {
			t.Errorf("week: %v", err)
		}
		stale <- w
	}()
	<-src.read

	f.seed(t, model.RawEvent{"id": "late", "start": "2024-03-05T09:00:00"})
	if err := p.Invalidate(ctx, day); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	// A caller arriving now must not join the build that read the old rows.
	fresh := make(chan model.WeekLayout, 1)
	go func() {
		w, err := p.Week(ctx, day)
		if err != nil {
			t.Errorf("week: %v", err)
		}
		fresh <- w
	}()
	select {
	case w := <-fresh:
		if len(w.Days[1].Timed) != 1 {
			t.Errorf("tuesday timed = %d, want 1 for a caller after invalidation", len(w.Days[1].Timed))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("caller after invalidation waited on the older build")
	}

	close(src.release)
	if w := <-stale; len(w.Days[1].Timed) != 0 {
		t.Errorf("in-flight build saw %d tuesday items, want 0", len(w.Days[1].Timed))
	}

	w, err := p.Week(ctx, day)
	if err != nil {
		t.Fatalf("week: %v", err)
	}
	if len(w.Days[1].Timed) != 1 {
		t.Errorf("tuesday timed = %d, want 1: the older build must not be cached", len(w.Days[1].Timed))
	}
}

func TestWeekSharedBuildSurvivesCallerCancel(t *testing.T) {
	zone, _ := time.LoadLocation("Europe/Rome")
	norm, _ := agenda.NewNormalizer(agenda.Config{Zone: zone})
	src := &countingSource{gate: make(chan struct{})}

	p, err := New(Config{Store: src, Normalizer: norm, FirstDay: time.Monday})
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, zone)

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)

	go func() {
		_, err := p.Week(first, day)
		errs <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("build never started")
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		_, err := p.Week(context.Background(), day)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	close(src.gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("week: %v", err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}

func TestWeekMarksTodayInFixedZone(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	norm, err := agenda.NewNormalizer(agenda.Config{Zone: zone})
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	p, err := New(Config{Store: &countingSource{gate: closedGate()}, Normalizer: norm, FirstDay: time.Monday, Cache: cache.NewMemory(time.Hour)})
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	p.now = func() time.Time { return time.Date(2024, 3, 6, 12, 0, 0, 0, zone) }

	day := time.Date(2024, 3, 4, 0, 0, 0, 0, zone)
	for _, pass := range []string{"built", "cached"} {
		w, err := p.Week(context.Background(), day)
		if err != nil {
			t.Fatalf("%s week: %v", pass, err)
		}
		if !w.Days[2].Today {
			t.Errorf("%s layout: wednesday not marked as today", pass)
		}
	}
}

func closedGate() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
