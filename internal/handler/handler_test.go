package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/agendaweek/internal/agenda"
	"github.com/dukerupert/agendaweek/internal/database"
	"github.com/dukerupert/agendaweek/internal/model"
	"github.com/dukerupert/agendaweek/internal/planner"
	"github.com/dukerupert/agendaweek/internal/store"
	"github.com/dukerupert/agendaweek/internal/syncer"
)

type stubFetcher struct {
	configured bool
	records    []model.RawEvent
}

func (f *stubFetcher) Configured() bool { return f.configured }

func (f *stubFetcher) FetchRange(ctx context.Context, from, to time.Time) ([]model.RawEvent, int, error) {
	return f.records, 0, nil
}

type fixture struct {
	agenda  *AgendaHandler
	sync    *SyncHandler
	fetcher *stubFetcher
	mux     *http.ServeMux
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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	norm, err := agenda.NewNormalizer(agenda.Config{Zone: zone, Logger: logger})
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	events := store.NewRawEventStore(db)
	runs := store.NewSyncRunStore(db)

	p, err := planner.New(planner.Config{Store: events, Normalizer: norm, FirstDay: time.Monday, Logger: logger})
	if err != nil {
		t.Fatalf("planner: %v", err)
	}

	f := &fixture{fetcher: &stubFetcher{}}
	s, err := syncer.New(syncer.Config{
		Fetcher:    f.fetcher,
		Events:     events,
		Runs:       runs,
		Weeks:      p,
		Normalizer: norm,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}

	f.agenda = NewAgendaHandler(p, logger)
	f.sync = NewSyncHandler(s, runs, p, logger)

	f.mux = http.NewServeMux()
	f.mux.HandleFunc("GET /api/agenda/week", f.agenda.Week)
	f.mux.HandleFunc("GET /api/agenda/week.ics", f.agenda.WeekICS)
	f.mux.HandleFunc("GET /api/agenda/items", f.agenda.Items)
	f.mux.HandleFunc("POST /api/events/import", f.sync.Import)
	f.mux.HandleFunc("POST /api/sync", f.sync.Sync)
	f.mux.HandleFunc("GET /api/sync/runs", f.sync.Runs)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

const batch = `{"data": [
	{"id": "a", "title": "Analisi I", "starts_at": "2024-03-04T09:00:00+01:00", "ends_at": "2024-03-04T11:00:00+01:00", "category": "lecture"},
	{"id": "b", "title": "Fisica", "starts_at": "2024-03-04T10:00:00+01:00", "ends_at": "2024-03-04T12:00:00+01:00", "category": "exam"},
	{"id": "c", "title": "no start"},
	42
]}`

func TestImport(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "POST", "/api/events/import?source=moodle", batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp importResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BatchID == "" {
		t.Error("expected a batch id")
	}
	if resp.Received != 4 || resp.Stored != 2 || resp.Skipped != 2 {
		t.Errorf("got received=%d stored=%d skipped=%d, want 4/2/2", resp.Received, resp.Stored, resp.Skipped)
	}
}

func TestImportRejects(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"malformed json", "/api/events/import", `[{"id":`, http.StatusBadRequest},
		{"not a batch", "/api/events/import", `"hello"`, http.StatusBadRequest},
		{"reserved source", "/api/events/import?source=upstream", `[]`, http.StatusBadRequest},
		{"empty body", "/api/events/import", ``, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "POST", tt.target, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestWeekAfterImport(t *testing.T) {
	f := setup(t)

	// Prime the cache with the empty week; the import must invalidate it.
	if rec := f.do(t, "GET", "/api/agenda/week?date=2024-03-06", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/events/import", batch); rec.Code != http.StatusOK {
		t.Fatalf("import status = %d", rec.Code)
	}

	rec := f.do(t, "GET", "/api/agenda/week?date=2024-03-06", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var week model.WeekLayout
	if err := json.NewDecoder(rec.Body).Decode(&week); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if week.WeekStart != "2024-03-04" {
		t.Errorf("week_start = %q, want 2024-03-04", week.WeekStart)
	}
	if week.VisibleDays != 5 {
		t.Errorf("visible_days = %d, want 5", week.VisibleDays)
	}

	monday := week.Days[0]
	if len(monday.Timed) != 2 {
		t.Fatalf("monday has %d timed items, want 2", len(monday.Timed))
	}
	for i, want := range []string{"a", "b"} {
		got := monday.Timed[i]
		if got.ID != want || got.Lane != i || got.LaneCount != 2 {
			t.Errorf("timed[%d] = %s lane %d/%d, want %s lane %d/2", i, got.ID, got.Lane, got.LaneCount, want, i)
		}
	}
}

func TestWeekBadDate(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "GET", "/api/agenda/week?date=next-tuesday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWeekDefaultsToToday(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "GET", "/api/agenda/week", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var week model.WeekLayout
	if err := json.NewDecoder(rec.Body).Decode(&week); err != nil {
		t.Fatalf("decode: %v", err)
	}
	today := 0
	for _, d := range week.Days {
		if d.Today {
			today++
		}
	}
	if today != 1 {
		t.Errorf("%d days marked today, want 1", today)
	}
}

func TestWeekICS(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "GET", "/api/agenda/week.ics?date=2024-03-04", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("empty week: status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	f.do(t, "POST", "/api/events/import", batch)

	rec = f.do(t, "GET", "/api/agenda/week.ics?date=2024-03-04", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if strings.Count(body, "BEGIN:VEVENT") != 2 {
		t.Errorf("expected 2 events in feed:\n%s", body)
	}
}

func TestItems(t *testing.T) {
	f := setup(t)
	f.do(t, "POST", "/api/events/import", batch)

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{"whole day", "from=2024-03-04&to=2024-03-05", http.StatusOK, 2},
		{"after first start", "from=2024-03-04T09:30:00%2B01:00&to=2024-03-05", http.StatusOK, 1},
		{"other day", "from=2024-03-05&to=2024-03-06", http.StatusOK, 0},
		{"missing to", "from=2024-03-04", http.StatusBadRequest, 0},
		{"bad from", "from=soon&to=2024-03-05", http.StatusBadRequest, 0},
		{"empty range", "from=2024-03-05&to=2024-03-04", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "GET", "/api/agenda/items?"+tt.query, "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var items []model.AgendaItem
			if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(items) != tt.count {
				t.Errorf("got %d items, want %d", len(items), tt.count)
			}
		})
	}
}

func TestSyncNotConfigured(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "POST", "/api/sync?date=2024-03-04", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestSyncAndRuns(t *testing.T) {
	f := setup(t)
	f.fetcher.configured = true
	f.fetcher.records = []model.RawEvent{
		{"id": "u1", "title": "Seminar", "starts_at": "2024-03-05T14:00:00+01:00"},
	}

	rec := f.do(t, "POST", "/api/sync?date=2024-03-06", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var res syncer.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.WeekStart != "2024-03-04" || res.Stored != 1 {
		t.Errorf("result = %+v", res)
	}

	rec = f.do(t, "GET", "/api/sync/runs?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("runs status = %d", rec.Code)
	}
	var runs []model.SyncRun
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].BatchID != res.BatchID || runs[0].FinishedAt == nil {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSyncBadDate(t *testing.T) {
	f := setup(t)
	f.fetcher.configured = true

	rec := f.do(t, "POST", "/api/sync?date=31/12/2024", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
