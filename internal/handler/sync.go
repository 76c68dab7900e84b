package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/agendaweek/internal/agenda"
	"github.com/dukerupert/agendaweek/internal/model"
	"github.com/dukerupert/agendaweek/internal/syncer"
	"github.com/dukerupert/agendaweek/internal/upstream"
)

const (
	maxImportBytes = 8 << 20
	defaultSource  = "import"
)

type Syncer interface {
	Configured() bool
	SyncWeek(ctx context.Context, day time.Time) (syncer.Result, error)
	Import(ctx context.Context, source string, raw []model.RawEvent, nonObjects int) (syncer.Result, error)
}

type RunLister interface {
	ListRecent(limit int) ([]model.SyncRun, error)
}

type SyncHandler struct {
	syncer  Syncer
	runs    RunLister
	planner WeekPlanner
	logger  *slog.Logger
}

func NewSyncHandler(s Syncer, runs RunLister, p WeekPlanner, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{syncer: s, runs: runs, planner: p, logger: logger}
}

type importResponse struct {
	BatchID  string `json:"batch_id"`
	Received int    `json:"received"`
	Stored   int    `json:"stored"`
	Skipped  int    `json:"skipped"`
}

// Import ingests a pushed batch, either a bare array or a {"data": [...]}
// envelope.
func (h *SyncHandler) Import(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = defaultSource
	}
	if source == syncer.Source {
		writeError(w, http.StatusBadRequest, "source "+syncer.Source+" is reserved")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	raw, nonObjects, err := agenda.DecodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array or {\"data\": [...]}")
		return
	}

	res, err := h.syncer.Import(r.Context(), source, raw, nonObjects)
	if err != nil {
		h.logger.Error("failed to import batch", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to import batch")
		return
	}

	writeJSON(w, http.StatusOK, importResponse{
		BatchID:  res.BatchID,
		Received: res.Fetched,
		Stored:   res.Stored,
		Skipped:  res.Skipped,
	})
}

// Sync pulls the week containing ?date= (default today) from upstream.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if !h.syncer.Configured() {
		writeError(w, http.StatusServiceUnavailable, "upstream is not configured")
		return
	}

	day, err := parseDay(r, "date", h.planner.Zone(), h.planner.Today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	res, err := h.syncer.SyncWeek(r.Context(), day)
	if errors.Is(err, upstream.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, "upstream is not configured")
		return
	}
	if err != nil {
		h.logger.Error("failed to sync week", "date", day.Format(time.DateOnly), "error", err)
		writeError(w, http.StatusBadGateway, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *SyncHandler) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRecent(parseLimit(r, 20, 200))
	if err != nil {
		h.logger.Error("failed to list sync runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sync runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
