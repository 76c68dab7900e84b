package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/agendaweek/internal/caltime"
	"github.com/dukerupert/agendaweek/internal/export"
	"github.com/dukerupert/agendaweek/internal/layout"
	"github.com/dukerupert/agendaweek/internal/model"
)

// WeekPlanner is the read side the agenda routes need.
type WeekPlanner interface {
	Zone() *time.Location
	Today() time.Time
	Week(ctx context.Context, day time.Time) (model.WeekLayout, error)
	Items(ctx context.Context, from, to time.Time) ([]model.AgendaItem, error)
}

type AgendaHandler struct {
	planner WeekPlanner
	logger  *slog.Logger
}

func NewAgendaHandler(p WeekPlanner, logger *slog.Logger) *AgendaHandler {
	return &AgendaHandler{planner: p, logger: logger}
}

func (h *AgendaHandler) week(w http.ResponseWriter, r *http.Request) (model.WeekLayout, bool) {
	day, err := parseDay(r, "date", h.planner.Zone(), h.planner.Today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return model.WeekLayout{}, false
	}

	week, err := h.planner.Week(r.Context(), day)
	if err != nil {
		h.logger.Error("failed to build week", "date", day.Format(time.DateOnly), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build week")
		return model.WeekLayout{}, false
	}
	return week, true
}

func (h *AgendaHandler) Week(w http.ResponseWriter, r *http.Request) {
	week, ok := h.week(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, week)
}

func (h *AgendaHandler) WeekICS(w http.ResponseWriter, r *http.Request) {
	week, ok := h.week(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	err := export.WriteWeekICS(&buf, week)
	if errors.Is(err, export.ErrEmptyWeek) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.logger.Error("failed to encode week", "week", week.WeekStart, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to encode calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="agenda-`+week.WeekStart+`.ics"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *AgendaHandler) Items(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" || q.Get("to") == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	zone := h.planner.Zone()
	from, err := caltime.ParseInstant(q.Get("from"), zone)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD or RFC3339")
		return
	}
	to, err := caltime.ParseInstant(q.Get("to"), zone)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD or RFC3339")
		return
	}

	items, err := h.planner.Items(r.Context(), from, to)
	if errors.Is(err, layout.ErrInvalidArgument) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}
	if err != nil {
		h.logger.Error("failed to list items", "from", from, "to", to, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, items)
}
