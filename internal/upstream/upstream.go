// Package upstream fetches calendar records from the university REST API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/agendaweek/internal/agenda"
	"github.com/dukerupert/agendaweek/internal/model"
)

const (
	defaultTimeout = 15 * time.Second
	eventsPath     = "/calendar/my-events"

	// maxBody bounds a single response; a week of events is far below it.
	maxBody = 8 << 20
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("upstream calendar not configured")

// Config holds upstream settings from the application config.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the calendar backend. It makes a single request per call
// and leaves retrying to the caller's schedule.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// FetchRange returns the raw records between from and to. The second result
// counts array elements that were not objects.
func (c *Client) FetchRange(ctx context.Context, from, to time.Time) ([]model.RawEvent, int, error) {
	if !c.Configured() {
		return nil, 0, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("fromDate", from.Format(time.RFC3339))
	q.Set("toDate", to.Format(time.RFC3339))
	endpoint := c.baseURL + eventsPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, 0, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, 0, fmt.Errorf("read upstream response: %w", err)
	}

	events, skipped, err := agenda.DecodeBatch(body)
	if err != nil {
		return nil, 0, fmt.Errorf("decode upstream response: %w", err)
	}

	c.logger.Debug("fetched upstream events",
		"from", from.Format(time.RFC3339),
		"to", to.Format(time.RFC3339),
		"count", len(events),
		"skipped", skipped,
		"duration", time.Since(start),
	)
	return events, skipped, nil
}
