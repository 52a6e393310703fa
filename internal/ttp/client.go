package ttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/slotwatch/internal/appointment"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Trusted Traveler scheduler API root.
const DefaultBaseURL = "https://ttp.cbp.dhs.gov/schedulerapi"

const (
	defaultUA      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	defaultReferer = "https://ttp.cbp.dhs.gov/schedulerui/schedule-interview/location?lang=en&vo=true&returnUrl=ttp-external&service=up"
	defaultOrigin  = "https://ttp.cbp.dhs.gov"

	// upstream wants local wall-clock timestamps without a zone suffix
	queryTimestampLayout = "2006-01-02T15:04:05"
)

// Client talks to the scheduler API. The upstream rejects requests that do
// not look like they came from a browser, so every request carries the
// header set from ApplyBrowserHeaders.
type Client struct {
	hc      *http.Client
	base    string
	limiter *rate.Limiter
	logger  *slog.Logger
}

type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 disables client-side limiting
	Burst             int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{hc: hc, base: base, limiter: rate.NewLimiter(limit, burst), logger: logger.With("component", "ttp")}
}

// StatusError is returned for any non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream http %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream http %d: %s", e.StatusCode, e.Body)
}

// ApplyBrowserHeaders sets the header set the upstream requires.
func ApplyBrowserHeaders(h http.Header) {
	h.Set("user-agent", defaultUA)
	h.Set("referer", defaultReferer)
	h.Set("origin", defaultOrigin)
	h.Set("accept", "application/json, text/plain, */*")
	h.Set("accept-language", "en-US,en;q=0.9")
	h.Set("cache-control", "no-cache")
}

// Locations lists operational Global Entry enrollment centers.
func (c *Client) Locations(ctx context.Context) ([]appointment.Location, error) {
	q := url.Values{}
	q.Set("temporary", "false")
	q.Set("inviteOnly", "false")
	q.Set("operational", "true")
	q.Set("serviceName", "Global Entry")
	body, err := c.do(ctx, c.base+"/locations/", q)
	if err != nil {
		return nil, err
	}
	var raw []locationJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse locations: %w", err)
	}
	out := make([]appointment.Location, 0, len(raw))
	for _, l := range raw {
		tz := l.TimezoneID
		if tz == "" {
			tz = l.TZData
		}
		out = append(out, appointment.Location{
			ID:         string(l.ID),
			Name:       strings.TrimSpace(l.Name),
			ShortName:  strings.TrimSpace(l.ShortName),
			TimezoneID: tz,
		})
	}
	return out, nil
}

// Slots returns every slot record the upstream reports for the range,
// including inactive ones; filtering is the caller's job. start and end
// carry the location's zone: the range is sent as wall-clock time in it and
// zone-less timestamps in the response are read in it.
func (c *Client) Slots(ctx context.Context, locationID string, start, end time.Time) ([]appointment.Slot, error) {
	if strings.TrimSpace(locationID) == "" {
		return nil, fmt.Errorf("locationID is required")
	}
	q := url.Values{}
	q.Set("startTimestamp", start.Format(queryTimestampLayout))
	q.Set("endTimestamp", end.Format(queryTimestampLayout))
	body, err := c.do(ctx, c.base+"/locations/"+url.PathEscape(locationID)+"/slots", q)
	if err != nil {
		return nil, err
	}
	var raw []slotJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse slots: %w", err)
	}
	loc := start.Location()
	out := make([]appointment.Slot, 0, len(raw))
	for _, s := range raw {
		ts, err := parseTimestamp(s.Timestamp, loc)
		if err != nil {
			c.logger.Debug("skipping slot with unparseable timestamp", "location", locationID, "timestamp", s.Timestamp, "error", err)
			continue
		}
		out = append(out, appointment.Slot{
			Timestamp: ts,
			Active:    s.Active,
			Duration:  s.Duration,
			Remote:    s.Remote,
		})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	ApplyBrowserHeaders(req.Header)
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: res.StatusCode, Body: truncate(string(b), 256)}
	}
	return b, nil
}

type locationJSON struct {
	ID         flexID `json:"id"`
	Name       string `json:"name"`
	ShortName  string `json:"shortName"`
	TimezoneID string `json:"timezoneId"`
	TZData     string `json:"tzData"`
}

type slotJSON struct {
	Active    int    `json:"active"`
	Duration  int    `json:"duration"`
	Remote    bool   `json:"remote"`
	Timestamp string `json:"timestamp"`
}

// flexID accepts both numeric and string ids.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexID(n.String())
	return nil
}

var zonedLayouts = []string{time.RFC3339Nano, time.RFC3339}

var wallClockLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04"}

// parseTimestamp reads upstream timestamps. Zone-less values are wall-clock
// time at the location, so they are read in loc.
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
