package ttp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newUpstream mimics the scheduler API, including its refusal to serve
// requests that lack browser-style headers.
func newUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/locations/", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "Mozilla/") || r.Header.Get("Referer") == "" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/slots") {
			if r.URL.Query().Get("startTimestamp") == "" || r.URL.Query().Get("endTimestamp") == "" {
				http.Error(w, "missing range", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`[
				{"active":1,"total":1,"pending":0,"conflicts":0,"duration":30,"timestamp":"2025-03-05T09:00:00Z","remote":false},
				{"active":0,"total":1,"pending":1,"conflicts":0,"duration":10,"timestamp":"2025-03-06T10:15","remote":true}
			]`))
			return
		}
		_, _ = w.Write([]byte(`[
			{"id":5446,"name":"San Francisco Global Entry Enrollment Center","shortName":"San Francisco Enrollment Center","tzData":"America/Los_Angeles"},
			{"id":"5140","name":"JFK International Global Entry EC","shortName":"JFK","timezoneId":"America/New_York"}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestUpstreamRejectsRequestsWithoutBrowserHeaders(t *testing.T) {
	srv := newUpstream(t, nil)
	target := srv.URL + "/locations/5446/slots?startTimestamp=2025-03-01T00:00:00&endTimestamp=2025-03-31T23:59:59"

	bare, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	bare.Header.Set("User-Agent", "Go-http-client/1.1")
	res, err := http.DefaultClient.Do(bare)
	require.NoError(t, err)
	res.Body.Close()
	assert.False(t, res.StatusCode >= 200 && res.StatusCode < 300, "bare request must be rejected, got %d", res.StatusCode)

	withHeaders, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	ApplyBrowserHeaders(withHeaders.Header)
	res, err = http.DefaultClient.Do(withHeaders)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestSlotsParsesAndKeepsInactive(t *testing.T) {
	srv := newUpstream(t, nil)
	c := New(Options{BaseURL: srv.URL})

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)
	slots, err := c.Slots(context.Background(), "5446", start, end)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC), slots[0].Timestamp)
	assert.Equal(t, 30, slots[0].Duration)
	assert.True(t, slots[0].Available())
	assert.Equal(t, time.Date(2025, 3, 6, 10, 15, 0, 0, time.UTC), slots[1].Timestamp)
	assert.True(t, slots[1].Remote)
	assert.False(t, slots[1].Available())
}

func TestSlotsReadsZonelessTimestampsInLocationZone(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"active":1,"duration":10,"timestamp":"2025-03-05T09:00"}]`))
	}))
	defer srv.Close()

	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	c := New(Options{BaseURL: srv.URL})
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, la)
	end := time.Date(2025, 3, 31, 23, 59, 59, 0, la)
	slots, err := c.Slots(context.Background(), "5446", start, end)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, time.Date(2025, 3, 5, 17, 0, 0, 0, time.UTC), slots[0].Timestamp)
	assert.Contains(t, query, "startTimestamp=2025-03-01T00%3A00%3A00")
	assert.Contains(t, query, "endTimestamp=2025-03-31T23%3A59%3A59")
}

func TestSlotsLogsSkippedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"active":1,"duration":10,"timestamp":"next tuesday"},
			{"active":1,"duration":10,"timestamp":"2025-03-05T09:00:00Z"}
		]`))
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := New(Options{BaseURL: srv.URL, Logger: logger})
	slots, err := c.Slots(context.Background(), "5446", time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Contains(t, logs.String(), "skipping slot with unparseable timestamp")
	assert.Contains(t, logs.String(), `timestamp="next tuesday"`)
}

func TestLocationsAcceptsNumericAndStringIDs(t *testing.T) {
	srv := newUpstream(t, nil)
	c := New(Options{BaseURL: srv.URL})

	ls, err := c.Locations(context.Background())
	require.NoError(t, err)
	require.Len(t, ls, 2)
	assert.Equal(t, appointment.Location{
		ID: "5446", Name: "San Francisco Global Entry Enrollment Center",
		ShortName: "San Francisco Enrollment Center", TimezoneID: "America/Los_Angeles",
	}, ls[0])
	assert.Equal(t, "5140", ls[1].ID)
	assert.Equal(t, "America/New_York", ls[1].TimezoneID)
}

func TestNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.Slots(context.Background(), "1", time.Now(), time.Now())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
}

func TestLocationCacheServesFromMemory(t *testing.T) {
	var hits atomic.Int32
	srv := newUpstream(t, &hits)
	cache := NewLocationCache(New(Options{BaseURL: srv.URL}), time.Minute)

	_, err := cache.Locations(context.Background())
	require.NoError(t, err)
	_, err = cache.Locations(context.Background())
	require.NoError(t, err)
	l, ok := cache.Lookup(context.Background(), "5140")
	require.True(t, ok)
	assert.Equal(t, "JFK", l.ShortName)
	assert.Equal(t, int32(1), hits.Load())
}
