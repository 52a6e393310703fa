package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/bridge"
	"github.com/example/slotwatch/internal/ttp"
)

type fakeUpstream struct {
	slots []appointment.Slot
	err   error

	gotID         string
	gotStart, end time.Time
}

func (f *fakeUpstream) Locations(context.Context) ([]appointment.Location, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []appointment.Location{{ID: "5446", Name: "San Francisco Global Entry Enrollment Center"}}, nil
}

func (f *fakeUpstream) Slots(_ context.Context, id string, start, end time.Time) ([]appointment.Slot, error) {
	f.gotID, f.gotStart, f.end = id, start, end
	return f.slots, f.err
}

type inbox struct{ got chan bridge.Envelope }

func (i inbox) Deliver(_ context.Context, env bridge.Envelope) error {
	i.got <- env
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	s := &Server{Logger: quiet()}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestSlotsProxy(t *testing.T) {
	up := &fakeUpstream{slots: []appointment.Slot{
		{Timestamp: time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC), Active: 1},
		{Timestamp: time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC), Active: 1},
	}}
	h := (&Server{Slots: up, Logger: quiet()}).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slots?locationId=5446&startDate=2025-03-01&endDate=2025-03-31", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5446", up.gotID)
	assert.Equal(t, time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC), up.end)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	data := body["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "2025-03-05T09:00:00Z", data[0].(map[string]any)["timestamp"])
}

func TestSlotsProxyUsesLocationTimezone(t *testing.T) {
	up := &fakeUpstream{}
	h := (&Server{Slots: up, Logger: quiet()}).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slots?locationId=5446&startDate=2025-03-01&endDate=2025-03-31&timezoneId=America/Los_Angeles", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "America/Los_Angeles", up.gotStart.Location().String())
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), up.gotStart.UTC())
	assert.Equal(t, time.Date(2025, 4, 1, 6, 59, 59, 0, time.UTC), up.end.UTC())
}

func TestSlotsProxyValidatesQuery(t *testing.T) {
	h := (&Server{Slots: &fakeUpstream{}, Logger: quiet()}).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slots?locationId=5446&startDate=03/01/2025&endDate=2025-03-31", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "BAD_REQUEST", body["error"].(map[string]any)["code"])
}

func TestLocationsUpstreamFailure(t *testing.T) {
	h := (&Server{Locations: &fakeUpstream{err: &ttp.StatusError{StatusCode: 403}}, Logger: quiet()}).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/locations", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UPSTREAM_ERROR", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestNotifyExtensionQueuesPageIntents(t *testing.T) {
	coord := inbox{got: make(chan bridge.Envelope, 1)}
	h := (&Server{Coordinator: coord, Logger: quiet()}).Routes()

	rec := httptest.NewRecorder()
	body := `{"source":"slotwatch-page","type":"WEB_START","payload":{"locationId":"5446","startDate":"2025-03-01","endDate":"2025-03-31"}}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notify-extension", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	env := <-coord.got
	assert.Equal(t, bridge.WebStart, env.Msg.Type)
	var prefs appointment.Preferences
	require.NoError(t, env.Msg.Decode(&prefs))
	assert.Equal(t, "5446", prefs.LocationID)
}

func TestNotifyExtensionRejectsForeignMessages(t *testing.T) {
	coord := inbox{got: make(chan bridge.Envelope, 1)}
	h := (&Server{Coordinator: coord, Logger: quiet()}).Routes()

	for _, body := range []string{
		`{"source":"slotwatch-extension","type":"WEB_START"}`,
		`{"source":"slotwatch-page","type":"BOOK_DONE"}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notify-extension", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, coord.got)
}

func TestBridgeEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := inbox{got: make(chan bridge.Envelope, 4)}
	origins := bridge.Origins{"http://localhost:3000"}
	sessions := bridge.NewTabSessions(nil, nil)
	s := &Server{
		Coordinator: coord,
		Hub:         bridge.NewHub(origins, sessions, quiet()),
		Sessions:    sessions,
		Origins:     origins,
		Logger:      quiet(),
	}
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	conn, err := bridge.DialWS(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", http.Header{"Origin": {"http://localhost:3000"}}, quiet())
	require.NoError(t, err)
	p := bridge.NewPage(conn, quiet())
	go func() { _ = p.Run(ctx) }()
	defer p.Close()

	require.True(t, p.WaitInstalled(ctx, bridge.DefaultInstallTimeout))
	select {
	case env := <-coord.got:
		assert.Equal(t, bridge.ReqStatus, env.Msg.Type)
		assert.NotEmpty(t, env.From)
	case <-time.After(2 * time.Second):
		t.Fatal("status request did not reach the coordinator")
	}
}

func TestBridgeTabsSharingCookiesStayDistinct(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := inbox{got: make(chan bridge.Envelope, 8)}
	origins := bridge.Origins{"http://localhost:3000"}
	sessions := bridge.NewTabSessions(nil, nil)
	hub := bridge.NewHub(origins, sessions, quiet())
	h := (&Server{Coordinator: coord, Hub: hub, Sessions: sessions, Origins: origins, Logger: quiet()}).Routes()
	srv := httptest.NewServer(h)
	defer srv.Close()

	// two tabs of one browser send the same cookies on every request
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar.SetCookies(base, []*http.Cookie{{Name: "slotwatch_tab", Value: "shared"}})
	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: time.Second}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	open := func() *bridge.Page {
		c, _, err := dialer.DialContext(ctx, wsURL, http.Header{"Origin": {"http://localhost:3000"}})
		require.NoError(t, err)
		p := bridge.NewPage(bridge.NewWSConn(c, quiet()), quiet())
		go func() { _ = p.Run(ctx) }()
		t.Cleanup(func() { _ = p.Close() })
		require.True(t, p.WaitInstalled(ctx, bridge.DefaultInstallTimeout))
		return p
	}
	a := open()
	b := open()
	require.Equal(t, 2, hub.Len())
	fromA, fromB := (<-coord.got).From, (<-coord.got).From
	assert.NotEqual(t, fromA, fromB)
	assert.NotEqual(t, a.Token(), b.Token())

	msg, err := bridge.NewMessage("", bridge.ExtStatus, bridge.StatusPayload{IsRunning: false})
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Broadcast(ctx, msg, ""))

	// the HTTP fallback attributes to the tab named by the header token
	req := httptest.NewRequest(http.MethodPost, "/api/notify-extension", strings.NewReader(`{"source":"slotwatch-page","type":"REQ_STATUS"}`))
	req.Header.Set(bridge.TabHeader, b.Token())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env := <-coord.got
	assert.Equal(t, sessions.Resolve(req), env.From)
	assert.Contains(t, []bridge.TabID{fromA, fromB}, env.From)
}
