package bridge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/slotwatch/internal/appointment"
)

type fakeCoordinator struct {
	got chan Envelope
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{got: make(chan Envelope, 32)}
}

func (f *fakeCoordinator) Deliver(_ context.Context, env Envelope) error {
	f.got <- env
	return nil
}

func (f *fakeCoordinator) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-f.got:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message reached the coordinator")
		return Envelope{}
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var testPrefs = appointment.Preferences{LocationID: "5446", StartDate: "2025-03-01", EndDate: "2025-03-31"}

// attachPage wires a page to a hub through an in-process pipe.
func attachPage(t *testing.T, ctx context.Context, hub *Hub, coord Coordinator, id TabID, origin string) *Page {
	t.Helper()
	pageEnd, relayEnd := Pipe()
	go func() { _ = hub.Serve(ctx, id, origin, relayEnd, coord) }()
	p := NewPage(pageEnd, quiet())
	go func() { _ = p.Run(ctx) }()
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestWaitInstalledTrueWhenRelayAttached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord := newFakeCoordinator()
	p := attachPage(t, ctx, NewHub(nil, nil, quiet()), coord, "tab-1", "http://localhost:3000")

	assert.True(t, p.WaitInstalled(ctx, DefaultInstallTimeout))
	env := coord.next(t)
	assert.Equal(t, ReqStatus, env.Msg.Type, "page asks for status on load")
	assert.Equal(t, TabID("tab-1"), env.From)
}

func TestWaitInstalledFalseWithoutRelayIsBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pageEnd, _ := Pipe()
	p := NewPage(pageEnd, quiet())
	go func() { _ = p.Run(ctx) }()

	began := time.Now()
	assert.False(t, p.WaitInstalled(ctx, 200*time.Millisecond))
	assert.Less(t, time.Since(began), time.Second)
}

func TestRelayForwardsOnlyPageIntents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord := newFakeCoordinator()
	pageEnd, relayEnd := Pipe()
	hub := NewHub(nil, nil, quiet())
	go func() { _ = hub.Serve(ctx, "t", "", relayEnd, coord) }()

	marker, err := pageEnd.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExtMarker, marker.Type)
	assert.Equal(t, SourceExtension, marker.Source)

	spoofed, _ := NewMessage(SourceExtension, WebStart, testPrefs)
	require.NoError(t, pageEnd.Write(ctx, spoofed))
	foreign, _ := NewMessage("someone-else", WebStop, nil)
	require.NoError(t, pageEnd.Write(ctx, foreign))
	notIntent, _ := NewMessage(SourcePage, ExtStatus, StatusPayload{IsRunning: true})
	require.NoError(t, pageEnd.Write(ctx, notIntent))
	ok, _ := NewMessage(SourcePage, BookAppt, appointment.PendingBooking{LocationID: "5446", SlotTimestamp: time.Now()})
	require.NoError(t, pageEnd.Write(ctx, ok))

	env := coord.next(t)
	assert.Equal(t, BookAppt, env.Msg.Type)
	select {
	case extra := <-coord.got:
		t.Fatalf("unexpected forward: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPageResyncLatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pageEnd, extEnd := Pipe()
	p := NewPage(pageEnd, quiet())
	go func() { _ = p.Run(ctx) }()

	first, err := extEnd.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, ReqStatus, first.Type)

	running, _ := NewMessage(SourceExtension, ExtStatus, StatusPayload{IsRunning: true, Prefs: &testPrefs})
	require.NoError(t, extEnd.Write(ctx, running))
	require.NoError(t, extEnd.Write(ctx, running))

	resync, err := extEnd.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, WebStart, resync.Type)
	var prefs appointment.Preferences
	require.NoError(t, resync.Decode(&prefs))
	assert.Equal(t, testPrefs, prefs)

	rctx, rcancel := context.WithTimeout(ctx, 150*time.Millisecond)
	_, err = extEnd.Read(rctx)
	rcancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded, "latch must suppress a second resync")
	assert.True(t, p.Snapshot().Running)

	stopped, _ := NewMessage(SourceExtension, ExtStatus, StatusPayload{IsRunning: false})
	require.NoError(t, extEnd.Write(ctx, stopped))
	require.Eventually(t, func() bool { return !p.Snapshot().Running }, time.Second, 10*time.Millisecond)

	require.NoError(t, extEnd.Write(ctx, running))
	again, err := extEnd.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, WebStart, again.Type, "latch resets after a stop")
}

func TestPageIgnoresIncompleteRunningStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pageEnd, extEnd := Pipe()
	p := NewPage(pageEnd, quiet())
	go func() { _ = p.Run(ctx) }()
	_, err := extEnd.Read(ctx)
	require.NoError(t, err)

	partial, _ := NewMessage(SourceExtension, ExtStatus, StatusPayload{IsRunning: true, Prefs: &appointment.Preferences{LocationID: "1"}})
	require.NoError(t, extEnd.Write(ctx, partial))

	rctx, rcancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer rcancel()
	_, err = extEnd.Read(rctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubBroadcastExcludesSenderAndForeignOrigins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord := newFakeCoordinator()
	hub := NewHub(Origins{"http://localhost:3000"}, nil, quiet())

	a := attachPage(t, ctx, hub, coord, "a", "http://localhost:3000")
	b := attachPage(t, ctx, hub, coord, "b", "http://localhost:3000")
	c := attachPage(t, ctx, hub, coord, "c", "https://evil.example")
	for _, p := range []*Page{a, b, c} {
		require.True(t, p.WaitInstalled(ctx, time.Second))
	}
	require.Equal(t, 3, hub.Len())

	msg, _ := NewMessage("", ExtStatus, StatusPayload{IsRunning: false})
	assert.Equal(t, 1, hub.Broadcast(ctx, msg, "a"))
	assert.ErrorIs(t, hub.SendTo(ctx, "nope", msg), ErrUnknownTab)

	select {
	case ev := <-b.Events():
		assert.Equal(t, ExtStatus, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("b did not receive broadcast")
	}
	select {
	case ev := <-a.Events():
		t.Fatalf("sender received broadcast: %+v", ev)
	case ev := <-c.Events():
		t.Fatalf("foreign origin received broadcast: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubGivesCollidingTabsDistinctIDs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord := newFakeCoordinator()
	hub := NewHub(nil, nil, quiet())

	a := attachPage(t, ctx, hub, coord, "same", "")
	b := attachPage(t, ctx, hub, coord, "same", "")
	require.True(t, a.WaitInstalled(ctx, time.Second))
	require.True(t, b.WaitInstalled(ctx, time.Second))
	require.Equal(t, 2, hub.Len(), "second tab must not evict the first")

	first, second := coord.next(t), coord.next(t)
	assert.NotEqual(t, first.From, second.From)

	msg, _ := NewMessage("", ExtStatus, StatusPayload{IsRunning: false})
	assert.Equal(t, 2, hub.Broadcast(ctx, msg, ""))
}

func TestWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord := newFakeCoordinator()
	sessions := NewTabSessions(nil, nil)
	hub := NewHub(nil, sessions, quiet())
	upgrader := NewUpgrader(Origins{"http://localhost:3000"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.Serve(ctx, sessions.Resolve(r), r.Header.Get("Origin"), NewWSConn(c, quiet()), coord)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	origin := http.Header{"Origin": {"http://localhost:3000"}}

	_, err := DialWS(ctx, wsURL, http.Header{"Origin": {"https://evil.example"}}, quiet())
	assert.Error(t, err, "foreign origin must be refused")

	conn, err := DialWS(ctx, wsURL, origin, quiet())
	require.NoError(t, err)
	p := NewPage(conn, quiet())
	go func() { _ = p.Run(ctx) }()

	require.True(t, p.WaitInstalled(ctx, DefaultInstallTimeout))
	hello := coord.next(t)
	assert.Equal(t, ReqStatus, hello.Msg.Type)
	require.NotEmpty(t, p.Token())

	require.NoError(t, p.Start(ctx, testPrefs))
	env := coord.next(t)
	assert.Equal(t, WebStart, env.Msg.Type)
	assert.Equal(t, hello.From, env.From)

	// a reload presents the token and keeps the tab ID
	require.NoError(t, p.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	conn, err = DialWS(ctx, wsURL+"?"+TabParam+"="+url.QueryEscape(p.Token()), origin, quiet())
	require.NoError(t, err)
	reloaded := NewPage(conn, quiet())
	go func() { _ = reloaded.Run(ctx) }()
	defer reloaded.Close()
	assert.Equal(t, hello.From, coord.next(t).From)
}

func TestTabSessionsTokenRoundTrip(t *testing.T) {
	s := NewTabSessions([]byte(strings.Repeat("h", 32)), []byte(strings.Repeat("b", 32)))
	tok, err := s.Token("tab-1")
	require.NoError(t, err)

	byQuery := httptest.NewRequest(http.MethodGet, "/ws?"+TabParam+"="+url.QueryEscape(tok), nil)
	assert.Equal(t, TabID("tab-1"), s.Resolve(byQuery))

	byHeader := httptest.NewRequest(http.MethodPost, "/api/notify-extension", nil)
	byHeader.Header.Set(TabHeader, tok)
	assert.Equal(t, TabID("tab-1"), s.Resolve(byHeader))

	assert.Empty(t, s.Resolve(httptest.NewRequest(http.MethodGet, "/ws", nil)))
	other := NewTabSessions(nil, nil)
	assert.Empty(t, other.Resolve(byQuery), "token from another key must not be trusted")
}

func TestParseOrigins(t *testing.T) {
	o := ParseOrigins(" http://localhost:3000/ ,https://ttp.example.org,,")
	assert.Equal(t, Origins{"http://localhost:3000", "https://ttp.example.org"}, o)
	assert.True(t, o.Allowed("http://localhost:3000"))
	assert.False(t, o.Allowed("http://localhost:3001"))
	assert.True(t, Origins{"*"}.Allowed("anything"))
}
