package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/bridge"
	"github.com/example/slotwatch/internal/store"
	"github.com/example/slotwatch/internal/store/sqlite"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestKeysPrintsDecodableKeys(t *testing.T) {
	out := run(t, "keys")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	for i, name := range []string{"BRIDGE_HASH_KEY", "BRIDGE_BLOCK_KEY"} {
		prefix := "export " + name + "="
		require.True(t, strings.HasPrefix(lines[i], prefix), lines[i])
		key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(lines[i], prefix))
		require.NoError(t, err)
		assert.Len(t, key, 32)
	}
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "slotwatch dev (commit=none, built=unknown)\n", run(t, "version"))
}

func TestMonitorStartValidatesBeforeDialing(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"monitor", "start", "--url", "ws://127.0.0.1:1/ws", "--location", "5446", "--start", "2025-03-31", "--end", "2025-03-01"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endDate")
}

func TestWaitForSkipsNonMatchingEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pageEnd, ext := bridge.Pipe()
	p := bridge.NewPage(pageEnd, nil)
	go func() { _ = p.Run(ctx) }()

	post := func(running bool) {
		msg, err := bridge.NewMessage(bridge.SourceExtension, bridge.ExtStatus, bridge.StatusPayload{IsRunning: running})
		require.NoError(t, err)
		require.NoError(t, ext.Write(ctx, msg))
	}
	post(true)
	post(false)

	msg, err := waitFor(ctx, p, time.Second, bridge.ExtStatus, func(st bridge.StatusPayload) bool { return !st.IsRunning })
	require.NoError(t, err)
	var st bridge.StatusPayload
	require.NoError(t, msg.Decode(&st))
	assert.False(t, st.IsRunning)

	_, err = waitFor(ctx, p, 50*time.Millisecond, bridge.BookApptAck, func(bridge.BookAckPayload) bool { return true })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBookSnapshotIsDryRun(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "slotwatch.db")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer upstream.Close()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_DSN", dbPath)
	t.Setenv("UPSTREAM_BASE_URL", upstream.URL)
	t.Setenv("AUTOMATOR_ATTEMPTS", "3")
	t.Setenv("AUTOMATOR_INTERVAL", "1ms")
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	db, err := sqlite.New(ctx, dbPath)
	require.NoError(t, err)
	raw, err := store.SavePending(ctx, db, appointment.PendingBooking{
		LocationID:    "5446",
		LocationName:  "San Francisco Global Entry Enrollment Center",
		SlotTimestamp: time.Date(2025, 3, 5, 17, 0, 0, 0, time.UTC),
		TimezoneID:    "America/Los_Angeles",
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	snapshot := filepath.Join(dir, "booking.html")
	require.NoError(t, os.WriteFile(snapshot, []byte(`<html><body>
		<a data-location-id="5446">SFO</a>
		<button class="slot">Wednesday, March 5, 2025 9:00 AM</button>
	</body></html>`), 0o600))

	out := run(t, "book", "--snapshot", snapshot)
	assert.Contains(t, out, `selected "Wednesday, March 5, 2025 9:00 AM"`)
	assert.Contains(t, out, "dry run: pending booking kept")

	db, err = sqlite.New(ctx, dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, after, err := store.LoadPending(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, raw, after)
}
