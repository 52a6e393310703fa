// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("raw", func(t *testing.T) {
		got, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, s.Set(ctx, map[string][]byte{"a": []byte(`1`), "b": []byte(`"x"`)}))
		got, err = s.Get(ctx, "a", "b", "c")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"a": []byte(`1`), "b": []byte(`"x"`)}, got)

		require.NoError(t, s.Update(ctx, map[string][]byte{"a": []byte(`2`)}, []string{"b"}))
		got, err = s.Get(ctx, "a", "b")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"a": []byte(`2`)}, got)

		ok, err := s.RemoveIf(ctx, "a", []byte(`1`))
		require.NoError(t, err)
		assert.False(t, ok, "stale expected value must not delete")
		ok, err = s.RemoveIf(ctx, "a", []byte(`2`))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.RemoveIf(ctx, "a", []byte(`2`))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Remove(ctx, "a", "never-set"))
	})

	t.Run("run lifecycle keeps pending", func(t *testing.T) {
		prefs := appointment.Preferences{
			LocationID: "5446", StartDate: "2025-03-01", EndDate: "2025-03-31",
			TimezoneID: "America/Los_Angeles", LocationName: "San Francisco",
		}
		require.NoError(t, store.SaveRun(ctx, s, prefs))
		pending := appointment.PendingBooking{
			LocationID: "5446", LocationName: "San Francisco",
			SlotTimestamp: time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC),
		}
		raw, err := store.SavePending(ctx, s, pending)
		require.NoError(t, err)
		require.NoError(t, store.SaveSlots(ctx, s, []appointment.Slot{{Timestamp: pending.SlotTimestamp, Active: 1}}, time.Now()))

		st, err := store.LoadState(ctx, s)
		require.NoError(t, err)
		assert.True(t, st.IsRunning)
		assert.Equal(t, prefs, st.Prefs)
		require.NotNil(t, st.LastSlots)
		assert.Len(t, st.LastSlots.Slots, 1)

		require.NoError(t, store.ClearRun(ctx, s))
		st, err = store.LoadState(ctx, s)
		require.NoError(t, err)
		assert.False(t, st.IsRunning)
		assert.Equal(t, appointment.Preferences{}, st.Prefs)
		assert.Nil(t, st.LastSlots)

		_, stillRaw, err := store.LoadPending(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, raw, stillRaw, "pending booking must survive stop byte-for-byte")

		ok, err := store.ClearPendingIf(ctx, s, raw)
		require.NoError(t, err)
		assert.True(t, ok)
		_, _, err = store.LoadPending(ctx, s)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("newer pending survives stale clear", func(t *testing.T) {
		first, err := store.SavePending(ctx, s, appointment.PendingBooking{LocationID: "1", SlotTimestamp: time.Unix(100, 0).UTC()})
		require.NoError(t, err)
		second, err := store.SavePending(ctx, s, appointment.PendingBooking{LocationID: "1", SlotTimestamp: time.Unix(200, 0).UTC()})
		require.NoError(t, err)

		ok, err := store.ClearPendingIf(ctx, s, first)
		require.NoError(t, err)
		assert.False(t, ok)
		_, raw, err := store.LoadPending(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, second, raw)
		require.NoError(t, s.Remove(ctx, store.KeyPendingBooking))
	})
}
