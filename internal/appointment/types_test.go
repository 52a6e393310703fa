package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferencesWindowInclusive(t *testing.T) {
	p := Preferences{LocationID: "5446", StartDate: "2025-03-01", EndDate: "2025-03-31"}
	require.NoError(t, p.Validate())

	start, end, err := p.Window()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC), end)
}

func TestPreferencesWindowUsesLocationZone(t *testing.T) {
	p := Preferences{LocationID: "5446", StartDate: "2025-03-08", EndDate: "2025-03-09", TimezoneID: "America/Los_Angeles"}
	start, end, err := p.Window()
	require.NoError(t, err)

	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	assert.Equal(t, la, start.Location())
	assert.Equal(t, "2025-03-08T00:00:00", start.Format("2006-01-02T15:04:05"))
	// DST starts on the 9th; the end must still be 23:59:59 local.
	assert.Equal(t, "2025-03-09T23:59:59", end.Format("2006-01-02T15:04:05"))
	assert.Equal(t, time.Date(2025, 3, 10, 6, 59, 59, 0, time.UTC), end.UTC())
}

func TestPreferencesValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Preferences
	}{
		{"missing location", Preferences{StartDate: "2025-03-01", EndDate: "2025-03-02"}},
		{"bad start", Preferences{LocationID: "1", StartDate: "03/01/2025", EndDate: "2025-03-02"}},
		{"end before start", Preferences{LocationID: "1", StartDate: "2025-03-05", EndDate: "2025-03-02"}},
		{"bad tz", Preferences{LocationID: "1", StartDate: "2025-03-01", EndDate: "2025-03-02", TimezoneID: "Mars/Olympus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.p.Validate())
		})
	}
}

func TestSortSoonestAndAvailable(t *testing.T) {
	t1 := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	slots := []Slot{
		{Timestamp: t1, Active: 1},
		{Timestamp: t2, Active: 0},
		{Timestamp: t2.Add(time.Hour), Active: 2},
	}
	avail := Available(slots)
	SortSoonest(avail)
	require.Len(t, avail, 2)
	assert.Equal(t, t2.Add(time.Hour), avail[0].Timestamp)
	assert.Equal(t, t1, avail[1].Timestamp)
}

func TestLoadLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("Nowhere/Special"))
}
