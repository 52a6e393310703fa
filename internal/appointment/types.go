package appointment

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the wire format for calendar dates (startDate/endDate).
const DateLayout = "2006-01-02"

// Preferences are the monitoring parameters chosen by the user.
type Preferences struct {
	LocationID   string `json:"locationId"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	TimezoneID   string `json:"timezoneId,omitempty"`
	LocationName string `json:"locationName,omitempty"`
}

// Complete reports whether the preferences carry enough to poll.
func (p Preferences) Complete() bool {
	return p.LocationID != "" && p.StartDate != "" && p.EndDate != ""
}

func (p Preferences) Validate() error {
	if strings.TrimSpace(p.LocationID) == "" {
		return fmt.Errorf("locationId required")
	}
	start, err := time.Parse(DateLayout, p.StartDate)
	if err != nil {
		return fmt.Errorf("invalid startDate (want YYYY-MM-DD)")
	}
	end, err := time.Parse(DateLayout, p.EndDate)
	if err != nil {
		return fmt.Errorf("invalid endDate (want YYYY-MM-DD)")
	}
	if end.Before(start) {
		return fmt.Errorf("endDate must not be before startDate")
	}
	if p.TimezoneID != "" {
		if _, err := time.LoadLocation(p.TimezoneID); err != nil {
			return fmt.Errorf("invalid timezoneId: %w", err)
		}
	}
	return nil
}

// Window returns the inclusive polling range: StartDate 00:00:00 through
// EndDate 23:59:59, both as wall-clock time in the location's zone.
func (p Preferences) Window() (time.Time, time.Time, error) {
	loc := p.Location()
	start, err := time.ParseInLocation(DateLayout, p.StartDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("startDate: %w", err)
	}
	end, err := time.ParseInLocation(DateLayout, p.EndDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("endDate: %w", err)
	}
	y, m, d := end.Date()
	return start, time.Date(y, m, d, 23, 59, 59, 0, loc), nil
}

// Location returns the timezone for display, falling back to UTC.
func (p Preferences) Location() *time.Location {
	return LoadLocation(p.TimezoneID)
}

// Slot is one availability record returned by a poll.
type Slot struct {
	Timestamp time.Time `json:"timestamp"`
	Active    int       `json:"active"`
	Duration  int       `json:"duration"`
	Remote    bool      `json:"remote"`
}

func (s Slot) Available() bool { return s.Active > 0 }

// SortSoonest orders slots soonest-first in place. The first element is the
// de-duplication key for notifications, so callers must not skip this.
func SortSoonest(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Timestamp.Before(slots[j].Timestamp)
	})
}

// Available filters slots with at least one active opening.
func Available(slots []Slot) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if s.Available() {
			out = append(out, s)
		}
	}
	return out
}

// PendingBooking is a durable booking intent awaiting DOM automation.
type PendingBooking struct {
	LocationID    string    `json:"locationId"`
	LocationName  string    `json:"locationName"`
	SlotTimestamp time.Time `json:"slotTimestampUtc"`
	DisplayText   string    `json:"displayText,omitempty"`
	TimezoneID    string    `json:"timezoneId,omitempty"`
	RequestedAt   time.Time `json:"requestedAt,omitempty"`
}

func (b PendingBooking) Validate() error {
	if b.LocationID == "" {
		return fmt.Errorf("locationId required")
	}
	if b.SlotTimestamp.IsZero() {
		return fmt.Errorf("slotTimestampUtc required")
	}
	return nil
}

// Location is an enrollment center as listed by the upstream API.
type Location struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ShortName  string `json:"shortName"`
	TimezoneID string `json:"timezoneId"`
}

// LoadLocation resolves an IANA zone name, returning UTC for empty or unknown names.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
