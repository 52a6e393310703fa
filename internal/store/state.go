package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/slotwatch/internal/appointment"
)

// State is the typed view over the persisted keys.
type State struct {
	Prefs     appointment.Preferences
	IsRunning bool
	Pending   *appointment.PendingBooking
	LastSlots *SlotSnapshot
}

// SlotSnapshot is the most recent poll result.
type SlotSnapshot struct {
	Slots     []appointment.Slot `json:"slots"`
	CheckedAt time.Time          `json:"checkedAt"`
}

func LoadState(ctx context.Context, s Store) (State, error) {
	vals, err := s.Get(ctx, AllKeys...)
	if err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}
	var st State
	strs := map[string]*string{
		KeyLocationID:   &st.Prefs.LocationID,
		KeyStartDate:    &st.Prefs.StartDate,
		KeyEndDate:      &st.Prefs.EndDate,
		KeyTimezoneID:   &st.Prefs.TimezoneID,
		KeyLocationName: &st.Prefs.LocationName,
	}
	for k, dst := range strs {
		if raw, ok := vals[k]; ok {
			if err := json.Unmarshal(raw, dst); err != nil {
				return State{}, fmt.Errorf("decode %s: %w", k, err)
			}
		}
	}
	if raw, ok := vals[KeyIsRunning]; ok {
		if err := json.Unmarshal(raw, &st.IsRunning); err != nil {
			return State{}, fmt.Errorf("decode %s: %w", KeyIsRunning, err)
		}
	}
	if raw, ok := vals[KeyPendingBooking]; ok {
		var b appointment.PendingBooking
		if err := json.Unmarshal(raw, &b); err != nil {
			return State{}, fmt.Errorf("decode %s: %w", KeyPendingBooking, err)
		}
		st.Pending = &b
	}
	if raw, ok := vals[KeyLastSlots]; ok {
		var snap SlotSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return State{}, fmt.Errorf("decode %s: %w", KeyLastSlots, err)
		}
		st.LastSlots = &snap
	}
	return st, nil
}

// SaveRun persists prefs together with isRunning=true. Optional fields that
// are empty are removed so a stale timezone never outlives its location.
func SaveRun(ctx context.Context, s Store, prefs appointment.Preferences) error {
	set := map[string][]byte{
		KeyLocationID: mustJSON(prefs.LocationID),
		KeyStartDate:  mustJSON(prefs.StartDate),
		KeyEndDate:    mustJSON(prefs.EndDate),
		KeyIsRunning:  mustJSON(true),
	}
	var remove []string
	if prefs.TimezoneID != "" {
		set[KeyTimezoneID] = mustJSON(prefs.TimezoneID)
	} else {
		remove = append(remove, KeyTimezoneID)
	}
	if prefs.LocationName != "" {
		set[KeyLocationName] = mustJSON(prefs.LocationName)
	} else {
		remove = append(remove, KeyLocationName)
	}
	return s.Update(ctx, set, remove)
}

// ClearRun drops the preferences and the last poll result and sets
// isRunning=false. pendingBooking is left alone.
func ClearRun(ctx context.Context, s Store) error {
	remove := append(append([]string{}, prefKeys...), KeyLastSlots)
	return s.Update(ctx, map[string][]byte{KeyIsRunning: mustJSON(false)}, remove)
}

// SavePending stores b and returns the exact bytes written, which callers
// hand to ClearPendingIf later.
func SavePending(ctx context.Context, s Store, b appointment.PendingBooking) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	if err := s.Set(ctx, map[string][]byte{KeyPendingBooking: raw}); err != nil {
		return nil, err
	}
	return raw, nil
}

// LoadPending returns the pending booking and its raw encoding, or ErrNotFound.
func LoadPending(ctx context.Context, s Store) (appointment.PendingBooking, []byte, error) {
	vals, err := s.Get(ctx, KeyPendingBooking)
	if err != nil {
		return appointment.PendingBooking{}, nil, err
	}
	raw, ok := vals[KeyPendingBooking]
	if !ok {
		return appointment.PendingBooking{}, nil, ErrNotFound
	}
	var b appointment.PendingBooking
	if err := json.Unmarshal(raw, &b); err != nil {
		return appointment.PendingBooking{}, nil, fmt.Errorf("decode %s: %w", KeyPendingBooking, err)
	}
	return b, raw, nil
}

// ClearPendingIf removes the pending booking only if it is still the one
// encoded by expected. A newer request made meanwhile survives.
func ClearPendingIf(ctx context.Context, s Store, expected []byte) (bool, error) {
	return s.RemoveIf(ctx, KeyPendingBooking, expected)
}

func SaveSlots(ctx context.Context, s Store, slots []appointment.Slot, checkedAt time.Time) error {
	if slots == nil {
		slots = []appointment.Slot{}
	}
	raw, err := json.Marshal(SlotSnapshot{Slots: slots, CheckedAt: checkedAt.UTC()})
	if err != nil {
		return err
	}
	return s.Set(ctx, map[string][]byte{KeyLastSlots: raw})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
