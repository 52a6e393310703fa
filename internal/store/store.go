package store

import (
	"context"
	"errors"
)

// Keys persisted by the coordinator. Values are JSON encoded.
const (
	KeyLocationID     = "locationId"
	KeyStartDate      = "startDate"
	KeyEndDate        = "endDate"
	KeyTimezoneID     = "timezoneId"
	KeyLocationName   = "locationName"
	KeyIsRunning      = "isRunning"
	KeyPendingBooking = "pendingBooking"
	KeyLastSlots      = "lastSlots"
)

// AllKeys lists every key the application reads or writes.
var AllKeys = []string{
	KeyLocationID, KeyStartDate, KeyEndDate, KeyTimezoneID, KeyLocationName,
	KeyIsRunning, KeyPendingBooking, KeyLastSlots,
}

var prefKeys = []string{KeyLocationID, KeyStartDate, KeyEndDate, KeyTimezoneID, KeyLocationName}

var ErrNotFound = errors.New("store: not found")

// Store is a small durable key/value store. Multi-key writes are atomic:
// readers never observe half of a Set or Update.
type Store interface {
	// Get returns the values for keys; absent keys are omitted from the map.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	// Update applies set and remove in one transaction.
	Update(ctx context.Context, set map[string][]byte, remove []string) error
	// RemoveIf deletes key only when its current value equals expected.
	RemoveIf(ctx context.Context, key string, expected []byte) (bool, error)
	Close() error
}
