package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/slotwatch/internal/appointment"
)

const (
	KindSlots          = "slots"
	KindBookingTimeout = "booking_timeout"
	KindBooked         = "booked"
)

// Notification is a user-facing alert. URL is opened when the user acts on it.
type Notification struct {
	Kind    string
	Title   string
	Message string
	URL     string
	// Count is the number of available slots for KindSlots.
	Count int
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

const displayLayout = "Mon, Jan 2 2006 3:04 PM MST"

// SlotsFound builds the alert for a new earliest slot. slots must be sorted
// soonest-first and non-empty.
func SlotsFound(slots []appointment.Slot, prefs appointment.Preferences, bookingURL string) Notification {
	first := slots[0].Timestamp.In(prefs.Location())
	where := prefs.LocationName
	if where == "" {
		where = "location " + prefs.LocationID
	}
	noun := "slots"
	if len(slots) == 1 {
		noun = "slot"
	}
	return Notification{
		Kind:    KindSlots,
		Title:   "Global Entry appointment available",
		Message: fmt.Sprintf("%d %s available at %s. Earliest: %s", len(slots), noun, where, first.Format(displayLayout)),
		URL:     bookingURL,
		Count:   len(slots),
	}
}

func BookingTimedOut(b appointment.PendingBooking, bookingURL string) Notification {
	return Notification{
		Kind:    KindBookingTimeout,
		Title:   "Could not complete booking",
		Message: fmt.Sprintf("Gave up selecting %s at %s. Finish the booking manually.", describe(b), b.LocationName),
		URL:     bookingURL,
	}
}

func Booked(b appointment.PendingBooking, bookingURL string) Notification {
	return Notification{
		Kind:    KindBooked,
		Title:   "Appointment selected",
		Message: fmt.Sprintf("Selected %s at %s. Review and confirm on the booking site.", describe(b), b.LocationName),
		URL:     bookingURL,
	}
}

func describe(b appointment.PendingBooking) string {
	if b.DisplayText != "" {
		return b.DisplayText
	}
	return b.SlotTimestamp.In(appointment.LoadLocation(b.TimezoneID)).Format(displayLayout)
}

// Log writes notifications to a slog logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "title", n.Title, "message", n.Message, "url", n.URL)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Timeout bounds how long a single delivery may take.
const Timeout = 10 * time.Second
