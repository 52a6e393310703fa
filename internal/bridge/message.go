package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/slotwatch/internal/appointment"
)

// Source tags. A relay only forwards messages carrying SourcePage and stamps
// everything it posts back with SourceExtension.
const (
	SourcePage      = "slotwatch-page"
	SourceExtension = "slotwatch-extension"
)

type Kind string

const (
	WebStart    Kind = "WEB_START"
	WebStop     Kind = "WEB_STOP"
	ReqStatus   Kind = "REQ_STATUS"
	BookAppt    Kind = "BOOK_APPT"
	ExtStatus   Kind = "EXT_STATUS"
	BookApptAck Kind = "BOOK_APPT_ACK"

	// ExtMarker announces an attached relay; pages treat it as the install marker.
	ExtMarker Kind = "EXT_MARKER"
	// ExtSlots carries the latest poll result to pages.
	ExtSlots Kind = "EXT_SLOTS"
	// BookDone is internal: the automator reports a finished booking.
	BookDone Kind = "BOOK_DONE"
)

// PageKind reports whether a relay forwards k from a page.
func PageKind(k Kind) bool {
	switch k {
	case WebStart, WebStop, ReqStatus, BookAppt:
		return true
	}
	return false
}

var (
	ErrClosed     = errors.New("bridge: connection closed")
	ErrUnknownTab = errors.New("bridge: unknown tab")
)

// Message is the wire form: {"source":..., "type":..., "payload":...}.
type Message struct {
	Source  string          `json:"source"`
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(source string, kind Kind, payload any) (Message, error) {
	m := Message{Source: source, Type: kind}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		m.Payload = b
	}
	return m, nil
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}

// MarkerPayload hands the page the token that reclaims its tab ID on
// reconnect.
type MarkerPayload struct {
	Tab string `json:"tab,omitempty"`
}

type StatusPayload struct {
	IsRunning bool                     `json:"isRunning"`
	Prefs     *appointment.Preferences `json:"prefs,omitempty"`
}

type SlotsPayload struct {
	Slots     []appointment.Slot `json:"slots"`
	CheckedAt time.Time          `json:"checkedAt"`
}

type BookAckPayload struct {
	OK      bool                        `json:"ok"`
	Booking *appointment.PendingBooking `json:"booking,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

// BookDonePayload names the exact pending encoding the automator completed.
type BookDonePayload struct {
	Expected []byte `json:"expected"`
}

// TabID identifies one attached page.
type TabID string

// Envelope is a message plus the tab it came from ("" when internal).
type Envelope struct {
	From TabID
	Msg  Message
}

// Coordinator receives forwarded messages. Deliver must not block on processing.
type Coordinator interface {
	Deliver(ctx context.Context, env Envelope) error
}
