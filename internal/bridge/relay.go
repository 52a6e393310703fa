package bridge

import (
	"context"
	"errors"
	"log/slog"
)

// Relay is the per-tab content script: it announces itself with the install
// marker, forwards page intents to the coordinator and reposts coordinator
// messages into the page under the extension source tag.
type Relay struct {
	id     TabID
	origin string
	conn   Conn
	coord  Coordinator
	token  string
	logger *slog.Logger
}

func NewRelay(id TabID, origin string, conn Conn, coord Coordinator, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{id: id, origin: origin, conn: conn, coord: coord, logger: logger.With("tab", string(id))}
}

func (r *Relay) ID() TabID      { return r.id }
func (r *Relay) Origin() string { return r.origin }

// Run blocks until the connection closes or ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	marker := Message{Type: ExtMarker}
	if r.token != "" {
		m, err := NewMessage(SourceExtension, ExtMarker, MarkerPayload{Tab: r.token})
		if err != nil {
			return err
		}
		marker = m
	}
	if err := r.Post(ctx, marker); err != nil {
		return err
	}
	for {
		msg, err := r.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msg.Source != SourcePage || !PageKind(msg.Type) {
			r.logger.Debug("relay ignoring message", "source", msg.Source, "type", msg.Type)
			continue
		}
		if err := r.coord.Deliver(ctx, Envelope{From: r.id, Msg: msg}); err != nil {
			r.logger.Warn("relay forward failed", "type", msg.Type, "error", err)
		}
	}
}

// Post writes msg into the page, stamped with the extension source.
func (r *Relay) Post(ctx context.Context, msg Message) error {
	msg.Source = SourceExtension
	return r.conn.Write(ctx, msg)
}
