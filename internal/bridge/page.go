package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/slotwatch/internal/appointment"
)

// DefaultInstallTimeout bounds WaitInstalled.
const DefaultInstallTimeout = 2 * time.Second

const installPollInterval = 50 * time.Millisecond

// Mirror is the page's local, read-through copy of extension state.
type Mirror struct {
	Running   bool
	Prefs     appointment.Preferences
	Slots     []appointment.Slot
	CheckedAt time.Time
}

// Page is the page side of the bridge. It never owns state: on conflict the
// extension's EXT_STATUS wins.
type Page struct {
	conn   Conn
	logger *slog.Logger

	installed atomic.Bool

	mu      sync.Mutex
	mirror  Mirror
	resyncd bool
	token   string

	events chan Message
}

func NewPage(conn Conn, logger *slog.Logger) *Page {
	if logger == nil {
		logger = slog.Default()
	}
	return &Page{conn: conn, logger: logger, events: make(chan Message, 16)}
}

// Events delivers EXT_STATUS, EXT_SLOTS and BOOK_APPT_ACK messages. Events
// are dropped when the channel is full.
func (p *Page) Events() <-chan Message { return p.events }

// Run reads from the relay until the connection closes. It asks for status
// first since broadcasts sent before this load were never seen.
func (p *Page) Run(ctx context.Context) error {
	if err := p.send(ctx, ReqStatus, nil); err != nil {
		return err
	}
	for {
		msg, err := p.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		p.handle(ctx, msg)
	}
}

func (p *Page) handle(ctx context.Context, msg Message) {
	if msg.Source != SourceExtension {
		return
	}
	switch msg.Type {
	case ExtMarker:
		var mk MarkerPayload
		if len(msg.Payload) > 0 && msg.Decode(&mk) == nil && mk.Tab != "" {
			p.mu.Lock()
			p.token = mk.Tab
			p.mu.Unlock()
		}
		p.installed.Store(true)
		return
	case ExtStatus:
		var st StatusPayload
		if err := msg.Decode(&st); err != nil {
			p.logger.Warn("bad status payload", "error", err)
			return
		}
		p.reconcile(ctx, st)
	case ExtSlots:
		var sl SlotsPayload
		if err := msg.Decode(&sl); err != nil {
			p.logger.Warn("bad slots payload", "error", err)
			return
		}
		p.mu.Lock()
		p.mirror.Slots = sl.Slots
		p.mirror.CheckedAt = sl.CheckedAt
		p.mu.Unlock()
	case BookApptAck:
	default:
		return
	}
	select {
	case p.events <- msg:
	default:
		p.logger.Debug("page event dropped", "type", msg.Type)
	}
}

// reconcile applies EXT_STATUS. A running extension with complete prefs is
// re-started once per load so the page resyncs without a second timer.
func (p *Page) reconcile(ctx context.Context, st StatusPayload) {
	p.mu.Lock()
	var resend *appointment.Preferences
	if st.IsRunning {
		p.mirror.Running = true
		if st.Prefs != nil && st.Prefs.Complete() {
			p.mirror.Prefs = *st.Prefs
			if !p.resyncd {
				p.resyncd = true
				prefs := *st.Prefs
				resend = &prefs
			}
		}
	} else {
		p.mirror.Running = false
		p.resyncd = false
	}
	p.mu.Unlock()

	if resend != nil {
		if err := p.send(ctx, WebStart, resend); err != nil {
			p.logger.Warn("resync start failed", "error", err)
		}
	}
}

// WaitInstalled polls for the relay's marker until timeout (DefaultInstallTimeout
// when zero). It returns false on timeout and never blocks longer.
func (p *Page) WaitInstalled(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	if p.installed.Load() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(installPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if p.installed.Load() {
				return true
			}
		case <-deadline.C:
			return p.installed.Load()
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Page) Installed() bool { return p.installed.Load() }

// Token is the tab token from the relay's marker, "" until it arrives or
// when the server hands out none. Dialing again with it keeps the tab ID.
func (p *Page) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Start asks the extension to monitor prefs. The local indicator flips
// immediately; the next EXT_STATUS is authoritative.
func (p *Page) Start(ctx context.Context, prefs appointment.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.mirror.Running = true
	p.mirror.Prefs = prefs
	p.resyncd = true
	p.mu.Unlock()
	return p.send(ctx, WebStart, prefs)
}

func (p *Page) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.mirror.Running = false
	p.mu.Unlock()
	return p.send(ctx, WebStop, nil)
}

func (p *Page) RequestStatus(ctx context.Context) error {
	return p.send(ctx, ReqStatus, nil)
}

// Book records a booking intent; confirmation arrives as BOOK_APPT_ACK.
func (p *Page) Book(ctx context.Context, b appointment.PendingBooking) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return p.send(ctx, BookAppt, b)
}

func (p *Page) Snapshot() Mirror {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.mirror
	m.Slots = append([]appointment.Slot(nil), p.mirror.Slots...)
	return m
}

func (p *Page) Close() error { return p.conn.Close() }

func (p *Page) send(ctx context.Context, kind Kind, payload any) error {
	msg, err := NewMessage(SourcePage, kind, payload)
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, msg)
}
