package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/slotwatch/internal/metrics"
)

const postTimeout = 5 * time.Second

// Hub tracks attached tabs and fans coordinator messages out to them.
type Hub struct {
	mu       sync.RWMutex
	tabs     map[TabID]*Relay
	origins  Origins
	sessions *TabSessions
	logger   *slog.Logger
}

// NewHub restricts Broadcast to tabs whose origin is in origins; an empty
// set broadcasts to every attached tab. With sessions set, each relay hands
// its page a token naming its tab ID.
func NewHub(origins Origins, sessions *TabSessions, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{tabs: make(map[TabID]*Relay), origins: origins, sessions: sessions, logger: logger}
}

func NewTabID() TabID { return TabID(uuid.NewString()) }

// Serve attaches conn, runs its relay and detaches when the relay stops. The
// tab keeps want as its ID unless want is empty or held by another live
// connection, in which case it gets a fresh one.
func (h *Hub) Serve(ctx context.Context, want TabID, origin string, conn Conn, coord Coordinator) error {
	defer conn.Close()
	r := h.attach(want, origin, conn, coord)
	defer h.detach(r)
	if h.sessions != nil {
		tok, err := h.sessions.Token(r.id)
		if err != nil {
			h.logger.Warn("sign tab token failed", "tab", r.id, "error", err)
		}
		r.token = tok
	}
	return r.Run(ctx)
}

func (h *Hub) attach(want TabID, origin string, conn Conn, coord Coordinator) *Relay {
	h.mu.Lock()
	id := want
	if _, taken := h.tabs[id]; id == "" || taken {
		id = NewTabID()
	}
	r := NewRelay(id, origin, conn, coord, h.logger)
	h.tabs[id] = r
	n := len(h.tabs)
	h.mu.Unlock()
	metrics.SetTabs(n)
	h.logger.Debug("tab attached", "tab", id, "wanted", want, "origin", origin)
	return r
}

func (h *Hub) detach(r *Relay) {
	h.mu.Lock()
	if cur, ok := h.tabs[r.id]; ok && cur == r {
		delete(h.tabs, r.id)
	}
	n := len(h.tabs)
	h.mu.Unlock()
	metrics.SetTabs(n)
	h.logger.Debug("tab detached", "tab", r.id)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

// SendTo posts msg to one tab.
func (h *Hub) SendTo(ctx context.Context, id TabID, msg Message) error {
	h.mu.RLock()
	r, ok := h.tabs[id]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownTab
	}
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	if err := r.Post(ctx, msg); err != nil {
		metrics.IncDeliveryFailure()
		return err
	}
	return nil
}

// Broadcast posts msg to every allowed tab except exclude and returns how
// many posts succeeded. Failures are logged, never retried.
func (h *Hub) Broadcast(ctx context.Context, msg Message, exclude TabID) int {
	h.mu.RLock()
	targets := make([]*Relay, 0, len(h.tabs))
	for id, r := range h.tabs {
		if id == exclude {
			continue
		}
		if len(h.origins) > 0 && !h.origins.Allowed(r.origin) {
			continue
		}
		targets = append(targets, r)
	}
	h.mu.RUnlock()

	sent := 0
	for _, r := range targets {
		pctx, cancel := context.WithTimeout(ctx, postTimeout)
		err := r.Post(pctx, msg)
		cancel()
		if err != nil {
			metrics.IncDeliveryFailure()
			h.logger.Debug("broadcast delivery failed", "tab", r.id, "type", msg.Type, "error", err)
			continue
		}
		sent++
	}
	return sent
}
