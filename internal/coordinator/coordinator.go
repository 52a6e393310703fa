package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/bridge"
	"github.com/example/slotwatch/internal/metrics"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/store"
)

const DefaultInterval = 60 * time.Second

var ErrStopped = errors.New("coordinator: stopped")

// Outbox delivers coordinator messages to tabs (*bridge.Hub).
type Outbox interface {
	SendTo(ctx context.Context, id bridge.TabID, msg bridge.Message) error
	Broadcast(ctx context.Context, msg bridge.Message, exclude bridge.TabID) int
}

type Poller interface {
	Poll(ctx context.Context, prefs appointment.Preferences) []appointment.Slot
}

// BookingHook runs after a booking intent is persisted. raw is the stored
// encoding, needed to clear the intent later.
type BookingHook func(ctx context.Context, b appointment.PendingBooking, raw []byte)

type Options struct {
	Store      store.Store
	Poller     Poller
	Outbox     Outbox
	Notifier   notify.Notifier
	Interval   time.Duration
	BookingURL string
	OnBooking  BookingHook
	Logger     *slog.Logger
}

type pollResult struct {
	gen   uint64
	slots []appointment.Slot
	at    time.Time
}

// Coordinator is the background state machine. Everything below the inbox is
// owned by the Run goroutine.
type Coordinator struct {
	opts    Options
	logger  *slog.Logger
	inbox   chan bridge.Envelope
	results chan pollResult
	done    chan struct{}

	running   bool
	prefs     appointment.Preferences
	lastFirst time.Time
	gen       uint64
	polling   bool
	ticker    *time.Ticker
	tickC     <-chan time.Time
}

func New(opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: opts.Logger}
	}
	return &Coordinator{
		opts:    opts,
		logger:  opts.Logger.With("component", "coordinator"),
		inbox:   make(chan bridge.Envelope, 64),
		results: make(chan pollResult),
		done:    make(chan struct{}),
	}
}

// Deliver queues env for the Run loop. It does not wait for processing.
func (c *Coordinator) Deliver(ctx context.Context, env bridge.Envelope) error {
	select {
	case c.inbox <- env:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run restores persisted state, announces status and processes messages
// until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.stopTicker()

	if err := c.restore(ctx); err != nil {
		c.logger.Error("restore state failed", "error", err)
	}
	c.broadcastStatus(ctx, "")

	for {
		select {
		case <-ctx.Done():
			metrics.SetRunning(false)
			return nil
		case env := <-c.inbox:
			c.handle(ctx, env)
		case <-c.tickC:
			c.pollNow(ctx)
		case res := <-c.results:
			c.applyPoll(ctx, res)
		}
	}
}

// restore resumes a session that was running when the process last exited.
func (c *Coordinator) restore(ctx context.Context) error {
	st, err := store.LoadState(ctx, c.opts.Store)
	if err != nil {
		return err
	}
	if !st.IsRunning {
		return nil
	}
	if !st.Prefs.Complete() {
		c.logger.Warn("stored run flag without preferences, clearing")
		return store.ClearRun(ctx, c.opts.Store)
	}
	c.logger.Info("resuming monitoring", "location", st.Prefs.LocationID)
	c.startSession(ctx, st.Prefs)
	return nil
}

func (c *Coordinator) handle(ctx context.Context, env bridge.Envelope) {
	msg := env.Msg
	switch msg.Type {
	case bridge.WebStart:
		var prefs appointment.Preferences
		if err := msg.Decode(&prefs); err != nil {
			c.logger.Warn("bad WEB_START payload", "tab", env.From, "error", err)
			return
		}
		if err := prefs.Validate(); err != nil {
			c.logger.Warn("rejecting WEB_START", "tab", env.From, "error", err)
			c.broadcastStatus(ctx, env.From)
			return
		}
		c.start(ctx, prefs)
		c.broadcastStatus(ctx, env.From)
	case bridge.WebStop:
		c.stop(ctx)
		c.broadcastStatus(ctx, env.From)
	case bridge.ReqStatus:
		c.broadcastStatus(ctx, env.From)
	case bridge.BookAppt:
		c.book(ctx, env)
	case bridge.BookDone:
		c.bookDone(ctx, env)
	default:
		c.logger.Debug("ignoring message", "type", msg.Type, "tab", env.From)
	}
}

func (c *Coordinator) start(ctx context.Context, prefs appointment.Preferences) {
	if err := store.SaveRun(ctx, c.opts.Store, prefs); err != nil {
		c.logger.Error("persist preferences failed", "error", err)
		return
	}
	if c.running {
		// last start wins for parameters; the timer stays as is
		c.prefs = prefs
		c.logger.Info("monitoring preferences updated", "location", prefs.LocationID)
		return
	}
	c.logger.Info("monitoring started", "location", prefs.LocationID, "start", prefs.StartDate, "end", prefs.EndDate)
	c.startSession(ctx, prefs)
}

func (c *Coordinator) startSession(ctx context.Context, prefs appointment.Preferences) {
	c.running = true
	c.prefs = prefs
	c.lastFirst = time.Time{}
	c.gen++
	c.polling = false
	c.ticker = time.NewTicker(c.opts.Interval)
	c.tickC = c.ticker.C
	metrics.SetRunning(true)
	c.pollNow(ctx)
}

func (c *Coordinator) stop(ctx context.Context) {
	c.stopTicker()
	wasRunning := c.running
	c.running = false
	c.polling = false
	c.gen++
	metrics.SetRunning(false)
	if err := store.ClearRun(ctx, c.opts.Store); err != nil {
		c.logger.Error("clear run state failed", "error", err)
	}
	if wasRunning {
		c.logger.Info("monitoring stopped")
	}
}

func (c *Coordinator) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.tickC = nil
}

// pollNow starts one poll unless one is already in flight for this session.
func (c *Coordinator) pollNow(ctx context.Context) {
	if !c.running {
		return
	}
	if c.polling {
		metrics.IncPoll("skipped")
		c.logger.Debug("previous poll still running, skipping tick")
		return
	}
	c.polling = true
	gen, prefs := c.gen, c.prefs
	go func() {
		slots := c.opts.Poller.Poll(ctx, prefs)
		select {
		case c.results <- pollResult{gen: gen, slots: slots, at: time.Now()}:
		case <-ctx.Done():
		}
	}()
}

func (c *Coordinator) applyPoll(ctx context.Context, res pollResult) {
	if res.gen != c.gen || !c.running {
		c.logger.Debug("discarding poll from previous session")
		return
	}
	c.polling = false

	if err := store.SaveSlots(ctx, c.opts.Store, res.slots, res.at); err != nil {
		c.logger.Warn("persist slots failed", "error", err)
	}
	if msg, err := bridge.NewMessage(bridge.SourceExtension, bridge.ExtSlots, bridge.SlotsPayload{Slots: res.slots, CheckedAt: res.at}); err == nil {
		c.opts.Outbox.Broadcast(ctx, msg, "")
	}

	if len(res.slots) == 0 {
		return
	}
	first := res.slots[0].Timestamp
	if first.Equal(c.lastFirst) {
		return
	}
	c.lastFirst = first
	c.notify(ctx, notify.SlotsFound(res.slots, c.prefs, c.opts.BookingURL))
}

// notify delivers off the Run goroutine; a slow webhook must not delay WEB_STOP.
func (c *Coordinator) notify(ctx context.Context, n notify.Notification) {
	metrics.IncNotification(n.Kind)
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notify.Timeout)
		defer cancel()
		if err := c.opts.Notifier.Notify(nctx, n); err != nil {
			c.logger.Warn("notification failed", "kind", n.Kind, "error", err)
		}
	}()
}

func (c *Coordinator) book(ctx context.Context, env bridge.Envelope) {
	var b appointment.PendingBooking
	ack := bridge.BookAckPayload{}
	var raw []byte
	err := env.Msg.Decode(&b)
	if err == nil {
		if b.RequestedAt.IsZero() {
			b.RequestedAt = time.Now().UTC()
		}
		raw, err = store.SavePending(ctx, c.opts.Store, b)
	}
	if err != nil {
		c.logger.Warn("booking request rejected", "tab", env.From, "error", err)
		ack.Error = err.Error()
	} else {
		ack.OK = true
		ack.Booking = &b
		c.logger.Info("booking requested", "location", b.LocationID, "slot", b.SlotTimestamp)
	}

	if env.From != "" {
		if msg, merr := bridge.NewMessage(bridge.SourceExtension, bridge.BookApptAck, ack); merr == nil {
			if serr := c.opts.Outbox.SendTo(ctx, env.From, msg); serr != nil {
				c.logger.Debug("ack delivery failed", "tab", env.From, "error", serr)
			}
		}
	}
	if err == nil && c.opts.OnBooking != nil {
		c.opts.OnBooking(ctx, b, raw)
	}
}

func (c *Coordinator) bookDone(ctx context.Context, env bridge.Envelope) {
	var p bridge.BookDonePayload
	if err := env.Msg.Decode(&p); err != nil {
		c.logger.Warn("bad BOOK_DONE payload", "error", err)
		return
	}
	cleared, err := store.ClearPendingIf(ctx, c.opts.Store, p.Expected)
	if err != nil {
		c.logger.Error("clear pending booking failed", "error", err)
		return
	}
	c.logger.Info("booking completed", "cleared", cleared)
}

func (c *Coordinator) broadcastStatus(ctx context.Context, sender bridge.TabID) {
	st := bridge.StatusPayload{IsRunning: c.running}
	if c.running {
		prefs := c.prefs
		st.Prefs = &prefs
	}
	msg, err := bridge.NewMessage(bridge.SourceExtension, bridge.ExtStatus, st)
	if err != nil {
		return
	}
	if sender != "" {
		if err := c.opts.Outbox.SendTo(ctx, sender, msg); err != nil {
			c.logger.Debug("status delivery failed", "tab", sender, "error", err)
		}
	}
	c.opts.Outbox.Broadcast(ctx, msg, sender)
}

// Completer clears a pending booking through the Run loop so the store keeps
// a single writer.
type Completer struct {
	C *Coordinator
}

func (m Completer) Complete(ctx context.Context, expected []byte) error {
	msg, err := bridge.NewMessage("", bridge.BookDone, bridge.BookDonePayload{Expected: expected})
	if err != nil {
		return err
	}
	return m.C.Deliver(ctx, bridge.Envelope{Msg: msg})
}
