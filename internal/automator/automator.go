package automator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/metrics"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/store"
)

const (
	DefaultAttempts = 60
	DefaultInterval = 500 * time.Millisecond
)

var ErrExhausted = errors.New("automator: attempts exhausted")

// Completer clears the pending booking once it has been selected. expected
// is the stored encoding; a newer booking must survive.
type Completer interface {
	Complete(ctx context.Context, expected []byte) error
}

// StoreCompleter clears straight from the store, for standalone runs where
// no coordinator owns it.
type StoreCompleter struct {
	Store store.Store
}

func (s StoreCompleter) Complete(ctx context.Context, expected []byte) error {
	_, err := store.ClearPendingIf(ctx, s.Store, expected)
	return err
}

// LocationLookup resolves location details the booking did not carry
// (*ttp.LocationCache).
type LocationLookup interface {
	Lookup(ctx context.Context, id string) (appointment.Location, bool)
}

type Options struct {
	Attempts   int
	Interval   time.Duration
	Strategies []Strategy
	Completer  Completer
	Notifier   notify.Notifier
	BookingURL string
	Locations  LocationLookup
	Logger     *slog.Logger
}

type Automator struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Automator {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: opts.Logger}
	}
	return &Automator{opts: opts, logger: opts.Logger.With("component", "automator")}
}

type Result struct {
	Strategy string
	SlotText string
	Attempts int
}

// Run selects the location and the slot of b on page, retrying until both
// succeed or attempts run out. The pending booking is cleared through the
// Completer only on success; on any failure it is left exactly as stored.
func (a *Automator) Run(ctx context.Context, page Page, b appointment.PendingBooking, raw []byte) (Result, error) {
	b, extra := a.enrich(ctx, b)
	target := TargetFor(b)
	target.Names = appendName(target.Names, extra)
	cands := CandidatesFor(b)
	logger := a.logger.With("location", b.LocationID, "slot", b.SlotTimestamp)

	var res Result
	locDone, dateClicked := false, false
	for attempt := 1; attempt <= a.opts.Attempts; attempt++ {
		res.Attempts = attempt
		if !locDone {
			for _, s := range a.opts.Strategies {
				ok, err := s.TryMatch(ctx, page, target)
				if err != nil {
					logger.Debug("location strategy failed", "strategy", s.Name(), "error", err)
					continue
				}
				if ok {
					locDone = true
					res.Strategy = s.Name()
					logger.Info("location selected", "strategy", s.Name(), "attempt", attempt)
					break
				}
			}
		}
		if locDone {
			text, done, err := selectSlot(ctx, page, cands, &dateClicked)
			if err != nil {
				logger.Debug("slot selection failed", "error", err)
			} else if done {
				res.SlotText = text
				return res, a.complete(ctx, b, raw, res)
			}
		}

		if attempt == a.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.IncBookingRun("canceled")
			return res, ctx.Err()
		case <-time.After(a.opts.Interval):
		}
	}

	metrics.IncBookingRun("exhausted")
	logger.Warn("booking automation gave up", "attempts", res.Attempts, "location_selected", locDone)
	a.notify(ctx, notify.BookingTimedOut(b, a.opts.BookingURL))
	return res, ErrExhausted
}

// enrich fills the location name and timezone from the location list when
// the booking lacks them, and returns the short name as an extra target.
func (a *Automator) enrich(ctx context.Context, b appointment.PendingBooking) (appointment.PendingBooking, string) {
	if a.opts.Locations == nil {
		return b, ""
	}
	loc, ok := a.opts.Locations.Lookup(ctx, b.LocationID)
	if !ok {
		return b, ""
	}
	if b.LocationName == "" {
		b.LocationName = loc.Name
	}
	if b.TimezoneID == "" {
		b.TimezoneID = loc.TimezoneID
	}
	return b, loc.ShortName
}

func appendName(names []string, name string) []string {
	if name == "" {
		return names
	}
	for _, n := range names {
		if normalize(n) == normalize(name) {
			return names
		}
	}
	return append(names, name)
}

func (a *Automator) complete(ctx context.Context, b appointment.PendingBooking, raw []byte, res Result) error {
	metrics.IncBookingRun("booked")
	a.logger.Info("slot selected", "text", res.SlotText, "attempts", res.Attempts)
	if a.opts.Completer != nil {
		if err := a.opts.Completer.Complete(ctx, raw); err != nil {
			return fmt.Errorf("clear pending booking: %w", err)
		}
	}
	a.notify(ctx, notify.Booked(b, a.opts.BookingURL))
	return nil
}

func (a *Automator) notify(ctx context.Context, n notify.Notification) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notify.Timeout)
	defer cancel()
	if err := a.opts.Notifier.Notify(nctx, n); err != nil {
		a.logger.Warn("notification failed", "kind", n.Kind, "error", err)
	}
}

const slotSelector = "button, a, [role=button], [role=gridcell], td, li, label, .slot, .time-slot"

// selectSlot clicks the best element for the slot. A full match finishes.
// A date-only match is clicked once to reveal that day's times, then the
// caller keeps polling. A time-only match is accepted as a fallback after
// that, or when no date is shown at all.
func selectSlot(ctx context.Context, page Page, c SlotCandidates, dateClicked *bool) (string, bool, error) {
	els, err := page.Query(ctx, slotSelector)
	if err != nil {
		return "", false, err
	}
	best := map[matchKind]Element{}
	bestText := map[matchKind]string{}
	for _, el := range els {
		text := elementText(ctx, el)
		k := c.classify(text)
		if k == noMatch || wrapsCandidate(ctx, el, c) {
			continue
		}
		// tightest text wins so a wrapping container is not clicked instead of the cell
		if cur, ok := bestText[k]; !ok || len(text) < len(cur) {
			best[k], bestText[k] = el, text
		}
	}

	if el, ok := best[fullMatch]; ok {
		return bestText[fullMatch], true, el.Click(ctx)
	}
	if el, ok := best[dateOnly]; ok && !*dateClicked {
		*dateClicked = true
		return bestText[dateOnly], false, el.Click(ctx)
	}
	if el, ok := best[timeOnly]; ok {
		return bestText[timeOnly], true, el.Click(ctx)
	}
	return "", false, nil
}

// wrapsCandidate reports whether el holds a smaller slot element that also
// matches. A day row listing its time buttons reads as a full match but
// clicking it books nothing.
func wrapsCandidate(ctx context.Context, el Element, c SlotCandidates) bool {
	inner, err := el.Query(ctx, slotSelector)
	if err != nil {
		return false
	}
	for _, in := range inner {
		if c.classify(elementText(ctx, in)) != noMatch {
			return true
		}
	}
	return false
}
