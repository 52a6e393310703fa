package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/metrics"
)

// Source is the upstream slot endpoint (*ttp.Client).
type Source interface {
	Slots(ctx context.Context, locationID string, start, end time.Time) ([]appointment.Slot, error)
}

// Poller performs one availability check per call. Errors never escape:
// the next scheduled poll is the retry.
type Poller struct {
	Source Source
	Logger *slog.Logger
}

func New(src Source, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{Source: src, Logger: logger}
}

// Poll returns the available slots for prefs, soonest first. The result is
// empty (never nil) on any failure.
func (p *Poller) Poll(ctx context.Context, prefs appointment.Preferences) []appointment.Slot {
	start, end, err := prefs.Window()
	if err != nil {
		p.Logger.Error("poll: invalid preferences", "location", prefs.LocationID, "error", err)
		metrics.IncPoll("invalid")
		return []appointment.Slot{}
	}

	began := time.Now()
	slots, err := p.Source.Slots(ctx, prefs.LocationID, start, end)
	metrics.ObservePollDuration(time.Since(began).Seconds())
	if err != nil {
		p.Logger.Warn("poll failed", "location", prefs.LocationID, "error", err)
		metrics.IncPoll("error")
		return []appointment.Slot{}
	}

	avail := appointment.Available(slots)
	appointment.SortSoonest(avail)
	metrics.IncPoll("ok")
	p.Logger.Debug("poll ok", "location", prefs.LocationID, "total", len(slots), "available", len(avail))
	return avail
}
