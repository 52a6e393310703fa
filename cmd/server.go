package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/automator"
	"github.com/example/slotwatch/internal/bridge"
	"github.com/example/slotwatch/internal/coordinator"
	"github.com/example/slotwatch/internal/metrics"
	"github.com/example/slotwatch/internal/poller"
	"github.com/example/slotwatch/internal/ttp"
	"github.com/example/slotwatch/internal/web"
)

func newServerCmd() *cobra.Command {
	var automate bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the coordinator, bridge endpoint and local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.cfg

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			st, err := rt.openStore(ctx)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			client := rt.upstream()
			locations := ttp.NewLocationCache(client, cfg.Upstream.LocationTTL)
			origins := bridge.ParseOrigins(cfg.Bridge.AllowedOrigins)
			sessions := bridge.NewTabSessions(cfg.Bridge.HashKey, cfg.Bridge.BlockKey)
			hub := bridge.NewHub(origins, sessions, rt.logger)
			notifier := rt.notifier()

			var coord *coordinator.Coordinator
			opts := coordinator.Options{
				Store:      st,
				Poller:     poller.New(client, rt.logger),
				Outbox:     hub,
				Notifier:   notifier,
				Interval:   cfg.Upstream.PollInterval,
				BookingURL: cfg.BookingURL,
				Logger:     rt.logger,
			}
			if automate {
				runner := &bookingRunner{
					url:      cfg.BookingURL,
					headless: cfg.Automator.Headless,
					logger:   rt.logger,
					slot:     make(chan struct{}, 1),
				}
				opts.OnBooking = func(ctx context.Context, b appointment.PendingBooking, raw []byte) {
					runner.start(ctx, b, raw, automator.New(automator.Options{
						Attempts:   cfg.Automator.Attempts,
						Interval:   cfg.Automator.Interval,
						Completer:  coordinator.Completer{C: coord},
						Notifier:   notifier,
						BookingURL: cfg.BookingURL,
						Locations:  locations,
						Logger:     rt.logger,
					}))
				}
			}
			coord = coordinator.New(opts)

			coordErr := make(chan error, 1)
			go func() { coordErr <- coord.Run(ctx) }()

			srv := &web.Server{
				Locations:   locations,
				Slots:       client,
				Coordinator: coord,
				Hub:         hub,
				Sessions:    sessions,
				Origins:     origins,
				Logger:      rt.logger,
			}
			if err := web.Start(ctx, cfg.ListenAddr, srv.Routes(), rt.logger); err != nil {
				cancel()
				<-coordErr
				return err
			}
			cancel()
			return <-coordErr
		},
	}

	cmd.Flags().BoolVar(&automate, "automate", false, "drive a local Chrome to select booked slots")
	return cmd
}

// bookingRunner runs at most one browser automation at a time.
type bookingRunner struct {
	url      string
	headless bool
	logger   *slog.Logger
	slot     chan struct{}
}

func (r *bookingRunner) start(ctx context.Context, b appointment.PendingBooking, raw []byte, a *automator.Automator) {
	select {
	case r.slot <- struct{}{}:
	default:
		r.logger.Warn("booking automation already running, intent kept for later", "location", b.LocationID)
		return
	}
	go func() {
		defer func() { <-r.slot }()
		browser, err := automator.LaunchBrowser(r.headless)
		if err != nil {
			r.logger.Error("launch browser failed", "error", err)
			return
		}
		defer browser.Close()
		page, err := browser.Open(ctx, r.url)
		if err != nil {
			r.logger.Error("open booking page failed", "error", err)
			return
		}
		res, err := a.Run(ctx, page, b, raw)
		switch {
		case err == nil:
			r.logger.Info("booking automation finished", "strategy", res.Strategy, "slot", res.SlotText)
		case errors.Is(err, automator.ErrExhausted), errors.Is(err, context.Canceled):
			r.logger.Warn("booking automation stopped", "attempts", res.Attempts, "error", err)
		default:
			r.logger.Error("booking automation failed", "error", err)
		}
	}()
}
