package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/automator"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/store"
	"github.com/example/slotwatch/internal/ttp"
)

// newBookCmd runs the automator once against the stored pending booking,
// outside the server. A live run clears the pending booking straight from the
// store; a --snapshot dry run leaves it and only logs.
func newBookCmd() *cobra.Command {
	var (
		headless bool
		snapshot string
		url      string
	)
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Select the pending booking's location and slot on the booking site",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			st, err := rt.openStore(ctx)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			b, raw, err := store.LoadPending(ctx, st)
			if errors.Is(err, store.ErrNotFound) {
				return errors.New("no pending booking")
			}
			if err != nil {
				return err
			}

			opts := automator.Options{
				Attempts:   rt.cfg.Automator.Attempts,
				Interval:   rt.cfg.Automator.Interval,
				Completer:  automator.StoreCompleter{Store: st},
				Notifier:   rt.notifier(),
				BookingURL: rt.cfg.BookingURL,
				Locations:  ttp.NewLocationCache(rt.upstream(), rt.cfg.Upstream.LocationTTL),
				Logger:     rt.logger,
			}
			if snapshot != "" {
				opts.Completer = nil
				opts.Notifier = notify.Log{Logger: rt.logger}
			}
			a := automator.New(opts)

			page, cleanup, err := openPage(ctx, snapshot, url, headless, rt.cfg.BookingURL)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := a.Run(ctx, page, b, raw)
			if err != nil {
				return fmt.Errorf("after %d attempts: %w", res.Attempts, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selected %q via %s after %d attempt(s)\n", res.SlotText, res.Strategy, res.Attempts)
			if snapshot != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "dry run: pending booking kept")
			}
			if hp, ok := page.(*automator.HTMLPage); ok {
				for _, c := range hp.Clicks() {
					fmt.Fprintf(cmd.OutOrStdout(), "  click: %s\n", c)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", true, "run Chrome without a window")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "dry run against a saved HTML file instead of a live browser")
	cmd.Flags().StringVar(&url, "url", "", "booking page URL (defaults to BOOKING_URL)")
	return cmd
}

func openPage(ctx context.Context, snapshot, url string, headless bool, fallback string) (automator.Page, func(), error) {
	if snapshot != "" {
		f, err := os.Open(snapshot)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		p, err := automator.ParseHTML(f)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
	if url == "" {
		url = fallback
	}
	browser, err := automator.LaunchBrowser(headless)
	if err != nil {
		return nil, nil, err
	}
	p, err := browser.Open(ctx, url)
	if err != nil {
		_ = browser.Close()
		return nil, nil, err
	}
	return p, func() { _ = browser.Close() }, nil
}
