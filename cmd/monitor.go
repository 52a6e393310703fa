package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/bridge"
)

type monitorFlags struct {
	url     string
	origin  string
	wait    time.Duration
	install time.Duration
}

func newMonitorCmd() *cobra.Command {
	f := &monitorFlags{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Control a running server over the bridge, as a page would",
	}
	cmd.PersistentFlags().StringVar(&f.url, "url", "ws://localhost:8080/ws", "bridge websocket URL")
	cmd.PersistentFlags().StringVar(&f.origin, "origin", "", "Origin header to present (must be allowed by the server)")
	cmd.PersistentFlags().DurationVar(&f.wait, "wait", 10*time.Second, "how long to wait for a reply")
	cmd.PersistentFlags().DurationVar(&f.install, "install-timeout", bridge.DefaultInstallTimeout, "how long to wait for the bridge marker")

	cmd.AddCommand(newMonitorStartCmd(f), newMonitorStopCmd(f), newMonitorStatusCmd(f), newMonitorBookCmd(f))
	return cmd
}

func newMonitorStartCmd(f *monitorFlags) *cobra.Command {
	var prefs appointment.Preferences
	var follow bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start monitoring a location for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := prefs.Validate(); err != nil {
				return err
			}
			return f.session(cmd, func(ctx context.Context, p *bridge.Page) error {
				if err := p.Start(ctx, prefs); err != nil {
					return err
				}
				msg, err := waitFor(ctx, p, f.wait, bridge.ExtStatus, func(st bridge.StatusPayload) bool {
					return st.IsRunning && st.Prefs != nil && st.Prefs.LocationID == prefs.LocationID
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), msg); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				return followSlots(ctx, cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&prefs.LocationID, "location", "", "location ID")
	cmd.Flags().StringVar(&prefs.StartDate, "start", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&prefs.EndDate, "end", "", "last date, YYYY-MM-DD")
	cmd.Flags().StringVar(&prefs.TimezoneID, "tz", "", "location timezone (IANA)")
	cmd.Flags().StringVar(&prefs.LocationName, "name", "", "location display name")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing slot updates until interrupted")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newMonitorStopCmd(f *monitorFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop monitoring (a pending booking is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.session(cmd, func(ctx context.Context, p *bridge.Page) error {
				if err := p.Stop(ctx); err != nil {
					return err
				}
				msg, err := waitFor(ctx, p, f.wait, bridge.ExtStatus, func(st bridge.StatusPayload) bool {
					return !st.IsRunning
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}
}

func newMonitorStatusCmd(f *monitorFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current monitoring status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.session(cmd, func(ctx context.Context, p *bridge.Page) error {
				// Run already asked for status on connect
				msg, err := waitFor(ctx, p, f.wait, bridge.ExtStatus, func(bridge.StatusPayload) bool { return true })
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}
}

func newMonitorBookCmd(f *monitorFlags) *cobra.Command {
	var b appointment.PendingBooking
	var slot string
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Record a booking intent for a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := time.Parse(time.RFC3339, slot)
			if err != nil {
				return fmt.Errorf("--slot: want RFC3339, e.g. 2025-03-05T17:00:00Z: %w", err)
			}
			b.SlotTimestamp = ts.UTC()
			b.RequestedAt = time.Now().UTC()
			if err := b.Validate(); err != nil {
				return err
			}
			return f.session(cmd, func(ctx context.Context, p *bridge.Page) error {
				if err := p.Book(ctx, b); err != nil {
					return err
				}
				msg, err := waitFor(ctx, p, f.wait, bridge.BookApptAck, func(bridge.BookAckPayload) bool { return true })
				if err != nil {
					return err
				}
				var ack bridge.BookAckPayload
				if err := msg.Decode(&ack); err != nil {
					return err
				}
				if !ack.OK {
					return fmt.Errorf("booking rejected: %s", ack.Error)
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}
	cmd.Flags().StringVar(&b.LocationID, "location", "", "location ID")
	cmd.Flags().StringVar(&b.LocationName, "name", "", "location display name")
	cmd.Flags().StringVar(&b.TimezoneID, "tz", "", "location timezone (IANA)")
	cmd.Flags().StringVar(&b.DisplayText, "display", "", "slot text as shown on the booking site")
	cmd.Flags().StringVar(&slot, "slot", "", "slot start time, RFC3339")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("slot")
	return cmd
}

// session dials the bridge, checks the marker and runs fn with a live page.
func (f *monitorFlags) session(cmd *cobra.Command, fn func(ctx context.Context, p *bridge.Page) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	header := http.Header{}
	if f.origin != "" {
		header.Set("Origin", f.origin)
	}
	conn, err := bridge.DialWS(ctx, f.url, header, nil)
	if err != nil {
		return fmt.Errorf("connect to bridge: %w", err)
	}
	p := bridge.NewPage(conn, nil)
	defer p.Close()
	go func() { _ = p.Run(ctx) }()

	if !p.WaitInstalled(ctx, f.install) {
		return errors.New("bridge not detected: is the server running and is the origin allowed?")
	}
	return fn(ctx, p)
}

// waitFor returns the first event of kind whose payload satisfies ok.
func waitFor[T any](ctx context.Context, p *bridge.Page, timeout time.Duration, kind bridge.Kind, ok func(T) bool) (bridge.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		select {
		case msg := <-p.Events():
			if msg.Type != kind {
				continue
			}
			var v T
			if err := msg.Decode(&v); err != nil {
				continue
			}
			if ok(v) {
				return msg, nil
			}
		case <-ctx.Done():
			return bridge.Message{}, fmt.Errorf("no %s reply: %w", kind, ctx.Err())
		}
	}
}

func followSlots(ctx context.Context, w io.Writer, p *bridge.Page) error {
	for {
		select {
		case msg := <-p.Events():
			if msg.Type != bridge.ExtSlots {
				continue
			}
			if err := printJSON(w, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func printJSON(w io.Writer, msg bridge.Message) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(msg)
}
