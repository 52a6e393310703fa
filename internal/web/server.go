package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/example/slotwatch/internal/bridge"
	"github.com/example/slotwatch/internal/metrics"
	"github.com/example/slotwatch/internal/ttp"
)

type LocationSource interface {
	Locations(ctx context.Context) ([]appointment.Location, error)
}

type SlotSource interface {
	Slots(ctx context.Context, locationID string, start, end time.Time) ([]appointment.Slot, error)
}

// Server is the local backend: a same-origin proxy for the scheduler API
// plus the bridge endpoint pages connect to.
type Server struct {
	Locations   LocationSource
	Slots       SlotSource
	Coordinator bridge.Coordinator
	Hub         *bridge.Hub
	Sessions    *bridge.TabSessions
	Origins     bridge.Origins
	Logger      *slog.Logger

	upgrader *websocket.Upgrader
}

func (s *Server) Routes() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.upgrader = bridge.NewUpgrader(s.Origins)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.Logger))
	// without configured origins the API stays same-origin only
	if len(s.Origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string(s.Origins),
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", bridge.TabHeader},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/locations", s.handleLocations)
		r.Get("/slots", s.handleSlots)
		r.Post("/notify-extension", s.handleNotifyExtension)
	})
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if s.Locations == nil {
		writeError(w, unavailable("locations not configured"))
		return
	}
	ls, err := s.Locations.Locations(r.Context())
	if err != nil {
		s.Logger.Warn("list locations failed", "error", err)
		writeError(w, upstreamError(err))
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	if s.Slots == nil {
		writeError(w, unavailable("slots not configured"))
		return
	}
	q := r.URL.Query()
	prefs := appointment.Preferences{
		LocationID: q.Get("locationId"),
		StartDate:  q.Get("startDate"),
		EndDate:    q.Get("endDate"),
		TimezoneID: q.Get("timezoneId"),
	}
	if err := prefs.Validate(); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	start, end, _ := prefs.Window()
	slots, err := s.Slots.Slots(r.Context(), prefs.LocationID, start, end)
	if err != nil {
		s.Logger.Warn("fetch slots failed", "location", prefs.LocationID, "error", err)
		writeError(w, upstreamError(err))
		return
	}
	appointment.SortSoonest(slots)
	writeJSON(w, http.StatusOK, slots)
}

// handleNotifyExtension accepts a page intent over plain HTTP and queues it
// for the coordinator. Delivery is fire-and-forget; replies go out over the
// bridge to the caller's tab, if it has one.
func (s *Server) handleNotifyExtension(w http.ResponseWriter, r *http.Request) {
	if s.Coordinator == nil {
		writeError(w, unavailable("coordinator not running"))
		return
	}
	var msg bridge.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&msg); err != nil {
		writeError(w, badRequest("invalid message body"))
		return
	}
	if msg.Source != bridge.SourcePage || !bridge.PageKind(msg.Type) {
		writeError(w, badRequest("unsupported message"))
		return
	}
	var from bridge.TabID
	if s.Sessions != nil {
		from = s.Sessions.Resolve(r)
	}
	if err := s.Coordinator.Deliver(r.Context(), bridge.Envelope{From: from, Msg: msg}); err != nil {
		s.Logger.Warn("deliver to coordinator failed", "type", msg.Type, "error", err)
		writeError(w, unavailable("coordinator not accepting messages"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"type": string(msg.Type)})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil || s.Coordinator == nil {
		writeError(w, unavailable("bridge not running"))
		return
	}
	var id bridge.TabID
	if s.Sessions != nil {
		id = s.Sessions.Resolve(r)
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response
		s.Logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := bridge.NewWSConn(c, s.Logger)
	origin := r.Header.Get("Origin")
	if err := s.Hub.Serve(r.Context(), id, origin, conn, s.Coordinator); err != nil && !errors.Is(err, bridge.ErrClosed) && !errors.Is(err, context.Canceled) {
		s.Logger.Debug("tab detached", "wanted", id, "error", err)
	}
}

func upstreamError(err error) *apiError {
	var se *ttp.StatusError
	if errors.As(err, &se) {
		return badGateway(se.Error())
	}
	return badGateway("upstream unavailable")
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Start serves h on addr until ctx is canceled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		// hijacked websocket connections outlive Shutdown; tie them to ctx
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
