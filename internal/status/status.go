// Package status exposes the minimal operational surface: a liveness
// endpoint reporting session health and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// SessionHeld is 1 while a session token is held.
	SessionHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goalbot_session_held",
		Help: "Whether a session token is currently held",
	})

	// ActiveTrades counts non-terminal trades.
	ActiveTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goalbot_active_trades",
		Help: "Trades in a non-terminal phase",
	})

	// Logins counts login attempts by result.
	Logins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goalbot_logins_total",
		Help: "Login attempts",
	}, []string{"result"})

	// Orders counts order placements by side and result.
	Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goalbot_orders_total",
		Help: "Orders placed",
	}, []string{"side", "result"})

	// TradesSettled counts settled trades by outcome marker.
	TradesSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goalbot_trades_total",
		Help: "Trades reaching a terminal phase",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(SessionHeld, ActiveTrades, Logins, Orders, TradesSettled)
}

// Health is the liveness payload.
type Health struct {
	SessionHeld    bool      `json:"session_held"`
	SessionState   string    `json:"session_state"`
	LastLoginError string    `json:"last_login_error,omitempty"`
	NextKeepAlive  time.Time `json:"next_keepalive,omitempty"`
	ActiveTrades   int64     `json:"active_trades"`
}

// Server serves /healthz and /metrics.
type Server struct {
	addr   string
	health func() Health
	srv    *http.Server
}

// NewServer builds the status server; health is called per request.
func NewServer(addr string, health func() Health) *Server {
	return &Server{addr: addr, health: health}
}

// Start serves in the background until the context is cancelled.
func (s *Server) Start(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.health())
	})

	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		log.Info().Str("addr", s.addr).Msg("📡 Status server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()
}
