package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"emberroom/go-backend/internal/platform/ratelimiter"
	"emberroom/go-backend/internal/wire"
)

// Per-IP upgrade attempt limits. Separate from the per-connection frame
// limiter: this throttles connection churn before any upgrade happens.
const (
	upgradeRPS     = 3
	upgradeBurst   = 6
	upgradeIdleTTL = 10 * time.Minute
)

// Config is the relay's runtime configuration; see relayconfig for loading.
type Config struct {
	ListenAddr     string
	MetricsAddr    string
	AllowedOrigins []string
	MaxRoomSize    int
	MaxConns       int
	MaxConnsPerIP  int
	FrameRPS       float64
	FrameBurst     int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":8321",
		MaxRoomSize:   32,
		MaxConns:      2048,
		MaxConnsPerIP: 16,
		FrameRPS:      25,
		FrameBurst:    50,
	}
}

// Server owns the websocket endpoint and admission control; room semantics
// live in the Registry it wraps.
type Server struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	dialLimiter *ratelimiter.MapLimiter

	mu         sync.Mutex
	totalConns int
	perIP      map[string]int
}

func NewServer(cfg Config, registry *Registry, metrics *Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		metrics:     metrics,
		log:         log,
		dialLimiter: ratelimiter.New(upgradeRPS, upgradeBurst, upgradeIdleTTL),
		perIP:       make(map[string]int),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rooms/{roomID}/ws", s.handleWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Run serves until ctx is cancelled. A non-empty MetricsAddr gets its own
// listener so the relay port never exposes /metrics.
func (s *Server) Run(ctx context.Context, promReg *prometheus.Registry) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Router()}

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" && promReg != nil {
		mm := http.NewServeMux()
		mm.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mm}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics listener failed", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("relay listening", "addr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return err
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	ip := remoteIP(r)

	if !s.dialLimiter.Allow(ip, time.Now()) {
		s.metrics.rejected("upgrade rate")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newWSConn(ws)

	if code, reason, ok := s.acquireSlot(ip); !ok {
		s.metrics.rejected(reason)
		conn.CloseWithCode(code, reason)
		return
	}
	s.metrics.connOpened()
	defer func() {
		s.releaseSlot(ip)
		s.metrics.connClosed()
	}()

	s.serveConn(roomID, ip, ws, conn)
}

// serveConn runs the read loop: one join frame, then routed traffic until
// the connection drops or violates the protocol.
func (s *Server) serveConn(roomID, ip string, ws *websocket.Conn, conn *wsConn) {
	ws.SetReadLimit(wire.MaxFrameBytes + 1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	join, ok := s.readJoin(ws, conn)
	if !ok {
		return
	}
	identity := join.IdentityKey

	if err := s.registry.Join(roomID, conn, join); err != nil {
		switch {
		case errors.Is(err, ErrRoomFull):
			s.metrics.rejected("room full")
			conn.CloseWithCode(wire.CloseRoomFull, "room full")
		case errors.Is(err, ErrRoomNotFound):
			// room_not_found frame already queued; close politely.
			conn.CloseWithCode(1000, "room not found")
		}
		return
	}
	defer s.registry.Disconnect(roomID, identity, conn)
	s.log.Info("member joined", "room", roomID, "ip", ip)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.FrameRPS), s.cfg.FrameBurst)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			s.metrics.rejected("rate limit")
			conn.CloseWithCode(wire.CloseRateLimited, "frame rate exceeded")
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			s.metrics.rejected("invalid frame")
			conn.CloseWithCode(wire.CloseCode(err), "invalid frame")
			return
		}

		switch f := frame.(type) {
		case wire.KeyShare:
			if f.SenderIdentityKey != identity {
				s.metrics.rejected("sender mismatch")
				conn.CloseWithCode(wire.CloseSchema, "sender identity mismatch")
				return
			}
			s.registry.RouteKeyShare(roomID, f)
		case wire.Encrypted:
			if f.SenderIdentityKey != identity {
				s.metrics.rejected("sender mismatch")
				conn.CloseWithCode(wire.CloseSchema, "sender identity mismatch")
				return
			}
			s.registry.RouteEncrypted(roomID, f)
		case wire.Purge:
			// Authorization uses the connection-bound identity, not the
			// frame body.
			s.registry.Purge(roomID, identity, conn)
		default:
			s.metrics.rejected("unexpected frame")
			conn.CloseWithCode(wire.CloseSchema, "unexpected frame type")
			return
		}
	}
}

func (s *Server) readJoin(ws *websocket.Conn, conn *wsConn) (wire.Join, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		conn.CloseWithCode(1002, "expected join")
		return wire.Join{}, false
	}
	frame, err := wire.Decode(data)
	if err != nil {
		s.metrics.rejected("invalid join")
		conn.CloseWithCode(wire.CloseCode(err), "invalid frame")
		return wire.Join{}, false
	}
	join, ok := frame.(wire.Join)
	if !ok {
		s.metrics.rejected("join expected")
		conn.CloseWithCode(wire.CloseSchema, "first frame must be join")
		return wire.Join{}, false
	}
	return join, true
}

func (s *Server) acquireSlot(ip string) (code int, reason string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalConns >= s.cfg.MaxConns {
		return wire.CloseServerFull, "server full", false
	}
	if s.perIP[ip] >= s.cfg.MaxConnsPerIP {
		return wire.CloseIPLimit, "per-ip connection limit", false
	}
	s.totalConns++
	s.perIP[ip]++
	return 0, "", true
}

func (s *Server) releaseSlot(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalConns--
	s.perIP[ip]--
	if s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
