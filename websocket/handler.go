package websocket

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Brunoantonio2025/transmi-ao/domain"
	"github.com/Brunoantonio2025/transmi-ao/liveness"
	"github.com/Brunoantonio2025/transmi-ao/metrics"
)

// Handler upgrades HTTP requests and starts one Conn per socket.
type Handler struct {
	upgrader websocket.Upgrader
	handler  domain.MessageHandler
	monitor  *liveness.Monitor
	limiter  *ConnectLimiter
	metrics  *metrics.Metrics
	opts     Options
}

// NewHandler builds the upgrade handler. limiter may be nil.
func NewHandler(h domain.MessageHandler, mon *liveness.Monitor, limiter *ConnectLimiter, m *metrics.Metrics, opts Options) *Handler {
	if m == nil {
		m = metrics.Discard()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		handler: h,
		monitor: mon,
		limiter: limiter,
		metrics: m,
		opts:    opts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, h.opts.TrustedProxies)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		slog.Warn("connection rate limited", "ip", ip)
		h.metrics.RejectedConnections.WithLabelValues("rate_limit").Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		h.metrics.RejectedConnections.WithLabelValues("upgrade").Inc()
		return
	}

	conn := NewConn(uuid.New().String(), ws, h.handler, h.monitor, h.metrics, h.opts)
	slog.Info("connection accepted", "connId", conn.ID(), "ip", ip)
	conn.Start()
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// clientIP returns the address the connect limiter keys on. Forwarding
// headers are only read when the immediate peer is a trusted proxy; the
// X-Forwarded-For chain is walked from the right and the first hop outside
// the trusted set wins.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !isTrusted(remote, trusted) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remote
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
