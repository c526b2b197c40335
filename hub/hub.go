package hub

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Brunoantonio2025/transmi-ao/domain"
	"github.com/Brunoantonio2025/transmi-ao/metrics"
)

// Hub is the connection registry: one broadcaster slot and the set of
// registered viewers. Every mutation happens under mu, and notifications
// caused by a mutation are queued before mu is released so peers observe
// them in registry order.
type Hub struct {
	mu          sync.RWMutex
	broadcaster domain.Connection
	viewers     map[string]domain.Connection
	viewerOf    map[string]string // connection id -> viewer id

	newViewerID func() string
	metrics     *metrics.Metrics
}

type Option func(*Hub)

// WithIDGenerator replaces the viewer id generator.
func WithIDGenerator(fn func() string) Option {
	return func(h *Hub) { h.newViewerID = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		viewers:     make(map[string]domain.Connection),
		viewerOf:    make(map[string]string),
		newViewerID: NewViewerID,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.Discard()
	}
	return h
}

// NewViewerID returns "<unix millis>_<9 hex chars>".
func NewViewerID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + random[:9]
}

// RegisterBroadcaster claims the broadcaster slot for conn. Every viewer is
// told the broadcast started, then conn receives its registration reply.
func (h *Hub) RegisterBroadcaster(conn domain.Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.broadcaster != nil {
		slog.Warn("second broadcaster rejected", "connId", conn.ID(), "activeConnId", h.broadcaster.ID())
		return domain.ErrAlreadyBroadcasting
	}

	h.broadcaster = conn
	h.metrics.BroadcasterActive.Set(1)
	count := len(h.viewers)
	slog.Info("broadcaster registered", "connId", conn.ID(), "viewerCount", count)

	h.sendAllViewers(domain.BroadcastStarted(count))
	h.send(conn, domain.RegisteredBroadcaster(count))
	return nil
}

// RegisterViewer adds conn as a viewer under a freshly generated id. The
// registration reply is queued before the broadcaster learns about the
// viewer so an offer can never overtake it.
func (h *Hub) RegisterViewer(conn domain.Connection) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if previous, ok := h.viewerOf[conn.ID()]; ok {
		h.unregisterViewer(previous)
	}

	id := h.newViewerID()
	for h.viewers[id] != nil {
		id = h.newViewerID()
	}

	h.viewers[id] = conn
	h.viewerOf[conn.ID()] = id
	count := len(h.viewers)
	h.metrics.Viewers.Set(float64(count))
	slog.Info("viewer registered", "connId", conn.ID(), "viewerId", id, "viewerCount", count)

	h.send(conn, domain.RegisteredViewer(id, h.broadcaster != nil, count))
	if h.broadcaster != nil {
		h.send(h.broadcaster, domain.ViewerConnected(id, count))
	}
	return id
}

// UnregisterBroadcaster clears the slot if conn holds it and tells every
// viewer the broadcast stopped. It reports whether conn was the broadcaster.
func (h *Hub) UnregisterBroadcaster(conn domain.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregisterBroadcaster(conn)
}

// UnregisterViewer removes the viewer. Unknown ids are ignored.
func (h *Hub) UnregisterViewer(viewerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterViewer(viewerID)
}

// Release removes conn from whatever role it holds. Closing, transport
// failures and liveness eviction all end up here; calling it twice is a no-op.
func (h *Hub) Release(conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unregisterBroadcaster(conn)
	if id, ok := h.viewerOf[conn.ID()]; ok {
		h.unregisterViewer(id)
	}
}

// StartBroadcast announces the broadcast to every viewer and replays a
// viewer-connected event per viewer to the broadcaster, if one is set.
func (h *Hub) StartBroadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := len(h.viewers)
	h.sendAllViewers(domain.BroadcastStarted(count))
	if h.broadcaster == nil {
		return
	}
	for id := range h.viewers {
		h.send(h.broadcaster, domain.ViewerConnected(id, count))
	}
}

// StopBroadcast tells every viewer the broadcast stopped. The broadcaster
// slot is left as is.
func (h *Hub) StopBroadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendAllViewers(domain.BroadcastStopped())
}

// LookupViewer returns the connection registered under viewerID, or
// domain.ErrViewerNotFound.
func (h *Hub) LookupViewer(viewerID string) (domain.Connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.viewers[viewerID]
	if !ok {
		return nil, domain.ErrViewerNotFound
	}
	return conn, nil
}

func (h *Hub) Broadcaster() (domain.Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.broadcaster, h.broadcaster != nil
}

// Role reports the role conn currently holds.
func (h *Hub) Role(conn domain.Connection) domain.Role {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case h.broadcaster != nil && h.broadcaster.ID() == conn.ID():
		return domain.RoleBroadcaster
	case h.viewerOf[conn.ID()] != "":
		return domain.RoleViewer
	default:
		return domain.RoleUnassigned
	}
}

func (h *Hub) Stats() (broadcasterActive bool, viewers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.broadcaster != nil, len(h.viewers)
}

// Send delivers msg to conn outside of any registry transition.
func (h *Hub) Send(conn domain.Connection, msg domain.Message) {
	h.send(conn, msg)
}

// Must be called with mu held.
func (h *Hub) unregisterBroadcaster(conn domain.Connection) bool {
	if h.broadcaster == nil || h.broadcaster.ID() != conn.ID() {
		return false
	}
	h.broadcaster = nil
	h.metrics.BroadcasterActive.Set(0)
	slog.Info("broadcaster disconnected", "connId", conn.ID(), "viewerCount", len(h.viewers))

	h.sendAllViewers(domain.BroadcastStopped())
	return true
}

// Must be called with mu held.
func (h *Hub) unregisterViewer(viewerID string) {
	conn, ok := h.viewers[viewerID]
	if !ok {
		return
	}
	delete(h.viewers, viewerID)
	delete(h.viewerOf, conn.ID())
	count := len(h.viewers)
	h.metrics.Viewers.Set(float64(count))
	slog.Info("viewer disconnected", "connId", conn.ID(), "viewerId", viewerID, "viewerCount", count)

	if h.broadcaster != nil {
		h.send(h.broadcaster, domain.ViewerDisconnected(viewerID, count))
	}
}

func (h *Hub) sendAllViewers(msg domain.Message) {
	data, err := domain.Encode(msg)
	if err != nil {
		slog.Error("encode failed", "type", msg.Type, "error", err)
		return
	}
	for _, conn := range h.viewers {
		h.deliver(conn, msg.Type, data)
	}
}

func (h *Hub) send(conn domain.Connection, msg domain.Message) {
	data, err := domain.Encode(msg)
	if err != nil {
		slog.Error("encode failed", "type", msg.Type, "error", err)
		return
	}
	h.deliver(conn, msg.Type, data)
}

func (h *Hub) deliver(conn domain.Connection, msgType domain.MessageType, data []byte) {
	err := conn.Send(data)
	if err == nil {
		return
	}
	h.metrics.DeliveryFailures.Inc()
	if errors.Is(err, domain.ErrConnectionClosed) {
		slog.Debug("send to closed connection dropped", "connId", conn.ID(), "type", msgType)
		return
	}
	slog.Warn("send failed", "connId", conn.ID(), "type", msgType, "error", err)
}
