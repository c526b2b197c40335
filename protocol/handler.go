package protocol

import (
	"errors"
	"log/slog"

	"github.com/Brunoantonio2025/transmi-ao/domain"
	"github.com/Brunoantonio2025/transmi-ao/hub"
	"github.com/Brunoantonio2025/transmi-ao/metrics"
)

// Handler routes inbound signalling messages against the registry.
type Handler struct {
	hub     *hub.Hub
	metrics *metrics.Metrics
}

func NewHandler(h *hub.Hub, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.Discard()
	}
	return &Handler{hub: h, metrics: m}
}

// Connected sends the current broadcast state so a reconnecting client
// does not have to ask for it.
func (h *Handler) Connected(conn domain.Connection) {
	active, viewers := h.hub.Stats()
	h.hub.Send(conn, domain.BroadcastStatus(active, viewers))
}

// Disconnected releases whatever role conn held.
func (h *Handler) Disconnected(conn domain.Connection) {
	h.hub.Release(conn)
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	msg, err := domain.Decode(data)
	if err != nil {
		slog.Warn("invalid message", "connId", conn.ID(), "error", err)
		h.metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		h.hub.Send(conn, domain.Error(domain.ErrTextInternal))
		return
	}

	slog.Debug("message received", "connId", conn.ID(), "type", msg.Type)

	switch msg.Type {
	case domain.TypeRegisterBroadcaster:
		h.registerBroadcaster(conn)
	case domain.TypeStartBroadcast:
		slog.Info("broadcast start requested", "connId", conn.ID(), "role", h.hub.Role(conn))
		h.hub.StartBroadcast()
	case domain.TypeRegisterViewer:
		h.hub.RegisterViewer(conn)
	case domain.TypeOffer:
		h.forwardOffer(conn, msg)
	case domain.TypeAnswer:
		h.forwardAnswer(conn, msg)
	case domain.TypeICECandidate:
		h.forwardCandidate(conn, msg)
	case domain.TypeStopBroadcast:
		slog.Info("broadcast stop requested", "connId", conn.ID(), "role", h.hub.Role(conn))
		h.hub.StopBroadcast()
	default:
		slog.Warn("unknown message type", "connId", conn.ID(), "type", msg.Type)
		h.metrics.MessagesReceived.WithLabelValues("unknown").Inc()
		return
	}
	h.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
}

func (h *Handler) registerBroadcaster(conn domain.Connection) {
	err := h.hub.RegisterBroadcaster(conn)
	if errors.Is(err, domain.ErrAlreadyBroadcasting) {
		h.hub.Send(conn, domain.Error(domain.ErrTextAlreadyBroadcasting))
	}
}

func (h *Handler) forwardOffer(conn domain.Connection, msg domain.Inbound) {
	viewer, err := h.hub.LookupViewer(msg.ViewerID)
	if err != nil {
		slog.Warn("offer for unknown viewer", "connId", conn.ID(), "viewerId", msg.ViewerID)
		h.hub.Send(conn, domain.Error(domain.ErrTextViewerNotFound))
		return
	}
	h.hub.Send(viewer, domain.Offer(msg.Offer))
}

// Answers and candidates towards the broadcaster are dropped without a
// reply when no broadcaster is registered.
func (h *Handler) forwardAnswer(conn domain.Connection, msg domain.Inbound) {
	broadcaster, ok := h.hub.Broadcaster()
	if !ok {
		slog.Debug("answer dropped, no broadcaster", "connId", conn.ID(), "viewerId", msg.ViewerID)
		return
	}
	h.hub.Send(broadcaster, domain.Answer(msg.Answer, msg.ViewerID))
}

func (h *Handler) forwardCandidate(conn domain.Connection, msg domain.Inbound) {
	switch {
	case msg.Target == domain.TargetBroadcaster:
		broadcaster, ok := h.hub.Broadcaster()
		if !ok {
			slog.Debug("ice candidate dropped, no broadcaster", "connId", conn.ID(), "viewerId", msg.ViewerID)
			return
		}
		h.hub.Send(broadcaster, domain.ICECandidate(msg.Candidate, msg.ViewerID))

	case msg.Target == domain.TargetViewer && msg.ViewerID != "":
		viewer, err := h.hub.LookupViewer(msg.ViewerID)
		if err != nil {
			slog.Warn("ice candidate for unknown viewer", "connId", conn.ID(), "viewerId", msg.ViewerID)
			h.hub.Send(conn, domain.Error(domain.ErrTextICEViewerNotFound))
			return
		}
		h.hub.Send(viewer, domain.ICECandidate(msg.Candidate, ""))

	default:
		slog.Debug("ice candidate without routable target", "connId", conn.ID(), "target", msg.Target)
	}
}
