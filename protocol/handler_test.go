package protocol

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brunoantonio2025/transmi-ao/domain"
	"github.com/Brunoantonio2025/transmi-ao/hub"
	"github.com/Brunoantonio2025/transmi-ao/metrics"
)

type mockConn struct {
	id   string
	sent [][]byte
	mu   sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

// drain returns the messages received since the last call.
func (m *mockConn) drain(t *testing.T) []domain.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Message, 0, len(m.sent))
	for _, data := range m.sent {
		var msg domain.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		out = append(out, msg)
	}
	m.sent = nil
	return out
}

func newTestHandler(ids ...string) (*Handler, *hub.Hub, *metrics.Metrics) {
	var mu sync.Mutex
	next := 0
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[next]
		next++
		return id
	}
	m := metrics.New(prometheus.NewRegistry())
	h := hub.New(hub.WithIDGenerator(gen), hub.WithMetrics(m))
	return NewHandler(h, m), h, m
}

func send(t *testing.T, h *Handler, conn *mockConn, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	h.Handle(conn, data)
}

func TestHandler_Scenario(t *testing.T) {
	handler, registry, _ := newTestHandler("v1")

	viewer := &mockConn{id: "viewer"}
	handler.Connected(viewer)
	got := viewer.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeBroadcastStatus, got[0].Type)
	assert.False(t, *got[0].IsActive)
	assert.Equal(t, 0, *got[0].ViewerCount)

	send(t, handler, viewer, map[string]any{"type": "register-viewer"})
	got = viewer.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.RegisteredViewer("v1", false, 1), got[0])

	broadcaster := &mockConn{id: "broadcaster"}
	handler.Connected(broadcaster)
	broadcaster.drain(t)
	send(t, handler, broadcaster, map[string]any{"type": "register-broadcaster"})
	got = broadcaster.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.RegisteredBroadcaster(1), got[0])
	got = viewer.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.BroadcastStarted(1), got[0])

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`)
	send(t, handler, broadcaster, map[string]any{"type": "offer", "viewerId": "v1", "offer": offer})
	got = viewer.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeOffer, got[0].Type)
	assert.JSONEq(t, string(offer), string(got[0].Offer))

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	send(t, handler, viewer, map[string]any{"type": "answer", "viewerId": "v1", "answer": answer})
	got = broadcaster.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeAnswer, got[0].Type)
	assert.Equal(t, "v1", got[0].ViewerID)
	assert.JSONEq(t, string(answer), string(got[0].Answer))

	intruder := &mockConn{id: "intruder"}
	send(t, handler, intruder, map[string]any{"type": "register-broadcaster"})
	got = intruder.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.Error("Já existe um transmissor ativo"), got[0])
	current, ok := registry.Broadcaster()
	require.True(t, ok)
	assert.Equal(t, "broadcaster", current.ID())

	handler.Disconnected(broadcaster)
	got = viewer.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeBroadcastStopped, got[0].Type)

	send(t, handler, intruder, map[string]any{"type": "register-broadcaster"})
	got = intruder.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeRegistered, got[0].Type)
}

func TestHandler_OfferForwardedVerbatim(t *testing.T) {
	handler, _, _ := newTestHandler("v1", "v2")
	v1 := &mockConn{id: "c1"}
	v2 := &mockConn{id: "c2"}
	broadcaster := &mockConn{id: "b"}
	send(t, handler, v1, map[string]any{"type": "register-viewer"})
	send(t, handler, v2, map[string]any{"type": "register-viewer"})
	send(t, handler, broadcaster, map[string]any{"type": "register-broadcaster"})
	v1.drain(t)
	v2.drain(t)

	payload := `{"sdp":"v=0\r\na=candidate:<tag>&x","type":"offer"}`
	handler.Handle(broadcaster, []byte(`{"type":"offer","viewerId":"v2","offer":`+payload+`}`))

	assert.Empty(t, v1.getSent())
	sent := v2.getSent()
	require.Len(t, sent, 1)
	assert.Equal(t, `{"type":"offer","offer":`+payload+`}`, string(sent[0]))
}

func TestHandler_LookupFailures(t *testing.T) {
	tests := []struct {
		name    string
		msg     map[string]any
		wantErr string
	}{
		{
			name:    "offer to unknown viewer",
			msg:     map[string]any{"type": "offer", "viewerId": "ghost", "offer": map[string]string{"sdp": "x"}},
			wantErr: "Espectador não encontrado",
		},
		{
			name:    "candidate to unknown viewer",
			msg:     map[string]any{"type": "ice-candidate", "target": "viewer", "viewerId": "ghost", "candidate": map[string]string{"candidate": "c"}},
			wantErr: "Espectador não encontrado para ICE candidate",
		},
		{
			name: "answer without broadcaster",
			msg:  map[string]any{"type": "answer", "viewerId": "v1", "answer": map[string]string{"sdp": "x"}},
		},
		{
			name: "candidate to absent broadcaster",
			msg:  map[string]any{"type": "ice-candidate", "target": "broadcaster", "viewerId": "v1", "candidate": map[string]string{"candidate": "c"}},
		},
		{
			name: "candidate to viewer without id",
			msg:  map[string]any{"type": "ice-candidate", "target": "viewer", "candidate": map[string]string{"candidate": "c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, _ := newTestHandler()
			src := &mockConn{id: "src"}

			send(t, handler, src, tt.msg)

			got := src.drain(t)
			if tt.wantErr == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, domain.Error(tt.wantErr), got[0])
		})
	}
}

func TestHandler_ICECandidateRouting(t *testing.T) {
	handler, _, _ := newTestHandler("v1")
	viewer := &mockConn{id: "c1"}
	broadcaster := &mockConn{id: "b"}
	send(t, handler, viewer, map[string]any{"type": "register-viewer"})
	send(t, handler, broadcaster, map[string]any{"type": "register-broadcaster"})
	viewer.drain(t)
	broadcaster.drain(t)

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host","sdpMid":"0"}`)

	send(t, handler, viewer, map[string]any{"type": "ice-candidate", "target": "broadcaster", "viewerId": "v1", "candidate": candidate})
	got := broadcaster.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeICECandidate, got[0].Type)
	assert.Equal(t, "v1", got[0].ViewerID)
	assert.JSONEq(t, string(candidate), string(got[0].Candidate))

	send(t, handler, broadcaster, map[string]any{"type": "ice-candidate", "target": "viewer", "viewerId": "v1", "candidate": candidate})
	got = viewer.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeICECandidate, got[0].Type)
	assert.Empty(t, got[0].ViewerID)
	assert.JSONEq(t, string(candidate), string(got[0].Candidate))
	assert.Empty(t, broadcaster.drain(t))
}

func TestHandler_AnswerWithoutViewerID(t *testing.T) {
	handler, _, _ := newTestHandler()
	broadcaster := &mockConn{id: "b"}
	send(t, handler, broadcaster, map[string]any{"type": "register-broadcaster"})
	broadcaster.drain(t)

	send(t, handler, &mockConn{id: "v"}, map[string]any{"type": "answer", "answer": map[string]string{"sdp": "x"}})

	got := broadcaster.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, domain.UnknownViewerID, got[0].ViewerID)
}

func TestHandler_StartBroadcast(t *testing.T) {
	handler, _, _ := newTestHandler("v1", "v2")
	v1 := &mockConn{id: "c1"}
	v2 := &mockConn{id: "c2"}
	broadcaster := &mockConn{id: "b"}
	send(t, handler, v1, map[string]any{"type": "register-viewer"})
	send(t, handler, v2, map[string]any{"type": "register-viewer"})
	send(t, handler, broadcaster, map[string]any{"type": "register-broadcaster"})
	v1.drain(t)
	v2.drain(t)
	broadcaster.drain(t)

	send(t, handler, broadcaster, map[string]any{"type": "start-broadcast"})

	for _, v := range []*mockConn{v1, v2} {
		assert.Equal(t, []domain.Message{domain.BroadcastStarted(2)}, v.drain(t))
	}
	assert.ElementsMatch(t,
		[]domain.Message{domain.ViewerConnected("v1", 2), domain.ViewerConnected("v2", 2)},
		broadcaster.drain(t))
}

func TestHandler_StopBroadcast_Idempotent(t *testing.T) {
	handler, registry, _ := newTestHandler("v1")
	viewer := &mockConn{id: "c1"}
	send(t, handler, viewer, map[string]any{"type": "register-viewer"})
	viewer.drain(t)

	stopper := &mockConn{id: "anyone"}
	send(t, handler, stopper, map[string]any{"type": "stop-broadcast"})
	send(t, handler, stopper, map[string]any{"type": "stop-broadcast"})

	assert.Equal(t, []domain.Message{domain.BroadcastStopped(), domain.BroadcastStopped()}, viewer.drain(t))
	assert.Empty(t, stopper.drain(t))
	active, _ := registry.Stats()
	assert.False(t, active)
}

func TestHandler_StopBroadcast_KeepsSlot(t *testing.T) {
	handler, registry, _ := newTestHandler()
	broadcaster := &mockConn{id: "b"}
	send(t, handler, broadcaster, map[string]any{"type": "register-broadcaster"})

	send(t, handler, broadcaster, map[string]any{"type": "stop-broadcast"})

	active, _ := registry.Stats()
	assert.True(t, active)
}

func TestHandler_InvalidJSON(t *testing.T) {
	internal := domain.Error("Erro interno do servidor")

	tests := []struct {
		name        string
		input       string
		want        domain.Message
		wantViewers int
		wantInvalid float64
	}{
		{name: "not json", input: "not json", want: internal, wantInvalid: 1},
		{name: "null body", input: "null", want: internal, wantInvalid: 1},
		{name: "array body", input: `["register-viewer"]`, want: internal, wantInvalid: 1},
		{name: "string body", input: `"register-viewer"`, want: internal, wantInvalid: 1},
		{
			name:        "register viewer with numeric viewer id",
			input:       `{"type":"register-viewer","viewerId":5}`,
			want:        domain.RegisteredViewer("v1", false, 1),
			wantViewers: 1,
		},
		{
			name:        "register viewer with mistyped status field",
			input:       `{"type":"register-viewer","isActive":"yes","viewerCount":"lots"}`,
			want:        domain.RegisteredViewer("v1", false, 1),
			wantViewers: 1,
		},
		{
			name:  "offer with numeric viewer id",
			input: `{"type":"offer","viewerId":123,"offer":{"sdp":"x"}}`,
			want:  domain.Error("Espectador não encontrado"),
		},
		{
			name:  "candidate with numeric viewer id",
			input: `{"type":"ice-candidate","target":"viewer","viewerId":123,"candidate":{"candidate":"c"}}`,
			want:  domain.Error("Espectador não encontrado para ICE candidate"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, registry, m := newTestHandler("v1")
			conn := &mockConn{id: "client1"}

			handler.Handle(conn, []byte(tt.input))

			assert.Equal(t, []domain.Message{tt.want}, conn.drain(t))
			_, viewers := registry.Stats()
			assert.Equal(t, tt.wantViewers, viewers)
			assert.Equal(t, tt.wantInvalid, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("invalid")))
		})
	}
}

func TestHandler_InvalidJSON_KeepsRegistration(t *testing.T) {
	handler, registry, _ := newTestHandler("v1")
	conn := &mockConn{id: "client1"}
	send(t, handler, conn, map[string]any{"type": "register-viewer"})
	conn.drain(t)

	handler.Handle(conn, []byte("not json"))

	assert.Equal(t, []domain.Message{domain.Error("Erro interno do servidor")}, conn.drain(t))
	_, viewers := registry.Stats()
	assert.Equal(t, 1, viewers)
}

func TestHandler_UnknownTypeIsIgnored(t *testing.T) {
	handler, _, m := newTestHandler()
	conn := &mockConn{id: "client1"}

	send(t, handler, conn, map[string]any{"type": "toggle"})
	handler.Handle(conn, []byte(`{}`))

	assert.Empty(t, conn.getSent())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.MessagesReceived.WithLabelValues("unknown")))
}

func TestHandler_Connected_ReportsActiveBroadcast(t *testing.T) {
	handler, _, _ := newTestHandler("v1")
	send(t, handler, &mockConn{id: "b"}, map[string]any{"type": "register-broadcaster"})
	send(t, handler, &mockConn{id: "c1"}, map[string]any{"type": "register-viewer"})

	late := &mockConn{id: "late"}
	handler.Connected(late)

	assert.Equal(t, []domain.Message{domain.BroadcastStatus(true, 1)}, late.drain(t))
}
