package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

// Client -> relay.
const (
	TypeRegisterBroadcaster MessageType = "register-broadcaster"
	TypeRegisterViewer      MessageType = "register-viewer"
	TypeStartBroadcast      MessageType = "start-broadcast"
	TypeStopBroadcast       MessageType = "stop-broadcast"
)

// Relayed in both directions.
const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
)

// Relay -> client.
const (
	TypeRegistered         MessageType = "registered"
	TypeBroadcastStatus    MessageType = "broadcast-status"
	TypeBroadcastStarted   MessageType = "broadcast-started"
	TypeBroadcastStopped   MessageType = "broadcast-stopped"
	TypeViewerConnected    MessageType = "viewer-connected"
	TypeViewerDisconnected MessageType = "viewer-disconnected"
	TypeError              MessageType = "error"
)

// ICE candidate routing targets.
const (
	TargetBroadcaster = "broadcaster"
	TargetViewer      = "viewer"
)

// UnknownViewerID is forwarded to the broadcaster when an answer arrives
// without a viewerId.
const UnknownViewerID = "unknown"

// Wire error texts understood by the browser pages.
const (
	ErrTextAlreadyBroadcasting = "Já existe um transmissor ativo"
	ErrTextViewerNotFound      = "Espectador não encontrado"
	ErrTextICEViewerNotFound   = "Espectador não encontrado para ICE candidate"
	ErrTextInternal            = "Erro interno do servidor"
)

// Message is a frame sent to a peer. Offer, Answer and Candidate are
// opaque and forwarded untouched.
type Message struct {
	Type            MessageType     `json:"type"`
	Role            Role            `json:"role,omitempty"`
	Target          string          `json:"target,omitempty"`
	ViewerID        string          `json:"viewerId,omitempty"`
	Offer           json.RawMessage `json:"offer,omitempty"`
	Answer          json.RawMessage `json:"answer,omitempty"`
	Candidate       json.RawMessage `json:"candidate,omitempty"`
	IsActive        *bool           `json:"isActive,omitempty"`
	BroadcastActive *bool           `json:"broadcastActive,omitempty"`
	ViewerCount     *int            `json:"viewerCount,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// ErrNotObject is returned by Decode for frames that are valid JSON but not
// an object.
var ErrNotObject = errors.New("message is not a JSON object")

// Inbound is a frame received from a peer. Only the routing fields are
// read; anything else the peer sends is ignored.
type Inbound struct {
	Type      MessageType
	Target    string
	ViewerID  string
	Offer     json.RawMessage
	Answer    json.RawMessage
	Candidate json.RawMessage
}

type inboundFrame struct {
	Type      looseString     `json:"type"`
	Target    looseString     `json:"target"`
	ViewerID  looseString     `json:"viewerId"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

// looseString accepts any JSON value. Strings decode as is, null, false and
// 0 decode as "", and every other value keeps its JSON text so it can never
// equal a generated id or a known message type.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	switch string(data) {
	case "null", "false", "0":
		*s = ""
	default:
		*s = looseString(data)
	}
	return nil
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(data) {
			return Inbound{}, errors.New("decode message: invalid JSON")
		}
		return Inbound{}, ErrNotObject
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	return Inbound{
		Type:      MessageType(frame.Type),
		Target:    string(frame.Target),
		ViewerID:  string(frame.ViewerID),
		Offer:     frame.Offer,
		Answer:    frame.Answer,
		Candidate: frame.Candidate,
	}, nil
}

// Encode serialises msg without HTML escaping so relayed payloads keep
// their original bytes.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func BroadcastStatus(active bool, viewerCount int) Message {
	return Message{Type: TypeBroadcastStatus, IsActive: &active, ViewerCount: &viewerCount}
}

func RegisteredBroadcaster(viewerCount int) Message {
	return Message{Type: TypeRegistered, Role: RoleBroadcaster, ViewerCount: &viewerCount}
}

func RegisteredViewer(viewerID string, broadcastActive bool, viewerCount int) Message {
	return Message{
		Type:            TypeRegistered,
		Role:            RoleViewer,
		ViewerID:        viewerID,
		BroadcastActive: &broadcastActive,
		ViewerCount:     &viewerCount,
	}
}

func BroadcastStarted(viewerCount int) Message {
	return Message{Type: TypeBroadcastStarted, ViewerCount: &viewerCount}
}

func BroadcastStopped() Message {
	return Message{Type: TypeBroadcastStopped}
}

func ViewerConnected(viewerID string, viewerCount int) Message {
	return Message{Type: TypeViewerConnected, ViewerID: viewerID, ViewerCount: &viewerCount}
}

func ViewerDisconnected(viewerID string, viewerCount int) Message {
	return Message{Type: TypeViewerDisconnected, ViewerID: viewerID, ViewerCount: &viewerCount}
}

func Offer(offer json.RawMessage) Message {
	return Message{Type: TypeOffer, Offer: offer}
}

func Answer(answer json.RawMessage, viewerID string) Message {
	if viewerID == "" {
		viewerID = UnknownViewerID
	}
	return Message{Type: TypeAnswer, Answer: answer, ViewerID: viewerID}
}

// ICECandidate builds the forwarded candidate. viewerID is only set on the
// way to the broadcaster.
func ICECandidate(candidate json.RawMessage, viewerID string) Message {
	return Message{Type: TypeICECandidate, Candidate: candidate, ViewerID: viewerID}
}

func Error(text string) Message {
	return Message{Type: TypeError, Message: text}
}
