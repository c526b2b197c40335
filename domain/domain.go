package domain

import "errors"

type Role string

const (
	RoleUnassigned  Role = "unassigned"
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

var (
	ErrAlreadyBroadcasting = errors.New("broadcaster already registered")
	ErrViewerNotFound      = errors.New("viewer not found")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrSendBufferFull      = errors.New("send buffer full")
)

// Connection is one client socket. Send must not block.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type MessageHandler interface {
	Connected(conn Connection)
	Handle(conn Connection, data []byte)
	Disconnected(conn Connection)
}
