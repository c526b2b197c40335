package websocket

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Brunoantonio2025/transmi-ao/domain"
	"github.com/Brunoantonio2025/transmi-ao/liveness"
	"github.com/Brunoantonio2025/transmi-ao/metrics"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 256
)

type Options struct {
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// TrustedProxies lists the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	return o
}

// Conn adapts a gorilla connection to domain.Connection and liveness.Target.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	alive   atomic.Bool
	opts    Options
	handler domain.MessageHandler
	monitor *liveness.Monitor
	metrics *metrics.Metrics
}

func NewConn(id string, ws *websocket.Conn, h domain.MessageHandler, mon *liveness.Monitor, m *metrics.Metrics, opts Options) *Conn {
	opts = opts.withDefaults()
	if m == nil {
		m = metrics.Discard()
	}
	c := &Conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		opts:    opts,
		handler: h,
		monitor: mon,
		metrics: m,
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

// Send queues data without blocking. Sends after Close are dropped.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
		return domain.ErrSendBufferFull
	}
}

// Close is safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Suspect() bool {
	return c.alive.Swap(false)
}

func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
}

// Start tracks the connection, sends the greeting and launches the pumps.
func (c *Conn) Start() {
	c.metrics.ActiveConnections.Inc()
	if c.monitor != nil {
		c.monitor.Track(c)
	}
	c.handler.Connected(c)
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		if c.monitor != nil {
			c.monitor.Untrack(c)
		}
		c.handler.Disconnected(c)
		c.Close()
		c.metrics.ActiveConnections.Dec()
		slog.Info("connection closed", "connId", c.id)
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "connId", c.id, "error", err)
			}
			return
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("write error", "connId", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
