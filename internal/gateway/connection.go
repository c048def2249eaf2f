package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const sendBufferSize = 256

// Client is one live WebSocket connection. Fields mirror the teacher's
// shared.Client (conn, send buffer, closeOnce, slow-client strikes),
// generalised: subscriptions become room/session identity instead of a
// Kafka-channel filter set, since a socket here belongs to at most one
// room at a time.
type Client struct {
	ID        string
	conn      net.Conn
	send      chan []byte
	closeOnce sync.Once

	RoomCode  string
	SessionID string
	Nickname  string
	RemoteIP  string

	// AccountID/Guest carry the result of the connect-time identity check
	// (spec.md §4.5's implicit connect step); Guest is true unless a real
	// Authenticator verified a non-guest identity.
	AccountID string
	Guest     bool

	connectedAt  time.Time
	sendAttempts int32 // consecutive slow-send strikes, reset on success
}

// slowClientStrikeLimit disconnects a socket after this many consecutive
// send attempts that had to drop because its buffer was full, the
// teacher's "3 strikes" rule (internal/shared/broadcast.go).
const slowClientStrikeLimit = 3

// trySend enqueues payload without blocking. Returns false if the
// client's send buffer is full (a strike); the caller decides whether to
// disconnect once strikes reach slowClientStrikeLimit.
func (c *Client) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
		atomic.AddInt32(&c.sendAttempts, 1)
		return false
	}
}

// strikes reports the current consecutive-drop count.
func (c *Client) strikes() int32 { return atomic.LoadInt32(&c.sendAttempts) }

// ConnectionPool recycles Client structs across connects/disconnects,
// the same sync.Pool idiom as the teacher's shared.ConnectionPool,
// generalised by dropping the Kafka subscription-set reset (chat sockets
// carry room/session identity instead).
type ConnectionPool struct {
	pool sync.Pool
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{
		pool: sync.Pool{
			New: func() any {
				return &Client{send: make(chan []byte, sendBufferSize)}
			},
		},
	}
}

func (p *ConnectionPool) Get() *Client {
	c := p.pool.Get().(*Client)
	drainSend(c)
	atomic.StoreInt32(&c.sendAttempts, 0)
	c.connectedAt = time.Now()
	return c
}

// drainSend empties every frame left over from a previous connection's
// send buffer. A single-iteration drain only clears one pending frame;
// since sendBufferSize is 256, a connection that died with more than one
// frame still queued would otherwise hand stale frames from an unrelated
// prior session to whichever new connection reuses this pooled Client —
// spec.md §9 requires every per-socket resource released deterministically
// on disconnect.
func drainSend(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func (p *ConnectionPool) Put(c *Client) {
	if c == nil {
		return
	}
	drainSend(c)
	c.conn = nil
	c.ID = ""
	c.RoomCode = ""
	c.SessionID = ""
	c.Nickname = ""
	c.RemoteIP = ""
	c.AccountID = ""
	c.Guest = false
	p.pool.Put(c)
}
