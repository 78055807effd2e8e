package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/lens/internal/logging"
	"github.com/neboloop/lens/internal/protocol"
)

const (
	sendQueueSize  = 256
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	readLimitBytes = 1 << 20
)

// daemonConn is one live daemon connection. Exactly one writer goroutine
// drains the send queue; senders get back-pressure through the bounded
// channel.
type daemonConn struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte

	mu            sync.Mutex
	lastHeartbeat time.Time
	capacity      int
	runningIDs    []string

	closeOnce sync.Once
	closed    chan struct{}
}

func newDaemonConn(userID string, conn *websocket.Conn) *daemonConn {
	return &daemonConn{
		userID:        userID,
		conn:          conn,
		send:          make(chan []byte, sendQueueSize),
		lastHeartbeat: time.Now(),
		closed:        make(chan struct{}),
	}
}

// enqueue queues a frame for the writer. Returns false when the queue is
// full or the connection is gone.
func (d *daemonConn) enqueue(frame []byte) bool {
	select {
	case <-d.closed:
		return false
	default:
	}
	select {
	case d.send <- frame:
		return true
	default:
		return false
	}
}

// sendFrame encodes and queues one protocol frame.
func (d *daemonConn) sendFrame(frameType string, payload any) bool {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		logging.Errorf("[Registry] Encode %s for %s: %v", frameType, d.userID, err)
		return false
	}
	return d.enqueue(data)
}

// markHeartbeat records a heartbeat and the daemon's live view.
func (d *daemonConn) markHeartbeat(hb *protocol.Heartbeat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeartbeat = time.Now()
	if hb != nil {
		d.capacity = hb.Capacity
		d.runningIDs = append(d.runningIDs[:0], hb.RunningAgentIDs...)
	}
}

// heartbeatAge returns time since the last heartbeat (or connect).
func (d *daemonConn) heartbeatAge() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastHeartbeat)
}

// shutdown closes the connection once.
func (d *daemonConn) shutdown() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.conn.Close()
	})
}

// writePump serializes all writes and keeps the connection alive with
// pings. It owns the connection's write side.
func (d *daemonConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		d.shutdown()
	}()

	for {
		select {
		case <-d.closed:
			return
		case message := <-d.send:
			d.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := d.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			d.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
