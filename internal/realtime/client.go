package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
)

// Client is one authenticated realtime connection.
type Client struct {
	UserID  string
	IsAdmin bool

	// rooms is guarded by the hub mutex.
	rooms map[string]struct{}

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(userID string, isAdmin bool, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		UserID:  userID,
		IsAdmin: isAdmin,
		rooms:   make(map[string]struct{}),
		send:    make(chan []byte, buffer),
	}
}

// Messages exposes the outbound frames, mostly for tests.
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// Reply queues a frame for this connection only.
func (c *Client) Reply(frame ServerFrame) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return c.enqueue(raw)
}

func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// frameWriter serialises whole frames onto conn. The read loop answers
// pings and closes through it while the send pump writes events.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
	buf  bytes.Buffer
}

// Write emits p with a single conn write; control replies arrive as one frame.
func (w *frameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.Write(p)
}

func (w *frameWriter) writeText(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
	if err := ws.WriteFrame(&w.buf, ws.NewTextFrame(payload)); err != nil {
		return err
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := w.conn.Write(w.buf.Bytes())
	return err
}

// FrameHandler reacts to one decoded client frame.
type FrameHandler func(ctx context.Context, c *Client, frame ClientFrame)

// Serve pumps an upgraded connection until the peer goes away or ctx ends.
// It owns conn and the client's hub registration.
func Serve(ctx context.Context, conn net.Conn, hub *Hub, c *Client, handle FrameHandler, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub.Register(c)

	out := &frameWriter{conn: conn}
	rw := struct {
		io.Reader
		io.Writer
	}{conn, out}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range c.send {
			if err := out.writeText(frame); err != nil {
				logger.Debug("realtime write failed", zap.String("user_id", c.UserID), zap.Error(err))
				_ = conn.Close()
				// keep draining so enqueue never blocks on a dead peer
				for range c.send {
				}
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			break
		}
		if op != ws.OpText {
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.Reply(ServerFrame{Type: FrameError, Code: "INVALID_FRAME"})
			continue
		}
		handle(ctx, c, frame)
	}

	hub.Remove(c)
	<-writerDone
	_ = conn.Close()
}
