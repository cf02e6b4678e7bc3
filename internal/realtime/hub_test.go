package realtime

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

type countingCounter struct{ n atomic.Int64 }

func (c *countingCounter) Inc() { c.n.Add(1) }

type countingGauge struct{ n atomic.Int64 }

func (g *countingGauge) Inc() { g.n.Add(1) }
func (g *countingGauge) Dec() { g.n.Add(-1) }

func mustEvent(t *testing.T, typ EventType, engagementID string, audience []string, exclude string) Event {
	t.Helper()
	evt, err := NewEvent(typ, engagementID, map[string]string{"hello": "world"}, audience, exclude)
	require.NoError(t, err)
	return evt
}

func readFrame(t *testing.T, c *Client) ServerFrame {
	t.Helper()
	select {
	case raw := <-c.Messages():
		var frame ServerFrame
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return ServerFrame{}
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Messages():
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func TestDeliverRespectsRoomAudienceAndSender(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	owner := NewClient("owner", false, 4)
	ownerTab := NewClient("owner", false, 4)
	worker := NewClient("worker", false, 4)
	admin := NewClient("admin", true, 4)
	stranger := NewClient("stranger", false, 4)
	elsewhere := NewClient("worker", false, 4)

	for _, c := range []*Client{owner, ownerTab, worker, admin, stranger} {
		hub.Join(c, "eng_1")
	}
	hub.Join(elsewhere, "eng_2")

	n := hub.Deliver(mustEvent(t, EventMessageNew, "eng_1", []string{"owner", "worker"}, "owner"))
	require.Equal(t, 2, n)

	frame := readFrame(t, worker)
	require.Equal(t, "message:new", frame.Type)
	require.Equal(t, "eng_1", frame.EngagementID)
	require.JSONEq(t, `{"hello":"world"}`, string(frame.Data))
	require.Equal(t, "message:new", readFrame(t, admin).Type)

	requireNoFrame(t, owner)
	requireNoFrame(t, ownerTab)
	requireNoFrame(t, stranger)
	requireNoFrame(t, elsewhere)
}

func TestFinalisedReachesBothParties(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	owner := NewClient("owner", false, 4)
	worker := NewClient("worker", false, 4)
	hub.Join(owner, "eng_1")
	hub.Join(worker, "eng_1")

	require.Equal(t, 2, hub.Deliver(mustEvent(t, EventFinalised, "eng_1", []string{"owner", "worker"}, "")))
	require.Equal(t, "finalised", readFrame(t, owner).Type)
	require.Equal(t, "finalised", readFrame(t, worker).Type)
}

func TestLeaveAndRemove(t *testing.T) {
	gauge := &countingGauge{}
	hub := NewHub(nil, nil, gauge)
	c := NewClient("owner", false, 4)
	hub.Register(c)
	hub.Join(c, "eng_1")
	hub.Join(c, "eng_2")
	require.Equal(t, 1, hub.Members("eng_1"))
	require.EqualValues(t, 1, gauge.n.Load())

	hub.Leave(c, "eng_1")
	require.Zero(t, hub.Members("eng_1"))
	require.Equal(t, 1, hub.Members("eng_2"))

	hub.Remove(c)
	require.Zero(t, hub.Members("eng_2"))
	require.EqualValues(t, 0, gauge.n.Load())
	require.False(t, c.Reply(ServerFrame{Type: FrameLeft}))
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	dropped := &countingCounter{}
	hub := NewHub(nil, dropped, nil)
	c := NewClient("worker", false, 1)
	hub.Join(c, "eng_1")

	evt := mustEvent(t, EventMessageNew, "eng_1", []string{"owner", "worker"}, "owner")
	require.Equal(t, 1, hub.Deliver(evt))
	require.Equal(t, 0, hub.Deliver(evt))
	require.EqualValues(t, 1, dropped.n.Load())
}

func TestHubPublishDeliversLocally(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	c := NewClient("worker", false, 1)
	hub.Join(c, "eng_1")

	require.NoError(t, hub.Publish(context.Background(), mustEvent(t, EventFinalised, "eng_1", []string{"worker"}, "")))
	require.Equal(t, "finalised", readFrame(t, c).Type)
}

func TestServePumpsFrames(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	serverConn, clientConn := net.Pipe()
	c := NewClient("worker", false, 8)

	handled := make(chan ClientFrame, 1)
	done := make(chan struct{})
	go func() {
		Serve(context.Background(), serverConn, hub, c, func(_ context.Context, c *Client, frame ClientFrame) {
			handled <- frame
			hub.Join(c, frame.EngagementID)
			c.Reply(ServerFrame{Type: FrameJoined, EngagementID: frame.EngagementID})
		}, nil)
		close(done)
	}()

	require.NoError(t, wsutil.WriteClientMessage(clientConn, ws.OpText, []byte(`{"type":"join","engagementId":"eng_1"}`)))
	require.Equal(t, ClientFrame{Type: "join", EngagementID: "eng_1"}, <-handled)

	data, err := wsutil.ReadServerText(clientConn)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"joined","engagementId":"eng_1"}`, string(data))
	require.Equal(t, 1, hub.Members("eng_1"))

	require.NoError(t, clientConn.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after peer closed")
	}
	require.Zero(t, hub.Members("eng_1"))
}

func TestServeKeepsFramesWholeUnderPings(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	serverConn, clientConn := net.Pipe()
	c := NewClient("worker", false, 64)

	done := make(chan struct{})
	go func() {
		Serve(context.Background(), serverConn, hub, c, func(context.Context, *Client, ClientFrame) {}, nil)
		close(done)
	}()

	pinging := make(chan struct{})
	go func() {
		defer close(pinging)
		for i := 0; i < 50; i++ {
			if err := wsutil.WriteClientMessage(clientConn, ws.OpPing, []byte("heartbeat")); err != nil {
				return
			}
		}
	}()

	const events = 50
	for i := 0; i < events; i++ {
		require.True(t, c.Reply(ServerFrame{Type: FrameJoined, EngagementID: "eng_1"}))
	}

	for i := 0; i < events; i++ {
		data, op, err := wsutil.ReadServerData(clientConn)
		require.NoError(t, err)
		require.Equal(t, ws.OpText, op)
		var frame ServerFrame
		require.NoError(t, json.Unmarshal(data, &frame), "frame %d: %q", i, data)
		require.Equal(t, FrameJoined, frame.Type)
	}

	require.NoError(t, clientConn.Close())
	<-pinging
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after peer closed")
	}
}
