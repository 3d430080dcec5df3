package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/jobwatch/internal/feed"
	"github.com/basket/jobwatch/internal/taskstatus"
)

func dialEvents(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/events"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) taskstatus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := feed.Decode(raw)
	if err != nil {
		t.Fatalf("decode pushed event: %v", err)
	}
	return ev
}

func TestWS_BroadcastsAppliedEvents(t *testing.T) {
	ts := startServer(t, nil)
	conn := dialEvents(t, ts)
	waitFor(t, func() bool { return ts.srv.ClientCount() == 1 })

	ts.do(t, http.MethodPost, "/api/events", eventJSON("a", "7", "RUNNING", 10))
	ev := readEvent(t, conn)
	if ev.TaskID != "a" || ev.Status != taskstatus.StatusRunning || ev.EntityID != "7" {
		t.Fatalf("pushed = %+v", ev)
	}

	// A stale event is not applied, so only the terminal one follows.
	ts.do(t, http.MethodPost, "/api/events", eventJSON("a", "7", "PENDING", 5))
	ts.do(t, http.MethodPost, "/api/events", eventJSON("a", "7", "SUCCESS", 20))
	if ev := readEvent(t, conn); ev.Status != taskstatus.StatusSuccess {
		t.Fatalf("pushed = %+v, want SUCCESS", ev)
	}
}

func TestWS_ReplaysKnownEventsOnConnect(t *testing.T) {
	ts := startServer(t, nil)
	ts.do(t, http.MethodPost, "/api/events", eventJSON("a", "7", "FAILED", 10))
	waitFor(t, func() bool { return ts.srv.cfg.Tasks.Len() == 1 })

	conn := dialEvents(t, ts)
	if ev := readEvent(t, conn); ev.TaskID != "a" || ev.Status != taskstatus.StatusFailed {
		t.Fatalf("replayed = %+v", ev)
	}
}

func TestWS_RejectsUnauthorized(t *testing.T) {
	ts := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/events"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	srv := New(Config{Logger: quietLogger()})
	slow := &client{id: "slow", send: make(chan []byte, 1), done: make(chan struct{})}
	fast := &client{id: "fast", send: make(chan []byte, 4), done: make(chan struct{})}
	srv.addClient(slow)
	srv.addClient(fast)

	ev := taskstatus.Event{TaskID: "a", EntityType: taskstatus.EntityDataset, EntityID: "7", Status: taskstatus.StatusRunning, Timestamp: 1}
	srv.broadcast(ev)
	srv.broadcast(ev)

	select {
	case <-slow.done:
	default:
		t.Fatal("slow client not stopped")
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", srv.ClientCount())
	}
	if len(fast.send) != 2 {
		t.Fatalf("fast client buffered %d messages, want 2", len(fast.send))
	}
}
