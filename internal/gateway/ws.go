package gateway

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/basket/jobwatch/internal/audit"
	"github.com/basket/jobwatch/internal/feed"
	"github.com/basket/jobwatch/internal/taskstatus"
)

const (
	clientSendBuffer = 256
	maxReplayEvents  = 128
	writeTimeout     = 5 * time.Second
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue hands msg to the client's writer without blocking. It reports
// false when the buffer is full.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// handleWS upgrades to a push-only websocket that carries every applied task
// event as a JSON text message, starting with a replay of recent events.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		audit.Record("deny", "api.ws.events", "unauthorized", remoteKey(r), "")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}
	logger := s.logger.With("client_id", c.id)
	s.addClient(c)
	logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		logger.Info("ws: client disconnected")
	}()

	s.replay(c)

	// Inbound messages are not part of the protocol; CloseRead discards them
	// and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case <-c.done:
			_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				logger.Debug("ws: write failed", "error", err)
				conn.CloseNow()
				return
			}
		}
	}
}

func (s *Server) replay(c *client) {
	entries := s.cfg.Tasks.Entries()
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	if len(entries) > maxReplayEvents {
		entries = entries[len(entries)-maxReplayEvents:]
	}
	for _, ev := range entries {
		msg, err := feed.Encode(ev)
		if err != nil {
			continue
		}
		if !c.enqueue(msg) {
			return
		}
	}
}

// broadcast fans ev out to every client. Clients whose buffer is full are
// dropped rather than allowed to stall the others.
func (s *Server) broadcast(ev taskstatus.Event) {
	msg, err := feed.Encode(ev)
	if err != nil {
		s.logger.Error("ws: encode event", "task_id", ev.TaskID, "error", err)
		return
	}
	s.clientsMu.RLock()
	var slow []*client
	for c := range s.clients {
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("ws: dropping slow client", "client_id", c.id)
		c.stop()
		s.removeClient(c)
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
