package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// WebSocketSource reads events from a jobwatch gateway's /ws/events stream
// and reconnects with exponential backoff until its context ends.
type WebSocketSource struct {
	URL   string
	Token string

	// InitialInterval and MaxInterval bound the reconnect delay. Zero uses
	// 500ms and 30s.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger *slog.Logger
	// Connected, when set, is called after every successful dial.
	Connected func()
}

// Name implements Source.
func (s *WebSocketSource) Name() string { return "websocket" }

// Run implements Source.
func (s *WebSocketSource) Run(ctx context.Context, sink Sink) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "feed", "source", s.Name(), "url", s.URL)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = orDuration(s.InitialInterval, 500*time.Millisecond)
	exp.MaxInterval = orDuration(s.MaxInterval, 30*time.Second)
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(exp, ctx)

	operation := func() error {
		connected, err := s.session(ctx, sink, logger)
		if connected {
			exp.Reset()
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("stream closed by server")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("feed disconnected, reconnecting", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session dials once and forwards messages until the connection drops. It
// reports whether the dial succeeded.
func (s *WebSocketSource) session(ctx context.Context, sink Sink, logger *slog.Logger) (bool, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if s.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+s.Token)
	}
	conn, _, err := websocket.Dial(ctx, s.URL, opts)
	if err != nil {
		return false, fmt.Errorf("dial feed: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	logger.Info("feed connected")
	if s.Connected != nil {
		s.Connected()
	}
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, nil
			}
			return true, fmt.Errorf("read feed: %w", err)
		}
		if typ != websocket.MessageText {
			logger.Debug("ignoring binary feed message", "bytes", len(raw))
			continue
		}
		_ = sink.Ingest(ctx, s.Name(), raw)
	}
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
