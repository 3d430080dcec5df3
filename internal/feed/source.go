package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Source delivers raw event messages to a Sink until ctx is done. Run owns
// reconnection; it returns nil on cancellation.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// ChanSource forwards messages from a channel.
type ChanSource struct {
	C <-chan []byte
}

// Name implements Source.
func (ChanSource) Name() string { return "chan" }

// Run implements Source. It returns when ctx is done or C is closed.
func (s ChanSource) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-s.C:
			if !ok {
				return nil
			}
			_ = sink.Ingest(ctx, s.Name(), raw)
		}
	}
}

// ReaderSource reads one JSON message per line, e.g. from stdin.
type ReaderSource struct {
	R io.Reader
}

// Name implements Source.
func (ReaderSource) Name() string { return "reader" }

// Run implements Source. It returns nil at EOF.
func (s ReaderSource) Run(ctx context.Context, sink Sink) error {
	sc := bufio.NewScanner(s.R)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		_ = sink.Ingest(ctx, s.Name(), raw)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read feed: %w", err)
	}
	return nil
}
