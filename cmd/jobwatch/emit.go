package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/jobwatch/internal/config"
	"github.com/basket/jobwatch/internal/feed"
	"github.com/basket/jobwatch/internal/taskstatus"
)

type emitOptions struct {
	event taskstatus.Event
	redis bool
}

func parseEmitArgs(args []string, now time.Time) (emitOptions, error) {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	taskID := fs.String("task", "", "task id (default: a new uuid)")
	kind := fs.String("kind", "", "job kind")
	progress := fs.Int("progress", -1, "progress percentage, 0-100")
	message := fs.String("message", "", "status message")
	ts := fs.Int64("ts", 0, "event timestamp in epoch milliseconds (default: now)")
	redis := fs.Bool("redis", false, "publish on the redis channel instead of POSTing to the API")
	if err := fs.Parse(args); err != nil {
		return emitOptions{}, err
	}
	rest := fs.Args()
	if len(rest) != 3 {
		return emitOptions{}, fmt.Errorf("usage: jobwatch emit [options] <type> <id> <status>")
	}

	ref, err := parseEntityRef(rest[0], rest[1])
	if err != nil {
		return emitOptions{}, err
	}
	status, err := taskstatus.ParseStatus(rest[2])
	if err != nil {
		return emitOptions{}, err
	}
	ev := taskstatus.Event{
		TaskID:        strings.TrimSpace(*taskID),
		EntityType:    ref.Type,
		EntityID:      ref.ID,
		JobKind:       strings.TrimSpace(*kind),
		Status:        status,
		StatusMessage: *message,
		Timestamp:     *ts,
	}
	if ev.TaskID == "" {
		ev.TaskID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = now.UnixMilli()
	}
	if *progress >= 0 {
		ev.Progress = taskstatus.ProgressOf(*progress)
	}
	if err := ev.Validate(); err != nil {
		return emitOptions{}, err
	}
	return emitOptions{event: ev, redis: *redis}, nil
}

func runEmitCommand(ctx context.Context, args []string) int {
	opts, err := parseEmitArgs(args, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	raw, err := feed.Encode(opts.event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if opts.redis || cfg.Client.FeedKind == config.FeedRedis {
		err = publishRedis(reqCtx, cfg.Client, raw)
	} else {
		err = postEvent(reqCtx, cfg.Client, raw)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "emit: %v\n", err)
		return 1
	}
	fmt.Println(opts.event.TaskID)
	return 0
}

func publishRedis(ctx context.Context, cfg config.ClientConfig, raw []byte) error {
	src, err := feed.NewRedisSource(ctx, cfg.RedisAddr, cfg.RedisChannel, nil)
	if err != nil {
		return err
	}
	defer src.Close()
	return src.Publish(ctx, raw)
}

func postEvent(ctx context.Context, cfg config.ClientConfig, raw []byte) error {
	target := strings.TrimRight(cfg.APIURL, "/") + "/api/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
