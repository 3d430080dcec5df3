package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/jobwatch/internal/audit"
	otelPkg "github.com/basket/jobwatch/internal/otel"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = otelPkg.Version

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER:
  %s serve                          Run the status API, event ingest and websocket feed

CLIENT:
  %s watch <type> <id> [job_kind]   Live status view for one entity
  %s list <type> <id>...            Print the current status of several entities
  %s emit [options] <type> <id> <status>
                                    Publish a task status event
                                    Options: -task <id>, -kind <job_kind>,
                                    -progress <0-100>, -message <text>, -redis

DIAGNOSTICS:
  %s status                         Show server health (/healthz)
  %s doctor [-json]                 Run diagnostic checks

Entity types: repository, dataset, training_job, hp_search_job, inference_job, model

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  JOBWATCH_HOME           Data directory (default: ~/.jobwatch)
  JOBWATCH_API_URL        Status API base URL for clients
  JOBWATCH_FEED_KIND      ws, redis or stdin
  JOBWATCH_AUTH_TOKEN     Bearer token for server and clients
  JOBWATCH_NO_TUI         Set to 1 to print plain lines instead of the TUI

EXAMPLES:
  Run the server:         %s serve
  Watch a training job:   %s watch training_job 42
  Follow a dataset build: %s watch dataset 7 build
  Emit a test event:      %s emit -progress 40 dataset 7 RUNNING
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	plain := flag.Bool("plain", false, "print plain status lines instead of the interactive view")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	os.Exit(dispatch(ctx, args, *plain))
}

func dispatch(ctx context.Context, args []string, plain bool) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "serve":
		return runServeCommand(ctx, args[1:])
	case "watch":
		return runWatchCommand(ctx, args[1:], plain)
	case "list":
		return runListCommand(ctx, args[1:])
	case "emit":
		return runEmitCommand(ctx, args[1:])
	case "status":
		return runStatusCommand(ctx, args[1:])
	case "doctor":
		return runDoctorCommand(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		return 2
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
