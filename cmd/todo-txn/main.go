package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/todoledger/todo-client/internal/actions"
	"github.com/todoledger/todo-client/internal/app"
	"github.com/todoledger/todo-client/internal/config"
	"github.com/todoledger/todo-client/internal/logging"
	"github.com/todoledger/todo-client/internal/service"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitRejected = 3
)

type options struct {
	dryRun   bool
	outPath  string
	statusID string
	args     []string
	// The result goes to stdout. Logs and diagnostics go to stderr.
	stdout io.Writer
	stderr io.Writer
}

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to client config")
	dryRun := flag.Bool("dry-run", false, "build and sign the batch without submitting it")
	outPath := flag.String("out", "", "write the signed batch list to this file")
	statusID := flag.String("status", "", "print the ledger status of a batch id and exit")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the submission")
	flag.Usage = func() { usage(os.Stderr) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	code := run(ctx, cfg, options{
		dryRun:   *dryRun,
		outPath:  *outPath,
		statusID: *statusID,
		args:     flag.Args(),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	})
	cancel()
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, opts options) int {
	stderr := opts.stderr
	if opts.statusID == "" && len(opts.args) == 0 {
		usage(stderr)
		return exitUsage
	}

	logger := logging.NewJSONLoggerTo(stderr, cfg.Logging.Level)
	application, err := app.New(ctx, cfg, logger, app.Options{DryRun: opts.dryRun})
	if err != nil {
		fmt.Fprintf(stderr, "startup error: %v\n", err)
		return exitFailure
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	if opts.statusID != "" {
		st, err := application.Submitter.Status(ctx, opts.statusID)
		if err != nil {
			fmt.Fprintf(stderr, "status error: %v\n", err)
			return exitFailure
		}
		return printJSON(opts.stdout, stderr, st)
	}

	signer, err := app.LoadSigner(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "key error: %v\n", err)
		return exitFailure
	}
	out, err := application.Txn.ExecuteArgs(ctx, signer, opts.args[0], opts.args[1:])
	if err != nil && len(out.BatchList) == 0 {
		fmt.Fprintf(stderr, "%v\n", err)
		if service.IsKind(err, service.KindEncoding) {
			usage(stderr)
			return exitUsage
		}
		return exitFailure
	}

	if opts.outPath != "" {
		if werr := os.WriteFile(opts.outPath, out.BatchList, 0o600); werr != nil {
			fmt.Fprintf(stderr, "write batch list error: %v\n", werr)
			return exitFailure
		}
	}
	if code := printJSON(opts.stdout, stderr, out); code != exitOK {
		return code
	}
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitFailure
	}
	if out.Result.Rejected() {
		return exitRejected
	}
	return exitOK
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode output error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [flags] <action> [args...]\n\nactions:\n", os.Args[0])
	lines := make([]string, 0, len(actions.Usage))
	for action, params := range actions.Usage {
		lines = append(lines, fmt.Sprintf("  %s %s", action, strings.Join(params, " ")))
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, "\nflags:")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
}
