package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/specialistvlad/dmriprepgo/internal/cli"
)

// main is the entrypoint for the dmriprep application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Args[1:])
	stop()

	// The real main function handles errors and exit codes.
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.Code(err))
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(ctx context.Context, outW io.Writer, args []string) (err error) {
	// A panic anywhere in the pipeline becomes a clean failure instead of
	// a stack trace.
	defer func() {
		if r := recover(); r != nil {
			err = &cli.ExitError{
				Code:    cli.ExitFailure,
				Message: fmt.Sprintf("application panicked: %v", r),
			}
		}
	}()

	return cli.Execute(ctx, args, outW)
}
