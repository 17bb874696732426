package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ceuplanner/auth"
)

// Exit codes for scripting.
const (
	exitCodeError        = 1
	exitCodeAuthRequired = 2
	exitCodeAuthFailed   = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(defaultOptions())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

var errAuthRequired = errors.New("sign in required, run 'ceuplanner login'")

func exitCode(err error) int {
	var providerErr *auth.ProviderError
	var exchangeErr *auth.ExchangeError
	switch {
	case errors.Is(err, errAuthRequired):
		return exitCodeAuthRequired
	case errors.Is(err, auth.ErrInvalidCallback), errors.As(err, &providerErr), errors.As(err, &exchangeErr):
		return exitCodeAuthFailed
	default:
		return exitCodeError
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

// newLogger writes JSON logs to w. Logs go to stderr so command output on
// stdout stays machine readable.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
