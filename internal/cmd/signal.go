package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/renameio/v2/maybe"
)

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext() (ctx context.Context, cancel context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// writePID writes the PID to the file, if needed.  Any errors are reported to
// l.
func writePID(ctx context.Context, l *slog.Logger, pidFile string) {
	if pidFile == "" {
		return
	}

	// Use 8, since most PIDs will fit.
	data := make([]byte, 0, 8)
	data = strconv.AppendInt(data, int64(os.Getpid()), 10)
	data = append(data, '\n')

	err := maybe.WriteFile(pidFile, data, 0o644)
	if err != nil {
		l.ErrorContext(ctx, "writing pidfile", slogutil.KeyError, err)

		return
	}

	l.DebugContext(ctx, "wrote pid", "path", pidFile)
}

// removePID removes the PID file, if any.
func removePID(ctx context.Context, l *slog.Logger, pidFile string) {
	if pidFile == "" {
		return
	}

	ctx = context.WithoutCancel(ctx)

	err := os.Remove(pidFile)
	if err != nil {
		l.ErrorContext(ctx, "removing pidfile", slogutil.KeyError, err)

		return
	}

	l.DebugContext(ctx, "removed pid", "path", pidFile)
}
