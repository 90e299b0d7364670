package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation settings.
const (
	logMaxBackups = 3
	logMaxSizeMB  = 100
	logMaxAgeDays = 30
)

// newLogger returns a logger writing to the log file from opts or, if it's
// not set, to stderr.  closeLog must be called when the logger is no longer
// used.
func newLogger(opts *options, stderr io.Writer) (l *slog.Logger, closeLog func() (err error), err error) {
	lvl := slog.LevelInfo
	if opts.verbose {
		lvl = slog.LevelDebug
	}

	output := stderr
	closeLog = func() (err error) { return nil }

	if opts.logFile != "" {
		var path string
		path, err = filepath.Abs(opts.logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}

		lj := &lumberjack.Logger{
			Filename:   path,
			Compress:   false,
			LocalTime:  true,
			MaxBackups: logMaxBackups,
			MaxSize:    logMaxSizeMB,
			MaxAge:     logMaxAgeDays,
		}

		output = lj
		closeLog = lj.Close
	}

	l = slogutil.New(&slogutil.Config{
		Output:       output,
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        lvl,
		AddTimestamp: true,
	})

	return l, closeLog, nil
}
