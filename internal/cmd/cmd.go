// Package cmd is the dhcpsim entry point.  It contains the on-disk
// configuration loading, the command-line options, and the wiring of the
// flood, rogue server, and probe commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/netlab/dhcpsim/internal/version"
)

// Main is the entry point of dhcpsim.
func Main() {
	os.Exit(run(os.Args, &environment{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}))
}

// environment contains the standard streams of the process.
type environment struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// runFunc is the function performing a command.  It returns nil when ctx is
// canceled by a shutdown signal.
type runFunc func(ctx context.Context, l *slog.Logger, opts *options, env *environment) (err error)

// command describes a dhcpsim command.
type command struct {
	// defaults overrides the default values of the options in
	// [commandLineOptions] by their indexes.
	defaults map[int]any

	run runFunc

	name        string
	description string

	// options are the indexes of the accepted options in
	// [commandLineOptions].
	options []int

	// needsIface is true if the interface option is required.
	needsIface bool
}

// floodOptions are the options shared by the starve and flood commands.
var floodOptions = []int{
	ifaceIdx,
	serverIdx,
	networkIdx,
	threadsIdx,
	durationIdx,
	delayIdx,
	poolSizeIdx,
	refreshIdx,
	rpsIdx,
	ouiIdx,
	metricsAddrIdx,
	reportFileIdx,
	pidFileIdx,
	logFileIdx,
	verboseIdx,
	helpIdx,
}

// commands are all supported commands.  starve and flood only differ in their
// defaults.
var commands = []*command{{
	defaults: map[int]any{
		poolSizeIdx: 0,
	},
	run:         runStarve,
	name:        "starve",
	description: "Exhaust the address pool of a DHCP server by leasing requests from many clients.",
	options:     floodOptions,
	needsIface:  true,
}, {
	defaults: map[int]any{
		threadsIdx:  10,
		durationIdx: 0,
		delayIdx:    time.Duration(0),
		refreshIdx:  0.1,
		ouiIdx:      "52:54:00",
	},
	run:         runFlood,
	name:        "flood",
	description: "Send DHCPDISCOVER messages from pre-built frames as fast as possible.",
	options:     floodOptions,
	needsIface:  true,
}, {
	defaults:    map[int]any{},
	run:         runRogue,
	name:        "rogue",
	description: "Serve DHCP leases from the configured pool.",
	options: []int{
		confFileIdx,
		ifaceIdx,
		metricsAddrIdx,
		pidFileIdx,
		logFileIdx,
		verboseIdx,
		helpIdx,
	},
	needsIface: false,
}, {
	defaults:    map[int]any{},
	run:         runProbe,
	name:        "probe",
	description: "Perform a single DORA exchange and print the offers and the lease.",
	options: []int{
		ifaceIdx,
		timeoutIdx,
		hostnameIdx,
		verboseIdx,
		helpIdx,
	},
	needsIface: true,
}, {
	defaults:    map[int]any{},
	run:         runVersion,
	name:        "version",
	description: "Print the version.  With --verbose, print the build information.",
	options:     []int{verboseIdx, helpIdx},
	needsIface:  false,
}}

// findCommand returns the command with the given name or nil.
func findCommand(name string) (c *command) {
	for _, c = range commands {
		if c.name == name {
			return c
		}
	}

	return nil
}

// run parses args, performs the command, and returns the exit code.
func run(args []string, env *environment) (code int) {
	cmdName := "dhcpsim"
	if len(args) > 0 {
		cmdName = args[0]
	}

	if len(args) < 2 {
		commandsUsage(cmdName, env.stderr)

		return osutil.ExitCodeArgumentError
	}

	name := args[1]
	switch name {
	case "help", "-h", "--help":
		commandsUsage(cmdName, env.stdout)

		return osutil.ExitCodeSuccess
	}

	cmd := findCommand(name)
	if cmd == nil {
		_, _ = fmt.Fprintf(env.stderr, "unknown command %q\n", name)
		commandsUsage(cmdName, env.stderr)

		return osutil.ExitCodeArgumentError
	}

	opts, err := parseOptions(cmdName, cmd, args[2:], env.stderr)
	if errors.Is(err, flag.ErrHelp) {
		return osutil.ExitCodeSuccess
	} else if err != nil {
		_, _ = fmt.Fprintf(env.stderr, "%s %s: %s\n", cmdName, name, err)

		return osutil.ExitCodeArgumentError
	}

	if opts.help {
		usage(cmdName, cmd, env.stdout)

		return osutil.ExitCodeSuccess
	}

	return runCommand(cmd, opts, env)
}

// runCommand sets up the logger and the signal handling and performs cmd.
func runCommand(cmd *command, opts *options, env *environment) (code int) {
	l, closeLog, err := newLogger(opts, env.stderr)
	if err != nil {
		_, _ = fmt.Fprintf(env.stderr, "%s: %s\n", cmd.name, err)

		return osutil.ExitCodeFailure
	}
	defer func() {
		if cerr := closeLog(); cerr != nil {
			_, _ = fmt.Fprintf(env.stderr, "closing log: %s\n", cerr)
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	writePID(ctx, l, opts.pidFile)
	defer removePID(ctx, l, opts.pidFile)

	err = cmd.run(ctx, l.With(slogutil.KeyPrefix, cmd.name), opts, env)
	if err != nil {
		l.ErrorContext(context.WithoutCancel(ctx), "command failed", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	return osutil.ExitCodeSuccess
}

// commandsUsage writes the list of the commands to w.
func commandsUsage(cmdName string, w io.Writer) {
	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage: %s <command> [options]\n\nCommands:\n", cmdName)
	for _, c := range commands {
		_, _ = fmt.Fprintf(b, "  %-8s %s\n", c.name, c.description)
	}

	_, _ = fmt.Fprintf(b, "\nRun '%s <command> --help' for the command options.\n", cmdName)

	_, _ = io.WriteString(w, b.String())
}

// runVersion prints the version of dhcpsim.
func runVersion(_ context.Context, _ *slog.Logger, opts *options, env *environment) (err error) {
	if opts.verbose {
		_, err = io.WriteString(env.stdout, version.Verbose())

		return err
	}

	_, err = fmt.Fprintf(env.stdout, "dhcpsim %s\n", version.Version())

	return err
}

// defaultTimeout is the timeout of the shutdown of the services.
const defaultTimeout = 5 * time.Second

// ctxWithDefaultTimeout is a helper function that returns a context with
// timeout set to defaultTimeout.
func ctxWithDefaultTimeout(parent context.Context) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), defaultTimeout)
}
