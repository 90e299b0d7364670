package cmd

import (
	"encoding"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
)

// options contains all command-line options of the dhcpsim binary.  Not all
// options are accepted by every command, see [commands].
type options struct {
	// iface is the name of the network interface to use.
	iface string

	// confFile is the path to the configuration file of the rogue server.
	confFile string

	// logFile is the path to the log file.  If empty, the logs are written to
	// stderr.
	logFile string

	// pidFile is the path to the file where to store the PID.
	pidFile string

	// reportFile is the path to the file where to write the JSON report of a
	// flood run.
	reportFile string

	// oui is the vendor prefix of the generated MAC addresses in the
	// colon-separated hex form.
	oui string

	// hostname is the host name the probe sends.
	hostname string

	// server is the address of the attacked DHCP server.  It's only logged.
	server netip.Addr

	// network is the network served by the attacked DHCP server.  It's only
	// logged.
	network netip.Prefix

	// metricsAddr is the address to serve the Prometheus metrics on.  The
	// metrics aren't served if it's unset.
	metricsAddr netip.AddrPort

	// threads is the number of concurrent senders.
	threads int

	// duration is the duration of the flood in seconds.  Zero means the flood
	// runs until interrupted.
	duration int

	// poolSize is the number of pre-built frames.
	poolSize int

	// delay is the pause of every sender after each frame.
	delay time.Duration

	// timeout is the time the probe waits for the replies.
	timeout time.Duration

	// refresh is the probability of replacing a frame with a fresh one before
	// sending it.
	refresh float64

	// rps limits the aggregate number of frames per second, if positive.
	rps float64

	// help, if true, instructs dhcpsim to print the command-line option help
	// message and quit with a successful exit-code.
	help bool

	// verbose, if true, enables verbose logging.
	verbose bool
}

// Indexes to help with the [commandLineOptions] initialization.
const (
	ifaceIdx = iota
	confFileIdx
	logFileIdx
	pidFileIdx
	reportFileIdx
	ouiIdx
	hostnameIdx
	serverIdx
	networkIdx
	metricsAddrIdx
	threadsIdx
	durationIdx
	poolSizeIdx
	delayIdx
	timeoutIdx
	refreshIdx
	rpsIdx
	helpIdx
	verboseIdx
)

// commandLineOption contains information about a command-line option: its long
// and, if there is one, short forms, the value type, the description, and the
// default value.
type commandLineOption struct {
	defaultValue any
	description  string
	long         string
	short        string
	valueType    string
}

// commandLineOptions are all command-line options currently supported by
// dhcpsim.
var commandLineOptions = []*commandLineOption{
	ifaceIdx: {
		defaultValue: "",
		description:  "Name of the network interface to use.",
		long:         "interface",
		short:        "i",
		valueType:    "name",
	},

	confFileIdx: {
		defaultValue: "rogue.yaml",
		description:  "Path to the rogue server configuration file.",
		long:         "config",
		short:        "c",
		valueType:    "path",
	},

	logFileIdx: {
		defaultValue: "",
		description:  "Path to the log file.  If empty, write to stderr.",
		long:         "log-file",
		short:        "",
		valueType:    "path",
	},

	pidFileIdx: {
		defaultValue: "",
		description:  "Path to the file where to store the PID.",
		long:         "pidfile",
		short:        "",
		valueType:    "path",
	},

	reportFileIdx: {
		defaultValue: "",
		description:  "Path to the file where to write the JSON report of the run.",
		long:         "report",
		short:        "",
		valueType:    "path",
	},

	ouiIdx: {
		defaultValue: "",
		description:  "Vendor prefix of the generated MAC addresses, e.g. 52:54:00.",
		long:         "oui",
		short:        "",
		valueType:    "hex",
	},

	hostnameIdx: {
		defaultValue: "dhcpsim-probe",
		description:  "Host name to send in the probe.",
		long:         "hostname",
		short:        "",
		valueType:    "name",
	},

	serverIdx: {
		defaultValue: netip.Addr{},
		description:  "Address of the target DHCP server, for the logs only.",
		long:         "server",
		short:        "s",
		valueType:    "ip",
	},

	networkIdx: {
		defaultValue: netip.Prefix{},
		description:  "Network of the target DHCP server, for the logs only.",
		long:         "network",
		short:        "n",
		valueType:    "cidr",
	},

	metricsAddrIdx: {
		defaultValue: netip.AddrPort{},
		description:  "Address to serve the Prometheus metrics on, in the host:port format.",
		long:         "metrics-addr",
		short:        "",
		valueType:    "host:port",
	},

	threadsIdx: {
		defaultValue: 5,
		description:  "Number of concurrent senders.",
		long:         "threads",
		short:        "t",
		valueType:    "count",
	},

	durationIdx: {
		defaultValue: 60,
		description:  "Duration of the flood in seconds.  Zero means until interrupted.",
		long:         "duration",
		short:        "d",
		valueType:    "seconds",
	},

	poolSizeIdx: {
		defaultValue: 256,
		description:  "Number of pre-built frames.  If not set for starve, one per thread.",
		long:         "pool-size",
		short:        "",
		valueType:    "count",
	},

	delayIdx: {
		defaultValue: 10 * time.Millisecond,
		description:  "Pause of every sender after each frame.",
		long:         "delay",
		short:        "",
		valueType:    "duration",
	},

	timeoutIdx: {
		defaultValue: 5 * time.Second,
		description:  "Time to wait for the server replies.",
		long:         "timeout",
		short:        "",
		valueType:    "duration",
	},

	refreshIdx: {
		defaultValue: 1.0,
		description:  "Probability of replacing a frame with one of a new client before sending it.",
		long:         "refresh",
		short:        "",
		valueType:    "probability",
	},

	rpsIdx: {
		defaultValue: 0.0,
		description:  "Limit of the frames sent per second by all senders.  Zero means no limit.",
		long:         "rps",
		short:        "",
		valueType:    "rate",
	},

	helpIdx: {
		defaultValue: false,
		description:  "Print this help message and quit.",
		long:         "help",
		short:        "h",
		valueType:    "",
	},

	verboseIdx: {
		defaultValue: false,
		description:  "Enable verbose logging.",
		long:         "verbose",
		short:        "v",
		valueType:    "",
	},
}

// fieldPtrs returns the pointers to the fields of opts in the order of
// [commandLineOptions].
func (opts *options) fieldPtrs() (ptrs []any) {
	return []any{
		ifaceIdx:       &opts.iface,
		confFileIdx:    &opts.confFile,
		logFileIdx:     &opts.logFile,
		pidFileIdx:     &opts.pidFile,
		reportFileIdx:  &opts.reportFile,
		ouiIdx:         &opts.oui,
		hostnameIdx:    &opts.hostname,
		serverIdx:      &opts.server,
		networkIdx:     &opts.network,
		metricsAddrIdx: &opts.metricsAddr,
		threadsIdx:     &opts.threads,
		durationIdx:    &opts.duration,
		poolSizeIdx:    &opts.poolSize,
		delayIdx:       &opts.delay,
		timeoutIdx:     &opts.timeout,
		refreshIdx:     &opts.refresh,
		rpsIdx:         &opts.rps,
		helpIdx:        &opts.help,
		verboseIdx:     &opts.verbose,
	}
}

// errRequired is returned when a required option is missing.
const errRequired errors.Error = "option is required"

// parseOptions parses the command-line options of cmd.  Parsing errors and the
// usage are written to output.
func parseOptions(
	cmdName string,
	cmd *command,
	args []string,
	output io.Writer,
) (opts *options, err error) {
	flags := flag.NewFlagSet(cmdName+" "+cmd.name, flag.ContinueOnError)
	flags.SetOutput(output)

	opts = &options{}
	ptrs := opts.fieldPtrs()
	for _, i := range cmd.options {
		o := commandLineOptions[i]
		if def, ok := cmd.defaults[i]; ok {
			o = &commandLineOption{
				defaultValue: def,
				description:  o.description,
				long:         o.long,
				short:        o.short,
				valueType:    o.valueType,
			}
		}

		addOption(flags, ptrs[i], o)
	}

	flags.Usage = func() { usage(cmdName, cmd, output) }

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", flags.Args())
	}

	if opts.help {
		return opts, nil
	}

	if cmd.needsIface && opts.iface == "" {
		return nil, fmt.Errorf("--%s: %w", commandLineOptions[ifaceIdx].long, errRequired)
	}

	set := map[string]struct{}{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	err = opts.validate(cmd, set)
	if err != nil {
		return nil, err
	}

	return opts, nil
}

// validate returns an error if the values of opts are out of their ranges.
// set contains the long names of the options given explicitly.
func (opts *options) validate(cmd *command, set map[string]struct{}) (err error) {
	errs := []error{
		validate.NotNegative("--duration", opts.duration),
		validate.NotNegative("--delay", opts.delay),
		validate.NotNegative("--rps", opts.rps),
		validate.NotNegative("--pool-size", opts.poolSize),
	}

	if slices.Contains(cmd.options, threadsIdx) {
		errs = append(errs, validate.Positive("--threads", opts.threads))
	}

	// The starve command defaults to a zero pool size, which means one slot per
	// thread, but an explicit value must be positive.
	if _, ok := set[commandLineOptions[poolSizeIdx].long]; ok {
		errs = append(errs, validate.Positive("--pool-size", opts.poolSize))
	}

	if opts.refresh < 0 || opts.refresh > 1 {
		errs = append(errs, fmt.Errorf("--refresh: %w: %g", errors.ErrOutOfRange, opts.refresh))
	}

	if _, ouiErr := parseOUI(opts.oui); ouiErr != nil {
		errs = append(errs, fmt.Errorf("--oui: %w", ouiErr))
	}

	return errors.Join(errs...)
}

// addOption adds the command-line option described by o to flags using fieldPtr
// as the pointer to the value.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		flags.StringVar(fieldPtr, o.long, o.defaultValue.(string), o.description)
		if o.short != "" {
			flags.StringVar(fieldPtr, o.short, o.defaultValue.(string), o.description)
		}
	case *bool:
		flags.BoolVar(fieldPtr, o.long, o.defaultValue.(bool), o.description)
		if o.short != "" {
			flags.BoolVar(fieldPtr, o.short, o.defaultValue.(bool), o.description)
		}
	case *int:
		flags.IntVar(fieldPtr, o.long, o.defaultValue.(int), o.description)
		if o.short != "" {
			flags.IntVar(fieldPtr, o.short, o.defaultValue.(int), o.description)
		}
	case *float64:
		flags.Float64Var(fieldPtr, o.long, o.defaultValue.(float64), o.description)
		if o.short != "" {
			flags.Float64Var(fieldPtr, o.short, o.defaultValue.(float64), o.description)
		}
	case *time.Duration:
		flags.DurationVar(fieldPtr, o.long, o.defaultValue.(time.Duration), o.description)
		if o.short != "" {
			flags.DurationVar(fieldPtr, o.short, o.defaultValue.(time.Duration), o.description)
		}
	case encoding.TextUnmarshaler:
		flags.TextVar(fieldPtr, o.long, o.defaultValue.(encoding.TextMarshaler), o.description)
		if o.short != "" {
			flags.TextVar(fieldPtr, o.short, o.defaultValue.(encoding.TextMarshaler), o.description)
		}
	default:
		panic(fmt.Errorf("unexpected field pointer type %T", fieldPtr))
	}
}

// usage prints a usage message similar to the one printed by package flag but
// taking long vs. short versions into account as well as using more informative
// value hints.
func usage(cmdName string, cmd *command, output io.Writer) {
	options := make([]*commandLineOption, 0, len(cmd.options))
	for _, i := range cmd.options {
		o := *commandLineOptions[i]
		if def, ok := cmd.defaults[i]; ok {
			o.defaultValue = def
		}

		options = append(options, &o)
	}

	slices.SortStableFunc(options, func(a, b *commandLineOption) (res int) {
		return strings.Compare(a.long, b.long)
	})

	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage of %s %s:\n  %s\n\nOptions:\n", cmdName, cmd.name, cmd.description)

	for _, o := range options {
		writeUsageLine(b, o)

		// Use four spaces before the tab to trigger good alignment for both 4-
		// and 8-space tab stops.
		if shouldIncludeDefault(o.defaultValue) {
			_, _ = fmt.Fprintf(b, "    \t%s  (Default value: %v)\n", o.description, o.defaultValue)
		} else {
			_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
		}
	}

	_, _ = io.WriteString(output, b.String())
}

// shouldIncludeDefault returns true if this default value should be printed.
func shouldIncludeDefault(v any) (ok bool) {
	switch v := v.(type) {
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case float64:
		return v != 0
	case time.Duration:
		return v != 0
	default:
		return false
	}
}

// writeUsageLine writes the usage line for the provided command-line option.
func writeUsageLine(b *strings.Builder, o *commandLineOption) {
	if o.short == "" {
		if o.valueType == "" {
			_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
		} else {
			_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
		}

		return
	}

	if o.valueType == "" {
		_, _ = fmt.Fprintf(b, "  --%s/-%s\n", o.long, o.short)
	} else {
		_, _ = fmt.Fprintf(b, "  --%[1]s=%[3]s/-%[2]s %[3]s\n", o.long, o.short, o.valueType)
	}
}

// parseOUI parses a vendor prefix in the colon-separated hex form.  An empty
// string is a valid empty prefix.
func parseOUI(s string) (oui net.HardwareAddr, err error) {
	if s == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("oui %q: %w", s, err)
	}

	return b, nil
}
