// Package cli contains small helpers related to flag parsing, logging setup
// and process-exit bookkeeping that are shared across the hitzeleiter binary
// and its subpackages.
package cli

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	flags "github.com/thought-machine/go-flags"
	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/cli/logging"
)

var log = logging.Log

// StdErrIsATerminal is true if the process' stderr is an interactive TTY.
var StdErrIsATerminal = term.IsTerminal(int(os.Stderr.Fd()))

var (
	atExitFuncs []func()
	atExitOnce  sync.Once
	atExitMutex sync.Mutex
)

// AtExit registers a function to run when the process is killed via a
// terminating signal, mirroring the teacher's process-executor cleanup
// hook so subprocesses and sandboxes never leak on ctrl-C.
func AtExit(f func()) {
	atExitMutex.Lock()
	atExitFuncs = append(atExitFuncs, f)
	atExitMutex.Unlock()
	atExitOnce.Do(installSignalHandler)
}

func installSignalHandler() {
	ch := make(chan os.Signal, 1)
	notifySignals(ch)
	go func() {
		<-ch
		atExitMutex.Lock()
		fns := append([]func(){}, atExitFuncs...)
		atExitMutex.Unlock()
		for _, f := range fns {
			f()
		}
		os.Exit(1)
	}()
}

// A Verbosity is used as a flag to define logging verbosity.
type Verbosity logging.Level

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (v *Verbosity) UnmarshalFlag(in string) error {
	if i, err := strconv.Atoi(in); err == nil {
		*v = Verbosity(i)
		return nil
	}
	switch strings.ToLower(in) {
	case "critical":
		*v = Verbosity(logging.CRITICAL)
	case "error":
		*v = Verbosity(logging.ERROR)
	case "warning":
		*v = Verbosity(logging.WARNING)
	case "notice":
		*v = Verbosity(logging.NOTICE)
	case "info":
		*v = Verbosity(logging.INFO)
	case "debug":
		*v = Verbosity(logging.DEBUG)
	default:
		return fmt.Errorf("unknown verbosity %q", in)
	}
	return nil
}

// A ByteSize is used for flags that represent some quantity of bytes that can
// be passed as human-readable quantities (e.g. "10G"), used for gc_threshold_bytes
// / gc_target_bytes style config.
type ByteSize uint64

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (b *ByteSize) UnmarshalFlag(in string) error {
	n, err := humanize.ParseBytes(in)
	*b = ByteSize(n)
	if err != nil {
		return &flags.Error{Type: flags.ErrMarshal, Message: err.Error()}
	}
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.UnmarshalFlag(string(text))
}

// A Duration wraps time.Duration so it can be used directly as a flag or
// gcfg config value, accepting a bare integer as seconds for convenience.
type Duration time.Duration

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (d *Duration) UnmarshalFlag(in string) error {
	if parsed, err := time.ParseDuration(in); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.Atoi(in); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", in)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.UnmarshalFlag(string(text))
}

// ParseFlagsOrDie parses the app's flags and dies if unsuccessful, or if help
// was requested (after printing it).
func ParseFlagsOrDie(appname, version string, data interface{}) *flags.Parser {
	parser := flags.NewNamedParser(path.Base(os.Args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup(appname+" options", "", data)
	extraArgs, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			fmt.Printf("%s\n", err)
			os.Exit(0)
		}
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\n%s\n", err)
		os.Exit(1)
	} else if len(extraArgs) > 0 {
		fmt.Fprintf(os.Stderr, "Unknown arguments: %s\n", strings.Join(extraArgs, " "))
		os.Exit(1)
	}
	return parser
}

// InitLogging initialises the global logging backend at the given verbosity.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:7s}: %{message}"))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(loggingLevel(verbosity), "")
	logging.SetBackend(leveled)
}

func loggingLevel(v Verbosity) logging.Level {
	return logging.Level(v)
}
