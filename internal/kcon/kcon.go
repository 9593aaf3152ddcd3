// Package kcon writes leveled, framed log records to the kernel ring
// buffer via /dev/kmsg. It is the only logging facility available to
// PID 1 before (and while) the real root is being mounted.
package kcon

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Program is the syslog tag prepended to every record.
const Program = "ignited"

// Level is a kernel log priority. Lower numeric values are more severe.
type Level uint8

const (
	Crit   Level = 2
	Err    Level = 3
	Warn   Level = 4
	Notice Level = 5
	Info   Level = 6
	Debug  Level = 7
)

// DefaultLevel is the verbosity threshold until the kernel command line
// says otherwise.
const DefaultLevel = Info

// ParseLevel converts a cmdline token into a Level. Unknown tokens are
// rejected so that a typo does not silently change verbosity.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "notice":
		return Notice, nil
	case "warn", "warning":
		return Warn, nil
	case "err", "error":
		return Err, nil
	}
	return 0, xerrors.Errorf("unknown verbosity level %q", s)
}

func (l Level) String() string {
	switch l {
	case Crit:
		return "crit"
	case Err:
		return "err"
	case Warn:
		return "warn"
	case Notice:
		return "notice"
	case Info:
		return "info"
	case Debug:
		return "debug"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// KConsole is a single writer to /dev/kmsg with a verbosity threshold.
// Each goroutine gets its own clone; the kernel serializes concurrent
// writers, so no locking happens on our side.
type KConsole struct {
	w     io.Writer
	level Level
}

// New opens /dev/kmsg for writing.
func New() (*KConsole, error) {
	f, err := os.OpenFile("/dev/kmsg", os.O_WRONLY, 0600)
	if err != nil {
		return nil, xerrors.Errorf("unable to open /dev/kmsg: %w", err)
	}
	return &KConsole{w: f, level: DefaultLevel}, nil
}

// NewWriter returns a console emitting to an arbitrary writer. Tests
// use it; the boot path always goes through New.
func NewWriter(w io.Writer) *KConsole {
	return &KConsole{w: w, level: DefaultLevel}
}

// Clone opens an independent /dev/kmsg writer carrying over the current
// threshold. /dev/kmsg opened once before, so a failure here is
// transient; crashing the init because log output failed is not an
// option, hence the retry.
func (k *KConsole) Clone() *KConsole {
	for {
		kc, err := New()
		if err == nil {
			kc.level = k.level
			return kc
		}
		time.Sleep(1 * time.Second)
	}
}

// ChangeVerbosity updates the emission threshold of this sink only.
func (k *KConsole) ChangeVerbosity(level Level) {
	k.level = level
}

// Verbosity returns the current emission threshold.
func (k *KConsole) Verbosity() Level {
	return k.level
}

// DisableThrottlingOnVerbose turns off the kernel's per-process kmsg
// rate limit, but only when running at Debug: the message volume of a
// debug boot trips the default limit within milliseconds.
func (k *KConsole) DisableThrottlingOnVerbose() {
	if k.level != Debug {
		return
	}
	const devkmsg = "/proc/sys/kernel/printk_devkmsg"
	b, err := os.ReadFile(devkmsg)
	if err == nil && string(b) == "on\n" {
		return
	}
	if err := os.WriteFile(devkmsg, []byte("on\n"), 0644); err != nil {
		k.Warnf("unable to disable kmsg throttling: %v", err)
	}
}

func (k *KConsole) println(level Level, msg string) {
	if level > k.level {
		return
	}
	// A record is one write: <PRI>tag: message\n. Errors are swallowed;
	// logging must never steer control flow.
	msg = strings.TrimRight(msg, "\n")
	fmt.Fprintf(k.w, "<%d>%s: %s\n", uint8(level), Program, msg)
}

// Printf emits a record at an arbitrary level.
func (k *KConsole) Printf(level Level, format string, args ...interface{}) {
	k.println(level, fmt.Sprintf(format, args...))
}

func (k *KConsole) Debugf(format string, args ...interface{}) {
	k.Printf(Debug, format, args...)
}

func (k *KConsole) Infof(format string, args ...interface{}) {
	k.Printf(Info, format, args...)
}

func (k *KConsole) Noticef(format string, args ...interface{}) {
	k.Printf(Notice, format, args...)
}

func (k *KConsole) Warnf(format string, args ...interface{}) {
	k.Printf(Warn, format, args...)
}

func (k *KConsole) Errf(format string, args ...interface{}) {
	k.Printf(Err, format, args...)
}

func (k *KConsole) Critf(format string, args ...interface{}) {
	k.Printf(Crit, format, args...)
}
