// Package boottime tracks time spent in the initramfs and hands it to
// a systemd target init through the documented memfd convention.
package boottime

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// Timer captures the boot timestamps. It is started before anything
// else so the recorded values sit as close to kernel handoff as
// possible.
type Timer struct {
	realtime  uint64
	monotonic uint64
	realErr   error
	monoErr   error
}

// Start reads both clocks now.
func Start() *Timer {
	t := new(Timer)
	t.realtime, t.realErr = readClock(unix.CLOCK_REALTIME)
	t.monotonic, t.monoErr = readClock(unix.CLOCK_MONOTONIC)
	return t
}

// Log reports clock read failures. They are not fatal: a zero
// timestamp degrades systemd's boot analytics, not the boot.
func (t *Timer) Log(kmsg *kcon.KConsole) {
	if t.realErr != nil {
		kmsg.Critf("%v", t.realErr)
	}
	if t.monoErr != nil {
		kmsg.Critf("%v", t.monoErr)
	}
}

// WriteTo writes the systemd initrd-timestamp record and rewinds so
// the consumer reads from the start.
func (t *Timer) WriteTo(dest io.WriteSeeker) error {
	if _, err := fmt.Fprintf(dest, "initrd-timestamp=%d %d\n", t.realtime, t.monotonic); err != nil {
		return xerrors.Errorf("unable to write timer to destination for systemd: %w", err)
	}
	if _, err := dest.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("unable to reset timer destination for systemd: %w", err)
	}
	return nil
}

// readClock returns microseconds, matching what systemd expects in the
// initrd-timestamp record.
func readClock(id int32) (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(id, &ts); err != nil {
		return 0, xerrors.Errorf("unable to read clock %d: %w", id, err)
	}
	return uint64(ts.Sec)*1000000 + uint64(ts.Nsec)/1000, nil
}

// StateMemfd creates the "systemd-state" memfd holding the timer
// record. The fd is deliberately created without CLOEXEC: it transfers
// to the target init across execve.
func (t *Timer) StateMemfd() (*os.File, error) {
	fd, err := unix.MemfdCreate("systemd-state", 0)
	if err != nil {
		return nil, xerrors.Errorf("unable to create systemd state memfd: %w", err)
	}
	f := os.NewFile(uintptr(fd), "systemd-state")
	if err := t.WriteTo(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// InitIsSystemd reports whether path resolves, through at most ten
// symlink hops, to a file named systemd.
func InitIsSystemd(path string) bool {
	for hops := 0; hops <= 10; hops++ {
		fi, err := os.Lstat(path)
		if err != nil {
			return false
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return filepath.Base(path) == "systemd"
		}
		target, err := os.Readlink(path)
		if err != nil {
			return false
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		path = target
	}
	return false
}
