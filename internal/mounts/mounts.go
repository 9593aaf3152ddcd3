// Package mounts wraps mount(2) in typed descriptors for the handful
// of filesystems an initramfs touches, and implements the mount moves
// of the pivot sequence.
package mounts

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// SystemRootDir is where the target root filesystem is mounted before
// the pivot.
const SystemRootDir = "/system_root"

// Mount is one (source, target, fstype, flags, options) descriptor.
type Mount struct {
	Source  string
	Target  string
	Fstype  string
	Flags   uintptr
	Options string
}

// DevTmpfs mounts the kernel device nodes at /dev.
func DevTmpfs() Mount {
	return Mount{
		Source:  "dev",
		Target:  "/dev",
		Fstype:  "devtmpfs",
		Flags:   unix.MS_NOSUID,
		Options: "mode=0755",
	}
}

// Proc mounts procfs at /proc.
func Proc() Mount {
	return Mount{
		Source: "proc",
		Target: "/proc",
		Fstype: "proc",
		Flags:  unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV,
	}
}

// Sysfs mounts sysfs at /sys.
func Sysfs() Mount {
	return Mount{
		Source: "sys",
		Target: "/sys",
		Fstype: "sysfs",
		Flags:  unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV,
	}
}

// Efivarfs exposes EFI variables; only mounted on EFI systems.
func Efivarfs() Mount {
	return Mount{
		Source: "efivarfs",
		Target: "/sys/firmware/efi/efivars",
		Fstype: "efivarfs",
		Flags:  unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV,
	}
}

// Tmpfs mounts a tmpfs with explicit flags and options.
func Tmpfs(source, target string, flags uintptr, options string) Mount {
	return Mount{
		Source:  source,
		Target:  target,
		Fstype:  "tmpfs",
		Flags:   flags,
		Options: options,
	}
}

// Root mounts the resolved target root under SystemRootDir.
func Root(opts RootOpts) Mount {
	return Mount{
		Source:  opts.Source,
		Target:  SystemRootDir,
		Fstype:  opts.Fstype,
		Flags:   opts.Flags,
		Options: opts.Options,
	}
}

// Mount creates the target directory (mode 0755, parents included) and
// performs the mount. Errors name the target, which is what the person
// staring at the console needs.
func (m Mount) Mount() error {
	if err := os.MkdirAll(m.Target, 0755); err != nil {
		return xerrors.Errorf("unable to create %s: %w", m.Target, err)
	}
	if err := unix.Mount(m.Source, m.Target, m.Fstype, m.Flags, m.Options); err != nil {
		return xerrors.Errorf("unable to mount %s: %w", m.Target, err)
	}
	return nil
}
