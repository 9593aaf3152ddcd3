package mounts

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hugo-cuenca/ignited/internal/blockdev"
)

// RootOpts is the finished mount specification for the target root.
type RootOpts struct {
	Source  string
	Fstype  string
	Flags   uintptr
	Options string
}

// RootOptsBuilder accumulates the root mount specification while the
// kernel command line is parsed. Source and fstype keep the first
// value they are given.
type RootOptsBuilder struct {
	source  blockdev.Source
	fstype  string
	rw      bool
	flags   uintptr
	options []string
}

// Source sets the partition source unless one is already set.
func (b *RootOptsBuilder) Source(src blockdev.Source) {
	if b.source == nil {
		b.source = src
	}
}

// GetSource returns the partition source, or nil.
func (b *RootOptsBuilder) GetSource() blockdev.Source {
	return b.source
}

// Fstype sets the filesystem type unless one is already set.
func (b *RootOptsBuilder) Fstype(fstype string) {
	if b.fstype == "" {
		b.fstype = fstype
	}
}

// GetFstype returns the filesystem type, or "".
func (b *RootOptsBuilder) GetFstype() string {
	return b.fstype
}

// RO requests a read-only root mount (the default).
func (b *RootOptsBuilder) RO() { b.rw = false }

// RW requests a writable root mount.
func (b *RootOptsBuilder) RW() { b.rw = true }

// AddOpts interprets a rootflags= comma list. Known tokens set or
// clear their mount flag bit; everything else is passed through to the
// filesystem as free-form options.
func (b *RootOptsBuilder) AddOpts(opts string) {
	for _, opt := range strings.Split(opts, ",") {
		switch opt {
		case "dirsync":
			b.flags |= unix.MS_DIRSYNC
		case "lazytime":
			b.flags |= unix.MS_LAZYTIME
		case "nolazytime":
			b.flags &^= unix.MS_LAZYTIME
		case "noatime":
			b.flags |= unix.MS_NOATIME
		case "atime":
			b.flags &^= unix.MS_NOATIME
		case "nodev":
			b.flags |= unix.MS_NODEV
		case "dev":
			b.flags &^= unix.MS_NODEV
		case "nodiratime":
			b.flags |= unix.MS_NODIRATIME
		case "diratime":
			b.flags &^= unix.MS_NODIRATIME
		case "noexec":
			b.flags |= unix.MS_NOEXEC
		case "exec":
			b.flags &^= unix.MS_NOEXEC
		case "nosuid":
			b.flags |= unix.MS_NOSUID
		case "suid":
			b.flags &^= unix.MS_NOSUID
		case "relatime":
			b.flags |= unix.MS_RELATIME
		case "norelatime":
			b.flags &^= unix.MS_RELATIME
		case "silent":
			b.flags |= unix.MS_SILENT
		case "strictatime":
			b.flags |= unix.MS_STRICTATIME
		case "nostrictatime":
			b.flags &^= unix.MS_STRICTATIME
		case "sync":
			b.flags |= unix.MS_SYNCHRONOUS
		case "async":
			b.flags &^= unix.MS_SYNCHRONOUS
		case "nosymfollow":
			// Accepted but not translated to a flag bit.
		default:
			b.options = append(b.options, opt)
		}
	}
}

// Build finishes the specification against the resolved device node.
// The read-only default surfaces here as the RDONLY bit.
func (b *RootOptsBuilder) Build(device string) RootOpts {
	flags := b.flags
	if b.rw {
		flags &^= unix.MS_RDONLY
	} else {
		flags |= unix.MS_RDONLY
	}
	return RootOpts{
		Source:  device,
		Fstype:  b.fstype,
		Flags:   flags,
		Options: strings.Join(b.options, ","),
	}
}
