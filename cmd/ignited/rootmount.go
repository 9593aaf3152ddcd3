package main

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/hugo-cuenca/ignited/internal/blockdev"
	"github.com/hugo-cuenca/ignited/internal/cmdline"
	"github.com/hugo-cuenca/ignited/internal/kcon"
	"github.com/hugo-cuenca/ignited/internal/mounts"
)

// rootMounter watches block-device events for the root (and resume)
// partition and mounts the root under /system_root when it appears.
// It is the main waker: run's event wait ends when mounted receives.
type rootMounter struct {
	kmsg     *kcon.KConsole
	registry *blockdev.Registry
	root     blockdev.Source
	resume   blockdev.Source
	builder  *mounts.RootOptsBuilder

	once    sync.Once
	mounted chan error

	mu        sync.Mutex
	resumeDev string
}

func newRootMounter(kmsg *kcon.KConsole, args *cmdline.Args) *rootMounter {
	return &rootMounter{
		kmsg:     kmsg,
		registry: blockdev.NewRegistry(kmsg),
		root:     args.Root.GetSource(),
		resume:   args.Resume,
		builder:  args.Root,
		mounted:  make(chan error, 1),
	}
}

// handleBlock runs on a per-event goroutine (live uevents) or a walker
// goroutine (initial scan). The registry makes replays of the same
// device name a no-op.
func (rm *rootMounter) handleBlock(ev blockdev.Event) {
	if ev.Action != "add" && ev.Action != "change" {
		return
	}
	dev, fresh := rm.registry.Add(ev.Name)
	if !fresh {
		return
	}
	if rm.resume != nil && rm.resume.Match(dev, rm.registry) {
		rm.mu.Lock()
		rm.resumeDev = dev.Path
		rm.mu.Unlock()
		rm.kmsg.Infof("resume partition is %s", dev.Path)
	}
	if rm.root.Match(dev, rm.registry) {
		rm.once.Do(func() {
			rm.mounted <- rm.mountRoot(dev)
		})
	}
}

func (rm *rootMounter) resumeDevice() string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.resumeDev
}

func (rm *rootMounter) mountRoot(dev *blockdev.Device) error {
	rm.kmsg.Infof("root partition %s appeared as %s", rm.root, dev.Path)
	if fstype := rm.builder.GetFstype(); fstype != "" {
		return mounts.Root(rm.builder.Build(dev.Path)).Mount()
	}

	// No rootfstype= given: try every filesystem the kernel knows.
	fstypes, err := procFilesystems()
	if err != nil {
		return err
	}
	var lastErr error
	for _, fstype := range fstypes {
		m := mounts.Root(rm.builder.Build(dev.Path))
		m.Fstype = fstype
		if lastErr = m.Mount(); lastErr == nil {
			rm.kmsg.Infof("mounted %s as %s", dev.Path, fstype)
			return nil
		}
	}
	return xerrors.Errorf("unable to mount %s with any kernel filesystem: %w", dev.Path, lastErr)
}

// procFilesystems lists the block-backed filesystems the running
// kernel supports.
func procFilesystems() ([]string, error) {
	f, err := os.Open("/proc/filesystems")
	if err != nil {
		return nil, xerrors.Errorf("unable to read /proc/filesystems: %w", err)
	}
	defer f.Close()
	return parseFilesystems(f)
}

func parseFilesystems(r io.Reader) ([]string, error) {
	var fstypes []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "nodev") {
			continue
		}
		if fstype := strings.TrimSpace(line); fstype != "" {
			fstypes = append(fstypes, fstype)
		}
	}
	return fstypes, scanner.Err()
}
