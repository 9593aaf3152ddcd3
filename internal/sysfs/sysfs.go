// Package sysfs walks /sys once at startup so that devices the kernel
// enumerated before the uevent subscription began are not missed. The
// alias dedup set and the block-device registry make replays harmless.
package sysfs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-cuenca/ignited/internal/blockdev"
	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// ModaliasLoader is the slice of the module loader the walker needs.
type ModaliasLoader interface {
	LoadModalias(alias string) (*sync.WaitGroup, error)
}

// Walker runs the two startup scans: one for modalias files, one for
// block devices.
type Walker struct {
	kmsg    *kcon.KConsole
	sysRoot string
	loader  ModaliasLoader
	onBlock func(ev blockdev.Event)

	cancel       context.CancelFunc
	modaliasDone chan struct{}
	blockDone    chan struct{}
}

// Start launches both walkers.
func Start(kmsg *kcon.KConsole, loader ModaliasLoader, onBlock func(ev blockdev.Event)) *Walker {
	return start(kmsg, "/sys", loader, onBlock)
}

func start(kmsg *kcon.KConsole, sysRoot string, loader ModaliasLoader, onBlock func(ev blockdev.Event)) *Walker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Walker{
		kmsg:         kmsg,
		sysRoot:      sysRoot,
		loader:       loader,
		onBlock:      onBlock,
		cancel:       cancel,
		modaliasDone: make(chan struct{}),
		blockDone:    make(chan struct{}),
	}
	go w.walkModalias(ctx)
	go w.walkBlock(ctx)
	return w
}

// Stop interrupts any remaining scan work and waits for both walkers
// to exit.
func (w *Walker) Stop() {
	w.cancel()
	<-w.modaliasDone
	<-w.blockDone
}

// walkModalias reads every modalias file under /sys/devices and feeds
// the loader. Loading in parallel took a third off boot-to-blockdev
// time in practice, hence the worker pool.
func (w *Walker) walkModalias(ctx context.Context) {
	defer close(w.modaliasDone)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())

	root := filepath.Join(w.sysRoot, "devices")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.kmsg.Debugf("sysfs walk: %v", err)
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() || d.Name() != "modalias" {
			return nil
		}
		eg.Go(func() error {
			b, err := os.ReadFile(path)
			if err != nil {
				w.kmsg.Debugf("sysfs walk: %v", err)
				return nil
			}
			alias := strings.TrimSpace(string(b))
			if alias == "" {
				return nil
			}
			if _, err := w.loader.LoadModalias(alias); err != nil {
				w.kmsg.Warnf("unable to load modalias %s: %v", alias, err)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		w.kmsg.Warnf("sysfs modalias walk failed: %v", err)
	}
	eg.Wait()
}

// walkBlock synthesizes an add event for every block device already
// registered in /sys/class/block, except loop devices.
func (w *Walker) walkBlock(ctx context.Context) {
	defer close(w.blockDone)

	classDir := filepath.Join(w.sysRoot, "class/block")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		w.kmsg.Warnf("sysfs block walk failed: %v", err)
		return
	}
	var wg sync.WaitGroup
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		name := e.Name()
		if strings.HasPrefix(name, "loop") {
			continue
		}
		devpath, err := filepath.EvalSymlinks(filepath.Join(classDir, name))
		if err != nil {
			w.kmsg.Debugf("sysfs block walk: %v", err)
			continue
		}
		// Handlers may block on a mount; do not serialize the scan
		// behind them.
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.onBlock(blockdev.Event{Action: "add", Devpath: devpath, Name: name})
		}()
	}
	wg.Wait()
}
