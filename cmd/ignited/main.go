// Program ignited is an initramfs init for Linux. As PID 1 it mounts
// the pseudo filesystems, loads kernel modules as devices appear,
// waits for the root filesystem, pivots into it and executes the real
// system init.
package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/hugo-cuenca/ignited/internal/blockdev"
	"github.com/hugo-cuenca/ignited/internal/boottime"
	"github.com/hugo-cuenca/ignited/internal/cmdline"
	"github.com/hugo-cuenca/ignited/internal/config"
	"github.com/hugo-cuenca/ignited/internal/kcon"
	"github.com/hugo-cuenca/ignited/internal/kmod"
	"github.com/hugo-cuenca/ignited/internal/mounts"
	"github.com/hugo-cuenca/ignited/internal/sysfs"
	"github.com/hugo-cuenca/ignited/internal/udev"
	"github.com/hugo-cuenca/ignited/internal/vconsole"
)

// Exit codes, one per failure class. The emergency shell (or, failing
// that, the kernel panic message) is the only consumer.
const (
	codeSanity        = 1
	codeKmsgOpen      = 2
	codePseudoFsMount = 3
	codeConfigLoad    = 4
	codeKverMismatch  = 5
	codeAliasLoad     = 6
	codePivotDir      = 7
	codeCmdlineParse  = 8
	codeEventLoop     = 9
	codeUdevStart     = 10
	codeForceModules  = 11
	codeVconsole      = 12
	codeSysfsWalk     = 13
	codeEventPoll     = 14
	codeExecve        = 101
)

// aliasPath is the module alias table written by the image generator.
const aliasPath = "/usr/lib/modules/ignited.alias"

const initrdRelease = "/etc/initrd-release"

// fatalError couples an error with the exit code of its failure class.
type fatalError struct {
	code int
	err  error
}

func (f *fatalError) Error() string { return f.err.Error() }

func fatalf(code int, format string, args ...interface{}) *fatalError {
	return &fatalError{code: code, err: xerrors.Errorf(format, args...)}
}

func main() {
	timer := boottime.Start()

	// Sanity failures terminate without the emergency shell: running
	// this from a shell on a live system must never wipe anything.
	if os.Getpid() != 1 {
		fmt.Fprintln(os.Stderr, "ignited: must run as PID 1")
		os.Exit(codeSanity)
	}
	if _, err := os.Stat(initrdRelease); err != nil {
		fmt.Fprintln(os.Stderr, "ignited: not an initramfs: missing "+initrdRelease)
		os.Exit(codeSanity)
	}

	if err := mounts.DevTmpfs().Mount(); err != nil {
		fmt.Fprintf(os.Stderr, "ignited: %v\n", err)
		os.Exit(codePseudoFsMount)
	}
	kmsg, err := kcon.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ignited: %v\n", err)
		os.Exit(codeKmsgOpen)
	}

	if ferr := run(kmsg, timer); ferr != nil {
		kmsg.Critf("FATAL: %v", ferr)
		unix.Sync()
		emergencyShell(kmsg)
		os.Exit(ferr.code)
	}
	// run only returns on error; execve replaced the process otherwise.
}

// run drives the boot from Configured to Handoff.
func run(kmsg *kcon.KConsole, timer *boottime.Timer) *fatalError {
	// Configured: pseudo filesystems, then everything read from them.
	var eg errgroup.Group
	eg.Go(func() error { return mounts.Sysfs().Mount() })
	eg.Go(func() error { return mounts.Proc().Mount() })
	eg.Go(func() error {
		return mounts.Tmpfs("run", "/run", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755").Mount()
	})
	if err := eg.Wait(); err != nil {
		return &fatalError{code: codePseudoFsMount, err: err}
	}
	if _, err := os.Stat("/sys/firmware/efi"); err == nil {
		if err := mounts.Efivarfs().Mount(); err != nil {
			return &fatalError{code: codePseudoFsMount, err: err}
		}
	}
	os.Setenv("PATH", "/usr/sbin:/usr/bin:/sbin:/bin")

	cfg, err := config.Load(config.Path)
	if err != nil {
		return &fatalError{code: codeConfigLoad, err: err}
	}
	release, err := unameRelease()
	if err != nil {
		return &fatalError{code: codeConfigLoad, err: err}
	}
	if cfg.Metadata.KernelVer != release {
		return fatalf(codeKverMismatch,
			"initramfs was built for kernel %s but %s is running", cfg.Metadata.KernelVer, release)
	}
	aliases, err := kmod.LoadAliases(aliasPath)
	if err != nil {
		return &fatalError{code: codeAliasLoad, err: err}
	}
	if err := os.MkdirAll("/run/initramfs", 0755); err != nil {
		return fatalf(codePivotDir, "unable to create /run/initramfs: %w", err)
	}
	args, err := cmdline.ParseProcCmdline(kmsg, blockdev.AutodiscoverRoot)
	if err != nil {
		return &fatalError{code: codeCmdlineParse, err: err}
	}
	timer.Log(kmsg)
	if cfg.Ignited.LVM || cfg.Ignited.MDRaid {
		kmsg.Warnf("lvm/mdraid are configured but not supported, ignoring")
	}

	// Listening: the uevent listener and the sysfs walkers feed the
	// module loader and the root mounter until the root shows up.
	loader := kmod.NewLoader(kmsg, cfg, aliases, args.ModParams)
	rm := newRootMounter(kmsg, args)

	listener, err := udev.Listen(kmsg.Clone(), udev.Handlers{
		Modalias: func(alias string) {
			if _, err := loader.LoadModalias(alias); err != nil {
				kmsg.Warnf("unable to load modalias %s: %v", alias, err)
			}
		},
		Block: rm.handleBlock,
	})
	if err != nil {
		return &fatalError{code: codeUdevStart, err: err}
	}

	forceWg := loader.LoadModules(cfg.Ignited.ModuleForce)

	if err := vconsole.Setup(kmsg, cfg); err != nil {
		return &fatalError{code: codeVconsole, err: err}
	}

	walker := sysfs.Start(kmsg.Clone(), loader, rm.handleBlock)

	// Listening loop: wait for the root mount, bounded by the
	// configured timeout.
	var timeoutCh <-chan time.Time
	if timeout, ok := cfg.MountTimeout(); ok {
		timeoutCh = time.After(timeout)
	}
	select {
	case err := <-rm.mounted:
		if err != nil {
			return &fatalError{code: codeEventPoll, err: err}
		}
	case <-timeoutCh:
		timeout, _ := cfg.MountTimeout()
		return fatalf(codeEventPoll, "root not found within %d seconds", int(timeout.Seconds()))
	}

	// RootMounted: quiesce discovery, then insist on a consistent
	// module state before handing off.
	walker.Stop()
	listener.Stop()
	if ferr := waitForceModules(kmsg, forceWg); ferr != nil {
		return ferr
	}

	// Switching and Handoff.
	return switchRoot(kmsg, args, timer, rm.resumeDevice())
}

// waitForceModules blocks on the module-force completion token. A
// stuck token means a dependency cycle or a failed module load. After
// 30 seconds it warns; after another 30 it fails with codeForceModules
// rather than hang a boot that already has its root.
func waitForceModules(kmsg *kcon.KConsole, wg interface{ Wait() }) *fatalError {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		kmsg.Warnf("still waiting for forced modules; dependency cycle or failed load?")
	}
	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fatalf(codeForceModules, "forced modules did not finish loading")
	}
}

func unameRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", xerrors.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

// emergencyShell hands the console to a human. busybox first, toybox
// second; if neither exists the caller's exit makes the kernel panic,
// which at least leaves the log on screen.
func emergencyShell(kmsg *kcon.KConsole) {
	kmsg.Noticef("attempting emergency shell")
	err := unix.Exec("/bin/busybox", []string{"sh", "-I"}, os.Environ())
	if err == unix.ENOENT {
		err = unix.Exec("/bin/toybox", []string{"sh", "-I"}, os.Environ())
	}
	kmsg.Critf("unable to launch emergency shell: %v", err)
	unix.Sync()
}
