package main

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hugo-cuenca/ignited/internal/boottime"
	"github.com/hugo-cuenca/ignited/internal/cmdline"
	"github.com/hugo-cuenca/ignited/internal/config"
	"github.com/hugo-cuenca/ignited/internal/kcon"
	"github.com/hugo-cuenca/ignited/internal/mounts"
)

// switchRoot performs the pivot: relocate the pseudo-fs mounts, wipe
// the ramfs, make /system_root the root and exec the target init.
//
// There is a great explanation of the chdir/mount/chroot dance at
// https://github.com/mirror/busybox/blob/9ec836c033fc6e55e80f3309b3e05acdf09bb297/util-linux/switch_root.c#L297
func switchRoot(kmsg *kcon.KConsole, args *cmdline.Args, timer *boottime.Timer, resumeDev string) *fatalError {
	oldDev, ferr := pivotSanity()
	if ferr != nil {
		return ferr
	}

	if err := mounts.MoveMounts(kmsg, []string{"/dev", "/proc", "/sys", "/run"}); err != nil {
		return &fatalError{code: codePivotDir, err: err}
	}

	// The initramfs pins RAM until its inodes are gone. Everything on
	// the old root device is removed; the new root sits on a different
	// device and the walk never crosses into it.
	if err := wipeRamfs("/", oldDev); err != nil {
		return fatalf(codePivotDir, "unable to clean up initramfs: %w", err)
	}

	if err := os.Chdir(mounts.SystemRootDir); err != nil {
		return fatalf(codePivotDir, "unable to enter %s: %w", mounts.SystemRootDir, err)
	}
	if err := mounts.MoveMountCurrdir(); err != nil {
		return &fatalError{code: codePivotDir, err: err}
	}
	if err := unix.Chroot("."); err != nil {
		return fatalf(codePivotDir, "chroot .: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fatalf(codePivotDir, "chdir /: %w", err)
	}

	return handoff(kmsg, args.Init, timer, resumeDev)
}

// pivotSanity refuses to wipe anything unless this is unmistakably an
// initramfs: PID 1, a ramfs/tmpfs root, and the marker files all on
// the old root device. Returns that device number.
func pivotSanity() (uint64, *fatalError) {
	if os.Getpid() != 1 {
		return 0, fatalf(codeSanity, "not PID 1, refusing to pivot")
	}
	fstype, err := mounts.RootFstype()
	if err != nil {
		return 0, &fatalError{code: codeSanity, err: err}
	}
	if fstype != "ramfs" && fstype != "tmpfs" {
		return 0, fatalf(codeSanity, "old root is %s, not ramfs/tmpfs, refusing to pivot", fstype)
	}
	oldDev, err := deviceOf("/")
	if err != nil {
		return 0, &fatalError{code: codeSanity, err: err}
	}
	for _, marker := range []string{initrdRelease, config.Path, "/init"} {
		dev, err := deviceOf(marker)
		if err != nil {
			return 0, fatalf(codeSanity, "pivot sanity: %s: %w", marker, err)
		}
		if dev != oldDev {
			return 0, fatalf(codeSanity, "pivot sanity: %s is not on the initramfs", marker)
		}
	}
	return oldDev, nil
}

func deviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

// wipeRamfs removes every inode under dir living on dev. Mount points
// carry a different device number and are left alone, subtrees and
// all.
func wipeRamfs(dir string, dev uint64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		fi, err := os.Lstat(path)
		if err != nil {
			continue // raced with removal, nothing to keep
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok || uint64(st.Dev) != dev {
			continue
		}
		if fi.IsDir() {
			if err := wipeRamfs(path, dev); err != nil {
				return err
			}
			// A directory still hosting a foreign-device entry (a
			// mount point) will refuse; that is fine.
			os.Remove(path)
			continue
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// handoff execs the target init. For a systemd target the boot timer
// rides along in an inherited memfd.
func handoff(kmsg *kcon.KConsole, init string, timer *boottime.Timer, resumeDev string) *fatalError {
	env := os.Environ()
	if resumeDev != "" {
		env = append(env, "IGNITED_RESUME="+resumeDev)
	}
	if boottime.InitIsSystemd(init) {
		state, err := timer.StateMemfd()
		if err != nil {
			// Degrades systemd's boot analytics only.
			kmsg.Warnf("%v", err)
		} else {
			defer state.Close() // only reached if execve fails
		}
	}
	kmsg.Infof("switching to %s", init)
	err := unix.Exec(init, []string{init}, env)
	return fatalf(codeExecve, "unable to execute %s: %w", init, err)
}
