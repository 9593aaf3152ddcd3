package mounts

import (
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// MoveMounts relocates the pseudo filesystems mounted by the early
// boot under SystemRootDir. A path that is not currently a mount point
// is skipped; a path whose counterpart does not exist under the new
// root is lazily detached instead of moved.
func MoveMounts(kmsg *kcon.KConsole, paths []string) error {
	mounted := make(map[string]bool, len(paths))
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return xerrors.Errorf("unable to read mount table: %w", err)
	}
	for _, mi := range infos {
		mounted[mi.Mountpoint] = true
	}

	for _, path := range paths {
		if !mounted[path] {
			kmsg.Debugf("%s is not mounted, skipping", path)
			continue
		}
		target := filepath.Join(SystemRootDir, path)
		if _, err := os.Stat(target); err != nil {
			kmsg.Debugf("%s does not exist under %s, detaching %s", target, SystemRootDir, path)
			if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
				return xerrors.Errorf("unable to detach %s: %w", path, err)
			}
			continue
		}
		if err := unix.Mount(path, target, "", unix.MS_MOVE, ""); err != nil {
			return xerrors.Errorf("unable to move %s to %s: %w", path, target, err)
		}
	}
	return nil
}

// MoveMountCurrdir makes the current directory the root mount. Called
// with the new root as the working directory, before the chroot into
// it; see the switch_root sequence in cmd/ignited.
func MoveMountCurrdir() error {
	if err := unix.Mount(".", "/", "", unix.MS_MOVE, ""); err != nil {
		return xerrors.Errorf("mount . /: %w", err)
	}
	return nil
}

// RootFstype returns the filesystem type the kernel reports for "/".
func RootFstype() (string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter("/"))
	if err != nil {
		return "", xerrors.Errorf("unable to read mount table: %w", err)
	}
	if len(infos) == 0 {
		return "", xerrors.New("no mount table entry for /")
	}
	return infos[0].FSType, nil
}
