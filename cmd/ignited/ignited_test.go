package main

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFilesystems(t *testing.T) {
	const procFilesystems = `nodev	sysfs
nodev	tmpfs
nodev	proc
	ext3
	ext4
	vfat
nodev	fuse
	xfs
`
	got, err := parseFilesystems(strings.NewReader(procFilesystems))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ext3", "ext4", "vfat", "xfs"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseFilesystems: diff (-want +got):\n%s", diff)
	}
}

func deviceOfT(t *testing.T, path string) uint64 {
	t.Helper()
	fi, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	return uint64(fi.Sys().(*syscall.Stat_t).Dev)
}

func TestWipeRamfs(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"etc/ignited", "usr/lib/modules", "run"} {
		if err := os.MkdirAll(filepath.Join(dir, p), 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{"init", "etc/initrd-release", "usr/lib/modules/nvme.ko"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := wipeRamfs(dir, deviceOfT(t, dir)); err != nil {
		t.Fatalf("wipeRamfs: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("wipeRamfs left entries behind: %v", entries)
	}
}

// A subtree on a different device number is a mount point and must
// survive, as must its host directory.
func TestWipeRamfsSparesForeignDevices(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "system_root")
	if err := os.MkdirAll(filepath.Join(keep, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keep, "etc/os-release"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// Pretend the tree lives on some other device: nothing here may be
	// touched.
	if err := wipeRamfs(dir, deviceOfT(t, dir)+1); err != nil {
		t.Fatalf("wipeRamfs: %v", err)
	}
	if _, err := os.Stat(filepath.Join(keep, "etc/os-release")); err != nil {
		t.Errorf("foreign-device file was removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "init")); err != nil {
		t.Errorf("foreign-device file was removed: %v", err)
	}
}
