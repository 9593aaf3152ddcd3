package blockdev

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// fakeSystem lays out a miniature /sys and /dev: one GPT disk "vda"
// with two partitions, the second being the root.
func fakeSystem(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	sys := filepath.Join(root, "sys")
	dev := filepath.Join(root, "dev")

	diskDir := filepath.Join(sys, "devices/pci0000:00/virtio0/block/vda")
	for _, d := range []string{
		filepath.Join(diskDir, "vda1"),
		filepath.Join(diskDir, "vda2"),
		filepath.Join(sys, "class/block"),
		dev,
	} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for name, target := range map[string]string{
		"vda":  diskDir,
		"vda1": filepath.Join(diskDir, "vda1"),
		"vda2": filepath.Join(diskDir, "vda2"),
	} {
		if err := os.Symlink(target, filepath.Join(sys, "class/block", name)); err != nil {
			t.Fatal(err)
		}
	}
	for name, num := range map[string]string{"vda1": "1\n", "vda2": "2\n"} {
		if err := os.WriteFile(filepath.Join(diskDir, name, "partition"), []byte(num), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.WriteFile(filepath.Join(dev, "vda"), testImage(t), 0644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"vda1", "vda2"} {
		if err := os.WriteFile(filepath.Join(dev, p), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	return &Registry{
		kmsg:    kcon.NewWriter(io.Discard),
		sysRoot: sys,
		devRoot: dev,
		devices: make(map[string]*Device),
		tables:  make(map[string]*Table),
	}
}

func addAll(t *testing.T, r *Registry) {
	t.Helper()
	for _, name := range []string{"vda", "vda1", "vda2"} {
		if _, fresh := r.Add(name); !fresh {
			t.Fatalf("Add(%q) reported duplicate on first sight", name)
		}
	}
}

func TestRegistryProbesPartitions(t *testing.T) {
	r := fakeSystem(t)
	addAll(t, r)

	dev, fresh := r.Add("vda2")
	if fresh {
		t.Error("Add(vda2) reported fresh on second sight")
	}
	if dev.Disk != "vda" || dev.PartNum != 2 {
		t.Errorf("vda2 probed as disk=%s part=%d, want disk=vda part=2", dev.Disk, dev.PartNum)
	}
	if dev.GPT == nil || dev.GPT.UUID != testRootGUID {
		t.Errorf("vda2 GPT identity = %+v, want part GUID %s", dev.GPT, testRootGUID)
	}
}

func TestResolve(t *testing.T) {
	r := fakeSystem(t)
	addAll(t, r)

	for _, tt := range []struct {
		src  Source
		want string
	}{
		{SourcePartUUID{UUID: testRootGUID}, "vda2"},
		{SourcePartLabel{Label: "root"}, "vda2"},
		{SourcePartUUIDPartNrOff{UUID: testESPGUID, Off: 1}, "vda2"},
		{SourcePartType{Type: testRootType, LoaderPart: testESPGUID}, "vda2"},
		{SourceRawDevice{Path: filepath.Join(r.devRoot, "vda1")}, "vda1"},
	} {
		got, err := r.Resolve(tt.src)
		if err != nil {
			t.Errorf("Resolve(%v): %v", tt.src, err)
			continue
		}
		if want := filepath.Join(r.devRoot, tt.want); got != want {
			t.Errorf("Resolve(%v) = %q, want %q", tt.src, got, want)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	r := fakeSystem(t)
	addAll(t, r)

	src := SourcePartLabel{Label: "no-such-label"}
	_, err := r.Resolve(src)
	if err == nil {
		t.Fatal("Resolve unexpectedly succeeded")
	}
	if _, ok := err.(*ErrPartitionNotFound); !ok {
		t.Errorf("Resolve error = %T, want *ErrPartitionNotFound", err)
	}
}

// The type source must not match a partition with the right type GUID
// when the loader partition lives on a different disk.
func TestPartTypeScopedToLoaderDisk(t *testing.T) {
	r := fakeSystem(t)
	addAll(t, r)

	src := SourcePartType{
		Type:       testRootType,
		LoaderPart: testDiskGUID, // not a partition GUID on vda
	}
	if _, err := r.Resolve(src); err == nil {
		t.Error("Resolve matched a root partition on a foreign disk")
	}
}
