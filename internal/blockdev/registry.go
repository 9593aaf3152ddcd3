package blockdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// Device describes one block device known to the registry.
type Device struct {
	Name    string          // kernel name, e.g. nvme0n1p2
	Path    string          // device node under /dev
	Disk    string          // owning whole-disk name; equals Name for disks
	PartNum int             // 0 for whole disks
	GPT     *PartitionEntry // nil when the owning disk carries no GPT
}

// Registry is the lookup map of block devices seen so far, fed both by
// live uevents and by the startup sysfs walk. A device name is probed
// at most once no matter how many times it is announced.
type Registry struct {
	kmsg *kcon.KConsole

	sysRoot string
	devRoot string

	mu      sync.Mutex
	devices map[string]*Device
	tables  map[string]*Table // GPT per disk; nil entry = probed, absent
}

// NewRegistry returns an empty registry probing the live system.
func NewRegistry(kmsg *kcon.KConsole) *Registry {
	return &Registry{
		kmsg:    kmsg,
		sysRoot: "/sys",
		devRoot: "/dev",
		devices: make(map[string]*Device),
		tables:  make(map[string]*Table),
	}
}

// Add records a newly announced block device and returns its probed
// identity. The second return is false when the device was already
// known; the stale *Device is still returned.
func (r *Registry) Add(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[name]; ok {
		return dev, false
	}

	dev := &Device{
		Name: name,
		Path: filepath.Join(r.devRoot, name),
		Disk: name,
	}
	if num, disk, err := r.partitionOf(name); err == nil {
		dev.PartNum = num
		dev.Disk = disk
	}
	table := r.tableLocked(dev.Disk)
	if table != nil && dev.PartNum > 0 {
		for i := range table.Entries {
			if table.Entries[i].Number == dev.PartNum {
				dev.GPT = &table.Entries[i]
				break
			}
		}
	}
	r.devices[name] = dev
	r.kmsg.Debugf("block device %s registered (disk %s, partition %d)", name, dev.Disk, dev.PartNum)
	return dev, true
}

// Resolve turns src into an absolute device node path, consulting every
// device known so far.
func (r *Registry) Resolve(src Source) (string, error) {
	r.mu.Lock()
	devs := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	r.mu.Unlock()
	for _, d := range devs {
		if src.Match(d, r) {
			return d.Path, nil
		}
	}
	return "", &ErrPartitionNotFound{Source: src}
}

// ErrPartitionNotFound reports that no known block device satisfies a
// partition source.
type ErrPartitionNotFound struct {
	Source Source
}

func (e *ErrPartitionNotFound) Error() string {
	return fmt.Sprintf("partition not found: %s", e.Source)
}

// entries returns the GPT entries of a disk, probing it if necessary.
func (r *Registry) entries(disk string) []PartitionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.tableLocked(disk); t != nil {
		return t.Entries
	}
	return nil
}

func (r *Registry) tableLocked(disk string) *Table {
	if t, ok := r.tables[disk]; ok {
		return t
	}
	t, err := r.probeGPT(disk)
	if err != nil {
		r.kmsg.Debugf("no GPT on %s: %v", disk, err)
		t = nil
	}
	r.tables[disk] = t
	return t
}

func (r *Registry) probeGPT(disk string) (*Table, error) {
	f, err := os.Open(filepath.Join(r.devRoot, disk))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readGPT(f)
}

// partitionOf reads the partition number and owning disk of name from
// sysfs. Partition device directories are nested under their disk.
func (r *Registry) partitionOf(name string) (int, string, error) {
	class := filepath.Join(r.sysRoot, "class/block", name)
	b, err := os.ReadFile(filepath.Join(class, "partition"))
	if err != nil {
		return 0, "", err
	}
	num, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, "", err
	}
	resolved, err := filepath.EvalSymlinks(class)
	if err != nil {
		return 0, "", err
	}
	return num, filepath.Base(filepath.Dir(resolved)), nil
}

// symlinkTarget resolves a /dev/disk/by-*/<name> symlink to the kernel
// name of the device it points at, or "" when the link does not exist.
// These links only exist when something outside the initramfs
// maintains them; GPT-scoped sources do not depend on them.
func (r *Registry) symlinkTarget(kind, name string) string {
	resolved, err := filepath.EvalSymlinks(filepath.Join(r.devRoot, "disk", kind, name))
	if err != nil {
		return ""
	}
	return filepath.Base(resolved)
}
