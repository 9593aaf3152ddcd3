// Package blockdev identifies block devices and resolves root= and
// resume= specifications to device nodes. Identification is driven by
// the GPT partition table and by-* symlinks only; filesystem
// superblocks are never parsed.
package blockdev

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Source is a parsed root=/resume= specification. Each variant carries
// exactly the data its resolution strategy needs.
type Source interface {
	fmt.Stringer

	// Match reports whether dev satisfies this source. reg provides
	// sibling partition entries for the variants that need to look
	// beyond the device itself.
	Match(dev *Device, reg *Registry) bool
}

// SourceUUID matches by filesystem UUID through /dev/disk/by-uuid.
type SourceUUID struct {
	UUID uuid.UUID
}

func (s SourceUUID) String() string { return "UUID=" + s.UUID.String() }

func (s SourceUUID) Match(dev *Device, reg *Registry) bool {
	return reg.symlinkTarget("by-uuid", s.UUID.String()) == dev.Name
}

// SourceLabel matches by filesystem label through /dev/disk/by-label.
type SourceLabel struct {
	Label string
}

func (s SourceLabel) String() string { return "LABEL=" + s.Label }

func (s SourceLabel) Match(dev *Device, reg *Registry) bool {
	return reg.symlinkTarget("by-label", s.Label) == dev.Name
}

// SourcePartUUID matches by GPT unique partition GUID.
type SourcePartUUID struct {
	UUID uuid.UUID
}

func (s SourcePartUUID) String() string { return "PARTUUID=" + s.UUID.String() }

func (s SourcePartUUID) Match(dev *Device, reg *Registry) bool {
	return dev.GPT != nil && dev.GPT.UUID == s.UUID
}

// SourcePartUUIDPartNrOff matches the partition whose number is at a
// fixed offset from the partition with the given GUID, on the same
// disk.
type SourcePartUUIDPartNrOff struct {
	UUID uuid.UUID
	Off  int64
}

func (s SourcePartUUIDPartNrOff) String() string {
	return fmt.Sprintf("PARTUUID=%s/PARTNROFF=%d", s.UUID, s.Off)
}

func (s SourcePartUUIDPartNrOff) Match(dev *Device, reg *Registry) bool {
	if dev.GPT == nil {
		return false
	}
	for _, e := range reg.entries(dev.Disk) {
		if e.UUID == s.UUID {
			return int64(dev.GPT.Number) == int64(e.Number)+s.Off
		}
	}
	return false
}

// SourcePartType matches by GPT partition type GUID, scoped to the
// disk the boot loader read the kernel from (identified by the loader
// partition's unique GUID). Produced by GPT autodiscovery.
type SourcePartType struct {
	Type       uuid.UUID
	LoaderPart uuid.UUID
}

func (s SourcePartType) String() string {
	return fmt.Sprintf("PARTTYPE=%s on disk of PARTUUID=%s", s.Type, s.LoaderPart)
}

func (s SourcePartType) Match(dev *Device, reg *Registry) bool {
	if dev.GPT == nil || dev.GPT.Type != s.Type {
		return false
	}
	for _, e := range reg.entries(dev.Disk) {
		if e.UUID == s.LoaderPart {
			return true
		}
	}
	return false
}

// SourcePartLabel matches by GPT partition name.
type SourcePartLabel struct {
	Label string
}

func (s SourcePartLabel) String() string { return "PARTLABEL=" + s.Label }

func (s SourcePartLabel) Match(dev *Device, reg *Registry) bool {
	return dev.GPT != nil && dev.GPT.Name == s.Label
}

// SourceRawDevice matches a literal device node path.
type SourceRawDevice struct {
	Path string
}

func (s SourceRawDevice) String() string { return s.Path }

func (s SourceRawDevice) Match(dev *Device, reg *Registry) bool {
	return s.Path == dev.Path
}

// ParseSource interprets a root=/resume= value. It returns nil unless
// the value matches one of the recognized prefixes; first match wins.
func ParseSource(v string) Source {
	if u, ok := cutAnyPrefix(v, "UUID=", "/dev/disk/by-uuid/"); ok {
		if id, ok := parseUUID(u); ok {
			return SourceUUID{UUID: id}
		}
		return nil
	}
	if l, ok := cutAnyPrefix(v, "LABEL=", "/dev/disk/by-label/"); ok {
		return SourceLabel{Label: l}
	}
	if pu, ok := strings.CutPrefix(v, "PARTUUID="); ok {
		return parsePartUUID(pu)
	}
	if pu, ok := strings.CutPrefix(v, "/dev/disk/by-partuuid/"); ok {
		if id, ok := parseUUID(pu); ok {
			return SourcePartUUID{UUID: id}
		}
		return nil
	}
	if pl, ok := cutAnyPrefix(v, "PARTLABEL=", "/dev/disk/by-partlabel/"); ok {
		return SourcePartLabel{Label: pl}
	}
	if strings.HasPrefix(v, "/dev/") {
		return SourceRawDevice{Path: v}
	}
	return nil
}

// parsePartUUID handles the optional /PARTNROFF=<i64> suffix.
func parsePartUUID(v string) Source {
	if pu, off, found := strings.Cut(v, "/PARTNROFF="); found {
		id, ok := parseUUID(pu)
		if !ok {
			return nil
		}
		n, err := strconv.ParseInt(off, 10, 64)
		if err != nil {
			return nil
		}
		return SourcePartUUIDPartNrOff{UUID: id, Off: n}
	}
	if id, ok := parseUUID(v); ok {
		return SourcePartUUID{UUID: id}
	}
	return nil
}

func cutAnyPrefix(v string, prefixes ...string) (string, bool) {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(v, p); ok {
			return rest, true
		}
	}
	return "", false
}

// parseUUID accepts an optionally double-quoted UUID; quotes are only
// stripped when they appear on both ends.
func parseUUID(s string) (uuid.UUID, bool) {
	if inner, ok := strings.CutPrefix(s, `"`); ok {
		if inner, ok := strings.CutSuffix(inner, `"`); ok {
			s = inner
		}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
