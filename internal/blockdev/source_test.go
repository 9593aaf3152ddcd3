package blockdev

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestParseSource(t *testing.T) {
	e0 := uuid.MustParse("e0805d9f-8660-431d-9cfd-134161a9f1c1")
	for _, tt := range []struct {
		in   string
		want Source
	}{
		{"UUID=e0805d9f-8660-431d-9cfd-134161a9f1c1", SourceUUID{UUID: e0}},
		{`UUID="e0805d9f-8660-431d-9cfd-134161a9f1c1"`, SourceUUID{UUID: e0}},
		{"/dev/disk/by-uuid/e0805d9f-8660-431d-9cfd-134161a9f1c1", SourceUUID{UUID: e0}},
		{"LABEL=rootfs", SourceLabel{Label: "rootfs"}},
		{"/dev/disk/by-label/rootfs", SourceLabel{Label: "rootfs"}},
		{"PARTUUID=e0805d9f-8660-431d-9cfd-134161a9f1c1", SourcePartUUID{UUID: e0}},
		{`PARTUUID="e0805d9f-8660-431d-9cfd-134161a9f1c1"`, SourcePartUUID{UUID: e0}},
		{"/dev/disk/by-partuuid/e0805d9f-8660-431d-9cfd-134161a9f1c1", SourcePartUUID{UUID: e0}},
		{
			"PARTUUID=e0805d9f-8660-431d-9cfd-134161a9f1c1/PARTNROFF=2",
			SourcePartUUIDPartNrOff{UUID: e0, Off: 2},
		},
		{
			"PARTUUID=e0805d9f-8660-431d-9cfd-134161a9f1c1/PARTNROFF=-1",
			SourcePartUUIDPartNrOff{UUID: e0, Off: -1},
		},
		{"PARTLABEL=System", SourcePartLabel{Label: "System"}},
		{"/dev/disk/by-partlabel/System", SourcePartLabel{Label: "System"}},
		{"/dev/nvme0n1p2", SourceRawDevice{Path: "/dev/nvme0n1p2"}},
		{"/dev/mapper/root", SourceRawDevice{Path: "/dev/mapper/root"}},
	} {
		got := ParseSource(tt.in)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseSource(%q): diff (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseSourceRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"sda1",
		"UUID=not-a-uuid",
		"UUID=",
		"PARTUUID=xyz",
		"PARTUUID=e0805d9f-8660-431d-9cfd-134161a9f1c1/PARTNROFF=two",
		"ZFS=tank/root",
	} {
		if got := ParseSource(in); got != nil {
			t.Errorf("ParseSource(%q) = %v, want nil", in, got)
		}
	}
}

// Parsing the canonical rendering of a source yields the source again.
func TestParseSourceRoundTrip(t *testing.T) {
	e0 := uuid.MustParse("e0805d9f-8660-431d-9cfd-134161a9f1c1")
	for _, src := range []Source{
		SourceUUID{UUID: e0},
		SourceLabel{Label: "rootfs"},
		SourcePartUUID{UUID: e0},
		SourcePartUUIDPartNrOff{UUID: e0, Off: 3},
		SourcePartLabel{Label: "System"},
		SourceRawDevice{Path: "/dev/sda2"},
	} {
		got := ParseSource(src.String())
		if diff := cmp.Diff(src, got); diff != "" {
			t.Errorf("round trip of %v: diff (-want +got):\n%s", src, diff)
		}
	}
}
