package blockdev

import (
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Root partition type GUIDs from the Discoverable Partitions
// Specification, keyed by Go architecture of the running kernel.
var rootTypeByArch = map[string]uuid.UUID{
	"amd64": uuid.MustParse("4f68bce3-e8cd-4db1-96e7-fbcaf984b709"),
	"386":   uuid.MustParse("44479540-f297-41b2-9af7-d131d5f0458a"),
	"arm":   uuid.MustParse("69dad710-2ce4-4e3c-b16c-21a1d49abed3"),
	"arm64": uuid.MustParse("b921b045-1df0-41c3-af44-4c6f280d3fae"),
}

// AutodiscoverRoot builds the root source used when the command line
// carries no root= parameter: the partition with the arch-specific root
// type GUID on the disk the boot loader ran from.
func AutodiscoverRoot() (Source, error) {
	return autodiscoverRoot(runtime.GOARCH, ReadLoaderDevicePartUUID)
}

func autodiscoverRoot(goarch string, loaderPart func() (uuid.UUID, error)) (Source, error) {
	typ, ok := rootTypeByArch[goarch]
	if !ok {
		return nil, xerrors.Errorf("no root partition type GUID known for %s", goarch)
	}
	esp, err := loaderPart()
	if err != nil {
		return nil, err
	}
	return SourcePartType{Type: typ, LoaderPart: esp}, nil
}
