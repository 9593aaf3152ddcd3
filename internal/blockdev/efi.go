package blockdev

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// efivarsDir is where the kernel exposes EFI variables once efivarfs is
// mounted.
const efivarsDir = "/sys/firmware/efi/efivars"

// loaderDevicePartUUIDVar is the systemd Boot Loader Interface variable
// carrying the partition GUID of the partition the loader ran from.
const loaderDevicePartUUIDVar = "LoaderDevicePartUUID-4a67b082-0a4c-41cf-b6c7-440b29bb8c4f"

// ReadLoaderDevicePartUUID reads the boot loader's partition GUID from
// efivarfs. It fails on systems booted without a Boot Loader
// Interface-compliant loader.
func ReadLoaderDevicePartUUID() (uuid.UUID, error) {
	return readLoaderDevicePartUUID(efivarsDir)
}

func readLoaderDevicePartUUID(dir string) (uuid.UUID, error) {
	b, err := os.ReadFile(filepath.Join(dir, loaderDevicePartUUIDVar))
	if err != nil {
		return uuid.UUID{}, xerrors.Errorf("error while reading EFI variable: %w", err)
	}
	// The first 4 bytes are the variable attribute word; the payload is
	// a UTF-16LE string holding the GUID.
	if len(b) < 4 {
		return uuid.UUID{}, xerrors.New("error while reading EFI variable: short read")
	}
	s := decodeUTF16LE(b[4:])
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, xerrors.Errorf("error while reading EFI variable: invalid UUID %q", s)
	}
	return id, nil
}
