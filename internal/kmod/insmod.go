package kmod

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// insertModule hands one module blob to the kernel. Plain blobs go
// through finit_module on the open fd; zstd-compressed blobs are
// decompressed to memory and go through init_module, since the kernel
// cannot read the frame format itself.
func (l *Loader) insertModule(module, params string) error {
	if strings.ContainsRune(params, 0) {
		return xerrors.Errorf("module parameters for %s contain NUL", module)
	}

	path := filepath.Join(l.modulesDir, module+".ko")
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := unix.FinitModule(int(f.Fd()), params, 0); err != nil && !benignInsmodErrno(err) {
			return xerrors.Errorf("FinitModule(%s): %w", module, err)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return xerrors.Errorf("unable to open %s: %w", path, err)
	}

	blob, zerr := readZstdModule(path + ".zst")
	if zerr != nil {
		if os.IsNotExist(zerr) {
			return xerrors.Errorf("unable to open %s: %w", path, err)
		}
		return zerr
	}
	if err := unix.InitModule(blob, params); err != nil && !benignInsmodErrno(err) {
		return xerrors.Errorf("InitModule(%s): %w", module, err)
	}
	return nil
}

func readZstdModule(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, xerrors.Errorf("unable to decompress %s: %w", path, err)
	}
	defer dec.Close()
	blob, err := io.ReadAll(dec)
	if err != nil {
		return nil, xerrors.Errorf("unable to decompress %s: %w", path, err)
	}
	return blob, nil
}

// benignInsmodErrno filters the return codes that mean "the module is
// already there" rather than a real failure: a concurrent loader, the
// kernel itself, or a builtin can all win the race.
func benignInsmodErrno(err error) bool {
	return err == unix.EEXIST || err == unix.EBUSY
}
