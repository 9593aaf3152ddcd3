// Package vconsole applies the configured console font and keymap
// before the emergency shell or an interactive prompt could need them.
package vconsole

import (
	"encoding/binary"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/hugo-cuenca/ignited/internal/config"
	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// from linux/kd.h
const (
	kdskbmode = 0x4B45
	kdskbent  = 0x4B47
	kXlate    = 0x01
	kUnicode  = 0x03

	nrKeys       = 128
	maxNrKeymaps = 256
)

type kbEntry struct {
	table uint8
	index uint8
	value uint16
}

// Setup configures the virtual console according to the [console]
// section. Absent section, absent work.
func Setup(kmsg *kcon.KConsole, cfg *config.RuntimeConfig) error {
	c := cfg.Console
	if c == nil {
		return nil
	}
	if err := setFont(kmsg, c); err != nil {
		return err
	}
	return loadKeymap(kmsg, c)
}

// setFont shells out to setfont, which understands the psf zoo far
// better than we ever will.
func setFont(kmsg *kcon.KConsole, c *config.Console) error {
	if c.FontFile == "" {
		return nil
	}
	kmsg.Infof("loading font file %s", c.FontFile)

	args := []string{c.FontFile}
	if c.FontMapFile != "" {
		args = append(args, "-m", c.FontMapFile)
	}
	if c.FontUnicodeFile != "" {
		args = append(args, "-u", c.FontUnicodeFile)
	}
	if err := exec.Command("setfont", args...).Run(); err != nil {
		return xerrors.Errorf("unable to execute 'setfont': %w", err)
	}
	return nil
}

// loadKeymap sets the tty0 keyboard mode and translation tables from a
// busybox bkeymap file.
func loadKeymap(kmsg *kcon.KConsole, c *config.Console) error {
	if c.KeymapFile == "" {
		return nil
	}
	kmsg.Infof("loading keymap file %s", c.KeymapFile)

	vcon, err := os.OpenFile("/dev/tty0", os.O_RDWR, 0)
	if err != nil {
		return xerrors.Errorf("unable to open tty0: %w", err)
	}
	defer vcon.Close()

	mode := kXlate
	ctrl := "\033%@"
	if c.UTF {
		mode = kUnicode
		ctrl = "\033%G"
	}
	fd := int(vcon.Fd())
	if err := unix.IoctlSetInt(fd, kdskbmode, mode); err != nil {
		return xerrors.Errorf("unable to set keyboard mode: %w", err)
	}
	if _, err := vcon.WriteString(ctrl); err != nil {
		return xerrors.Errorf("unable to set terminal line settings: %w", err)
	}

	blob, err := os.ReadFile(c.KeymapFile)
	if err != nil {
		return xerrors.Errorf("unable to open %s: %w", c.KeymapFile, err)
	}
	return applyKeymap(fd, c.KeymapFile, blob)
}

func applyKeymap(fd int, path string, blob []byte) error {
	magic := []byte("bkeymap")
	if len(blob) < len(magic)+maxNrKeymaps || string(blob[:len(magic)]) != string(magic) {
		return xerrors.Errorf("unable to process keymap file at %s: invalid keymap", path)
	}
	blob = blob[len(magic):]

	pos := maxNrKeymaps
	for table := 0; table < maxNrKeymaps; table++ {
		if blob[table] != 1 {
			continue
		}
		for key := 0; key < nrKeys; key++ {
			if pos+2 > len(blob) {
				return xerrors.Errorf("unable to process keymap file at %s: truncated", path)
			}
			e := kbEntry{
				table: uint8(table),
				index: uint8(key),
				value: binary.LittleEndian.Uint16(blob[pos:]),
			}
			pos += 2
			if err := ioctlKdskbent(fd, &e); err != nil {
				return xerrors.Errorf("unable to change keymap: %w", err)
			}
		}
	}
	return nil
}

func ioctlKdskbent(fd int, e *kbEntry) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), kdskbent, uintptr(unsafe.Pointer(e)))
	if errno != 0 {
		return errno
	}
	return nil
}
