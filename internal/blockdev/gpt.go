package blockdev

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf16"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// gptHeader is the on-disk GPT header at LBA 1.
type gptHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC32    uint32
	Reserved       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesLBA     uint64
	EntryCount     uint32
	EntrySize      uint32
	EntriesCRC32   uint32
}

// gptEntry is one on-disk partition entry.
type gptEntry struct {
	TypeGUID [16]byte
	PartGUID [16]byte
	FirstLBA uint64
	LastLBA  uint64
	Attrs    uint64
	Name     [72]byte // UTF-16LE, NUL-padded
}

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// PartitionEntry is the decoded identity of one GPT partition.
type PartitionEntry struct {
	Number int // 1-based, matches the kernel's partition numbering
	UUID   uuid.UUID
	Type   uuid.UUID
	Name   string
}

// Table is the decoded partition table of one disk.
type Table struct {
	DiskGUID uuid.UUID
	Entries  []PartitionEntry
}

var errNoGPT = xerrors.New("no GPT signature")

// readGPT decodes the partition table from a whole-disk device. The
// header lives at LBA 1, whose byte offset depends on the logical
// sector size; both common sizes are tried.
func readGPT(r io.ReadSeeker) (*Table, error) {
	var lastErr error = errNoGPT
	for _, sectorSize := range []int64{512, 4096} {
		t, err := readGPTAt(r, sectorSize)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func readGPTAt(r io.ReadSeeker, sectorSize int64) (*Table, error) {
	if _, err := r.Seek(sectorSize, io.SeekStart); err != nil {
		return nil, err
	}
	var hdr gptHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Signature != gptSignature {
		return nil, errNoGPT
	}
	if hdr.EntrySize < 128 || hdr.EntrySize > 4096 || hdr.EntryCount > 1024 {
		return nil, xerrors.Errorf("implausible GPT geometry: %d entries of %d bytes", hdr.EntryCount, hdr.EntrySize)
	}

	t := &Table{DiskGUID: guidFromBytes(hdr.DiskGUID)}
	entry := make([]byte, hdr.EntrySize)
	for i := uint32(0); i < hdr.EntryCount; i++ {
		off := int64(hdr.EntriesLBA)*sectorSize + int64(i)*int64(hdr.EntrySize)
		if _, err := r.Seek(off, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil, err
		}
		var e gptEntry
		if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		if e.TypeGUID == ([16]byte{}) {
			continue // unused slot
		}
		t.Entries = append(t.Entries, PartitionEntry{
			Number: int(i) + 1,
			UUID:   guidFromBytes(e.PartGUID),
			Type:   guidFromBytes(e.TypeGUID),
			Name:   decodeUTF16LE(e.Name[:]),
		})
	}
	return t, nil
}

// guidFromBytes converts an on-disk EFI GUID to a uuid.UUID. The first
// three fields are stored little-endian, the rest big-endian.
func guidFromBytes(b [16]byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := uint16(b[i]) | uint16(b[i+1])<<8
		if c == 0 {
			break
		}
		u16 = append(u16, c)
	}
	return string(utf16.Decode(u16))
}
