package page

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

const (
	HEADER_SIZE = 16 // Size of PageHeader struct: PageID(8) + Checksum(4) + Flags(2) + padding(2)
)

// Header flag bits. Dirty and pinned are runtime state owned by the buffer
// pool; they are masked out of the serialized form.
const (
	FlagDirty  uint16 = 1 << 0
	FlagPinned uint16 = 1 << 1

	runtimeFlags = FlagDirty | FlagPinned
)

// Page is block that read/write from disk
type Page struct {
	Header PageHeader
	Data   [util.PageSize - HEADER_SIZE]byte
}

type PageHeader struct {
	PageID   util.PageID // 8 bytes
	Checksum uint32      // 4 bytes
	Flags    uint16      // 2 bytes
	_        uint16      // 2 bytes (padding)
}

func (h *PageHeader) IsDirty() bool {
	return h.Flags&FlagDirty != 0
}

func (h *PageHeader) SetDirtyFlag() {
	h.Flags |= FlagDirty
}

func (h *PageHeader) ClearDirtyFlag() error {
	if !h.IsDirty() {
		return util.ErrPageNotDirty
	}
	h.Flags &^= FlagDirty
	return nil
}

func (h *PageHeader) IsPinned() bool {
	return h.Flags&FlagPinned != 0
}

func (h *PageHeader) SetPinnedFlag() {
	h.Flags |= FlagPinned
}

func (h *PageHeader) ClearPinnedFlag() error {
	if !h.IsPinned() {
		return util.ErrPageNotPinned
	}
	h.Flags &^= FlagPinned
	return nil
}

// Reset returns the page to its zero state for frame reuse.
func (p *Page) Reset() {
	p.Header = PageHeader{}
	clear(p.Data[:])
}

var zeroBlock [util.PageSize]byte

// Serialize packs the page into a byte slice for writing. The checksum is
// computed over the whole block with the checksum field zeroed, and recorded
// back into the header.
func (p *Page) Serialize() []byte {
	buf := make([]byte, util.PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.Header.PageID))
	binary.LittleEndian.PutUint16(buf[12:14], p.Header.Flags&^runtimeFlags)
	copy(buf[HEADER_SIZE:], p.Data[:])

	sum := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[8:12], sum)
	p.Header.Checksum = sum

	return buf
}

// Deserialize unpacks from bytes, validates checksum. An all-zero block (a
// never-written region of a grown file) is a valid zeroed page.
func Deserialize(data []byte) (*Page, error) {
	if len(data) != util.PageSize {
		return nil, util.ErrInvalidPageSize
	}

	stored := binary.LittleEndian.Uint32(data[8:12])
	crc := crc32.NewIEEE()
	crc.Write(data[0:8])
	crc.Write(zeroBlock[:4])
	crc.Write(data[12:])
	if sum := crc.Sum32(); sum != stored {
		if bytes.Equal(data, zeroBlock[:]) {
			return &Page{}, nil
		}
		return nil, util.ErrChecksumMismatch
	}

	p := &Page{
		Header: PageHeader{
			PageID:   util.PageID(binary.LittleEndian.Uint64(data[0:8])),
			Checksum: stored,
			Flags:    binary.LittleEndian.Uint16(data[12:14]),
		},
	}
	copy(p.Data[:], data[HEADER_SIZE:])
	return p, nil
}
