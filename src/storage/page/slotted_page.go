package page

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/Blackdeer1524/rawstore/src/pkg/assert"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

// Page image layout
//
//	[0:8)   xxhash64 of [8:size)
//	[8:16)  LSN of the last applied change
//	[16]    page type
//	[17]    format version
//	[18:20) slot count
//	[20:24) next record id
//	[24:28) page size
//	[28:36) page number
//	[36:38) bytes held for rolling back purges
//	[38:48) reserved
//	slot directory, slotEntrySize bytes per slot, growing up
//	record space, growing down from the end of the page
const (
	headerSize    = 48
	slotEntrySize = 24
	formatVersion = 1

	// SlotEntrySize is the directory overhead of every record.
	SlotEntrySize = slotEntrySize

	MinPageSize     = 1024
	MaxPageSize     = 32768
	DefaultPageSize = 4096

	// MinHeadSize is the smallest portion of a record kept on its home
	// page when the remainder goes to overflow pages.
	MinHeadSize = 16
)

type Type uint8

const (
	TypeUnformatted Type = iota
	TypeHeader
	TypeAlloc
	TypeData
	TypeOverflow
)

func (t Type) String() string {
	switch t {
	case TypeUnformatted:
		return "unformatted"
	case TypeHeader:
		return "header"
	case TypeAlloc:
		return "alloc"
	case TypeData:
		return "data"
	case TypeOverflow:
		return "overflow"
	}
	return "unknown"
}

// Pointer references a record portion on another page of the same
// container. Page 0 is always the container header, so a zero page number
// means "no pointer".
type Pointer struct {
	PageNum  uint64
	RecordID common.RecordID
}

func (p Pointer) IsNil() bool {
	return p.PageNum == 0
}

type Slot struct {
	RecordID common.RecordID
	Deleted  bool
	// Space is the number of bytes reserved for the record on the page,
	// it is never smaller than len(Data).
	Space    uint16
	Data     []byte
	Overflow Pointer
}

const (
	slotFlagDeleted uint8 = 1 << iota
)

type SlottedPage struct {
	latch sync.RWMutex
	dirty atomic.Bool

	ident        common.PageIdentity
	size         int
	typ          Type
	lsn          common.LSN
	nextRecordID common.RecordID

	slots []Slot
	used  int
	// held bytes are free but kept for putting purged records back
	held int
}

func New(ident common.PageIdentity, size int) *SlottedPage {
	assert.Assert(
		size >= MinPageSize && size <= MaxPageSize,
		"invalid page size %d",
		size,
	)

	return &SlottedPage{
		ident: ident,
		size:  size,
		typ:   TypeUnformatted,
	}
}

// Format drops every slot and turns the page into an empty page of the
// given type.
func (p *SlottedPage) Format(typ Type, nextRecordID common.RecordID) {
	if nextRecordID < common.FirstRecordID {
		nextRecordID = common.FirstRecordID
	}

	p.typ = typ
	p.nextRecordID = nextRecordID
	p.slots = nil
	p.used = 0
	p.held = 0
}

func (p *SlottedPage) Ident() common.PageIdentity {
	return p.ident
}

func (p *SlottedPage) PageNum() uint64 {
	return p.ident.PageNum
}

func (p *SlottedPage) Size() int {
	return p.size
}

func (p *SlottedPage) Type() Type {
	return p.typ
}

func (p *SlottedPage) LSN() common.LSN {
	return p.lsn
}

func (p *SlottedPage) SetLSN(lsn common.LSN) {
	p.lsn = lsn
}

func (p *SlottedPage) NextRecordID() common.RecordID {
	return p.nextRecordID
}

func (p *SlottedPage) NumSlots() int {
	return len(p.slots)
}

func (p *SlottedPage) NonDeletedCount() int {
	n := 0
	for i := range p.slots {
		if !p.slots[i].Deleted {
			n++
		}
	}
	return n
}

// FreeSpace is the number of bytes available for new slot entries and
// record space. Held bytes do not count.
func (p *SlottedPage) FreeSpace() int {
	return p.unused() - p.held
}

func (p *SlottedPage) unused() int {
	return p.size - headerSize - p.used
}

// Held is the number of free bytes kept for rolling back purges.
func (p *SlottedPage) Held() int {
	return p.held
}

// Hold keeps n more free bytes out of FreeSpace.
func (p *SlottedPage) Hold(n int) {
	p.held += n
}

// Release gives back up to n held bytes.
func (p *SlottedPage) Release(n int) {
	p.held = max(p.held-n, 0)
}

// RestoreSpace is the room available for putting purged records back,
// held bytes included.
func (p *SlottedPage) RestoreSpace() int {
	return p.unused()
}

// MaxRecordSpace is the largest record an empty page can hold.
func (p *SlottedPage) MaxRecordSpace() int {
	return MaxRecordSpace(p.size)
}

func MaxRecordSpace(pageSize int) int {
	return pageSize - headerSize - slotEntrySize
}

// CanInsert reports whether a record taking space bytes fits while leaving
// reserved bytes free. The reservation is ignored on an empty page.
func (p *SlottedPage) CanInsert(space int, reserved int) bool {
	need := slotEntrySize + space
	if len(p.slots) == 0 {
		return need <= p.FreeSpace()
	}
	return p.FreeSpace()-need >= reserved
}

// InsertSpace is the largest record space an insert may take right now
// while leaving reserved bytes free.
func (p *SlottedPage) InsertSpace(reserved int) int {
	avail := p.FreeSpace() - slotEntrySize
	if len(p.slots) > 0 {
		avail -= reserved
	}
	return max(avail, 0)
}

func (p *SlottedPage) assertSlot(slot int) {
	assert.Assert(
		slot >= 0 && slot < len(p.slots),
		"slot number is out of range. actual: %d. slots count: %d",
		slot,
		len(p.slots),
	)
}

// Slot returns a copy of the slot entry.
func (p *SlottedPage) Slot(slot int) Slot {
	p.assertSlot(slot)
	s := p.slots[slot]
	s.Data = bytes.Clone(s.Data)
	return s
}

func (p *SlottedPage) FindRecord(id common.RecordID) (int, bool) {
	for i := range p.slots {
		if p.slots[i].RecordID == id {
			return i, true
		}
	}
	return -1, false
}

// InsertAt places s at position slot, shifting later slots up by one. It
// may use held bytes, callers check FreeSpace first.
func (p *SlottedPage) InsertAt(slot int, s Slot) error {
	assert.Assert(
		slot >= 0 && slot <= len(p.slots),
		"insert position %d is out of range [0, %d]",
		slot,
		len(p.slots),
	)
	assert.Assert(s.RecordID >= common.FirstRecordID, "invalid record id %d", s.RecordID)

	if int(s.Space) < len(s.Data) {
		s.Space = uint16(len(s.Data)) //nolint:gosec
	}

	need := slotEntrySize + int(s.Space)
	if need > p.unused() {
		return rawerr.NoSpace(
			"page %s: need %d bytes, have %d",
			p.ident,
			need,
			p.unused(),
		)
	}

	s.Data = bytes.Clone(s.Data)
	p.slots = slices.Insert(p.slots, slot, s)
	p.used += need

	if s.RecordID >= p.nextRecordID {
		p.nextRecordID = s.RecordID + 1
	}

	return nil
}

func (p *SlottedPage) SetDeleted(slot int, deleted bool) {
	p.assertSlot(slot)
	p.slots[slot].Deleted = deleted
}

// Replace swaps the record bytes and overflow pointer of a slot. The
// reserved space only ever grows. Like InsertAt it may use held bytes.
func (p *SlottedPage) Replace(slot int, data []byte, overflow Pointer) error {
	p.assertSlot(slot)

	s := &p.slots[slot]
	newSpace := max(int(s.Space), len(data))
	growth := newSpace - int(s.Space)
	if growth > p.unused() {
		return rawerr.NoSpace(
			"page %s: record %d needs %d more bytes, have %d",
			p.ident,
			s.RecordID,
			growth,
			p.unused(),
		)
	}

	s.Data = bytes.Clone(data)
	s.Space = uint16(newSpace) //nolint:gosec
	s.Overflow = overflow
	p.used += growth

	return nil
}

// Remove physically removes the slot, later slots shift down by one.
func (p *SlottedPage) Remove(slot int) Slot {
	p.assertSlot(slot)

	s := p.slots[slot]
	p.slots = slices.Delete(p.slots, slot, slot+1)
	p.used -= slotEntrySize + int(s.Space)

	return s
}

func (p *SlottedPage) Lock() {
	p.latch.Lock()
}

func (p *SlottedPage) Unlock() {
	p.latch.Unlock()
}

func (p *SlottedPage) RLock() {
	p.latch.RLock()
}

func (p *SlottedPage) RUnlock() {
	p.latch.RUnlock()
}

func (p *SlottedPage) TryRLock() bool {
	return p.latch.TryRLock()
}

func (p *SlottedPage) SetDirtiness(val bool) {
	p.dirty.Store(val)
}

func (p *SlottedPage) IsDirty() bool {
	return p.dirty.Load()
}

func (p *SlottedPage) MarshalBinary() ([]byte, error) {
	data := make([]byte, p.size)
	if p.typ == TypeUnformatted && p.lsn.IsNil() {
		return data, nil
	}

	binary.BigEndian.PutUint64(data[8:16], uint64(p.lsn))
	data[16] = byte(p.typ)
	data[17] = formatVersion
	binary.BigEndian.PutUint16(data[18:20], uint16(len(p.slots))) //nolint:gosec
	binary.BigEndian.PutUint32(data[20:24], uint32(p.nextRecordID))
	binary.BigEndian.PutUint32(data[24:28], uint32(p.size)) //nolint:gosec
	binary.BigEndian.PutUint64(data[28:36], p.ident.PageNum)
	binary.BigEndian.PutUint16(data[36:38], uint16(p.held)) //nolint:gosec

	end := p.size
	for i, s := range p.slots {
		end -= int(s.Space)
		assert.Assert(
			end >= headerSize+(i+1)*slotEntrySize,
			"page %s overflowed while marshaling",
			p.ident,
		)
		copy(data[end:], s.Data)

		e := data[headerSize+i*slotEntrySize:]
		binary.BigEndian.PutUint32(e[0:4], uint32(s.RecordID))
		if s.Deleted {
			e[4] = slotFlagDeleted
		}
		binary.BigEndian.PutUint16(e[6:8], uint16(len(s.Data))) //nolint:gosec
		binary.BigEndian.PutUint16(e[8:10], s.Space)
		binary.BigEndian.PutUint16(e[10:12], uint16(end)) //nolint:gosec
		binary.BigEndian.PutUint64(e[12:20], s.Overflow.PageNum)
		binary.BigEndian.PutUint32(e[20:24], uint32(s.Overflow.RecordID))
	}

	binary.BigEndian.PutUint64(data[0:8], xxhash.Sum64(data[8:]))

	return data, nil
}

// UnmarshalBinary loads a page image. An all-zero image is an unformatted
// page, any other image must carry a matching checksum.
func (p *SlottedPage) UnmarshalBinary(data []byte) error {
	if len(data) != p.size {
		return rawerr.Corruption(
			"page %s: image is %d bytes, expected %d",
			p.ident,
			len(data),
			p.size,
		)
	}

	if isZero(data) {
		p.typ = TypeUnformatted
		p.lsn = common.NilLSN
		p.nextRecordID = 0
		p.slots = nil
		p.used = 0
		p.held = 0
		return nil
	}

	if binary.BigEndian.Uint64(data[0:8]) != xxhash.Sum64(data[8:]) {
		return rawerr.Corruption("page %s: checksum mismatch", p.ident)
	}

	if data[17] != formatVersion ||
		int(binary.BigEndian.Uint32(data[24:28])) != p.size ||
		binary.BigEndian.Uint64(data[28:36]) != p.ident.PageNum {
		return rawerr.Corruption("page %s: header does not match its location", p.ident)
	}

	p.lsn = common.LSN(binary.BigEndian.Uint64(data[8:16]))
	p.typ = Type(data[16])
	p.nextRecordID = common.RecordID(binary.BigEndian.Uint32(data[20:24]))

	n := int(binary.BigEndian.Uint16(data[18:20]))
	if headerSize+n*slotEntrySize > p.size {
		return rawerr.Corruption("page %s: slot directory is too large", p.ident)
	}

	p.slots = make([]Slot, 0, n)
	p.used = 0
	for i := range n {
		e := data[headerSize+i*slotEntrySize:]

		length := int(binary.BigEndian.Uint16(e[6:8]))
		space := binary.BigEndian.Uint16(e[8:10])
		offset := int(binary.BigEndian.Uint16(e[10:12]))
		if length > int(space) || (length > 0 && offset < headerSize) || offset+length > p.size {
			return rawerr.Corruption("page %s: slot %d points outside the page", p.ident, i)
		}

		p.slots = append(p.slots, Slot{
			RecordID: common.RecordID(binary.BigEndian.Uint32(e[0:4])),
			Deleted:  e[4]&slotFlagDeleted != 0,
			Space:    space,
			Data:     bytes.Clone(data[offset : offset+length : offset+length]),
			Overflow: Pointer{
				PageNum:  binary.BigEndian.Uint64(e[12:20]),
				RecordID: common.RecordID(binary.BigEndian.Uint32(e[20:24])),
			},
		})
		p.used += slotEntrySize + int(space)
	}

	p.held = int(binary.BigEndian.Uint16(data[36:38]))
	if p.held > p.unused() {
		return rawerr.Corruption("page %s: holds %d bytes, only %d are free", p.ident, p.held, p.unused())
	}

	return nil
}

// SizeFromImage extracts the page size recorded in a (prefix of a)
// formatted page image. It returns 0 when the prefix is too short or the
// page is unformatted.
func SizeFromImage(prefix []byte) int {
	if len(prefix) < 28 {
		return 0
	}
	return int(binary.BigEndian.Uint32(prefix[24:28]))
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
