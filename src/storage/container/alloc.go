package container

import (
	"encoding/binary"

	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

// Allocation page record, kept in slot 0
//
//	[0:8)   next allocation page, 0 at the end of the chain
//	[8:16)  first page number covered
//	[16:20) number of pages covered
//	[20:)   one status byte per covered page
const allocHeaderSize = 20

const (
	headerPageNum    uint64 = 0
	firstAllocPage   uint64 = 1
	firstUserPageNum uint64 = 2
)

type allocMap struct {
	next     uint64
	base     uint64
	statuses []wal.PageStatus
}

func allocCapacity(pageSize int) int {
	return page.MaxRecordSpace(pageSize) - allocHeaderSize
}

func newAllocMap(base uint64, pageSize int) allocMap {
	return allocMap{
		base:     base,
		statuses: make([]wal.PageStatus, allocCapacity(pageSize)),
	}
}

func (a allocMap) covers(pageNum uint64) bool {
	return pageNum >= a.base && pageNum < a.end()
}

// end is the first page number past the covered range. The next
// allocation page of the chain lives there.
func (a allocMap) end() uint64 {
	return a.base + uint64(len(a.statuses))
}

func (a allocMap) status(pageNum uint64) wal.PageStatus {
	return a.statuses[pageNum-a.base]
}

func (a allocMap) encode() []byte {
	buf := make([]byte, allocHeaderSize, allocHeaderSize+len(a.statuses))
	binary.BigEndian.PutUint64(buf[0:8], a.next)
	binary.BigEndian.PutUint64(buf[8:16], a.base)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(a.statuses))) //nolint:gosec
	for _, s := range a.statuses {
		buf = append(buf, byte(s))
	}
	return buf
}

func decodeAllocMap(data []byte) (allocMap, error) {
	if len(data) < allocHeaderSize {
		return allocMap{}, rawerr.Corruption("allocation record of %d bytes", len(data))
	}

	n := int(binary.BigEndian.Uint32(data[16:20]))
	if len(data) != allocHeaderSize+n {
		return allocMap{}, rawerr.Corruption(
			"allocation record covers %d pages but has %d bytes",
			n,
			len(data),
		)
	}

	a := allocMap{
		next:     binary.BigEndian.Uint64(data[0:8]),
		base:     binary.BigEndian.Uint64(data[8:16]),
		statuses: make([]wal.PageStatus, n),
	}
	for i, b := range data[allocHeaderSize:] {
		a.statuses[i] = wal.PageStatus(b)
	}
	return a, nil
}

func readAllocMap(p *page.SlottedPage) (allocMap, error) {
	if p.Type() != page.TypeAlloc || p.NumSlots() == 0 {
		return allocMap{}, rawerr.Corruption("page %s is not an allocation page", p.Ident())
	}
	return decodeAllocMap(p.Slot(0).Data)
}
