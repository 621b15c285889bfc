package common

import "fmt"

// LSN is a log sequence number. The high 32 bits hold the log file number
// and the low 32 bits the byte offset of the record inside that file, so
// LSNs are totally ordered and directly addressable.
type LSN uint64

const NilLSN LSN = 0

func NewLSN(file uint32, offset uint32) LSN {
	return LSN(uint64(file)<<32 | uint64(offset))
}

func (l LSN) File() uint32 {
	return uint32(l >> 32)
}

func (l LSN) Offset() uint32 {
	return uint32(l)
}

func (l LSN) IsNil() bool {
	return l == NilLSN
}

func (l LSN) String() string {
	return fmt.Sprintf("(%d,%d)", l.File(), l.Offset())
}
