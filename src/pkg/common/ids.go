package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TxnID is a monotonically increasing transaction identifier.
// It is unique across restarts of the same store.
type TxnID uint64

const NilTxnID TxnID = 0

// ContainerID is a two-part (segment, number) container identifier.
type ContainerID struct {
	Segment uint32
	ID      uint64
}

func (c ContainerID) String() string {
	return fmt.Sprintf("%d.%d", c.Segment, c.ID)
}

type PageIdentity struct {
	Container ContainerID
	PageNum   uint64
}

func (p PageIdentity) String() string {
	return fmt.Sprintf("%s:%d", p.Container, p.PageNum)
}

const SerializedPageIdentitySize = 4 + 8 + 8

func (p PageIdentity) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.Container.Segment)
	_ = binary.Write(buf, binary.BigEndian, p.Container.ID)
	_ = binary.Write(buf, binary.BigEndian, p.PageNum)

	return buf.Bytes(), nil
}

func (p *PageIdentity) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	if err := binary.Read(rd, binary.BigEndian, &p.Container.Segment); err != nil {
		return err
	}

	if err := binary.Read(rd, binary.BigEndian, &p.Container.ID); err != nil {
		return err
	}

	return binary.Read(rd, binary.BigEndian, &p.PageNum)
}

// RecordID identifies a record within a page. It survives page compaction
// and slot shifts, unlike the slot number.
type RecordID uint32

// Record ids below FirstRecordID are reserved.
const (
	InvalidRecordID RecordID = 0
	FirstRecordID   RecordID = 6
)

// RecordHandle is a plain value reference to a record. The slot number is
// only a hint valid while the page stays latched and unchanged.
type RecordHandle struct {
	Page     PageIdentity
	RecordID RecordID
	Slot     uint16
}

func (r RecordHandle) String() string {
	return fmt.Sprintf("%s#%d@%d", r.Page, r.RecordID, r.Slot)
}

// GlobalTxnID is the opaque two-part identifier of an externally
// coordinated transaction.
type GlobalTxnID struct {
	FormatID int32
	Global   string
	Branch   string
}

func (g GlobalTxnID) IsZero() bool {
	return g.FormatID == 0 && g.Global == "" && g.Branch == ""
}

func (g GlobalTxnID) String() string {
	return fmt.Sprintf("%d:%s:%s", g.FormatID, g.Global, g.Branch)
}
