package wal

import (
	"encoding/binary"

	"github.com/go-faster/errors"
	"github.com/golang/snappy"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

// Record payload layout
//
//	[0]      payload version
//	[1]      flags
//	[2]      kind
//	[3:11)   transaction id
//	[11:19)  previous LSN of the transaction
//	[19:)    body, snappy compressed when flagCompressed is set
const (
	recordVersion     = 1
	payloadHeaderSize = 19

	flagCompressed uint8 = 1 << 0
)

const nilBytes = ^uint32(0)

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

// bytes keeps nil apart from an empty slice.
func (e *encoder) bytes(v []byte) {
	if v == nil {
		e.u32(nilBytes)
		return
	}
	e.u32(uint32(len(v))) //nolint:gosec
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.u32(uint32(len(v))) //nolint:gosec
	e.buf = append(e.buf, v...)
}

func (e *encoder) container(c common.ContainerID) {
	e.u32(c.Segment)
	e.u64(c.ID)
}

func (e *encoder) ident(p common.PageIdentity) {
	e.container(p.Container)
	e.u64(p.PageNum)
}

func (e *encoder) pointer(p page.Pointer) {
	e.u64(p.PageNum)
	e.u32(uint32(p.RecordID))
}

func (e *encoder) global(g common.GlobalTxnID) {
	e.u32(uint32(g.FormatID)) //nolint:gosec
	e.str(g.Global)
	e.str(g.Branch)
}

type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = rawerr.Corruption("log record body is truncated at byte %d", d.pos)
		return nil
	}
	res := d.data[d.pos : d.pos+n]
	d.pos += n
	return res
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) boolean() bool {
	return d.u8() != 0
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	if n == nilBytes || d.err != nil {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (d *decoder) str() string {
	n := d.u32()
	return string(d.take(int(n)))
}

func (d *decoder) lsn() common.LSN {
	return common.LSN(d.u64())
}

func (d *decoder) txn() common.TxnID {
	return common.TxnID(d.u64())
}

func (d *decoder) recordID() common.RecordID {
	return common.RecordID(d.u32())
}

func (d *decoder) container() common.ContainerID {
	seg := d.u32()
	return common.ContainerID{Segment: seg, ID: d.u64()}
}

func (d *decoder) ident() common.PageIdentity {
	c := d.container()
	return common.PageIdentity{Container: c, PageNum: d.u64()}
}

func (d *decoder) pointer() page.Pointer {
	n := d.u64()
	return page.Pointer{PageNum: n, RecordID: d.recordID()}
}

func (d *decoder) global() common.GlobalTxnID {
	format := int32(d.u32()) //nolint:gosec
	g := d.str()
	return common.GlobalTxnID{FormatID: format, Global: g, Branch: d.str()}
}

func (e *encoder) purged(records []PurgedRecord) {
	e.u16(uint16(len(records))) //nolint:gosec
	for _, r := range records {
		e.u32(uint32(r.RecordID))
		e.boolean(r.Deleted)
		e.u16(r.Space)
		e.u16(r.Fields)
		e.pointer(r.Overflow)
		e.bytes(r.Data)
	}
}

func (d *decoder) purged() []PurgedRecord {
	n := int(d.u16())
	res := make([]PurgedRecord, 0, n)
	for range n {
		if d.err != nil {
			return nil
		}

		var r PurgedRecord
		r.RecordID = d.recordID()
		r.Deleted = d.boolean()
		r.Space = d.u16()
		r.Fields = d.u16()
		r.Overflow = d.pointer()
		r.Data = d.bytes()
		res = append(res, r)
	}
	return res
}

func (e *encoder) held(held []HeldSpace) {
	e.u32(uint32(len(held))) //nolint:gosec
	for _, h := range held {
		e.ident(h.Page)
		e.u32(h.Bytes)
	}
}

func (d *decoder) held() []HeldSpace {
	n := int(d.u32())
	var res []HeldSpace
	for i := 0; i < n && d.err == nil; i++ {
		p := d.ident()
		res = append(res, HeldSpace{Page: p, Bytes: d.u32()})
	}
	return res
}

func encodeBody(e *encoder, body Body) {
	switch b := body.(type) {
	case Begin:
		e.u8(uint8(b.TxnKind))
		e.u64(uint64(b.Parent))
		e.global(b.Global)
	case Abort, TxnEnd:
	case Commit:
		e.held(b.Held)
	case Prepare:
		e.global(b.Global)
		e.u32(uint32(len(b.Deallocated))) //nolint:gosec
		for _, p := range b.Deallocated {
			e.ident(p)
		}
		e.u32(uint32(len(b.Dropped))) //nolint:gosec
		for _, c := range b.Dropped {
			e.container(c)
		}
		e.held(b.Held)
	case Insert:
		e.ident(b.Page)
		e.u16(b.Slot)
		e.u32(uint32(b.RecordID))
		e.u16(b.Space)
		e.bytes(b.Data)
		e.pointer(b.Overflow)
	case Update:
		e.ident(b.Page)
		e.u32(uint32(b.RecordID))
		e.bytes(b.Before)
		e.bytes(b.After)
		e.pointer(b.BeforeOverflow)
		e.pointer(b.AfterOverflow)
	case UpdateField:
		e.ident(b.Page)
		e.u32(uint32(b.RecordID))
		e.u16(b.Field)
		e.bytes(b.Before)
		e.bytes(b.After)
	case SetDeleted:
		e.ident(b.Page)
		e.u32(uint32(b.RecordID))
		e.boolean(b.Deleted)
	case Purge:
		e.ident(b.Page)
		e.u16(b.Slot)
		e.boolean(b.LogData)
		e.purged(b.Records)
	case Restore:
		e.ident(b.Page)
		e.u16(b.Slot)
		e.purged(b.Records)
	case InitPage:
		e.ident(b.Page)
		e.u8(uint8(b.Type))
		e.u32(uint32(b.NextRecordID))
		e.u16(uint16(len(b.Slots))) //nolint:gosec
		for _, s := range b.Slots {
			e.bytes(s)
		}
	case AllocStatus:
		e.ident(b.Page)
		e.u64(b.PageNum)
		e.u8(uint8(b.Before))
		e.u8(uint8(b.After))
	case AllocLink:
		e.ident(b.Page)
		e.u64(b.Before)
		e.u64(b.After)
	case ReleaseSpace:
		e.ident(b.Page)
		e.u32(b.Bytes)
	case ContainerCreate:
		e.container(b.Container)
		e.u32(b.PageSize)
		e.bytes(b.Props)
	case ContainerDrop:
		e.container(b.Container)
		e.boolean(b.Dropped)
	case Compensation:
		e.u64(uint64(b.UndoNext))
		e.u8(uint8(b.Action.Kind()))
		encodeBody(e, b.Action)
	case Checkpoint:
		e.u64(uint64(b.RedoLSN))
		e.u32(uint32(len(b.Txns))) //nolint:gosec
		for _, t := range b.Txns {
			e.u64(uint64(t.ID))
			e.u8(uint8(t.Kind))
			e.u64(uint64(t.Parent))
			e.u8(uint8(t.State))
			e.u64(uint64(t.FirstLSN))
			e.u64(uint64(t.LastLSN))
			e.global(t.Global)
		}
		e.u32(uint32(len(b.DirtyPages))) //nolint:gosec
		for _, p := range b.DirtyPages {
			e.ident(p.Page)
			e.u64(uint64(p.RecLSN))
		}
		e.u64(uint64(b.MaxTxnID))
		e.u64(b.MaxContainerID)
	case Unknown:
		e.buf = append(e.buf, b.Raw...)
	default:
		panic(errors.Errorf("unexpected log record body %T", body))
	}
}

func decodeBody(d *decoder, kind Kind) Body {
	switch kind {
	case KindBegin:
		var b Begin
		b.TxnKind = TxnKind(d.u8())
		b.Parent = d.txn()
		b.Global = d.global()
		return b
	case KindCommit:
		return Commit{Held: d.held()}
	case KindAbort:
		return Abort{}
	case KindTxnEnd:
		return TxnEnd{}
	case KindPrepare:
		var b Prepare
		b.Global = d.global()
		n := int(d.u32())
		for i := 0; i < n && d.err == nil; i++ {
			b.Deallocated = append(b.Deallocated, d.ident())
		}
		n = int(d.u32())
		for i := 0; i < n && d.err == nil; i++ {
			b.Dropped = append(b.Dropped, d.container())
		}
		b.Held = d.held()
		return b
	case KindInsert:
		var b Insert
		b.Page = d.ident()
		b.Slot = d.u16()
		b.RecordID = d.recordID()
		b.Space = d.u16()
		b.Data = d.bytes()
		b.Overflow = d.pointer()
		return b
	case KindUpdate:
		var b Update
		b.Page = d.ident()
		b.RecordID = d.recordID()
		b.Before = d.bytes()
		b.After = d.bytes()
		b.BeforeOverflow = d.pointer()
		b.AfterOverflow = d.pointer()
		return b
	case KindUpdateField:
		var b UpdateField
		b.Page = d.ident()
		b.RecordID = d.recordID()
		b.Field = d.u16()
		b.Before = d.bytes()
		b.After = d.bytes()
		return b
	case KindSetDeleted:
		var b SetDeleted
		b.Page = d.ident()
		b.RecordID = d.recordID()
		b.Deleted = d.boolean()
		return b
	case KindPurge:
		var b Purge
		b.Page = d.ident()
		b.Slot = d.u16()
		b.LogData = d.boolean()
		b.Records = d.purged()
		return b
	case KindRestore:
		var b Restore
		b.Page = d.ident()
		b.Slot = d.u16()
		b.Records = d.purged()
		return b
	case KindInitPage:
		var b InitPage
		b.Page = d.ident()
		b.Type = page.Type(d.u8())
		b.NextRecordID = d.recordID()
		n := int(d.u16())
		for i := 0; i < n && d.err == nil; i++ {
			b.Slots = append(b.Slots, d.bytes())
		}
		return b
	case KindAllocStatus:
		var b AllocStatus
		b.Page = d.ident()
		b.PageNum = d.u64()
		b.Before = PageStatus(d.u8())
		b.After = PageStatus(d.u8())
		return b
	case KindAllocLink:
		var b AllocLink
		b.Page = d.ident()
		b.Before = d.u64()
		b.After = d.u64()
		return b
	case KindReleaseSpace:
		var b ReleaseSpace
		b.Page = d.ident()
		b.Bytes = d.u32()
		return b
	case KindContainerCreate:
		var b ContainerCreate
		b.Container = d.container()
		b.PageSize = d.u32()
		b.Props = d.bytes()
		return b
	case KindContainerDrop:
		var b ContainerDrop
		b.Container = d.container()
		b.Dropped = d.boolean()
		return b
	case KindCompensation:
		var b Compensation
		b.UndoNext = d.lsn()
		actionKind := Kind(d.u8())
		action, ok := decodeBody(d, actionKind).(PageOp)
		if !ok && d.err == nil {
			d.err = rawerr.Corruption("compensation wraps %s which is not a page operation", actionKind)
		}
		b.Action = action
		return b
	case KindCheckpoint:
		var b Checkpoint
		b.RedoLSN = d.lsn()
		n := int(d.u32())
		for i := 0; i < n && d.err == nil; i++ {
			var t CheckpointTxn
			t.ID = d.txn()
			t.Kind = TxnKind(d.u8())
			t.Parent = d.txn()
			t.State = TxnState(d.u8())
			t.FirstLSN = d.lsn()
			t.LastLSN = d.lsn()
			t.Global = d.global()
			b.Txns = append(b.Txns, t)
		}
		n = int(d.u32())
		for i := 0; i < n && d.err == nil; i++ {
			p := d.ident()
			b.DirtyPages = append(b.DirtyPages, DirtyPage{Page: p, RecLSN: d.lsn()})
		}
		b.MaxTxnID = d.txn()
		b.MaxContainerID = d.u64()
		return b
	}

	return Unknown{Code: kind, Raw: append([]byte{}, d.take(len(d.data)-d.pos)...)}
}

// encodePayload serializes everything but the LSN, which is the position
// of the record in the log.
func encodePayload(txnID common.TxnID, prev common.LSN, body Body, compressThreshold int) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	encodeBody(e, body)

	var flags uint8
	bodyBytes := e.buf
	if compressThreshold > 0 && len(bodyBytes) > compressThreshold {
		compressed := snappy.Encode(nil, bodyBytes)
		if len(compressed) < len(bodyBytes) {
			bodyBytes = compressed
			flags |= flagCompressed
		}
	}

	res := make([]byte, payloadHeaderSize, payloadHeaderSize+len(bodyBytes))
	res[0] = recordVersion
	res[1] = flags
	res[2] = uint8(body.Kind())
	binary.BigEndian.PutUint64(res[3:11], uint64(txnID))
	binary.BigEndian.PutUint64(res[11:19], uint64(prev))

	return append(res, bodyBytes...)
}

func decodePayload(lsn common.LSN, payload []byte) (Record, error) {
	if len(payload) < payloadHeaderSize {
		return Record{}, rawerr.Corruption("log record %s: payload of %d bytes", lsn, len(payload))
	}

	rec := Record{
		LSN:     lsn,
		TxnID:   common.TxnID(binary.BigEndian.Uint64(payload[3:11])),
		PrevLSN: common.LSN(binary.BigEndian.Uint64(payload[11:19])),
	}

	kind := Kind(payload[2])
	body := payload[payloadHeaderSize:]

	if payload[0] != recordVersion {
		rec.Body = Unknown{Code: kind, Raw: append([]byte{}, body...)}
		return rec, nil
	}

	if payload[1]&flagCompressed != 0 {
		var err error
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return Record{}, rawerr.Corruption("log record %s: bad compressed body: %v", lsn, err)
		}
	}

	d := &decoder{data: body}
	rec.Body = decodeBody(d, kind)
	if d.err != nil {
		return Record{}, errors.Wrapf(d.err, "log record %s (%s)", lsn, kind)
	}

	return rec, nil
}
