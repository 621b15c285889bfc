package container

import (
	"bytes"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

func findRecord(p *page.SlottedPage, op wal.PageOp, id common.RecordID) (int, error) {
	slot, ok := p.FindRecord(id)
	if !ok {
		return 0, rawerr.Corruption("%s: page %s has no record %d", op.Kind(), p.Ident(), id)
	}
	return slot, nil
}

// check reports whether op can be applied to p. It is called before the
// operation is logged, so a failing operation leaves no trace.
func check(p *page.SlottedPage, op wal.PageOp) error {
	switch o := op.(type) {
	case wal.Insert:
		space := max(int(o.Space), len(o.Data))
		if !p.CanInsert(space, 0) {
			return rawerr.NoSpace("page %s: record of %d bytes", p.Ident(), space)
		}
	case wal.Update:
		slot, err := findRecord(p, op, o.RecordID)
		if err != nil {
			return err
		}
		if growth := len(o.After) - int(p.Slot(slot).Space); growth > p.FreeSpace() {
			return rawerr.NoSpace("page %s: record %d grows by %d bytes", p.Ident(), o.RecordID, growth)
		}
	case wal.UpdateField:
		slot, err := findRecord(p, op, o.RecordID)
		if err != nil {
			return err
		}
		s := p.Slot(slot)
		data, err := replaceField(s.Data, o.Field, o.After)
		if err != nil {
			return err
		}
		if growth := len(data) - int(s.Space); growth > p.FreeSpace() {
			return rawerr.NoSpace("page %s: record %d grows by %d bytes", p.Ident(), o.RecordID, growth)
		}
	case wal.SetDeleted:
		_, err := findRecord(p, op, o.RecordID)
		return err
	case wal.Purge:
		if err := checkPurge(p, o); err != nil {
			return err
		}
		freed := 0
		for i := range o.Records {
			freed += page.SlotEntrySize + int(p.Slot(int(o.Slot)+i).Space)
		}
		if extra := o.HeldSpace() - freed; extra > p.FreeSpace() {
			return rawerr.NoSpace("page %s: rolling back the purge needs %d more bytes", p.Ident(), extra)
		}
	case wal.Restore:
		if need := o.Space(); need > p.RestoreSpace() {
			return rawerr.NoSpace("page %s: restoring %d records needs %d bytes", p.Ident(), len(o.Records), need)
		}
	case wal.AllocStatus:
		a, err := readAllocMap(p)
		if err != nil {
			return err
		}
		if !a.covers(o.PageNum) {
			return rawerr.Corruption("allocation page %s does not cover page %d", p.Ident(), o.PageNum)
		}
	case wal.AllocLink:
		_, err := readAllocMap(p)
		return err
	case wal.ContainerDrop:
		_, err := readHeader(p)
		return err
	}
	return nil
}

func checkPurge(p *page.SlottedPage, o wal.Purge) error {
	if int(o.Slot)+len(o.Records) > p.NumSlots() {
		return rawerr.NotFound("page %s: purge of %d slots from %d, page has %d",
			p.Ident(), len(o.Records), o.Slot, p.NumSlots())
	}
	for i, r := range o.Records {
		if id := p.Slot(int(o.Slot) + i).RecordID; id != r.RecordID {
			return rawerr.Corruption("page %s: slot %d holds record %d, not %d",
				p.Ident(), int(o.Slot)+i, id, r.RecordID)
		}
	}
	return nil
}

func replaceField(data []byte, field uint16, value []byte) ([]byte, error) {
	row, err := page.DecodeRow(data)
	if err != nil {
		return nil, err
	}
	if int(field) >= len(row) {
		return nil, rawerr.NotFound("field %d of a row with %d fields", field, len(row))
	}

	if value != nil {
		value = bytes.Clone(value)
	}
	row[field] = value
	return page.EncodeRow(row), nil
}

// apply changes the in-memory page. It does not stamp the LSN.
func apply(p *page.SlottedPage, op wal.PageOp) error {
	switch o := op.(type) {
	case wal.Insert:
		slot := min(int(o.Slot), p.NumSlots())
		return p.InsertAt(slot, page.Slot{
			RecordID: o.RecordID,
			Space:    max(o.Space, uint16(len(o.Data))), //nolint:gosec
			Data:     o.Data,
			Overflow: o.Overflow,
		})
	case wal.Update:
		slot, err := findRecord(p, op, o.RecordID)
		if err != nil {
			return err
		}
		return p.Replace(slot, o.After, o.AfterOverflow)
	case wal.UpdateField:
		slot, err := findRecord(p, op, o.RecordID)
		if err != nil {
			return err
		}
		s := p.Slot(slot)
		data, err := replaceField(s.Data, o.Field, o.After)
		if err != nil {
			return err
		}
		return p.Replace(slot, data, s.Overflow)
	case wal.SetDeleted:
		slot, err := findRecord(p, op, o.RecordID)
		if err != nil {
			return err
		}
		p.SetDeleted(slot, o.Deleted)
		return nil
	case wal.Purge:
		if err := checkPurge(p, o); err != nil {
			return err
		}
		for range o.Records {
			p.Remove(int(o.Slot))
		}
		p.Hold(o.HeldSpace())
		return nil
	case wal.Restore:
		for i, r := range o.Records {
			slot := min(int(o.Slot)+i, p.NumSlots())
			err := p.InsertAt(slot, page.Slot{
				RecordID: r.RecordID,
				Deleted:  r.Deleted,
				Space:    r.Space,
				Data:     r.Data,
				Overflow: r.Overflow,
			})
			if err != nil {
				return err
			}
		}
		p.Release(o.Space())
		return nil
	case wal.ReleaseSpace:
		p.Release(int(o.Bytes))
		return nil
	case wal.InitPage:
		p.Format(o.Type, o.NextRecordID)
		for i, data := range o.Slots {
			err := p.InsertAt(i, page.Slot{RecordID: p.NextRecordID(), Data: data})
			if err != nil {
				return err
			}
		}
		return nil
	case wal.AllocStatus:
		a, err := readAllocMap(p)
		if err != nil {
			return err
		}
		if !a.covers(o.PageNum) {
			return rawerr.Corruption("allocation page %s does not cover page %d", p.Ident(), o.PageNum)
		}
		a.statuses[o.PageNum-a.base] = o.After
		return p.Replace(0, a.encode(), page.Pointer{})
	case wal.AllocLink:
		a, err := readAllocMap(p)
		if err != nil {
			return err
		}
		a.next = o.After
		return p.Replace(0, a.encode(), page.Pointer{})
	case wal.ContainerCreate:
		var props Props
		if err := props.UnmarshalBinary(o.Props); err != nil {
			return err
		}
		p.Format(page.TypeHeader, 0)
		return p.InsertAt(0, page.Slot{
			RecordID: p.NextRecordID(),
			Data:     header{props: props}.encode(),
		})
	case wal.ContainerDrop:
		h, err := readHeader(p)
		if err != nil {
			return err
		}
		h.dropped = o.Dropped
		return p.Replace(0, h.encode(), page.Pointer{})
	}

	return errors.Errorf("unexpected page operation %T", op)
}
