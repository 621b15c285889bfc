package rawstore

import (
	"bytes"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/container"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

type InsertFlag uint8

const InsertDefault InsertFlag = 0

const (
	// InsertOverflow lets a row that does not fit go partly to overflow
	// pages.
	InsertOverflow InsertFlag = 1 << iota
)

// PageHandle is a user page latched exclusively by a transaction. Every
// slot operation logs its change and stamps the page while the latch is
// held.
type PageHandle struct {
	h       *ContainerHandle
	p       *page.SlottedPage
	ident   common.PageIdentity
	latched bool
}

func (ph *PageHandle) PageNum() uint64 {
	return ph.ident.PageNum
}

func (ph *PageHandle) Ident() common.PageIdentity {
	return ph.ident
}

func (ph *PageHandle) LSN() common.LSN {
	return ph.p.LSN()
}

// Unlatch releases the page. The handle is unusable afterwards.
func (ph *PageHandle) Unlatch() {
	ph.unlatch()
}

func (ph *PageHandle) unlatch() {
	if !ph.latched {
		return
	}
	ph.latched = false

	ph.p.Unlock()
	ph.h.t.store.pool.Unpin(ph.ident)
	delete(ph.h.t.latched, ph.ident)
	delete(ph.h.pages, ph.ident.PageNum)
}

func (ph *PageHandle) checkLatched() error {
	if !ph.latched {
		return rawerr.Protocol("page %s is not latched", ph.ident)
	}
	return ph.h.checkOpen()
}

func (ph *PageHandle) checkSlot(slot int) error {
	if err := ph.checkLatched(); err != nil {
		return err
	}
	if slot < 0 || slot >= ph.p.NumSlots() {
		return rawerr.NotFound("page %s has no slot %d", ph.ident, slot)
	}
	return nil
}

func (ph *PageHandle) execute(op wal.PageOp) error {
	_, err := ph.h.t.store.pages.Execute(ph.p, op, ph.h.t.logOp)
	return err
}

func (ph *PageHandle) RecordCount() (int, error) {
	if err := ph.checkLatched(); err != nil {
		return 0, err
	}
	return ph.p.NumSlots(), nil
}

func (ph *PageHandle) NonDeletedRecordCount() (int, error) {
	if err := ph.checkLatched(); err != nil {
		return 0, err
	}
	return ph.p.NonDeletedCount(), nil
}

func (ph *PageHandle) IsDeletedAtSlot(slot int) (bool, error) {
	if err := ph.checkSlot(slot); err != nil {
		return false, err
	}
	return ph.p.Slot(slot).Deleted, nil
}

func (ph *PageHandle) GetRecordHandle(slot int) (common.RecordHandle, error) {
	if err := ph.checkSlot(slot); err != nil {
		return common.RecordHandle{}, err
	}
	return common.RecordHandle{
		Page:     ph.ident,
		RecordID: ph.p.Slot(slot).RecordID,
		Slot:     uint16(slot), //nolint:gosec
	}, nil
}

// GetSlotNumber finds the current slot of a record. Purged records are
// not found.
func (ph *PageHandle) GetSlotNumber(h common.RecordHandle) (int, error) {
	if err := ph.checkLatched(); err != nil {
		return 0, err
	}
	if h.Page != ph.ident {
		return 0, rawerr.NotFound("record %s is not on page %s", h, ph.ident)
	}
	if int(h.Slot) < ph.p.NumSlots() && ph.p.Slot(int(h.Slot)).RecordID == h.RecordID {
		return int(h.Slot), nil
	}

	slot, ok := ph.p.FindRecord(h.RecordID)
	if !ok {
		return 0, rawerr.NotFound("record %s", h)
	}
	return slot, nil
}

// InsertAtSlot inserts row before the record at slot, slot equal to the
// record count appends. overflowThreshold is the percentage of the page
// one row may take before the rest goes to overflow pages, 0 means the
// whole page.
func (ph *PageHandle) InsertAtSlot(
	slot int,
	row page.Row,
	flags InsertFlag,
	overflowThreshold int,
) (common.RecordHandle, error) {
	if err := ph.h.checkWritable(); err != nil {
		return common.RecordHandle{}, err
	}
	if err := ph.checkLatched(); err != nil {
		return common.RecordHandle{}, err
	}
	if slot < 0 || slot > ph.p.NumSlots() {
		return common.RecordHandle{}, rawerr.NotFound("page %s: insert at slot %d of %d",
			ph.ident, slot, ph.p.NumSlots())
	}
	if overflowThreshold < 0 || overflowThreshold > 100 {
		return common.RecordHandle{}, rawerr.Protocol("overflow threshold %d%% is out of range",
			overflowThreshold)
	}
	if overflowThreshold == 0 {
		overflowThreshold = 100
	}
	if len(row) > maxFields {
		return common.RecordHandle{}, rawerr.TooLarge("row of %d fields", len(row))
	}

	data := page.EncodeRow(row)
	props := ph.h.c.Props()
	reserved := props.ReservedBytes()
	limit := ph.p.MaxRecordSpace() * overflowThreshold / 100

	space := max(len(data), props.MinimumRecordSize)
	id := ph.p.NextRecordID()
	insert := wal.Insert{
		Page:     ph.ident,
		Slot:     uint16(slot), //nolint:gosec
		RecordID: id,
		Data:     data,
	}

	fits := space <= ph.p.MaxRecordSpace() && ph.p.CanInsert(space, reserved) &&
		(flags&InsertOverflow == 0 || len(data) <= limit)
	switch {
	case fits:
		insert.Space = uint16(space) //nolint:gosec
	case flags&InsertOverflow == 0 && len(data) > ph.p.MaxRecordSpace():
		return common.RecordHandle{}, rawerr.TooLarge("row of %d bytes on page size %d",
			len(data), ph.p.Size())
	case flags&InsertOverflow == 0:
		return common.RecordHandle{}, rawerr.NoSpace("page %s: row of %d bytes", ph.ident, len(data))
	default:
		head := min(ph.p.InsertSpace(reserved), limit, len(data))
		if head < page.MinHeadSize {
			return common.RecordHandle{}, rawerr.NoSpace("page %s: no room for a row head", ph.ident)
		}

		ptr, err := ph.writeChain(data[head:])
		if err != nil {
			return common.RecordHandle{}, err
		}
		insert.Data = data[:head]
		insert.Space = uint16(max(head, min(props.MinimumRecordSize, ph.p.InsertSpace(reserved)))) //nolint:gosec
		insert.Overflow = ptr
	}

	if err := ph.execute(insert); err != nil {
		return common.RecordHandle{}, err
	}

	return common.RecordHandle{Page: ph.ident, RecordID: id, Slot: uint16(slot)}, nil //nolint:gosec
}

// FetchFromSlot reads the row at slot, following its overflow chain.
// fields selects a subset of the fields in the given order, nil selects
// all of them. Deleted rows are returned as well.
func (ph *PageHandle) FetchFromSlot(slot int, fields []int) (page.Row, error) {
	if err := ph.checkSlot(slot); err != nil {
		return nil, err
	}

	s := ph.p.Slot(slot)
	data, err := ph.readChain(s.Data, s.Overflow)
	if err != nil {
		return nil, err
	}

	row, err := page.DecodeRow(data)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return row, nil
	}
	return row.Select(fields)
}

// UpdateAtSlot replaces the row at slot. A row that outgrows the page
// continues on overflow pages, the old overflow pages are deallocated.
func (ph *PageHandle) UpdateAtSlot(slot int, row page.Row) error {
	if err := ph.h.checkWritable(); err != nil {
		return err
	}
	if err := ph.checkSlot(slot); err != nil {
		return err
	}
	if len(row) > maxFields {
		return rawerr.TooLarge("row of %d fields", len(row))
	}

	old := ph.p.Slot(slot)
	oldChain, err := ph.chainPages(old.Overflow)
	if err != nil {
		return err
	}

	data := page.EncodeRow(row)
	update := wal.Update{
		Page:           ph.ident,
		RecordID:       old.RecordID,
		Before:         old.Data,
		After:          data,
		BeforeOverflow: old.Overflow,
	}

	room := int(old.Space) + ph.p.FreeSpace()
	if len(data) > room {
		head := min(room, ph.p.MaxRecordSpace())
		if head < page.MinHeadSize {
			return rawerr.NoSpace("page %s: no room for the head of record %d", ph.ident, old.RecordID)
		}

		ptr, err := ph.writeChain(data[head:])
		if err != nil {
			return err
		}
		update.After = data[:head]
		update.AfterOverflow = ptr
	}

	if err := ph.execute(update); err != nil {
		return err
	}
	return ph.h.deallocate(oldChain)
}

// UpdateFieldAtSlot replaces one field of the row at slot. Only the field
// images are logged unless the row spans overflow pages or has to move to
// them.
func (ph *PageHandle) UpdateFieldAtSlot(slot int, field int, value []byte) error {
	if err := ph.h.checkWritable(); err != nil {
		return err
	}
	if err := ph.checkSlot(slot); err != nil {
		return err
	}

	s := ph.p.Slot(slot)
	if s.Overflow.IsNil() {
		row, err := page.DecodeRow(s.Data)
		if err != nil {
			return err
		}
		if field < 0 || field >= len(row) {
			return rawerr.NotFound("field %d of a row with %d fields", field, len(row))
		}

		err = ph.execute(wal.UpdateField{
			Page:     ph.ident,
			RecordID: s.RecordID,
			Field:    uint16(field), //nolint:gosec
			Before:   row[field],
			After:    value,
		})
		if rawerr.KindOf(err) != rawerr.KindCapacity {
			return err
		}
	}

	row, err := ph.FetchFromSlot(slot, nil)
	if err != nil {
		return err
	}
	if field < 0 || field >= len(row) {
		return rawerr.NotFound("field %d of a row with %d fields", field, len(row))
	}
	row[field] = value
	return ph.UpdateAtSlot(slot, row)
}

// DeleteAtSlot sets or clears the deleted mark of the record at slot. The
// record keeps its space.
func (ph *PageHandle) DeleteAtSlot(slot int, deleted bool) (common.RecordHandle, error) {
	if err := ph.h.checkWritable(); err != nil {
		return common.RecordHandle{}, err
	}
	if err := ph.checkSlot(slot); err != nil {
		return common.RecordHandle{}, err
	}

	s := ph.p.Slot(slot)
	if s.Deleted == deleted {
		return common.RecordHandle{}, rawerr.Protocol("record %d on page %s: deleted is already %t",
			s.RecordID, ph.ident, deleted)
	}

	err := ph.execute(wal.SetDeleted{Page: ph.ident, RecordID: s.RecordID, Deleted: deleted})
	if err != nil {
		return common.RecordHandle{}, err
	}
	return common.RecordHandle{Page: ph.ident, RecordID: s.RecordID, Slot: uint16(slot)}, nil //nolint:gosec
}

// PurgeAtSlot removes count records starting at slot. Without logData the
// log only keeps the shape of the records and a rollback brings back rows
// of NULLs.
func (ph *PageHandle) PurgeAtSlot(slot int, count int, logData bool) error {
	if err := ph.h.checkWritable(); err != nil {
		return err
	}
	if err := ph.checkLatched(); err != nil {
		return err
	}
	if count <= 0 || slot < 0 || slot+count > ph.p.NumSlots() {
		return rawerr.NotFound("page %s: purge of %d records from slot %d, page has %d",
			ph.ident, count, slot, ph.p.NumSlots())
	}

	purge := wal.Purge{Page: ph.ident, Slot: uint16(slot), LogData: logData} //nolint:gosec
	var chains []uint64
	for i := slot; i < slot+count; i++ {
		s := ph.p.Slot(i)
		fields, err := page.FieldCount(s.Data)
		if err != nil {
			return err
		}

		r := wal.PurgedRecord{
			RecordID: s.RecordID,
			Deleted:  s.Deleted,
			Space:    s.Space,
			Fields:   uint16(fields), //nolint:gosec
		}
		if logData {
			r.Data = s.Data
			r.Overflow = s.Overflow
		}
		purge.Records = append(purge.Records, r)

		pages, err := ph.chainPages(s.Overflow)
		if err != nil {
			return err
		}
		chains = append(chains, pages...)
	}

	if err := ph.execute(purge); err != nil {
		return err
	}
	ph.h.t.held = append(ph.h.t.held, wal.HeldSpace{
		Page:  ph.ident,
		Bytes: uint32(purge.HeldSpace()), //nolint:gosec
	})
	return ph.h.deallocate(chains)
}

const maxFields = 1<<16 - 1

// writeChain stores data on overflow pages, one portion per page, and
// returns the pointer to the first portion.
func (ph *PageHandle) writeChain(data []byte) (page.Pointer, error) {
	h := ph.h
	portion := page.MaxRecordSpace(h.c.Props().PageSize)

	var portions [][]byte
	for rest := data; len(rest) > 0; {
		n := min(portion, len(rest))
		portions = append(portions, rest[:n])
		rest = rest[n:]
	}

	var next page.Pointer
	for i := len(portions) - 1; i >= 0; i-- {
		// overflow pages are only reachable through this transaction's
		// records, so they are allocated inside it
		alloc := container.Allocation{Log: h.t.logOp}
		p, err := h.t.store.pages.AddPage(h.c, page.TypeOverflow, alloc, h.t.logOp)
		if err != nil {
			return page.Pointer{}, err
		}

		id := p.NextRecordID()
		_, err = h.t.store.pages.Execute(p, wal.Insert{
			Page:     p.Ident(),
			RecordID: id,
			Data:     portions[i],
			Overflow: next,
		}, h.t.logOp)

		p.Unlock()
		h.t.store.pool.Unpin(p.Ident())
		if err != nil {
			return page.Pointer{}, err
		}

		next = page.Pointer{PageNum: p.PageNum(), RecordID: id}
	}

	return next, nil
}

// visitChain calls fn with every portion of an overflow chain.
func (ph *PageHandle) visitChain(ptr page.Pointer, fn func(pageNum uint64, s page.Slot)) error {
	pool := ph.h.t.store.pool
	for !ptr.IsNil() {
		ident := common.PageIdentity{Container: ph.ident.Container, PageNum: ptr.PageNum}
		p, err := pool.GetPage(ident)
		if err != nil {
			return err
		}

		p.RLock()
		slot, ok := p.FindRecord(ptr.RecordID)
		var s page.Slot
		if ok {
			s = p.Slot(slot)
		}
		p.RUnlock()
		pool.Unpin(ident)

		if !ok {
			return rawerr.Corruption("overflow portion %d on page %s is missing", ptr.RecordID, ident)
		}
		fn(ptr.PageNum, s)
		ptr = s.Overflow
	}
	return nil
}

func (ph *PageHandle) readChain(head []byte, ptr page.Pointer) ([]byte, error) {
	if ptr.IsNil() {
		return head, nil
	}

	buf := bytes.NewBuffer(bytes.Clone(head))
	err := ph.visitChain(ptr, func(_ uint64, s page.Slot) {
		buf.Write(s.Data)
	})
	return buf.Bytes(), err
}

func (ph *PageHandle) chainPages(ptr page.Pointer) ([]uint64, error) {
	var res []uint64
	err := ph.visitChain(ptr, func(pageNum uint64, _ page.Slot) {
		res = append(res, pageNum)
	})
	return res, err
}
