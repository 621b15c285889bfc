package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

var applyPage = common.PageIdentity{Container: testContainer, PageNum: 2}

func dataPage(t *testing.T, rows ...page.Row) *page.SlottedPage {
	t.Helper()

	p := page.New(applyPage, page.MinPageSize)
	p.Format(page.TypeData, common.FirstRecordID)
	for i, r := range rows {
		require.NoError(t, apply(p, wal.Insert{
			Page:     applyPage,
			Slot:     uint16(i), //nolint:gosec
			RecordID: p.NextRecordID(),
			Data:     page.EncodeRow(r),
		}))
	}
	return p
}

func row(t *testing.T, p *page.SlottedPage, slot int) page.Row {
	t.Helper()

	r, err := page.DecodeRow(p.Slot(slot).Data)
	require.NoError(t, err)
	return r
}

func TestInsertUndoLeavesDeletedRecord(t *testing.T) {
	p := dataPage(t, page.Row{[]byte("a")})
	ins := wal.Insert{Page: applyPage, Slot: 1, RecordID: p.NextRecordID(), Data: []byte("b")}
	require.NoError(t, apply(p, ins))

	undo, ok := ins.Undo()
	require.True(t, ok)
	require.NoError(t, apply(p, undo))

	assert.Equal(t, 2, p.NumSlots())
	assert.Equal(t, 1, p.NonDeletedCount())
	assert.True(t, p.Slot(1).Deleted)
	assert.Equal(t, ins.RecordID, p.Slot(1).RecordID)
}

func TestUpdateFieldKeepsOtherFields(t *testing.T) {
	p := dataPage(t, page.Row{[]byte("k"), []byte("old"), nil})
	id := p.Slot(0).RecordID

	op := wal.UpdateField{Page: applyPage, RecordID: id, Field: 2, Before: nil, After: []byte("new")}
	require.NoError(t, check(p, op))
	require.NoError(t, apply(p, op))
	assert.Equal(t, page.Row{[]byte("k"), []byte("old"), []byte("new")}, row(t, p, 0))

	undo, _ := op.Undo()
	require.NoError(t, apply(p, undo))
	assert.Equal(t, page.Row{[]byte("k"), []byte("old"), nil}, row(t, p, 0))

	err := check(p, wal.UpdateField{Page: applyPage, RecordID: id, Field: 3})
	assert.Equal(t, rawerr.KindNotFound, rawerr.KindOf(err))
}

// appendOp inserts n bytes after the last slot.
func appendOp(p *page.SlottedPage, n int) wal.Insert {
	return wal.Insert{
		Page:     applyPage,
		Slot:     uint16(p.NumSlots()), //nolint:gosec
		RecordID: p.NextRecordID(),
		Data:     make([]byte, n),
	}
}

func purgeOf(p *page.SlottedPage, slot, n int, logData bool) wal.Purge {
	op := wal.Purge{Page: applyPage, Slot: uint16(slot), LogData: logData} //nolint:gosec
	for i := slot; i < slot+n; i++ {
		s := p.Slot(i)
		fields, _ := page.FieldCount(s.Data)
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
		op.Records = append(op.Records, r)
	}
	return op
}

func TestPurgeUndoWithData(t *testing.T) {
	rows := []page.Row{{[]byte("a")}, {[]byte("b")}, {[]byte("c")}}
	p := dataPage(t, rows...)
	p.SetDeleted(1, true)
	before, err := p.MarshalBinary()
	require.NoError(t, err)

	op := purgeOf(p, 1, 2, true)
	require.NoError(t, apply(p, op))
	assert.Equal(t, 1, p.NumSlots())

	undo, _ := op.Undo()
	require.NoError(t, check(p, undo))
	require.NoError(t, apply(p, undo))

	after, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPurgeUndoWithoutDataRestoresNulls(t *testing.T) {
	p := dataPage(t,
		page.Row{[]byte("a1"), []byte("a2")},
		page.Row{[]byte("b1"), []byte("b2")},
	)
	p.SetDeleted(0, true)
	ids := []common.RecordID{p.Slot(0).RecordID, p.Slot(1).RecordID}

	op := purgeOf(p, 0, 2, false)
	require.NoError(t, apply(p, op))
	assert.Equal(t, 0, p.NumSlots())

	undo, _ := op.Undo()
	require.NoError(t, apply(p, undo))

	require.Equal(t, 2, p.NumSlots())
	for i := range 2 {
		assert.Equal(t, ids[i], p.Slot(i).RecordID)
		assert.Equal(t, page.NullRow(2), row(t, p, i))
	}
	assert.True(t, p.Slot(0).Deleted)
	assert.False(t, p.Slot(1).Deleted)
}

func TestPurgedSpaceIsHeldUntilReleased(t *testing.T) {
	big := page.Row{make([]byte, 400)}
	p := dataPage(t, page.Row{[]byte("a")}, big)

	op := purgeOf(p, 1, 1, true)
	require.NoError(t, check(p, op))
	freeBefore := p.FreeSpace()
	require.NoError(t, apply(p, op))
	assert.Equal(t, op.HeldSpace(), p.Held())
	assert.Equal(t, freeBefore, p.FreeSpace())

	// fill what is left, the held bytes stay out of reach
	for {
		ins := appendOp(p, 60)
		if err := check(p, ins); err != nil {
			assert.ErrorIs(t, err, rawerr.ErrNoSpace)
			break
		}
		require.NoError(t, apply(p, ins))
	}
	grow := wal.Update{
		Page:     applyPage,
		RecordID: p.Slot(0).RecordID,
		After:    make([]byte, p.FreeSpace()+int(p.Slot(0).Space)+1),
	}
	assert.ErrorIs(t, check(p, grow), rawerr.ErrNoSpace)

	undo, _ := op.Undo()
	require.NoError(t, check(p, undo))
	require.NoError(t, apply(p, undo))
	assert.Zero(t, p.Held())
	assert.Equal(t, big, row(t, p, 1))

	// a committed purge gives the space back explicitly
	op = purgeOf(p, 1, 1, true)
	free := p.FreeSpace()
	require.NoError(t, apply(p, op))
	release := wal.ReleaseSpace{Page: applyPage, Bytes: uint32(op.HeldSpace())} //nolint:gosec
	require.NoError(t, apply(p, release))
	assert.Zero(t, p.Held())
	assert.Equal(t, free+op.HeldSpace(), p.FreeSpace())
}

func TestHeldSpaceSurvivesPageImage(t *testing.T) {
	p := dataPage(t, page.Row{[]byte("a")}, page.Row{[]byte("b")})
	require.NoError(t, apply(p, purgeOf(p, 0, 1, true)))
	held := p.Held()
	require.Positive(t, held)

	img, err := p.MarshalBinary()
	require.NoError(t, err)
	loaded := page.New(applyPage, page.MinPageSize)
	require.NoError(t, loaded.UnmarshalBinary(img))
	assert.Equal(t, held, loaded.Held())
	assert.Equal(t, p.FreeSpace(), loaded.FreeSpace())
}

func TestLossyPurgeNeedingMoreRoomIsRefused(t *testing.T) {
	p := dataPage(t, page.Row{[]byte("a")})

	// the head of a row of 200 fields, its null row is larger
	slot := page.Slot{
		RecordID: p.NextRecordID(),
		Data:     []byte("head"),
		Overflow: page.Pointer{PageNum: 9, RecordID: 1},
	}
	require.NoError(t, p.InsertAt(1, slot))
	for {
		ins := appendOp(p, 40)
		if check(p, ins) != nil {
			break
		}
		require.NoError(t, apply(p, ins))
	}

	op := wal.Purge{Page: applyPage, Slot: 1, Records: []wal.PurgedRecord{{
		RecordID: slot.RecordID,
		Space:    p.Slot(1).Space,
		Fields:   200,
		Overflow: slot.Overflow,
	}}}
	require.Greater(t, op.HeldSpace(), page.SlotEntrySize+int(p.Slot(1).Space)+p.FreeSpace())
	assert.ErrorIs(t, check(p, op), rawerr.ErrNoSpace)
}

func TestPurgeChecksRecordIDs(t *testing.T) {
	p := dataPage(t, page.Row{[]byte("a")}, page.Row{[]byte("b")})

	op := purgeOf(p, 0, 1, true)
	op.Records[0].RecordID++
	assert.Equal(t, rawerr.KindCorruption, rawerr.KindOf(check(p, op)))

	op = purgeOf(p, 1, 1, true)
	op.Records = append(op.Records, op.Records[0])
	assert.Equal(t, rawerr.KindNotFound, rawerr.KindOf(check(p, op)))
}

func TestAllocStatusOutsideRange(t *testing.T) {
	p := page.New(common.PageIdentity{Container: testContainer, PageNum: 1}, page.MinPageSize)
	require.NoError(t, apply(p, wal.InitPage{
		Page:  p.Ident(),
		Type:  page.TypeAlloc,
		Slots: [][]byte{newAllocMap(firstUserPageNum, page.MinPageSize).encode()},
	}))

	op := wal.AllocStatus{Page: p.Ident(), PageNum: 1, After: wal.StatusAllocated}
	assert.Equal(t, rawerr.KindCorruption, rawerr.KindOf(check(p, op)))

	op.PageNum = firstUserPageNum
	require.NoError(t, apply(p, op))
	a, err := readAllocMap(p)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusAllocated, a.status(firstUserPageNum))
}
