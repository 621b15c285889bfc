package page

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

func newTestPage(t *testing.T) *SlottedPage {
	t.Helper()

	p := New(common.PageIdentity{
		Container: common.ContainerID{Segment: 0, ID: 1},
		PageNum:   7,
	}, DefaultPageSize)
	p.Format(TypeData, common.FirstRecordID)
	return p
}

func insertTail(t *testing.T, p *SlottedPage, data []byte) common.RecordID {
	t.Helper()

	id := p.NextRecordID()
	require.NoError(t, p.InsertAt(p.NumSlots(), Slot{RecordID: id, Data: data}))
	return id
}

func TestInsertAndRead(t *testing.T) {
	p := newTestPage(t)

	records := [][]byte{
		[]byte("alpha"),
		[]byte("beta"),
		[]byte("gamma"),
	}

	for _, rec := range records {
		insertTail(t, p, rec)
	}

	require.Equal(t, len(records), p.NumSlots())
	for i, rec := range records {
		s := p.Slot(i)
		assert.Equal(t, rec, s.Data)
		assert.Equal(t, common.FirstRecordID+common.RecordID(i), s.RecordID)
	}
}

func TestInsertUntilFull(t *testing.T) {
	p := newTestPage(t)

	i := 0
	for {
		data := []byte(strconv.Itoa(i))
		if !p.CanInsert(len(data), 0) {
			break
		}
		insertTail(t, p, data)
		i++
	}

	err := p.InsertAt(p.NumSlots(), Slot{
		RecordID: p.NextRecordID(),
		Data:     make([]byte, slotEntrySize),
	})
	require.ErrorIs(t, err, rawerr.ErrNoSpace)

	for j := range i {
		assert.Equal(t, []byte(strconv.Itoa(j)), p.Slot(j).Data)
	}
}

func TestFreeSpaceAccounting(t *testing.T) {
	p := newTestPage(t)
	initial := p.FreeSpace()

	insertTail(t, p, []byte("1234567890"))
	assert.Equal(t, initial-slotEntrySize-10, p.FreeSpace())

	p.Remove(0)
	assert.Equal(t, initial, p.FreeSpace())
}

func TestHeldSpace(t *testing.T) {
	p := newTestPage(t)
	insertTail(t, p, make([]byte, 100))
	free := p.FreeSpace()

	p.Hold(500)
	assert.Equal(t, 500, p.Held())
	assert.Equal(t, free-500, p.FreeSpace())
	assert.Equal(t, free, p.RestoreSpace())
	assert.False(t, p.CanInsert(free-500, 0))
	assert.Equal(t, free-500-slotEntrySize, p.InsertSpace(0))

	// held bytes are only used by callers that skip FreeSpace
	require.NoError(t, p.InsertAt(1, Slot{RecordID: p.NextRecordID(), Data: make([]byte, free-slotEntrySize)}))
	assert.Zero(t, p.RestoreSpace())
	p.Remove(1)

	p.Release(200)
	assert.Equal(t, 300, p.Held())
	p.Release(1000)
	assert.Zero(t, p.Held())

	p.Hold(64)
	p.Format(TypeData, common.FirstRecordID)
	assert.Zero(t, p.Held())
}

func TestOverheldImageIsCorruption(t *testing.T) {
	p := newTestPage(t)
	p.SetLSN(common.NewLSN(1, 64))
	p.Hold(p.FreeSpace() + 1)

	img, err := p.MarshalBinary()
	require.NoError(t, err)

	q := New(p.Ident(), DefaultPageSize)
	assert.ErrorIs(t, q.UnmarshalBinary(img), rawerr.ErrCorruption)
}

func TestReservedSpaceIgnoredOnEmptyPage(t *testing.T) {
	p := newTestPage(t)

	big := p.MaxRecordSpace()
	assert.True(t, p.CanInsert(big, 1024))
	assert.False(t, p.CanInsert(big+1, 0))

	insertTail(t, p, []byte("x"))
	assert.False(t, p.CanInsert(p.FreeSpace()-slotEntrySize, 1))
}

func TestInsertShiftsSlotsButKeepsRecordIDs(t *testing.T) {
	p := newTestPage(t)

	a := insertTail(t, p, []byte("a"))
	c := insertTail(t, p, []byte("c"))

	b := p.NextRecordID()
	require.NoError(t, p.InsertAt(1, Slot{RecordID: b, Data: []byte("b")}))

	slot, ok := p.FindRecord(c)
	require.True(t, ok)
	assert.Equal(t, 2, slot)

	p.Remove(0)
	_, ok = p.FindRecord(a)
	assert.False(t, ok, "a purged record must never resolve again")

	slot, ok = p.FindRecord(b)
	require.True(t, ok)
	assert.Equal(t, 0, slot)
}

func TestDeleteKeepsRecord(t *testing.T) {
	p := newTestPage(t)
	insertTail(t, p, []byte("todelete"))
	insertTail(t, p, []byte("keep"))

	p.SetDeleted(0, true)
	assert.True(t, p.Slot(0).Deleted)
	assert.Equal(t, []byte("todelete"), p.Slot(0).Data)
	assert.Equal(t, 2, p.NumSlots())
	assert.Equal(t, 1, p.NonDeletedCount())

	p.SetDeleted(0, false)
	assert.Equal(t, 2, p.NonDeletedCount())
}

func TestReplaceGrowsSpace(t *testing.T) {
	p := newTestPage(t)
	insertTail(t, p, []byte("short"))

	free := p.FreeSpace()
	require.NoError(t, p.Replace(0, []byte("a bit longer"), Pointer{PageNum: 9, RecordID: 6}))
	assert.Equal(t, free-7, p.FreeSpace())

	require.NoError(t, p.Replace(0, []byte("s"), Pointer{}))
	assert.Equal(t, free-7, p.FreeSpace(), "space never shrinks on replace")
	assert.True(t, p.Slot(0).Overflow.IsNil())

	err := p.Replace(0, make([]byte, DefaultPageSize), Pointer{})
	assert.ErrorIs(t, err, rawerr.ErrNoSpace)
}

func TestInvalidSlotPanics(t *testing.T) {
	p := newTestPage(t)
	assert.Panics(t, func() { p.Slot(999) })
	assert.Panics(t, func() { p.SetDeleted(0, true) })
	assert.Panics(t, func() { p.Remove(3) })
}

func TestMarshalRoundTrip(t *testing.T) {
	p := newTestPage(t)
	insertTail(t, p, []byte("first"))
	insertTail(t, p, []byte{})
	require.NoError(t, p.Replace(1, []byte("second"), Pointer{PageNum: 12, RecordID: 8}))
	p.SetDeleted(0, true)
	p.SetLSN(common.NewLSN(3, 128))

	data, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, SizeFromImage(data))

	q := New(p.Ident(), DefaultPageSize)
	require.NoError(t, q.UnmarshalBinary(data))

	assert.Equal(t, p.LSN(), q.LSN())
	assert.Equal(t, p.Type(), q.Type())
	assert.Equal(t, p.NextRecordID(), q.NextRecordID())
	assert.Equal(t, p.FreeSpace(), q.FreeSpace())
	for i := range p.NumSlots() {
		assert.Equal(t, p.Slot(i), q.Slot(i))
	}
}

func TestChecksumMismatchIsCorruption(t *testing.T) {
	p := newTestPage(t)
	insertTail(t, p, []byte("payload"))

	data, err := p.MarshalBinary()
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff

	q := New(p.Ident(), DefaultPageSize)
	err = q.UnmarshalBinary(data)
	assert.Equal(t, rawerr.KindCorruption, rawerr.KindOf(err))
}

func TestMisplacedImageIsCorruption(t *testing.T) {
	p := newTestPage(t)
	data, err := p.MarshalBinary()
	require.NoError(t, err)

	other := p.Ident()
	other.PageNum++
	q := New(other, DefaultPageSize)
	assert.ErrorIs(t, q.UnmarshalBinary(data), rawerr.ErrCorruption)
}

func TestZeroImageIsUnformatted(t *testing.T) {
	q := New(common.PageIdentity{PageNum: 3}, DefaultPageSize)
	require.NoError(t, q.UnmarshalBinary(make([]byte, DefaultPageSize)))
	assert.Equal(t, TypeUnformatted, q.Type())
	assert.True(t, q.LSN().IsNil())
}
