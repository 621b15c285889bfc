package bufferpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

var testContainer = common.ContainerID{Segment: 0, ID: 1}

func ident(n uint64) common.PageIdentity {
	return common.PageIdentity{Container: testContainer, PageNum: n}
}

func dataPage(n uint64) *page.SlottedPage {
	p := page.New(ident(n), page.MinPageSize)
	p.Format(page.TypeData, common.FirstRecordID)
	return p
}

// modify applies a fake logged change to p the way callers do it.
func modify(m *Manager, p *page.SlottedPage, lsn common.LSN) {
	p.Lock()
	defer p.Unlock()

	_ = p.InsertAt(p.NumSlots(), page.Slot{RecordID: p.NextRecordID(), Data: []byte("x")})
	p.SetLSN(lsn)
	m.MarkDirty(p, lsn)
}

func TestGetPageCached(t *testing.T) {
	disk := new(MockDiskManager)
	m := New(2, NewLRUReplacer(), disk, &recordingLog{}, 1)

	expected := dataPage(0)
	disk.On("ReadPage", ident(0)).Return(expected, nil).Once()

	first, err := m.GetPage(ident(0))
	require.NoError(t, err)
	second, err := m.GetPage(ident(0))
	require.NoError(t, err)

	assert.Same(t, expected, first)
	assert.Same(t, first, second)

	m.Unpin(ident(0))
	m.Unpin(ident(0))
	require.NoError(t, m.EnsureAllPagesUnpinned())

	disk.AssertExpectations(t)
}

func TestReadErrorReturnsFrame(t *testing.T) {
	disk := new(MockDiskManager)
	m := New(1, NewLRUReplacer(), disk, &recordingLog{}, 1)

	disk.On("ReadPage", ident(0)).Return(nil, rawerr.Corruption("bad page")).Once()
	disk.On("ReadPage", ident(1)).Return(dataPage(1), nil).Once()

	_, err := m.GetPage(ident(0))
	require.ErrorIs(t, err, rawerr.ErrCorruption)

	_, err = m.GetPage(ident(1))
	require.NoError(t, err)
	m.Unpin(ident(1))
}

func TestEvictionRespectsWAL(t *testing.T) {
	var events []string

	disk := new(MockDiskManager)
	log := &recordingLog{events: &events}
	m := New(1, NewLRUReplacer(), disk, log, 1)

	victim := dataPage(0)
	disk.On("ReadPage", ident(0)).Return(victim, nil).Once()
	disk.On("ReadPage", ident(1)).Return(dataPage(1), nil).Once()
	disk.On("WritePage", ident(0), mock.Anything).
		Run(func(args mock.Arguments) {
			events = append(events, "write "+args.Get(0).(common.PageIdentity).String())
		}).
		Return(nil).
		Once()

	p, err := m.GetPage(ident(0))
	require.NoError(t, err)

	lsn := common.NewLSN(1, 640)
	modify(m, p, lsn)
	m.Unpin(ident(0))

	_, err = m.GetPage(ident(1))
	require.NoError(t, err)

	require.Equal(t, []string{"flush " + lsn.String(), "write " + ident(0).String()}, events)
	assert.False(t, victim.IsDirty())
	assert.Empty(t, m.DirtyPages())

	disk.AssertExpectations(t)
}

func TestAllFramesPinned(t *testing.T) {
	disk := new(MockDiskManager)
	m := New(1, NewLRUReplacer(), disk, &recordingLog{}, 1)

	disk.On("ReadPage", ident(0)).Return(dataPage(0), nil).Once()

	_, err := m.GetPage(ident(0))
	require.NoError(t, err)

	_, err = m.GetPage(ident(1))
	assert.ErrorIs(t, err, ErrNoFreeFrame)
	assert.Equal(t, rawerr.KindCapacity, rawerr.KindOf(err))
}

func TestDirtyPageTableKeepsFirstLSN(t *testing.T) {
	disk := new(MockDiskManager)
	m := New(4, NewLRUReplacer(), disk, &recordingLog{}, 1)

	for i := range uint64(2) {
		disk.On("ReadPage", ident(i)).Return(dataPage(i), nil).Once()
	}

	_, ok := m.MinRecLSN()
	assert.False(t, ok)

	p0, err := m.GetPage(ident(0))
	require.NoError(t, err)
	p1, err := m.GetPage(ident(1))
	require.NoError(t, err)

	modify(m, p1, common.NewLSN(1, 100))
	modify(m, p0, common.NewLSN(1, 200))
	modify(m, p1, common.NewLSN(1, 300))

	assert.Equal(t, map[common.PageIdentity]common.LSN{
		ident(0): common.NewLSN(1, 200),
		ident(1): common.NewLSN(1, 100),
	}, m.DirtyPages())

	minLSN, ok := m.MinRecLSN()
	require.True(t, ok)
	assert.Equal(t, common.NewLSN(1, 100), minLSN)

	disk.On("WritePage", ident(1), mock.Anything).Return(nil).Once()
	m.Unpin(ident(1))
	require.NoError(t, m.FlushPage(ident(1)))

	minLSN, ok = m.MinRecLSN()
	require.True(t, ok)
	assert.Equal(t, common.NewLSN(1, 200), minLSN)

	// clean pages are not written again
	require.NoError(t, m.FlushPage(ident(1)))
	require.NoError(t, m.FlushPage(ident(2)))

	m.Unpin(ident(0))
	disk.AssertExpectations(t)
}

func TestFlushAllSkipsLatchedPages(t *testing.T) {
	disk := new(MockDiskManager)
	log := &recordingLog{}
	m := New(8, NewLRUReplacer(), disk, log, 3)

	pages := make([]*page.SlottedPage, 5)
	for i := range uint64(5) {
		disk.On("ReadPage", ident(i)).Return(dataPage(i), nil).Once()

		p, err := m.GetPage(ident(i))
		require.NoError(t, err)
		modify(m, p, common.NewLSN(1, uint32(64*(i+1)))) //nolint:gosec
		pages[i] = p
	}

	for i := range uint64(4) {
		disk.On("WritePage", ident(i), mock.Anything).Return(nil).Once()
	}

	busy := pages[4]
	busy.Lock()
	require.NoError(t, m.FlushAll(context.Background()))
	busy.Unlock()

	assert.Equal(t, map[common.PageIdentity]common.LSN{
		ident(4): common.NewLSN(1, 320),
	}, m.DirtyPages())
	assert.Len(t, log.flushes, 4)

	for i := range uint64(5) {
		m.Unpin(ident(i))
	}
	require.NoError(t, m.EnsureAllPagesUnpinned())
	disk.AssertExpectations(t)
}

func TestDiscardDropsContainerPages(t *testing.T) {
	disk := new(MockDiskManager)
	m := New(2, NewLRUReplacer(), disk, &recordingLog{}, 1)

	disk.On("ReadPage", ident(0)).Return(dataPage(0), nil).Twice()

	p, err := m.GetPage(ident(0))
	require.NoError(t, err)
	modify(m, p, common.NewLSN(1, 64))
	m.Unpin(ident(0))

	m.Discard(testContainer)
	assert.Empty(t, m.DirtyPages())

	// the next access goes to disk again and nothing was written
	_, err = m.GetPage(ident(0))
	require.NoError(t, err)
	m.Unpin(ident(0))

	disk.AssertNotCalled(t, "WritePage", mock.Anything, mock.Anything)
	disk.AssertExpectations(t)
}
