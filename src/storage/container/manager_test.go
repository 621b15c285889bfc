package container

import (
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/rawstore/src/bufferpool"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/disk"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

const testBase = "/store/data"

var testContainer = common.ContainerID{Segment: 0, ID: 5}

type loggedOp struct {
	lsn common.LSN
	op  wal.PageOp
}

// opLog stands in for a transaction: every operation gets the next LSN.
type opLog struct {
	next common.LSN
	ops  []loggedOp
}

func newOpLog() *opLog {
	return &opLog{next: common.NewLSN(1, 64)}
}

func (l *opLog) append(op wal.PageOp) (common.LSN, error) {
	lsn := l.next
	l.next += 100
	l.ops = append(l.ops, loggedOp{lsn: lsn, op: op})
	return lsn, nil
}

type noopFlusher struct{}

func (noopFlusher) Flush(common.LSN) error { return nil }

type env struct {
	fs    afero.Fs
	disk  *disk.Manager
	pool  *bufferpool.Manager
	m     *Manager
	ops   *opLog
	props Props
}

func newEnv(t *testing.T, fs afero.Fs) *env {
	t.Helper()

	d := disk.New(fs, testBase)
	require.NoError(t, d.Load())

	pool := bufferpool.New(32, bufferpool.NewLRUReplacer(), d, noopFlusher{}, 2)

	props := DefaultProps()
	props.PageSize = page.MinPageSize

	return &env{
		fs:    fs,
		disk:  d,
		pool:  pool,
		m:     New(pool, d, &sync.RWMutex{}, zap.NewNop().Sugar()),
		ops:   newOpLog(),
		props: props,
	}
}

func (e *env) create(t *testing.T) *Container {
	t.Helper()

	c, err := e.m.Create(testContainer, e.props, e.ops.append)
	require.NoError(t, err)
	return c
}

func (e *env) addPage(t *testing.T, c *Container) uint64 {
	t.Helper()

	p, err := e.m.AddPage(c, page.TypeData, Allocation{Log: e.ops.append}, e.ops.append)
	require.NoError(t, err)

	n := p.PageNum()
	p.Unlock()
	e.pool.Unpin(p.Ident())
	return n
}

func (e *env) insert(t *testing.T, pageNum uint64, data string) common.RecordID {
	t.Helper()

	ident := common.PageIdentity{Container: testContainer, PageNum: pageNum}
	p, err := e.pool.GetPage(ident)
	require.NoError(t, err)
	defer e.pool.Unpin(ident)

	p.Lock()
	defer p.Unlock()

	id := p.NextRecordID()
	_, err = e.m.Execute(p, wal.Insert{
		Page:     ident,
		Slot:     uint16(p.NumSlots()), //nolint:gosec
		RecordID: id,
		Data:     []byte(data),
	}, e.ops.append)
	require.NoError(t, err)
	return id
}

func (e *env) page(t *testing.T, pageNum uint64) *page.SlottedPage {
	t.Helper()

	ident := common.PageIdentity{Container: testContainer, PageNum: pageNum}
	p, err := e.pool.GetPage(ident)
	require.NoError(t, err)
	e.pool.Unpin(ident)
	return p
}

func TestCreateAndOpen(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	e.props.ReservedSpacePct = 10
	e.props.ReusableRecordIDs = true
	e.create(t)

	c, err := e.m.Open(testContainer)
	require.NoError(t, err)
	assert.Equal(t, e.props, c.Props())
	assert.Equal(t, testContainer, c.ID())

	_, err = e.m.Open(common.ContainerID{ID: 99})
	assert.Equal(t, rawerr.KindNotFound, rawerr.KindOf(err))

	_, err = e.m.Create(testContainer, e.props, e.ops.append)
	assert.Equal(t, rawerr.KindProtocol, rawerr.KindOf(err))
}

func TestCreateRejectsBadProps(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())

	e.props.PageSize = 3000
	_, err := e.m.Create(testContainer, e.props, e.ops.append)
	assert.Equal(t, rawerr.KindProtocol, rawerr.KindOf(err))
	assert.Empty(t, e.ops.ops)
	assert.False(t, e.m.Exists(testContainer))
}

func TestPageTraversal(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	c := e.create(t)

	_, ok, err := e.m.FirstAllocated(c)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, expected := range []uint64{2, 3, 4, 5} {
		assert.Equal(t, expected, e.addPage(t, c))
	}
	require.NoError(t, e.m.RemovePage(c, 3, e.ops.append))

	var visited []uint64
	n, ok, err := e.m.FirstAllocated(c)
	for ; ok; n, ok, err = e.m.NextAllocated(c, n) {
		require.NoError(t, err)
		visited = append(visited, n)
	}
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4, 5}, visited)

	last, ok, err := e.m.LastAllocated(c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), last)

	err = e.m.RemovePage(c, 3, e.ops.append)
	assert.Equal(t, rawerr.KindNotFound, rawerr.KindOf(err))
}

func TestDeallocatedPageIsReusedOnlyAfterFree(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	c := e.create(t)

	first := e.addPage(t, c)
	second := e.addPage(t, c)
	oldID := e.insert(t, first, "before removal")
	e.insert(t, first, "another one")

	require.NoError(t, e.m.RemovePage(c, first, e.ops.append))

	third := e.addPage(t, c)
	assert.NotEqual(t, first, third)
	assert.Greater(t, third, second)

	status, err := e.m.PageStatus(c, first)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusDeallocated, status)

	require.NoError(t, e.m.FreePage(c, first, e.ops.append))
	reused := e.addPage(t, c)
	require.Equal(t, first, reused)

	p := e.page(t, reused)
	assert.Equal(t, 0, p.NumSlots())

	newID := e.insert(t, reused, "after reuse")
	assert.Greater(t, newID, oldID+1)
}

func TestReusableRecordIDsRestart(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	e.props.ReusableRecordIDs = true
	c := e.create(t)

	n := e.addPage(t, c)
	e.insert(t, n, "a")
	e.insert(t, n, "b")

	require.NoError(t, e.m.RemovePage(c, n, e.ops.append))
	require.NoError(t, e.m.FreePage(c, n, e.ops.append))
	require.Equal(t, n, e.addPage(t, c))

	assert.Equal(t, common.FirstRecordID, e.insert(t, n, "c"))
}

func TestUndoneAllocationIsReusable(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	c := e.create(t)

	first := e.addPage(t, c)
	second := e.addPage(t, c)

	// roll back the allocation of the first page
	var alloc wal.AllocStatus
	for _, l := range e.ops.ops {
		if s, ok := l.op.(wal.AllocStatus); ok && s.PageNum == first {
			alloc = s
		}
	}
	_, err := e.m.Undo(alloc, e.ops.append)
	require.NoError(t, err)

	status, err := e.m.PageStatus(c, first)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusUnused, status)

	assert.Equal(t, first, e.addPage(t, c))
	assert.Equal(t, second+1, e.addPage(t, c))
}

func TestAllocationIsLoggedApartFromFormatting(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	c := e.create(t)

	allocLog := newOpLog()
	userLog := newOpLog()
	var events []string
	alloc := Allocation{
		Log: func(op wal.PageOp) (common.LSN, error) {
			events = append(events, "alloc")
			return allocLog.append(op)
		},
		Commit: func() error {
			events = append(events, "commit")
			return nil
		},
	}

	p, err := e.m.AddPage(c, page.TypeData, alloc, func(op wal.PageOp) (common.LSN, error) {
		events = append(events, "format")
		return userLog.append(op)
	})
	require.NoError(t, err)
	n := p.PageNum()
	p.Unlock()
	e.pool.Unpin(p.Ident())

	assert.Equal(t, []string{"alloc", "format", "commit"}, events)

	require.Len(t, allocLog.ops, 1)
	status, ok := allocLog.ops[0].op.(wal.AllocStatus)
	require.True(t, ok)
	assert.Equal(t, n, status.PageNum)

	require.Len(t, userLog.ops, 1)
	init, ok := userLog.ops[0].op.(wal.InitPage)
	require.True(t, ok)
	assert.Equal(t, n, init.Page.PageNum)

	// undoing the formatting leaves the allocation alone
	_, ok = init.Undo()
	assert.False(t, ok)
	got, err := e.m.PageStatus(c, n)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusAllocated, got)
}

func TestFailedAllocationCommit(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	c := e.create(t)

	alloc := Allocation{
		Log: e.ops.append,
		Commit: func() error {
			return rawerr.Protocol("commit refused")
		},
	}
	_, err := e.m.AddPage(c, page.TypeData, alloc, e.ops.append)
	require.Error(t, err)
	assert.True(t, c.stale.Load())
}

func TestAllocationChainGrows(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	c := e.create(t)

	capacity := uint64(allocCapacity(e.props.PageSize))
	for i := uint64(0); i < capacity; i++ {
		e.addPage(t, c)
	}

	// the next page number holds the second allocation page
	next := e.addPage(t, c)
	assert.Equal(t, firstUserPageNum+capacity+1, next)

	allocPage := e.page(t, firstUserPageNum+capacity)
	assert.Equal(t, page.TypeAlloc, allocPage.Type())

	e.m.Forget()
	reopened, err := e.m.Open(testContainer)
	require.NoError(t, err)

	last, ok, err := e.m.LastAllocated(reopened)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next, last)
}

func TestDropAndUndoDrop(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	e.create(t)

	require.NoError(t, e.m.Drop(testContainer, e.ops.append))

	_, err := e.m.Open(testContainer)
	assert.Equal(t, rawerr.KindNotFound, rawerr.KindOf(err))

	dropped, err := e.m.IsDropped(testContainer)
	require.NoError(t, err)
	assert.True(t, dropped)

	drop := e.ops.ops[len(e.ops.ops)-1].op
	_, err = e.m.Undo(drop, e.ops.append)
	require.NoError(t, err)

	_, err = e.m.Open(testContainer)
	require.NoError(t, err)

	require.NoError(t, e.m.Drop(testContainer, e.ops.append))
	require.NoError(t, e.m.Remove(testContainer))
	assert.False(t, e.m.Exists(testContainer))

	_, err = e.m.Open(testContainer)
	assert.Equal(t, rawerr.KindNotFound, rawerr.KindOf(err))
}

func TestFailedOperationIsNotLogged(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())
	c := e.create(t)
	n := e.addPage(t, c)

	logged := len(e.ops.ops)

	p := e.page(t, n)
	p.Lock()
	_, err := e.m.Execute(p, wal.Insert{
		Page:     p.Ident(),
		RecordID: p.NextRecordID(),
		Data:     make([]byte, page.MinPageSize),
	}, e.ops.append)
	p.Unlock()

	assert.Equal(t, rawerr.KindCapacity, rawerr.KindOf(err))
	assert.Len(t, e.ops.ops, logged)
	assert.Equal(t, 0, p.NumSlots())
}

func TestRedoIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := newEnv(t, fs)
	c := e.create(t)

	n := e.addPage(t, c)
	e.insert(t, n, "one")
	id := e.insert(t, n, "two")

	p := e.page(t, n)
	p.Lock()
	_, err := e.m.Execute(p, wal.SetDeleted{Page: p.Ident(), RecordID: id, Deleted: true}, e.ops.append)
	p.Unlock()
	require.NoError(t, err)

	before, err := p.MarshalBinary()
	require.NoError(t, err)

	// nothing was written back, a new pool sees empty files
	crashed := newEnv(t, fs)
	for _, l := range e.ops.ops {
		_, err := crashed.m.Redo(l.lsn, l.op)
		require.NoError(t, err)
	}

	after, err := crashed.page(t, n).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	for _, l := range e.ops.ops {
		changed, err := crashed.m.Redo(l.lsn, l.op)
		require.NoError(t, err)
		assert.False(t, changed)
	}

	again, err := crashed.page(t, n).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, before, again)

	reopened, err := crashed.m.Open(testContainer)
	require.NoError(t, err)
	last, ok, err := crashed.m.LastAllocated(reopened)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, n, last)
}

func TestRedoSkipsRemovedContainers(t *testing.T) {
	e := newEnv(t, afero.NewMemMapFs())

	op := wal.Insert{
		Page:     common.PageIdentity{Container: testContainer, PageNum: 2},
		RecordID: common.FirstRecordID,
		Data:     []byte("x"),
	}
	changed, err := e.m.Redo(common.NewLSN(1, 64), op)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, e.m.Exists(testContainer))
}
