package bufferpool

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/btree"
	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/rawstore/src/pkg/assert"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

var ErrNoFreeFrame = errors.Wrap(rawerr.ErrCapacity, "every frame is pinned")

type Replacer interface {
	Pin(frameID uint64)
	Unpin(frameID uint64)
	ChooseVictim() (uint64, error)
	GetSize() uint64
}

type DiskManager interface {
	ReadPage(ident common.PageIdentity) (*page.SlottedPage, error)
	WritePage(ident common.PageIdentity, data []byte) error
}

// LogFlusher makes the log durable up to a given LSN. The pool calls it
// before any dirty page reaches its home location.
type LogFlusher interface {
	Flush(upto common.LSN) error
}

type BufferPool interface {
	GetPage(common.PageIdentity) (*page.SlottedPage, error)
	Unpin(common.PageIdentity)
	MarkDirty(p *page.SlottedPage, lsn common.LSN)
	FlushPage(common.PageIdentity) error
}

var (
	_ BufferPool = &Manager{}
)

type frame struct {
	Page      *page.SlottedPage
	PinCount  int
	PageIdent common.PageIdentity
}

type dptEntry struct {
	recLSN common.LSN
	ident  common.PageIdentity
}

func dptLess(a, b dptEntry) bool {
	if a.recLSN != b.recLSN {
		return a.recLSN < b.recLSN
	}
	if a.ident.Container != b.ident.Container {
		if a.ident.Container.Segment != b.ident.Container.Segment {
			return a.ident.Container.Segment < b.ident.Container.Segment
		}
		return a.ident.Container.ID < b.ident.Container.ID
	}
	return a.ident.PageNum < b.ident.PageNum
}

// Manager caches page images in a fixed number of frames. Lock order is
// page latch, then the pool mutex.
type Manager struct {
	poolSize    uint64
	pageToFrame map[common.PageIdentity]uint64
	frames      []frame
	emptyFrames []uint64

	replacer    Replacer
	diskManager DiskManager
	log         LogFlusher

	// dirty page table: page -> LSN of the first change since the last
	// write-back, and the same entries ordered by that LSN
	dirtyPages map[common.PageIdentity]common.LSN
	byRecLSN   *btree.BTreeG[dptEntry]

	flushWorkers int

	mu sync.Mutex
}

func New(
	poolSize uint64,
	replacer Replacer,
	diskManager DiskManager,
	log LogFlusher,
	flushWorkers int,
) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	emptyFrames := make([]uint64, poolSize)
	for i := range poolSize {
		emptyFrames[i] = i
	}

	return &Manager{
		poolSize:     poolSize,
		pageToFrame:  make(map[common.PageIdentity]uint64),
		frames:       make([]frame, poolSize),
		emptyFrames:  emptyFrames,
		replacer:     replacer,
		diskManager:  diskManager,
		log:          log,
		dirtyPages:   make(map[common.PageIdentity]common.LSN),
		byRecLSN:     btree.NewG(16, dptLess),
		flushWorkers: max(flushWorkers, 1),
	}
}

// GetPage returns the pinned page. Every successful call must be paired
// with an Unpin.
func (m *Manager) GetPage(pIdent common.PageIdentity) (*page.SlottedPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frameID, ok := m.pageToFrame[pIdent]; ok {
		m.pinFrame(frameID)
		return m.frames[frameID].Page, nil
	}

	frameID, err := m.reserveFrame()
	if err != nil {
		return nil, err
	}

	p, err := m.diskManager.ReadPage(pIdent)
	if err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}

	m.frames[frameID] = frame{
		Page:      p,
		PinCount:  0,
		PageIdent: pIdent,
	}
	m.pageToFrame[pIdent] = frameID
	m.pinFrame(frameID)

	return p, nil
}

func (m *Manager) pinFrame(frameID uint64) {
	m.frames[frameID].PinCount++
	m.replacer.Pin(frameID)
}

// reserveFrame returns an empty frame, evicting the least recently used
// unpinned page if there is none.
func (m *Manager) reserveFrame() (uint64, error) {
	if len(m.emptyFrames) > 0 {
		id := m.emptyFrames[0]
		m.emptyFrames = m.emptyFrames[1:]
		return id, nil
	}

	victimID, err := m.replacer.ChooseVictim()
	if err != nil {
		return 0, err
	}

	victim := &m.frames[victimID]
	assert.Assert(victim.PinCount == 0, "victim %s is pinned", victim.PageIdent)

	if victim.Page.IsDirty() {
		victim.Page.RLock()
		err := m.writeBack(victim.Page)
		victim.Page.RUnlock()

		if err != nil {
			m.replacer.Unpin(victimID)
			return 0, err
		}
		m.clearDirtyLocked(victim.Page)
	}

	delete(m.pageToFrame, victim.PageIdent)
	*victim = frame{}

	return victimID, nil
}

// writeBack flushes the log up to the page LSN and writes the image. The
// caller holds at least a shared latch on p.
func (m *Manager) writeBack(p *page.SlottedPage) error {
	if err := m.log.Flush(p.LSN()); err != nil {
		return errors.Wrapf(err, "flush log before writing page %s", p.Ident())
	}

	data, err := p.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "marshal page %s", p.Ident())
	}

	return m.diskManager.WritePage(p.Ident(), data)
}

func (m *Manager) clearDirtyLocked(p *page.SlottedPage) {
	p.SetDirtiness(false)

	ident := p.Ident()
	if recLSN, ok := m.dirtyPages[ident]; ok {
		delete(m.dirtyPages, ident)
		m.byRecLSN.Delete(dptEntry{recLSN: recLSN, ident: ident})
	}
}

func (m *Manager) Unpin(pIdent common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageToFrame[pIdent]
	assert.Assert(ok, "no frame for page: %v", pIdent)

	f := &m.frames[frameID]
	assert.Assert(f.PinCount > 0, "invalid pin count of page %s", pIdent)

	f.PinCount--
	if f.PinCount == 0 {
		m.replacer.Unpin(frameID)
	}
}

// MarkDirty records that the change logged at lsn was applied to p. The
// caller holds the exclusive latch of p.
func (m *Manager) MarkDirty(p *page.SlottedPage, lsn common.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.SetDirtiness(true)

	ident := p.Ident()
	if _, ok := m.dirtyPages[ident]; ok {
		return
	}

	m.dirtyPages[ident] = lsn
	m.byRecLSN.ReplaceOrInsert(dptEntry{recLSN: lsn, ident: ident})
}

// FlushPage writes the page if it is dirty. The caller must not hold its
// latch.
func (m *Manager) FlushPage(pIdent common.PageIdentity) error {
	p, ok := m.pinIfCached(pIdent)
	if !ok {
		return nil
	}
	defer m.Unpin(pIdent)

	p.RLock()
	defer p.RUnlock()

	return m.flushLatched(p)
}

func (m *Manager) pinIfCached(pIdent common.PageIdentity) (*page.SlottedPage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageToFrame[pIdent]
	if !ok {
		return nil, false
	}
	m.pinFrame(frameID)

	return m.frames[frameID].Page, true
}

func (m *Manager) flushLatched(p *page.SlottedPage) error {
	if !p.IsDirty() {
		return nil
	}

	if err := m.writeBack(p); err != nil {
		return err
	}

	m.mu.Lock()
	m.clearDirtyLocked(p)
	m.mu.Unlock()

	return nil
}

// FlushAll writes back every dirty page using a pool of workers. Pages
// latched exclusively at the moment are skipped and stay in the dirty page
// table, so the checkpoint low-water mark still covers them.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	dirty := make([]*page.SlottedPage, 0, len(m.dirtyPages))
	for ident := range m.dirtyPages {
		frameID, ok := m.pageToFrame[ident]
		assert.Assert(ok, "dirty page %s is not cached", ident)

		m.pinFrame(frameID)
		dirty = append(dirty, m.frames[frameID].Page)
	}
	m.mu.Unlock()

	pool, err := ants.NewPool(m.flushWorkers)
	if err != nil {
		return errors.Wrap(err, "create flush pool")
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)

	setErr := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, p := range dirty {
		if ctx.Err() != nil {
			m.Unpin(p.Ident())
			continue
		}

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			defer m.Unpin(p.Ident())

			if !p.TryRLock() {
				return
			}
			defer p.RUnlock()

			if err := m.flushLatched(p); err != nil {
				setErr(err)
			}
		})
		if err != nil {
			wg.Done()
			m.Unpin(p.Ident())
			setErr(errors.Wrap(err, "submit flush task"))
		}
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// MinRecLSN is the smallest LSN redo may have to start from for the pages
// currently cached. ok is false when no page is dirty.
func (m *Manager) MinRecLSN() (common.LSN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byRecLSN.Min()
	return e.recLSN, ok
}

// DirtyPages returns a snapshot of the dirty page table.
func (m *Manager) DirtyPages() map[common.PageIdentity]common.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[common.PageIdentity]common.LSN, len(m.dirtyPages))
	for k, v := range m.dirtyPages {
		res[k] = v
	}
	return res
}

// Discard forgets every cached page of the container without writing it.
// Used once the container file is gone.
func (m *Manager) Discard(cid common.ContainerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ident, frameID := range m.pageToFrame {
		if ident.Container != cid {
			continue
		}

		f := &m.frames[frameID]
		assert.Assert(f.PinCount == 0, "discarding pinned page %s", ident)

		m.clearDirtyLocked(f.Page)
		m.replacer.Pin(frameID)
		delete(m.pageToFrame, ident)
		*f = frame{}
		m.emptyFrames = append(m.emptyFrames, frameID)
	}
}

func (m *Manager) EnsureAllPagesUnpinned() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ident, frameID := range m.pageToFrame {
		if cnt := m.frames[frameID].PinCount; cnt != 0 {
			return errors.Errorf("page %s is still pinned %d times", ident, cnt)
		}
	}

	return nil
}
