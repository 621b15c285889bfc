package container

import (
	"github.com/google/btree"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

func (m *Manager) readAlloc(id common.ContainerID, pageNum uint64) (allocMap, error) {
	ident := common.PageIdentity{Container: id, PageNum: pageNum}
	p, err := m.pool.GetPage(ident)
	if err != nil {
		return allocMap{}, err
	}
	defer m.pool.Unpin(ident)

	p.RLock()
	defer p.RUnlock()

	return readAllocMap(p)
}

// refreshLocked rebuilds the allocation state from the allocation pages.
// Pages that are free, and unused pages below the high water mark left
// by rolled back allocations, are reusable.
func (m *Manager) refreshLocked(c *Container) error {
	if !c.stale.Load() && c.reusable != nil {
		return nil
	}
	c.stale.Store(false)

	if err := m.loadAllocState(c); err != nil {
		c.stale.Store(true)
		return err
	}
	return nil
}

func (m *Manager) loadAllocState(c *Container) error {
	var (
		chain []allocRange
		maps  []allocMap
	)
	for next := firstAllocPage; ; {
		a, err := m.readAlloc(c.id, next)
		if err != nil {
			return err
		}

		chain = append(chain, allocRange{pageNum: next, base: a.base, end: a.end()})
		maps = append(maps, a)

		if a.next == 0 {
			break
		}
		if a.next != a.end() {
			return rawerr.Corruption(
				"container %s: allocation page %d links to %d",
				c.id,
				next,
				a.next,
			)
		}
		next = a.next
	}

	// the last allocation page exists, so everything before it counts as
	// reached
	highWater := chain[len(chain)-1].base
	for _, a := range maps {
		for i, s := range a.statuses {
			if s != wal.StatusUnused {
				highWater = max(highWater, a.base+uint64(i)+1)
			}
		}
	}

	reusable := btree.NewOrderedG[uint64](16)
	for _, a := range maps {
		for i, s := range a.statuses {
			pageNum := a.base + uint64(i)
			if s == wal.StatusFree || (s == wal.StatusUnused && pageNum < highWater) {
				reusable.ReplaceOrInsert(pageNum)
			}
		}
	}

	c.chain = chain
	c.reusable = reusable
	c.highWater = highWater

	return nil
}

func (c *Container) rangeOf(pageNum uint64) (allocRange, bool) {
	for _, r := range c.chain {
		if pageNum >= r.base && pageNum < r.end {
			return r, true
		}
	}
	return allocRange{}, false
}

// setStatusLocked changes the status of pageNum if it currently is one of
// from. It reports whether the change happened.
func (m *Manager) setStatusLocked(
	c *Container,
	pageNum uint64,
	to wal.PageStatus,
	logOp LogFunc,
	from ...wal.PageStatus,
) (bool, error) {
	r, ok := c.rangeOf(pageNum)
	if !ok {
		return false, rawerr.NotFound("container %s has no page %d", c.id, pageNum)
	}

	ident := common.PageIdentity{Container: c.id, PageNum: r.pageNum}
	p, err := m.pool.GetPage(ident)
	if err != nil {
		return false, err
	}
	defer m.pool.Unpin(ident)

	p.Lock()
	defer p.Unlock()

	a, err := readAllocMap(p)
	if err != nil {
		return false, err
	}

	cur := a.status(pageNum)
	matches := false
	for _, s := range from {
		matches = matches || s == cur
	}
	if !matches {
		return false, nil
	}

	op := wal.AllocStatus{Page: ident, PageNum: pageNum, Before: cur, After: to}
	if _, err := m.Execute(p, op, logOp); err != nil {
		return false, err
	}

	return true, nil
}

// extendChainLocked appends an allocation page to the chain.
func (m *Manager) extendChainLocked(c *Container, logOp LogFunc) error {
	last := c.chain[len(c.chain)-1]
	pageNum := last.end

	link := wal.AllocLink{
		Page:   common.PageIdentity{Container: c.id, PageNum: last.pageNum},
		Before: 0,
		After:  pageNum,
	}
	if _, err := m.ExecuteOn(link, logOp); err != nil {
		return err
	}

	a := newAllocMap(pageNum+1, c.props.PageSize)
	initAlloc := wal.InitPage{
		Page:  common.PageIdentity{Container: c.id, PageNum: pageNum},
		Type:  page.TypeAlloc,
		Slots: [][]byte{a.encode()},
	}
	if _, err := m.ExecuteOn(initAlloc, logOp); err != nil {
		return err
	}

	c.chain = append(c.chain, allocRange{pageNum: pageNum, base: a.base, end: a.end()})
	c.highWater = max(c.highWater, a.base)

	m.log.Debugw("allocation chain extended", "container", c.id.String(), "page", pageNum)
	return nil
}

// Allocation logs the allocation page changes of AddPage. When Commit is
// set it is called after the page is formatted and before its latch is
// released, so the allocation outlives a rollback of the formatting
// transaction and nobody sees the page unformatted.
type Allocation struct {
	Log    LogFunc
	Commit func() error
}

// AddPage allocates a page and formats it as typ. The smallest reusable
// page is taken first, otherwise the container grows. The page is
// returned pinned and latched exclusively. The formatting is logged with
// logOp.
func (m *Manager) AddPage(
	c *Container,
	typ page.Type,
	alloc Allocation,
	logOp LogFunc,
) (_ *page.SlottedPage, err error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	// an allocation that is not committed is rolled back by its owner
	defer func() {
		if err != nil {
			c.stale.Store(true)
		}
	}()

	if err := m.refreshLocked(c); err != nil {
		return nil, err
	}

	var pageNum uint64
	for {
		candidate, ok := c.reusable.Min()
		if !ok {
			break
		}
		c.reusable.Delete(candidate)

		done, err := m.setStatusLocked(c, candidate, wal.StatusAllocated, alloc.Log,
			wal.StatusFree, wal.StatusUnused)
		if err != nil {
			return nil, err
		}
		if done {
			pageNum = candidate
			break
		}
	}

	if pageNum == 0 {
		if c.highWater >= c.chain[len(c.chain)-1].end {
			if err := m.extendChainLocked(c, alloc.Log); err != nil {
				return nil, err
			}
		}

		candidate := c.highWater
		done, err := m.setStatusLocked(c, candidate, wal.StatusAllocated, alloc.Log, wal.StatusUnused)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, rawerr.Corruption("container %s: page %d past the high water mark is in use",
				c.id, candidate)
		}
		pageNum = candidate
		c.highWater = candidate + 1
	}

	ident := common.PageIdentity{Container: c.id, PageNum: pageNum}
	p, err := m.pool.GetPage(ident)
	if err != nil {
		return nil, err
	}
	p.Lock()

	next := common.FirstRecordID
	if !c.props.ReusableRecordIDs && p.Type() != page.TypeUnformatted {
		next = max(next, p.NextRecordID())
	}

	init := wal.InitPage{Page: ident, Type: typ, NextRecordID: next}
	if _, err := m.Execute(p, init, logOp); err != nil {
		p.Unlock()
		m.pool.Unpin(ident)
		return nil, err
	}

	if alloc.Commit != nil {
		if err := alloc.Commit(); err != nil {
			p.Unlock()
			m.pool.Unpin(ident)
			return nil, err
		}
	}

	return p, nil
}

// RemovePage marks an allocated page deallocated. It becomes reusable only
// after FreePage, once the removing transaction committed. The caller must
// not hold the latch of the page.
func (m *Manager) RemovePage(c *Container, pageNum uint64, logOp LogFunc) error {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if err := m.refreshLocked(c); err != nil {
		return err
	}

	done, err := m.setStatusLocked(c, pageNum, wal.StatusDeallocated, logOp, wal.StatusAllocated)
	if err != nil {
		return err
	}
	if !done {
		return rawerr.NotFound("container %s: page %d is not allocated", c.id, pageNum)
	}

	return nil
}

// FreePage makes a deallocated page reusable. Pages in any other state are
// left alone.
func (m *Manager) FreePage(c *Container, pageNum uint64, logOp LogFunc) error {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if err := m.refreshLocked(c); err != nil {
		return err
	}

	done, err := m.setStatusLocked(c, pageNum, wal.StatusFree, logOp, wal.StatusDeallocated)
	if err != nil {
		return err
	}
	if done {
		c.reusable.ReplaceOrInsert(pageNum)
	}

	return nil
}

func (m *Manager) PageStatus(c *Container, pageNum uint64) (wal.PageStatus, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if err := m.refreshLocked(c); err != nil {
		return wal.StatusUnused, err
	}

	r, ok := c.rangeOf(pageNum)
	if !ok {
		return wal.StatusUnused, rawerr.NotFound("container %s has no page %d", c.id, pageNum)
	}

	a, err := m.readAlloc(c.id, r.pageNum)
	if err != nil {
		return wal.StatusUnused, err
	}
	return a.status(pageNum), nil
}

// NextAllocated returns the first allocated page after pageNum.
func (m *Manager) NextAllocated(c *Container, pageNum uint64) (uint64, bool, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if err := m.refreshLocked(c); err != nil {
		return 0, false, err
	}

	for _, r := range c.chain {
		if r.end <= pageNum+1 {
			continue
		}

		a, err := m.readAlloc(c.id, r.pageNum)
		if err != nil {
			return 0, false, err
		}
		for n := max(pageNum+1, a.base); n < a.end(); n++ {
			if a.status(n) == wal.StatusAllocated {
				return n, true, nil
			}
		}
	}

	return 0, false, nil
}

func (m *Manager) FirstAllocated(c *Container) (uint64, bool, error) {
	return m.NextAllocated(c, headerPageNum)
}

func (m *Manager) LastAllocated(c *Container) (uint64, bool, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if err := m.refreshLocked(c); err != nil {
		return 0, false, err
	}

	for i := len(c.chain) - 1; i >= 0; i-- {
		a, err := m.readAlloc(c.id, c.chain[i].pageNum)
		if err != nil {
			return 0, false, err
		}
		for j := len(a.statuses) - 1; j >= 0; j-- {
			if a.statuses[j] == wal.StatusAllocated {
				return a.base + uint64(j), true, nil //nolint:gosec
			}
		}
	}

	return 0, false, nil
}

// Preallocate grows the file to make room for n pages past the high water
// mark. Allocation state does not change.
func (m *Manager) Preallocate(c *Container, n int) error {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if err := m.refreshLocked(c); err != nil {
		return err
	}

	return m.files.Extend(c.id, c.highWater+uint64(n)) //nolint:gosec
}

// DeallocatedPages lists the pages waiting for their deallocating
// transaction's post-commit work.
func (m *Manager) DeallocatedPages(c *Container) ([]uint64, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if err := m.refreshLocked(c); err != nil {
		return nil, err
	}

	var res []uint64
	for _, r := range c.chain {
		a, err := m.readAlloc(c.id, r.pageNum)
		if err != nil {
			return nil, err
		}
		for i, s := range a.statuses {
			if s == wal.StatusDeallocated {
				res = append(res, a.base+uint64(i)) //nolint:gosec
			}
		}
	}

	return res, nil
}
