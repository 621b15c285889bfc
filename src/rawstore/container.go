package rawstore

import (
	"context"
	"slices"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/container"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/txns"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

type OpenMode uint8

const (
	OpenForUpdate OpenMode = iota
	OpenReadOnly
)

// AddContainer creates a container and returns its id. The creation is
// undone if the transaction aborts.
func (t *Transaction) AddContainer(ctx context.Context, props container.Props) (common.ContainerID, error) {
	if err := t.checkWritable(); err != nil {
		return common.ContainerID{}, err
	}
	if props.PageSize == 0 {
		props.PageSize = t.store.pageSize()
	}
	if err := props.Validate(); err != nil {
		return common.ContainerID{}, err
	}

	id := t.store.nextContainerID()
	if err := t.lock(ctx, txns.ContainerResource(id), txns.LockExclusive); err != nil {
		return common.ContainerID{}, err
	}

	if _, err := t.store.pages.Create(id, props, t.logOp); err != nil {
		return common.ContainerID{}, err
	}

	t.store.logger.Debugw("container added", "container", id.String(), "txn", uint64(t.id))
	return id, nil
}

// DropContainer flags the container dropped. Its file is removed once the
// transaction commits, an abort makes it usable again.
func (t *Transaction) DropContainer(ctx context.Context, id common.ContainerID) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if id == PropertiesContainer {
		return rawerr.Protocol("the properties container can not be dropped")
	}
	if err := t.lock(ctx, txns.ContainerResource(id), txns.LockExclusive); err != nil {
		return err
	}

	if err := t.store.pages.Drop(id, t.logOp); err != nil {
		return err
	}
	t.dropped = append(t.dropped, id)
	return nil
}

// OpenContainer opens an existing container. Dropped containers are not
// found.
func (t *Transaction) OpenContainer(ctx context.Context, id common.ContainerID, mode OpenMode) (*ContainerHandle, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if mode == OpenForUpdate {
		if err := t.checkWritable(); err != nil {
			return nil, err
		}
	}
	if err := t.lock(ctx, txns.ContainerResource(id), txns.LockShared); err != nil {
		return nil, err
	}

	c, err := t.store.pages.Open(id)
	if err != nil {
		return nil, err
	}

	t.handleSeq++
	h := &ContainerHandle{
		t:     t,
		c:     c,
		mode:  mode,
		seq:   t.handleSeq,
		pages: make(map[uint64]*PageHandle),
	}
	t.handles = append(t.handles, h)
	return h, nil
}

// ContainerHandle is an open container within a transaction. It is
// closed by commit, abort, and rollback to a savepoint set before it was
// opened.
type ContainerHandle struct {
	t      *Transaction
	c      *container.Container
	mode   OpenMode
	seq    uint64
	closed bool

	pages map[uint64]*PageHandle
}

func (h *ContainerHandle) ID() common.ContainerID {
	return h.c.ID()
}

func (h *ContainerHandle) Props() container.Props {
	return h.c.Props()
}

func (h *ContainerHandle) checkOpen() error {
	if h.closed {
		return rawerr.Protocol("container %s handle is closed", h.c.ID())
	}
	return h.t.checkOpen()
}

func (h *ContainerHandle) checkWritable() error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.mode == OpenReadOnly {
		return rawerr.Protocol("container %s is open read-only", h.c.ID())
	}
	return h.t.checkWritable()
}

// latch pins and exclusively latches a page for the handle.
func (h *ContainerHandle) latch(pageNum uint64) (*PageHandle, error) {
	ident := common.PageIdentity{Container: h.c.ID(), PageNum: pageNum}
	if _, ok := h.t.latched[ident]; ok {
		return nil, rawerr.Protocol("page %s is already latched by the transaction", ident)
	}

	p, err := h.t.store.pool.GetPage(ident)
	if err != nil {
		return nil, err
	}
	p.Lock()

	return h.track(p), nil
}

func (h *ContainerHandle) track(p *page.SlottedPage) *PageHandle {
	ph := &PageHandle{h: h, p: p, ident: p.Ident(), latched: true}
	if h.t.latched == nil {
		h.t.latched = make(map[common.PageIdentity]*PageHandle)
	}
	h.t.latched[ph.ident] = ph
	h.pages[ph.ident.PageNum] = ph
	return ph
}

// peekType reads the type of a page without keeping it latched.
func (h *ContainerHandle) peekType(pageNum uint64) (page.Type, error) {
	ident := common.PageIdentity{Container: h.c.ID(), PageNum: pageNum}
	if ph, ok := h.t.latched[ident]; ok {
		return ph.p.Type(), nil
	}

	p, err := h.t.store.pool.GetPage(ident)
	if err != nil {
		return page.TypeUnformatted, err
	}
	defer h.t.store.pool.Unpin(ident)

	p.RLock()
	defer p.RUnlock()

	return p.Type(), nil
}

// GetPage latches an allocated user page.
func (h *ContainerHandle) GetPage(pageNum uint64) (*PageHandle, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}

	status, err := h.t.store.pages.PageStatus(h.c, pageNum)
	if err != nil {
		return nil, err
	}
	if status != wal.StatusAllocated {
		return nil, rawerr.NotFound("container %s: page %d is %s", h.c.ID(), pageNum, status)
	}

	ph, err := h.latch(pageNum)
	if err != nil {
		return nil, err
	}
	if ph.p.Type() != page.TypeData {
		ph.unlatch()
		return nil, rawerr.NotFound("container %s: page %d is not a user page", h.c.ID(), pageNum)
	}
	return ph, nil
}

// nextDataPage returns the first allocated user page after pageNum.
func (h *ContainerHandle) nextDataPage(pageNum uint64) (uint64, bool, error) {
	for {
		next, ok, err := h.t.store.pages.NextAllocated(h.c, pageNum)
		if err != nil || !ok {
			return 0, false, err
		}

		typ, err := h.peekType(next)
		if err != nil {
			return 0, false, err
		}
		if typ == page.TypeData {
			return next, true, nil
		}
		pageNum = next
	}
}

// GetFirstPage latches the first user page. It returns nil when the
// container has none.
func (h *ContainerHandle) GetFirstPage() (*PageHandle, error) {
	return h.GetNextPage(0)
}

// GetNextPage latches the first user page after pageNum. It returns nil
// past the last page.
func (h *ContainerHandle) GetNextPage(pageNum uint64) (*PageHandle, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}

	next, ok, err := h.nextDataPage(pageNum)
	if err != nil || !ok {
		return nil, err
	}
	return h.latch(next)
}

// GetLastPage latches the last user page. It returns nil when the
// container has none.
func (h *ContainerHandle) GetLastPage() (*PageHandle, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}

	last, ok, err := h.t.store.pages.LastAllocated(h.c)
	if err != nil || !ok {
		return nil, err
	}

	typ, err := h.peekType(last)
	if err != nil {
		return nil, err
	}
	if typ != page.TypeData {
		found := false
		for n := uint64(0); ; {
			next, ok, err := h.nextDataPage(n)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			last, found, n = next, true, next
		}
		if !found {
			return nil, nil
		}
	}

	return h.latch(last)
}

// AddPage allocates a user page and returns it latched. The allocation is
// committed by an internal transaction right away, so other transactions
// may use the page before this one ends. A rollback only undoes the
// formatting, the page stays allocated and empty.
func (h *ContainerHandle) AddPage() (*PageHandle, error) {
	if err := h.checkWritable(); err != nil {
		return nil, err
	}

	it := h.t.store.StartInternalTransaction()
	defer it.Close()

	alloc := container.Allocation{
		Log: it.logOp,
		Commit: func() error {
			return it.CommitNoSync(ReleaseLocks)
		},
	}
	p, err := h.t.store.pages.AddPage(h.c, page.TypeData, alloc, h.t.logOp)
	if err != nil {
		return nil, err
	}
	return h.track(p), nil
}

// RemovePage unlatches the page and deallocates it together with the
// overflow pages of its records. The pages can be reused once the
// transaction commits.
func (h *ContainerHandle) RemovePage(ph *PageHandle) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	if err := ph.checkLatched(); err != nil {
		return err
	}

	var chains []uint64
	for slot := range ph.p.NumSlots() {
		pages, err := ph.chainPages(ph.p.Slot(slot).Overflow)
		if err != nil {
			return err
		}
		chains = append(chains, pages...)
	}

	pageNum := ph.ident.PageNum
	ph.unlatch()

	if err := h.deallocate(append([]uint64{pageNum}, chains...)); err != nil {
		return err
	}
	return nil
}

func (h *ContainerHandle) deallocate(pages []uint64) error {
	for _, n := range pages {
		if err := h.t.store.pages.RemovePage(h.c, n, h.t.logOp); err != nil {
			return err
		}
		h.t.deallocated = append(h.t.deallocated, common.PageIdentity{Container: h.c.ID(), PageNum: n})
	}
	return nil
}

// PreAllocate grows the container file by n pages ahead of need.
func (h *ContainerHandle) PreAllocate(n int) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	return h.t.store.pages.Preallocate(h.c, n)
}

// Close unlatches the pages of the handle.
func (h *ContainerHandle) Close() {
	if h.closed {
		return
	}
	h.close()
	h.t.handles = slices.DeleteFunc(h.t.handles, func(o *ContainerHandle) bool {
		return o == h
	})
}

func (h *ContainerHandle) close() {
	for _, ph := range h.pages {
		ph.unlatch()
	}
	h.closed = true
}
