package container

import (
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/google/btree"

	"github.com/Blackdeer1524/rawstore/src"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

// LogFunc appends op to the log on behalf of a transaction and returns the
// LSN of the new record.
type LogFunc func(op wal.PageOp) (common.LSN, error)

type Pool interface {
	GetPage(common.PageIdentity) (*page.SlottedPage, error)
	Unpin(common.PageIdentity)
	MarkDirty(p *page.SlottedPage, lsn common.LSN)
	Discard(cid common.ContainerID)
}

type Files interface {
	Create(id common.ContainerID, pageSize int) error
	Exists(id common.ContainerID) bool
	Remove(id common.ContainerID) error
	Extend(id common.ContainerID, n uint64) error
	List() []common.ContainerID
}

// Gate is held shared from the moment an operation is logged until its page
// is marked dirty, so a checkpoint holding it exclusively sees a dirty page
// table that covers every logged change.
type Gate interface {
	RLock()
	RUnlock()
}

type allocRange struct {
	pageNum uint64
	base    uint64
	end     uint64
}

// Container is the cached allocation state of one open container.
type Container struct {
	id    common.ContainerID
	props Props

	// allocMu serializes allocation decisions. It is taken before any
	// page latch.
	allocMu sync.Mutex
	// stale is set when allocation pages changed behind allocMu, by redo
	// or rollback
	stale    atomic.Bool
	chain    []allocRange
	reusable *btree.BTreeG[uint64]
	// highWater is one past the highest page ever allocated
	highWater uint64
}

func (c *Container) ID() common.ContainerID {
	return c.id
}

func (c *Container) Props() Props {
	return c.props
}

// Manager maps container ids to files and allocation state and applies
// every logged page operation.
type Manager struct {
	pool  Pool
	files Files
	gate  Gate
	log   src.Logger

	mu         sync.Mutex
	containers map[common.ContainerID]*Container
}

func New(pool Pool, files Files, gate Gate, log src.Logger) *Manager {
	return &Manager{
		pool:       pool,
		files:      files,
		gate:       gate,
		log:        log,
		containers: make(map[common.ContainerID]*Container),
	}
}

func (m *Manager) Exists(id common.ContainerID) bool {
	return m.files.Exists(id)
}

// List returns the ids of every container file, dropped or not.
func (m *Manager) List() []common.ContainerID {
	return m.files.List()
}

// Create logs the creation of a container, creates its file and formats
// the header and the first allocation page.
func (m *Manager) Create(id common.ContainerID, props Props, logOp LogFunc) (*Container, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	if m.files.Exists(id) {
		return nil, rawerr.Protocol("container %s already exists", id)
	}

	raw, _ := props.MarshalBinary()
	create := wal.ContainerCreate{
		Container: id,
		PageSize:  uint32(props.PageSize), //nolint:gosec
		Props:     raw,
	}

	// a file left behind by a crash before the record reached the log has
	// no header and is swept at the next boot
	if err := m.files.Create(id, props.PageSize); err != nil {
		return nil, err
	}
	if _, err := m.ExecuteOn(create, logOp); err != nil {
		return nil, err
	}

	a := newAllocMap(firstUserPageNum, props.PageSize)
	initAlloc := wal.InitPage{
		Page:  common.PageIdentity{Container: id, PageNum: firstAllocPage},
		Type:  page.TypeAlloc,
		Slots: [][]byte{a.encode()},
	}
	if _, err := m.ExecuteOn(initAlloc, logOp); err != nil {
		return nil, err
	}

	c := &Container{
		id:        id,
		props:     props,
		chain:     []allocRange{{pageNum: firstAllocPage, base: a.base, end: a.end()}},
		reusable:  btree.NewOrderedG[uint64](16),
		highWater: firstUserPageNum,
	}

	if props.InitialPages > 0 {
		if err := m.Preallocate(c, props.InitialPages); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.containers[id] = c
	m.mu.Unlock()

	m.log.Debugw("container created", "container", id.String(), "page_size", props.PageSize)
	return c, nil
}

// header reads the header record of the container.
func (m *Manager) header(id common.ContainerID) (header, error) {
	if !m.files.Exists(id) {
		return header{}, rawerr.NotFound("container %s", id)
	}

	ident := common.PageIdentity{Container: id, PageNum: headerPageNum}
	p, err := m.pool.GetPage(ident)
	if err != nil {
		return header{}, err
	}
	defer m.pool.Unpin(ident)

	p.RLock()
	defer p.RUnlock()

	return readHeader(p)
}

// IsDropped reports whether the container carries the dropped flag.
func (m *Manager) IsDropped(id common.ContainerID) (bool, error) {
	h, err := m.header(id)
	if err != nil {
		return false, err
	}
	return h.dropped, nil
}

// Open returns the container unless it is missing or dropped.
func (m *Manager) Open(id common.ContainerID) (*Container, error) {
	h, err := m.header(id)
	if err != nil {
		return nil, err
	}
	if h.dropped {
		return nil, rawerr.NotFound("container %s is dropped", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		c = &Container{id: id, props: h.props}
		c.stale.Store(true)
		m.containers[id] = c
	}

	return c, nil
}

// Drop sets the dropped flag. The file stays until Remove.
func (m *Manager) Drop(id common.ContainerID, logOp LogFunc) error {
	h, err := m.header(id)
	if err != nil {
		return err
	}
	if h.dropped {
		return rawerr.NotFound("container %s is dropped", id)
	}

	_, err = m.ExecuteOn(wal.ContainerDrop{Container: id, Dropped: true}, logOp)
	return err
}

// Remove deletes the file of a dropped container and forgets its pages.
func (m *Manager) Remove(id common.ContainerID) error {
	m.mu.Lock()
	delete(m.containers, id)
	m.mu.Unlock()

	m.pool.Discard(id)
	if err := m.files.Remove(id); err != nil {
		return err
	}

	m.log.Infow("container removed", "container", id.String())
	return nil
}

func (m *Manager) invalidate(id common.ContainerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.containers[id]; ok {
		c.stale.Store(true)
	}
}

// Forget drops the cached state of every container.
func (m *Manager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.containers)
}

// Execute logs op and applies it to p. The caller holds the exclusive
// latch of p. Nothing is logged when op can not be applied.
func (m *Manager) Execute(p *page.SlottedPage, op wal.PageOp, logOp LogFunc) (common.LSN, error) {
	if err := check(p, op); err != nil {
		return common.NilLSN, err
	}

	m.gate.RLock()
	defer m.gate.RUnlock()

	lsn, err := logOp(op)
	if err != nil {
		return common.NilLSN, err
	}

	if err := apply(p, op); err != nil {
		return common.NilLSN, errors.Wrapf(err, "apply logged %s at %s", op.Kind(), lsn)
	}
	p.SetLSN(lsn)
	m.pool.MarkDirty(p, lsn)

	return lsn, nil
}

// ExecuteOn latches the target page of op for the duration of Execute.
func (m *Manager) ExecuteOn(op wal.PageOp, logOp LogFunc) (common.LSN, error) {
	ident := op.Target()
	p, err := m.pool.GetPage(ident)
	if err != nil {
		return common.NilLSN, err
	}
	defer m.pool.Unpin(ident)

	p.Lock()
	defer p.Unlock()

	return m.Execute(p, op, logOp)
}

// Redo reapplies a page operation unless its page already reflects it.
// Operations on containers whose file is gone are skipped. It reports
// whether the page changed.
func (m *Manager) Redo(lsn common.LSN, op wal.PageOp) (bool, error) {
	ident := op.Target()

	if create, ok := op.(wal.ContainerCreate); ok {
		if err := m.files.Create(create.Container, int(create.PageSize)); err != nil {
			return false, err
		}
	} else if !m.files.Exists(ident.Container) {
		return false, nil
	}

	p, err := m.pool.GetPage(ident)
	if err != nil {
		return false, err
	}
	defer m.pool.Unpin(ident)

	p.Lock()
	defer p.Unlock()

	if p.LSN() >= lsn {
		return false, nil
	}

	if err := apply(p, op); err != nil {
		return false, errors.Wrapf(err, "redo %s at %s", op.Kind(), lsn)
	}
	p.SetLSN(lsn)
	m.pool.MarkDirty(p, lsn)

	m.invalidateAfter(op)
	return true, nil
}

func (m *Manager) invalidateAfter(op wal.PageOp) {
	switch o := op.(type) {
	case wal.AllocStatus, wal.AllocLink:
		m.invalidate(op.Target().Container)
	case wal.InitPage:
		if o.Type == page.TypeAlloc {
			m.invalidate(o.Page.Container)
		}
	}
}

// Undo applies the logical inverse of op. logOp receives the inverse and
// is expected to log it as a compensation record. Redo-only operations and
// operations on removed containers are skipped, then the returned LSN is
// nil.
func (m *Manager) Undo(op wal.PageOp, logOp LogFunc) (common.LSN, error) {
	inverse, ok := op.Undo()
	if !ok {
		return common.NilLSN, nil
	}
	if !m.files.Exists(inverse.Target().Container) {
		return common.NilLSN, nil
	}

	lsn, err := m.ExecuteOn(inverse, logOp)
	if err != nil {
		return common.NilLSN, errors.Wrapf(err, "undo %s", op.Kind())
	}

	m.invalidateAfter(inverse)
	return lsn, nil
}
