// Package rawstore is the transactional page store: transactions,
// savepoints, containers and their pages on top of the log, the buffer
// pool and recovery.
package rawstore

import (
	"cmp"
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/Blackdeer1524/rawstore/src"
	"github.com/Blackdeer1524/rawstore/src/bufferpool"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/recovery"
	"github.com/Blackdeer1524/rawstore/src/storage/container"
	"github.com/Blackdeer1524/rawstore/src/storage/disk"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/txns"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

type Config struct {
	Dir                  string
	PageSize             int
	BufferPoolSize       uint64
	LogFileSize          uint32
	LogCompressThreshold int
	LockTimeout          time.Duration
	FlushWorkers         int
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:                  dir,
		PageSize:             page.DefaultPageSize,
		BufferPoolSize:       256,
		LogFileSize:          wal.DefaultMaxFileSize,
		LogCompressThreshold: 1024,
		LockTimeout:          5 * time.Second,
		FlushWorkers:         4,
	}
}

// PropertiesContainer holds the transactional properties of the store.
var PropertiesContainer = common.ContainerID{Segment: 0, ID: 0}

// RawStoreContext owns every component of an open store.
type RawStoreContext struct {
	cfg    Config
	logger src.Logger

	log   *wal.Logger
	disk  *disk.Manager
	pool  *bufferpool.Manager
	pages *container.Manager
	locks *txns.Manager

	metrics *metrics

	// gate is held shared while a change is logged and applied, and
	// exclusively while a checkpoint takes its snapshot
	gate sync.RWMutex
	// cpMu serializes checkpoints
	cpMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	txns          map[*Transaction]struct{}
	lastTxnID     common.TxnID
	lastContainer uint64
	lastSpace     txns.Space
}

// Open boots the store in cfg.Dir, creating it when empty, and recovers it.
func Open(fs afero.Fs, cfg Config, logger src.Logger) (*RawStoreContext, error) {
	l, err := wal.Open(fs, wal.Config{
		Dir:               filepath.Join(cfg.Dir, "log"),
		MaxFileSize:       cfg.LogFileSize,
		CompressThreshold: cfg.LogCompressThreshold,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}

	d := disk.New(fs, filepath.Join(cfg.Dir, "data"))
	if err := d.Load(); err != nil {
		_ = l.Close()
		return nil, errors.Wrap(err, "load containers")
	}

	s := &RawStoreContext{
		cfg:     cfg,
		logger:  logger,
		log:     l,
		disk:    d,
		locks:   txns.NewManager(logger),
		metrics: newMetrics(),
		txns:    make(map[*Transaction]struct{}),
	}
	s.pool = bufferpool.New(cfg.BufferPoolSize, bufferpool.NewLRUReplacer(), d, l, cfg.FlushWorkers)
	s.pages = container.New(s.pool, d, &s.gate, logger)

	if err := s.boot(); err != nil {
		_ = l.Close()
		_ = d.Close()
		return nil, err
	}

	logger.Infow("store opened",
		"dir", cfg.Dir,
		"store_id", l.StoreID().String(),
		"containers", len(d.List()),
	)
	return s, nil
}

func (s *RawStoreContext) boot() error {
	res, err := recovery.New(s.log, s.pages, s.logger).Restart()
	if err != nil {
		return errors.Wrap(err, "recovery")
	}

	s.pages.Forget()

	s.lastTxnID = res.MaxTxnID
	s.lastContainer = res.MaxContainerID
	for _, id := range s.disk.List() {
		s.lastContainer = max(s.lastContainer, id.ID)
	}

	for _, e := range res.Prepared {
		s.adoptPrepared(e)
	}

	if err := s.sweep(res.Committed); err != nil {
		return errors.Wrap(err, "sweep")
	}

	if err := s.ensureProperties(); err != nil {
		return errors.Wrap(err, "properties container")
	}

	if _, err := s.Checkpoint(context.Background()); err != nil {
		return errors.Wrap(err, "boot checkpoint")
	}
	return nil
}

func (s *RawStoreContext) ensureProperties() error {
	if s.pages.Exists(PropertiesContainer) {
		return nil
	}

	t := s.StartInternalTransaction()
	defer t.Close()

	props := container.DefaultProps()
	props.PageSize = s.pageSize()
	if _, err := s.pages.Create(PropertiesContainer, props, t.logOp); err != nil {
		_ = t.Abort()
		return err
	}
	return t.Commit()
}

func (s *RawStoreContext) pageSize() int {
	if s.cfg.PageSize == 0 {
		return page.DefaultPageSize
	}
	return s.cfg.PageSize
}

func (s *RawStoreContext) register(t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return rawerr.Protocol("store is closed")
	}
	s.txns[t] = struct{}{}
	return nil
}

func (s *RawStoreContext) unregister(t *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.txns, t)
}

func (s *RawStoreContext) nextTxnID() common.TxnID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTxnID++
	return s.lastTxnID
}

func (s *RawStoreContext) nextContainerID() common.ContainerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastContainer++
	return common.ContainerID{Segment: 0, ID: s.lastContainer}
}

func (s *RawStoreContext) nextSpace() txns.Space {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSpace++
	return s.lastSpace
}

func (s *RawStoreContext) newTransaction(kind wal.TxnKind, parent *Transaction, readOnly bool) (*Transaction, error) {
	t := &Transaction{
		store:    s,
		kind:     kind,
		parent:   parent,
		readOnly: readOnly,
	}

	if parent != nil {
		t.owner = txns.Owner{Space: parent.owner.Space, Group: uint64(s.nextSpace())}
	} else {
		space := s.nextSpace()
		t.owner = txns.Owner{Space: space, Group: uint64(space)}
	}

	if err := s.register(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *RawStoreContext) StartTransaction() (*Transaction, error) {
	return s.newTransaction(wal.TxnUser, nil, false)
}

// StartGlobalTransaction starts a transaction that can be prepared and
// later found again by its global id.
func (s *RawStoreContext) StartGlobalTransaction(global common.GlobalTxnID) (*Transaction, error) {
	if _, err := s.FindPrepared(global); err == nil {
		return nil, rawerr.Protocol("global transaction %s is in doubt", global)
	}

	t, err := s.newTransaction(wal.TxnUser, nil, false)
	if err != nil {
		return nil, err
	}
	t.global = global
	return t, nil
}

// StartInternalTransaction starts a transaction for store bookkeeping. It
// never waits for locks.
func (s *RawStoreContext) StartInternalTransaction() *Transaction {
	t := &Transaction{
		store: s,
		kind:  wal.TxnInternal,
	}
	space := s.nextSpace()
	t.owner = txns.Owner{Space: space, Group: uint64(space)}

	s.mu.Lock()
	s.txns[t] = struct{}{}
	s.mu.Unlock()

	return t
}

// FindPrepared returns the prepared transaction with the global id.
func (s *RawStoreContext) FindPrepared(global common.GlobalTxnID) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t := range s.txns {
		if t.global == global && t.State() == StatePrepared {
			return t, nil
		}
	}
	return nil, rawerr.NotFound("prepared transaction %s", global)
}

// adoptPrepared turns an in-doubt transaction found by recovery back into
// a transaction object.
func (s *RawStoreContext) adoptPrepared(e *recovery.TxnEntry) {
	space := s.nextSpace()
	t := &Transaction{
		store:    s,
		kind:     e.Kind,
		global:   e.Global,
		owner:    txns.Owner{Space: space, Group: uint64(space)},
		id:       e.ID,
		begun:    true,
		logState: wal.TxnPrepared,
		firstLSN: e.FirstLSN,
		lastLSN:  e.LastLSN,
	}
	t.setState(StatePrepared)
	if e.Prepare != nil {
		t.deallocated = slices.Clone(e.Prepare.Deallocated)
		t.dropped = slices.Clone(e.Prepare.Dropped)
		t.held = slices.Clone(e.Prepare.Held)
	}

	s.txns[t] = struct{}{}
	s.logger.Warnw("transaction in doubt after restart",
		"txn", uint64(e.ID),
		"global", e.Global.String(),
	)
}

// sweep finishes post-commit work a crash left behind: files of dropped
// or never initialized containers are removed, deallocated pages are
// freed. Work held by prepared transactions is left alone.
func (s *RawStoreContext) sweep(committed []*recovery.TxnEntry) error {
	heldPages := make(map[common.PageIdentity]struct{})
	heldContainers := make(map[common.ContainerID]struct{})
	for t := range s.txns {
		for _, p := range t.deallocated {
			heldPages[p] = struct{}{}
		}
		for _, c := range t.dropped {
			heldContainers[c] = struct{}{}
		}
	}

	it := s.StartInternalTransaction()
	defer it.Close()

	freed := 0
	for _, id := range s.pages.List() {
		if _, ok := heldContainers[id]; ok {
			continue
		}

		dropped, err := s.pages.IsDropped(id)
		switch {
		case rawerr.KindOf(err) == rawerr.KindNotFound || (err == nil && dropped):
			if err := s.pages.Remove(id); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		c, err := s.pages.Open(id)
		if err != nil {
			return err
		}
		pages, err := s.pages.DeallocatedPages(c)
		if err != nil {
			return err
		}
		for _, n := range pages {
			if _, ok := heldPages[common.PageIdentity{Container: id, PageNum: n}]; ok {
				continue
			}
			if err := s.pages.FreePage(c, n, it.logOp); err != nil {
				return err
			}
			freed++
		}
	}

	for _, e := range committed {
		last, err := s.finishRelease(e)
		if err != nil {
			return errors.Wrapf(err, "release held space of transaction %d", e.ID)
		}
		if err := s.endTransaction(e.ID, last); err != nil {
			return err
		}
	}

	if err := it.Commit(); err != nil {
		return err
	}

	s.metrics.pagesReclaimed(freed)
	if freed > 0 || len(committed) > 0 {
		s.logger.Infow("post-commit work finished", "freed_pages", freed, "ended", len(committed))
	}
	return nil
}

// releaseHeld gives back held page space with ReleaseSpace records logged
// by logOp. Pages of removed containers are skipped.
func (s *RawStoreContext) releaseHeld(held []wal.HeldSpace, logOp container.LogFunc) error {
	for _, h := range held {
		if !s.pages.Exists(h.Page.Container) {
			continue
		}
		op := wal.ReleaseSpace{Page: h.Page, Bytes: h.Bytes}
		if _, err := s.pages.ExecuteOn(op, logOp); err != nil {
			return errors.Wrapf(err, "release %d bytes on page %s", h.Bytes, h.Page)
		}
	}
	return nil
}

// finishRelease releases what a committed transaction still held at the
// crash. Its chain ends with the commit record followed by the releases
// already done. It returns the new last record of the transaction.
func (s *RawStoreContext) finishRelease(e *recovery.TxnEntry) (common.LSN, error) {
	released := make(map[common.PageIdentity]struct{})
	lsn := e.LastLSN
	var commit wal.Commit
	for {
		rec, err := s.log.ReadRecord(lsn)
		if err != nil {
			return common.NilLSN, err
		}
		if r, ok := rec.Body.(wal.ReleaseSpace); ok {
			released[r.Page] = struct{}{}
			lsn = rec.PrevLSN
			continue
		}

		c, ok := rec.Body.(wal.Commit)
		if !ok {
			return common.NilLSN, rawerr.Corruption("transaction %d: %s found instead of its commit record at %s",
				e.ID, rec.Body.Kind(), lsn)
		}
		commit = c
		break
	}

	pending := slices.DeleteFunc(commit.Held, func(h wal.HeldSpace) bool {
		_, ok := released[h.Page]
		return ok
	})
	last := e.LastLSN
	err := s.releaseHeld(pending, func(op wal.PageOp) (common.LSN, error) {
		lsn, err := s.log.Append(e.ID, last, op)
		if err != nil {
			return common.NilLSN, err
		}
		last = lsn
		return lsn, nil
	})
	if err != nil {
		return common.NilLSN, err
	}
	if len(pending) > 0 {
		s.logger.Infow("held space released after restart", "txn", uint64(e.ID), "pages", len(pending))
	}
	return last, nil
}

// endTransaction writes the end record of a transaction restart found
// committed.
func (s *RawStoreContext) endTransaction(id common.TxnID, prev common.LSN) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	_, err := s.log.Append(id, prev, wal.TxnEnd{})
	return err
}

// Checkpoint writes dirty pages, logs a checkpoint record, makes it the
// restart point and deletes log files restart no longer needs.
func (s *RawStoreContext) Checkpoint(ctx context.Context) (common.LSN, error) {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()

	if err := s.pool.FlushAll(ctx); err != nil {
		return common.NilLSN, errors.Wrap(err, "flush pages")
	}
	if err := s.disk.SyncAll(); err != nil {
		return common.NilLSN, err
	}

	s.gate.Lock()
	cp, oldest := s.snapshotLocked()
	lsn, err := s.log.Append(common.NilTxnID, common.NilLSN, cp)
	s.gate.Unlock()
	if err != nil {
		return common.NilLSN, err
	}

	if err := s.log.WriteControl(lsn); err != nil {
		return common.NilLSN, err
	}

	removed, err := s.log.Truncate(oldest)
	if err != nil {
		return common.NilLSN, err
	}

	s.metrics.checkpointed()
	s.logger.Infow("checkpoint",
		"lsn", lsn.String(),
		"redo_lsn", cp.RedoLSN.String(),
		"transactions", len(cp.Txns),
		"dirty_pages", len(cp.DirtyPages),
		"removed_log_files", removed,
	)
	return lsn, nil
}

// snapshotLocked builds the checkpoint record. The caller holds the gate
// exclusively. oldest is the first LSN restart may need.
func (s *RawStoreContext) snapshotLocked() (wal.Checkpoint, common.LSN) {
	cp := wal.Checkpoint{RedoLSN: s.log.EndLSN()}

	for ident, recLSN := range s.pool.DirtyPages() {
		cp.DirtyPages = append(cp.DirtyPages, wal.DirtyPage{Page: ident, RecLSN: recLSN})
		cp.RedoLSN = min(cp.RedoLSN, recLSN)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := cp.RedoLSN
	for t := range s.txns {
		entry, ok := t.checkpointEntry()
		if !ok {
			continue
		}
		cp.Txns = append(cp.Txns, entry)
		oldest = min(oldest, entry.FirstLSN)
	}
	slices.SortFunc(cp.Txns, func(a, b wal.CheckpointTxn) int {
		return cmp.Compare(a.ID, b.ID)
	})

	cp.MaxTxnID = s.lastTxnID
	cp.MaxContainerID = s.lastContainer
	return cp, oldest
}

// RunCheckpoints takes a checkpoint every interval until ctx is done.
func (s *RawStoreContext) RunCheckpoints(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Checkpoint(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// FlushLog forces the whole log to stable storage.
func (s *RawStoreContext) FlushLog() error {
	return s.log.FlushAll()
}

// SwitchLogFile starts a new log file without a checkpoint.
func (s *RawStoreContext) SwitchLogFile() error {
	return s.log.SwitchFile()
}

func (s *RawStoreContext) LogManager() *wal.Logger {
	return s.log
}

// Close takes a final checkpoint and releases the files. Transactions
// still running are rolled back by the next restart.
func (s *RawStoreContext) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_, cpErr := s.Checkpoint(context.Background())
	logErr := s.log.Close()
	diskErr := s.disk.Close()

	s.logger.Infow("store closed", "dir", s.cfg.Dir)
	return multierr.Combine(cpErr, logErr, diskErr)
}
