package rawstore

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/recovery"
	"github.com/Blackdeer1524/rawstore/src/txns"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

type State uint32

const (
	// StateIdle transactions have written nothing to the log yet.
	StateIdle State = iota
	StateActive
	StatePrepared
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type CommitMode uint8

const (
	ReleaseLocks CommitMode = iota
	// KeepLocks carries the held locks over into the next unit of work of
	// the same transaction.
	KeepLocks
)

// Transaction is a unit of work. It is not safe for concurrent use, a
// committed or aborted transaction starts over as idle and can be reused
// until it is closed.
type Transaction struct {
	store    *RawStoreContext
	kind     wal.TxnKind
	parent   *Transaction
	readOnly bool
	global   common.GlobalTxnID
	owner    txns.Owner

	state atomic.Uint32

	// written under the store gate held shared, read by checkpoints
	// holding it exclusively
	id       common.TxnID
	begun    bool
	logState wal.TxnState
	firstLSN common.LSN
	lastLSN  common.LSN

	children    []*Transaction
	savepoints  []savepoint
	handles     []*ContainerHandle
	handleSeq   uint64
	latched     map[common.PageIdentity]*PageHandle
	deallocated []common.PageIdentity
	dropped     []common.ContainerID
	// space kept on pages for rolling back purges, in purge order
	held []wal.HeldSpace
}

func (t *Transaction) State() State {
	return State(t.state.Load())
}

func (t *Transaction) setState(s State) {
	t.state.Store(uint32(s))
}

// ID is zero until the transaction writes its first log record.
func (t *Transaction) ID() common.TxnID {
	return t.id
}

func (t *Transaction) Kind() wal.TxnKind {
	return t.kind
}

func (t *Transaction) Global() common.GlobalTxnID {
	return t.global
}

func (t *Transaction) lockTimeout() time.Duration {
	if t.kind == wal.TxnInternal {
		return txns.NoWait
	}
	return t.store.cfg.LockTimeout
}

func (t *Transaction) checkOpen() error {
	if t.State() == StateClosed {
		return rawerr.Protocol("transaction is closed")
	}
	return nil
}

// checkWritable reports whether the transaction may change the store.
func (t *Transaction) checkWritable() error {
	switch t.State() {
	case StateClosed:
		return rawerr.Protocol("transaction is closed")
	case StatePrepared:
		return rawerr.Protocol("transaction %d is prepared", t.id)
	}
	if t.readOnly {
		return rawerr.Protocol("read-only nested transaction can not change the store")
	}
	return nil
}

func (t *Transaction) beginLocked() error {
	if t.begun {
		return nil
	}

	// the parent link must name a logged transaction
	var parent common.TxnID
	if t.parent != nil {
		if err := t.parent.beginLocked(); err != nil {
			return err
		}
		parent = t.parent.id
	}

	id := t.store.nextTxnID()
	lsn, err := t.store.log.Append(id, common.NilLSN, wal.Begin{
		TxnKind: t.kind,
		Parent:  parent,
		Global:  t.global,
	})
	if err != nil {
		return err
	}

	t.id = id
	t.begun = true
	t.logState = wal.TxnActive
	t.firstLSN = lsn
	t.lastLSN = lsn
	t.setState(StateActive)
	return nil
}

// appendLocked logs body as the next record of the transaction. The caller
// holds the store gate shared.
func (t *Transaction) appendLocked(body wal.Body) (common.LSN, error) {
	if err := t.beginLocked(); err != nil {
		return common.NilLSN, err
	}

	lsn, err := t.store.log.Append(t.id, t.lastLSN, body)
	if err != nil {
		return common.NilLSN, err
	}
	t.lastLSN = lsn
	return lsn, nil
}

// logOp is the container.LogFunc of the transaction.
func (t *Transaction) logOp(op wal.PageOp) (common.LSN, error) {
	if err := t.checkWritable(); err != nil {
		return common.NilLSN, err
	}
	return t.appendLocked(op)
}

func (t *Transaction) compensate(undoNext common.LSN, action wal.PageOp) (common.LSN, error) {
	return t.appendLocked(wal.Compensation{UndoNext: undoNext, Action: action})
}

// finish writes the end record and returns the transaction to idle.
func (t *Transaction) finish() error {
	t.store.gate.RLock()
	defer t.store.gate.RUnlock()

	if t.begun {
		if _, err := t.store.log.Append(t.id, t.lastLSN, wal.TxnEnd{}); err != nil {
			return err
		}
	}

	t.id = common.NilTxnID
	t.begun = false
	t.logState = wal.TxnActive
	t.firstLSN = common.NilLSN
	t.lastLSN = common.NilLSN
	t.savepoints = nil
	t.deallocated = nil
	t.dropped = nil
	t.held = nil
	t.setState(StateIdle)
	return nil
}

func (t *Transaction) checkpointEntry() (wal.CheckpointTxn, bool) {
	if !t.begun {
		return wal.CheckpointTxn{}, false
	}

	var parent common.TxnID
	if t.parent != nil {
		parent = t.parent.id
	}
	return wal.CheckpointTxn{
		ID:       t.id,
		Kind:     t.kind,
		Parent:   parent,
		State:    t.logState,
		FirstLSN: t.firstLSN,
		LastLSN:  t.lastLSN,
		Global:   t.global,
	}, true
}

func (t *Transaction) lock(ctx context.Context, res txns.Resource, mode txns.LockMode) error {
	if err := t.store.locks.Acquire(ctx, t.owner, res, mode, t.lockTimeout()); err != nil {
		return errors.Wrapf(err, "lock %s", res)
	}
	return nil
}

// LockRecord locks a record on behalf of the transaction. Records are never
// locked implicitly.
func (t *Transaction) LockRecord(ctx context.Context, h common.RecordHandle, mode txns.LockMode) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.lock(ctx, txns.RecordResource(h), mode)
}

// releaseResources unlatches every page and closes every container
// handle of the transaction.
func (t *Transaction) releaseResources() {
	t.closeHandlesAfter(0)
}

func (t *Transaction) closeHandlesAfter(seq uint64) {
	kept := t.handles[:0]
	for _, h := range t.handles {
		if h.seq > seq {
			h.close()
			continue
		}
		kept = append(kept, h)
	}
	clear(t.handles[len(kept):])
	t.handles = kept
}

func (t *Transaction) unlatchAll() {
	for _, ph := range t.latched {
		ph.unlatch()
	}
}

func (t *Transaction) busyChildren() []*Transaction {
	var res []*Transaction
	for _, c := range t.children {
		if c.State() == StateActive || c.State() == StatePrepared {
			res = append(res, c)
		}
	}
	return res
}

// Commit makes the work durable and releases the locks.
func (t *Transaction) Commit() error {
	return t.commit(true, ReleaseLocks)
}

// CommitNoSync commits without waiting for the log to reach stable
// storage. A crash may lose the commit.
func (t *Transaction) CommitNoSync(mode CommitMode) error {
	return t.commit(false, mode)
}

func (t *Transaction) commit(sync bool, mode CommitMode) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if busy := t.busyChildren(); len(busy) > 0 {
		return rawerr.Protocol("%d nested transactions are still running", len(busy))
	}

	t.releaseResources()

	if t.begun {
		lsn, err := t.appendCommit()
		if err != nil {
			return err
		}
		if sync {
			if err := t.store.log.Flush(lsn); err != nil {
				return err
			}
		}

		if err := t.releaseHeld(); err != nil {
			return errors.Wrap(err, "release held space")
		}
		if err := t.store.reclaim(lsn, t.deallocated, t.dropped); err != nil {
			return errors.Wrap(err, "post-commit work")
		}
		t.store.metrics.committed(t.kind)
	}

	if err := t.finish(); err != nil {
		return err
	}

	if mode == ReleaseLocks {
		t.store.locks.ReleaseAll(t.owner)
	}
	return nil
}

func (t *Transaction) appendCommit() (common.LSN, error) {
	t.store.gate.RLock()
	defer t.store.gate.RUnlock()

	lsn, err := t.appendLocked(wal.Commit{Held: mergeHeld(t.held)})
	if err != nil {
		return common.NilLSN, err
	}
	t.logState = wal.TxnCommitted
	return lsn, nil
}

// releaseHeld gives back the space held for the purges of the committed
// transaction. The release records follow the commit record in the chain
// of the transaction.
func (t *Transaction) releaseHeld() error {
	return t.store.releaseHeld(mergeHeld(t.held), func(op wal.PageOp) (common.LSN, error) {
		return t.appendLocked(op)
	})
}

// mergeHeld sums the held space per page, pages keep the order of their
// first purge.
func mergeHeld(held []wal.HeldSpace) []wal.HeldSpace {
	var res []wal.HeldSpace
	idx := make(map[common.PageIdentity]int, len(held))
	for _, h := range held {
		if i, ok := idx[h.Page]; ok {
			res[i].Bytes += h.Bytes
			continue
		}
		idx[h.Page] = len(res)
		res = append(res, h)
	}
	return res
}

// Abort rolls back every change of the transaction and of its running
// nested transactions, then releases the locks.
func (t *Transaction) Abort() error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	for _, c := range t.busyChildren() {
		if err := c.Abort(); err != nil {
			return errors.Wrapf(err, "abort nested transaction %d", c.id)
		}
	}

	t.releaseResources()

	if t.begun {
		if t.logState == wal.TxnActive || t.logState == wal.TxnPrepared {
			if err := t.appendAbort(); err != nil {
				return err
			}
		}

		rb, err := t.rollback(common.NilLSN)
		if err != nil {
			return err
		}

		for _, id := range rb.Uncreated {
			if err := t.store.pages.Remove(id); err != nil {
				return errors.Wrapf(err, "remove uncreated container %s", id)
			}
		}
		t.store.metrics.aborted(t.kind)
		t.store.logger.Debugw("transaction aborted",
			"txn", uint64(t.id),
			"kind", t.kind.String(),
			"undone", rb.Undone,
		)
	}

	if err := t.finish(); err != nil {
		return err
	}

	t.store.locks.ReleaseAll(t.owner)
	return nil
}

func (t *Transaction) appendAbort() error {
	t.store.gate.RLock()
	defer t.store.gate.RUnlock()

	if _, err := t.appendLocked(wal.Abort{}); err != nil {
		return err
	}
	t.logState = wal.TxnAborting
	return nil
}

// rollback undoes every record of the transaction after stop.
func (t *Transaction) rollback(stop common.LSN) (recovery.RollbackResult, error) {
	rb, err := recovery.Rollback(t.store.log, t.store.pages, t.lastLSN, stop, t.compensate)
	if err != nil {
		return rb, errors.Wrapf(err, "roll back transaction %d", t.id)
	}
	return rb, nil
}

// Prepare makes the transaction durable without committing it. A prepared
// transaction survives restart in doubt until it is committed or aborted.
// readOnly is true when there was nothing to prepare, the transaction is
// then finished.
func (t *Transaction) Prepare() (readOnly bool, err error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	if t.State() == StatePrepared {
		return false, rawerr.Protocol("transaction %d is already prepared", t.id)
	}
	if t.global.IsZero() {
		return false, rawerr.Protocol("only global transactions can be prepared")
	}
	if busy := t.busyChildren(); len(busy) > 0 {
		return false, rawerr.Protocol("%d nested transactions are still running", len(busy))
	}

	t.releaseResources()

	if !t.begun {
		if err := t.finish(); err != nil {
			return false, err
		}
		t.store.locks.ReleaseAll(t.owner)
		return true, nil
	}

	lsn, err := t.appendPrepare()
	if err != nil {
		return false, err
	}
	if err := t.store.log.Flush(lsn); err != nil {
		return false, err
	}

	t.setState(StatePrepared)
	return false, nil
}

func (t *Transaction) appendPrepare() (common.LSN, error) {
	t.store.gate.RLock()
	defer t.store.gate.RUnlock()

	lsn, err := t.appendLocked(wal.Prepare{
		Global:      t.global,
		Deallocated: slices.Clone(t.deallocated),
		Dropped:     slices.Clone(t.dropped),
		Held:        mergeHeld(t.held),
	})
	if err != nil {
		return common.NilLSN, err
	}
	t.logState = wal.TxnPrepared
	return lsn, nil
}

// StartNestedUserTransaction starts a transaction that shares the lock
// space of t, so its requests never wait for the locks of t. Nested
// transactions commit and abort on their own but are aborted with t.
func (t *Transaction) StartNestedUserTransaction(readOnly bool) (*Transaction, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if t.kind != wal.TxnUser {
		return nil, rawerr.Protocol("can not nest inside a %s transaction", t.kind)
	}

	child, err := t.store.newTransaction(wal.TxnNested, t, readOnly)
	if err != nil {
		return nil, err
	}
	t.children = append(t.children, child)
	return child, nil
}

// Close aborts unfinished work and discards the transaction. A prepared
// transaction stays in doubt and can be found again by its global id.
func (t *Transaction) Close() error {
	switch t.State() {
	case StateClosed:
		return nil
	case StatePrepared:
		t.releaseResources()
		return nil
	}

	for _, c := range slices.Clone(t.children) {
		if err := c.Close(); err != nil {
			return err
		}
	}

	if t.begun {
		if err := t.Abort(); err != nil {
			return err
		}
	}

	t.releaseResources()
	t.store.locks.ReleaseAll(t.owner)
	t.setState(StateClosed)
	t.store.unregister(t)

	if t.parent != nil {
		t.parent.children = slices.DeleteFunc(t.parent.children, func(c *Transaction) bool {
			return c == t
		})
	}
	return nil
}
