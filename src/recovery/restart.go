package recovery

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/rawstore/src"
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

type Log interface {
	LogReader
	CheckpointLSN() common.LSN
	Iterate(from common.LSN) *wal.Iterator
	Append(txnID common.TxnID, prev common.LSN, body wal.Body) (common.LSN, error)
	FlushAll() error
}

type Pages interface {
	Undoer
	Redo(lsn common.LSN, op wal.PageOp) (bool, error)
}

type Manager struct {
	log    Log
	pages  Pages
	logger src.Logger
}

func New(log Log, pages Pages, logger src.Logger) *Manager {
	return &Manager{log: log, pages: pages, logger: logger}
}

type Result struct {
	// Prepared transactions stay in doubt until someone commits or
	// aborts them.
	Prepared []*TxnEntry
	// Committed transactions had not written their end record. Their
	// post-commit work may be unfinished.
	Committed []*TxnEntry
	// Uncreated containers were created by rolled back transactions.
	Uncreated []common.ContainerID

	MaxTxnID       common.TxnID
	MaxContainerID uint64

	Analyzed   int
	Redone     int
	RolledBack int
	Undone     int
}

type analysis struct {
	att      *ActiveTransactionsTable
	dpt      map[common.PageIdentity]common.LSN
	redoFrom common.LSN
}

// PageOpOf returns the page operation a record redoes, if any.
func PageOpOf(body wal.Body) (wal.PageOp, bool) {
	switch b := body.(type) {
	case wal.Compensation:
		return b.Action, b.Action != nil
	case wal.PageOp:
		return b, true
	}
	return nil, false
}

// Restart brings the store back to a transaction consistent state: it
// rebuilds the transaction and dirty page tables from the last checkpoint,
// repeats history and rolls back every transaction that neither committed
// nor prepared.
func (m *Manager) Restart() (Result, error) {
	var res Result

	a, err := m.analyze(&res)
	if err != nil {
		return res, errors.Wrap(err, "analysis")
	}
	m.logger.Infow("recovery analysis done",
		"records", res.Analyzed,
		"transactions", a.att.Len(),
		"dirty_pages", len(a.dpt),
		"redo_from", a.redoFrom.String(),
	)

	if err := m.redo(a, &res); err != nil {
		return res, errors.Wrap(err, "redo")
	}
	m.logger.Infow("recovery redo done", "redone", res.Redone)

	if err := m.undo(a, &res); err != nil {
		return res, errors.Wrap(err, "undo")
	}
	m.logger.Infow("recovery undo done",
		"rolled_back", res.RolledBack,
		"undone", res.Undone,
		"in_doubt", len(res.Prepared),
	)

	if err := m.log.FlushAll(); err != nil {
		return res, err
	}

	return res, nil
}

func (m *Manager) analyze(res *Result) (analysis, error) {
	a := analysis{
		att: NewATT(),
		dpt: make(map[common.PageIdentity]common.LSN),
	}

	from := m.log.CheckpointLSN()
	if !from.IsNil() {
		rec, err := m.log.ReadRecord(from)
		if err != nil {
			return a, errors.Wrapf(err, "read checkpoint %s", from)
		}
		cp, ok := rec.Body.(wal.Checkpoint)
		if !ok {
			return a, rawerr.Corruption("record %s is %s, not a checkpoint", from, rec.Body.Kind())
		}

		a.att.seed(cp.Txns)
		for _, d := range cp.DirtyPages {
			a.dpt[d.Page] = d.RecLSN
		}
		a.redoFrom = cp.RedoLSN
		res.MaxTxnID = cp.MaxTxnID
		res.MaxContainerID = cp.MaxContainerID
	}

	it := m.log.Iterate(from)
	for it.Next() {
		rec := it.Record()
		if a.redoFrom.IsNil() {
			a.redoFrom = rec.LSN
		}
		res.Analyzed++

		a.att.Insert(rec)
		res.MaxTxnID = max(res.MaxTxnID, rec.TxnID)

		op, ok := PageOpOf(rec.Body)
		if !ok {
			continue
		}
		if _, ok := a.dpt[op.Target()]; !ok {
			a.dpt[op.Target()] = rec.LSN
		}
		if create, ok := op.(wal.ContainerCreate); ok {
			res.MaxContainerID = max(res.MaxContainerID, create.Container.ID)
		}
	}
	if err := it.Err(); err != nil {
		return a, err
	}

	return a, nil
}

func (m *Manager) redo(a analysis, res *Result) error {
	if len(a.dpt) == 0 {
		return nil
	}

	it := m.log.Iterate(a.redoFrom)
	for it.Next() {
		rec := it.Record()

		op, ok := PageOpOf(rec.Body)
		if !ok {
			continue
		}
		if recLSN, ok := a.dpt[op.Target()]; !ok || rec.LSN < recLSN {
			continue
		}

		changed, err := m.pages.Redo(rec.LSN, op)
		if err != nil {
			return errors.Wrapf(err, "redo %s", rec.LSN)
		}
		if changed {
			res.Redone++
		}
	}

	return it.Err()
}

func (m *Manager) undo(a analysis, res *Result) error {
	for _, e := range a.att.Losers() {
		if e.State == wal.TxnActive {
			lsn, err := m.log.Append(e.ID, e.LastLSN, wal.Abort{})
			if err != nil {
				return err
			}
			e.LastLSN = lsn
			e.State = wal.TxnAborting
		}

		rb, err := Rollback(m.log, m.pages, e.LastLSN, common.NilLSN,
			func(undoNext common.LSN, action wal.PageOp) (common.LSN, error) {
				lsn, err := m.log.Append(e.ID, e.LastLSN, wal.Compensation{
					UndoNext: undoNext,
					Action:   action,
				})
				if err != nil {
					return common.NilLSN, err
				}
				e.LastLSN = lsn
				return lsn, nil
			})
		if err != nil {
			return errors.Wrapf(err, "roll back transaction %d", e.ID)
		}

		if _, err := m.log.Append(e.ID, e.LastLSN, wal.TxnEnd{}); err != nil {
			return err
		}

		m.logger.Debugw("transaction rolled back",
			"txn", uint64(e.ID),
			"kind", e.Kind.String(),
			"undone", rb.Undone,
		)
		res.RolledBack++
		res.Undone += rb.Undone
		res.Uncreated = append(res.Uncreated, rb.Uncreated...)
	}

	for _, e := range a.att.withState(wal.TxnPrepared) {
		if e.Prepare == nil {
			rec, err := m.log.ReadRecord(e.LastLSN)
			if err != nil {
				return errors.Wrapf(err, "read prepare record of transaction %d", e.ID)
			}
			p, ok := rec.Body.(wal.Prepare)
			if !ok {
				return rawerr.Corruption(
					"transaction %d is prepared but its last record is %s",
					e.ID,
					rec.Body.Kind(),
				)
			}
			e.Prepare = &p
		}
		res.Prepared = append(res.Prepared, e)
	}

	res.Committed = a.att.withState(wal.TxnCommitted)
	return nil
}
