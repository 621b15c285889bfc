package recovery

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/storage/container"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

type LogReader interface {
	ReadRecord(lsn common.LSN) (wal.Record, error)
}

type Undoer interface {
	Undo(op wal.PageOp, logOp container.LogFunc) (common.LSN, error)
}

// Compensator logs the undo action of a record as a compensation record of
// the rolling back transaction. undoNext is where the walk continues.
type Compensator func(undoNext common.LSN, action wal.PageOp) (common.LSN, error)

type RollbackResult struct {
	Undone int
	// Uncreated lists containers whose creation was rolled back. They
	// carry the dropped flag and their files can go.
	Uncreated []common.ContainerID
}

// Rollback walks a transaction's chain back from from and undoes every
// record with an LSN greater than stop. Compensated regions are skipped
// through the undoNext pointers, so a rollback interrupted by a crash
// resumes where it stopped. Runtime abort, savepoint rollback and restart
// undo all go through here.
func Rollback(
	log LogReader,
	pages Undoer,
	from common.LSN,
	stop common.LSN,
	compensate Compensator,
) (RollbackResult, error) {
	var res RollbackResult

	for lsn := from; !lsn.IsNil() && lsn > stop; {
		rec, err := log.ReadRecord(lsn)
		if err != nil {
			return res, errors.Wrapf(err, "read record %s for rollback", lsn)
		}

		switch b := rec.Body.(type) {
		case wal.Compensation:
			lsn = b.UndoNext
			continue
		case wal.Begin:
			return res, nil
		case wal.PageOp:
			clr, err := pages.Undo(b, func(action wal.PageOp) (common.LSN, error) {
				return compensate(rec.PrevLSN, action)
			})
			if err != nil {
				return res, errors.Wrapf(err, "undo record %s", lsn)
			}

			if !clr.IsNil() {
				res.Undone++
				if create, ok := b.(wal.ContainerCreate); ok {
					res.Uncreated = append(res.Uncreated, create.Container)
				}
			}
		}

		lsn = rec.PrevLSN
	}

	return res, nil
}
