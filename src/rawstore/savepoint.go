package rawstore

import (
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

type savepoint struct {
	name string
	lsn  common.LSN
	// handle sequence number and deferred work at the time the savepoint
	// was set
	handles     uint64
	deallocated int
	dropped     int
	held        int
}

func (t *Transaction) findSavePoint(name string) (int, error) {
	for i, sp := range t.savepoints {
		if sp.name == name {
			return i, nil
		}
	}
	return -1, rawerr.NotFound("savepoint %q", name)
}

// SetSavePoint marks the current point of the transaction. It returns the
// number of savepoints now set.
func (t *Transaction) SetSavePoint(name string) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	if _, err := t.findSavePoint(name); err == nil {
		return 0, rawerr.Protocol("savepoint %q already exists", name)
	}

	t.savepoints = append(t.savepoints, savepoint{
		name:        name,
		lsn:         t.lastLSN,
		handles:     t.handleSeq,
		deallocated: len(t.deallocated),
		dropped:     len(t.dropped),
		held:        len(t.held),
	})
	return len(t.savepoints), nil
}

// ReleaseSavePoint forgets the savepoint and every savepoint set after it.
// The work done since stays.
func (t *Transaction) ReleaseSavePoint(name string) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}

	i, err := t.findSavePoint(name)
	if err != nil {
		return 0, err
	}
	t.savepoints = t.savepoints[:i]
	return len(t.savepoints), nil
}

// RollbackToSavePoint undoes the work done since the savepoint was set and
// closes the handles opened since. The savepoint stays set, later ones are
// released.
func (t *Transaction) RollbackToSavePoint(name string) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}

	i, err := t.findSavePoint(name)
	if err != nil {
		return 0, err
	}
	sp := t.savepoints[i]

	t.closeHandlesAfter(sp.handles)
	t.unlatchAll()

	t.deallocated = t.deallocated[:sp.deallocated]
	t.dropped = t.dropped[:sp.dropped]
	t.held = t.held[:sp.held]
	t.savepoints = t.savepoints[:i+1]

	if t.begun && t.lastLSN > sp.lsn {
		rb, err := t.rollback(sp.lsn)
		if err != nil {
			return 0, err
		}
		// containers created since the savepoint are flagged dropped now,
		// their files go with the transaction
		t.dropped = append(t.dropped, rb.Uncreated...)
		t.store.logger.Debugw("rolled back to savepoint",
			"txn", uint64(t.id),
			"savepoint", name,
			"undone", rb.Undone,
		)
	}

	return len(t.savepoints), nil
}
