package recovery

import (
	"cmp"
	"slices"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/wal"
)

// TxnEntry is what restart knows about a transaction that had not ended
// at the crash.
type TxnEntry struct {
	ID       common.TxnID
	Kind     wal.TxnKind
	Parent   common.TxnID
	State    wal.TxnState
	Global   common.GlobalTxnID
	FirstLSN common.LSN
	LastLSN  common.LSN
	// Prepare is set for prepared transactions.
	Prepare *wal.Prepare
}

type ActiveTransactionsTable struct {
	table map[common.TxnID]*TxnEntry
}

func NewATT() *ActiveTransactionsTable {
	return &ActiveTransactionsTable{
		table: map[common.TxnID]*TxnEntry{},
	}
}

func (att *ActiveTransactionsTable) seed(txns []wal.CheckpointTxn) {
	for _, t := range txns {
		att.table[t.ID] = &TxnEntry{
			ID:       t.ID,
			Kind:     t.Kind,
			Parent:   t.Parent,
			State:    t.State,
			Global:   t.Global,
			FirstLSN: t.FirstLSN,
			LastLSN:  t.LastLSN,
		}
	}
}

// Insert accounts for one log record of a transaction.
func (att *ActiveTransactionsTable) Insert(rec wal.Record) {
	if rec.TxnID == common.NilTxnID {
		return
	}

	if rec.Body.Kind() == wal.KindTxnEnd {
		delete(att.table, rec.TxnID)
		return
	}

	e, ok := att.table[rec.TxnID]
	if !ok {
		e = &TxnEntry{ID: rec.TxnID, FirstLSN: rec.LSN, State: wal.TxnActive}
		att.table[rec.TxnID] = e
	}
	e.LastLSN = rec.LSN

	switch b := rec.Body.(type) {
	case wal.Begin:
		e.Kind = b.TxnKind
		e.Parent = b.Parent
		e.Global = b.Global
	case wal.Commit:
		e.State = wal.TxnCommitted
	case wal.Abort:
		e.State = wal.TxnAborting
	case wal.Prepare:
		e.State = wal.TxnPrepared
		e.Global = b.Global
		e.Prepare = &b
	}
}

func (att *ActiveTransactionsTable) Len() int {
	return len(att.table)
}

func (att *ActiveTransactionsTable) Get(id common.TxnID) (*TxnEntry, bool) {
	e, ok := att.table[id]
	return e, ok
}

// undoPriority orders transaction kinds for restart undo.
func undoPriority(k wal.TxnKind) int {
	switch k {
	case wal.TxnInternal:
		return 0
	case wal.TxnNested:
		return 1
	}
	return 2
}

// Losers returns the transactions restart has to roll back: internal ones
// first, then nested, then user transactions, the most recent first within
// each kind.
func (att *ActiveTransactionsTable) Losers() []*TxnEntry {
	var res []*TxnEntry
	for _, e := range att.table {
		if e.State == wal.TxnActive || e.State == wal.TxnAborting {
			res = append(res, e)
		}
	}

	slices.SortFunc(res, func(a, b *TxnEntry) int {
		if c := cmp.Compare(undoPriority(a.Kind), undoPriority(b.Kind)); c != 0 {
			return c
		}
		return cmp.Compare(b.LastLSN, a.LastLSN)
	})
	return res
}

func (att *ActiveTransactionsTable) withState(state wal.TxnState) []*TxnEntry {
	var res []*TxnEntry
	for _, e := range att.table {
		if e.State == state {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b *TxnEntry) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}
