package wal

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
)

// TxnLogChain appends records of several transactions keeping each one's
// backward chain. The first error sticks and turns later calls into no-ops.
type TxnLogChain struct {
	logger *Logger
	txnID  common.TxnID

	lastLSNs map[common.TxnID]common.LSN
	err      error
}

func NewTxnLogChain(logger *Logger, txnID common.TxnID) *TxnLogChain {
	return &TxnLogChain{
		logger:   logger,
		txnID:    txnID,
		lastLSNs: map[common.TxnID]common.LSN{},
	}
}

func (c *TxnLogChain) SwitchTransactionID(txnID common.TxnID) *TxnLogChain {
	if c.err != nil {
		return c
	}

	c.txnID = txnID
	return c
}

func (c *TxnLogChain) Begin(kind TxnKind, parent common.TxnID) *TxnLogChain {
	if c.err != nil {
		return c
	}

	if _, ok := c.lastLSNs[c.txnID]; ok {
		c.err = errors.Errorf("transaction %d has already begun", c.txnID)
		return c
	}

	c.lastLSNs[c.txnID], c.err = c.logger.Append(c.txnID, common.NilLSN, Begin{
		TxnKind: kind,
		Parent:  parent,
	})

	return c
}

func (c *TxnLogChain) Append(body Body) *TxnLogChain {
	if c.err != nil {
		return c
	}

	prev, ok := c.lastLSNs[c.txnID]
	if !ok {
		c.err = errors.Errorf("no last LSN found for %d", c.txnID)
		return c
	}

	c.lastLSNs[c.txnID], c.err = c.logger.Append(c.txnID, prev, body)

	return c
}

func (c *TxnLogChain) Op(op PageOp) *TxnLogChain {
	return c.Append(op)
}

// Compensate logs the undo of the record at lsn, which must be the last
// not yet compensated record of the current transaction.
func (c *TxnLogChain) Compensate(lsn common.LSN) *TxnLogChain {
	if c.err != nil {
		return c
	}

	rec, err := c.logger.ReadRecord(lsn)
	if err != nil {
		c.err = err
		return c
	}

	op, ok := rec.Body.(PageOp)
	if !ok {
		c.err = errors.Errorf("record %s is not a page operation", lsn)
		return c
	}

	undo, ok := op.Undo()
	if !ok {
		c.err = errors.Errorf("record %s is redo-only", lsn)
		return c
	}

	return c.Append(Compensation{UndoNext: rec.PrevLSN, Action: undo})
}

func (c *TxnLogChain) Commit() *TxnLogChain {
	return c.Append(Commit{})
}

func (c *TxnLogChain) Abort() *TxnLogChain {
	return c.Append(Abort{})
}

func (c *TxnLogChain) TxnEnd() *TxnLogChain {
	return c.Append(TxnEnd{})
}

func (c *TxnLogChain) LSN() common.LSN {
	return c.lastLSNs[c.txnID]
}

func (c *TxnLogChain) Err() error {
	return c.err
}
