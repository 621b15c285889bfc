package wal

import (
	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindCommit
	KindAbort
	KindPrepare
	KindTxnEnd
	KindInsert
	KindUpdate
	KindUpdateField
	KindSetDeleted
	KindPurge
	KindRestore
	KindInitPage
	KindAllocStatus
	KindAllocLink
	KindContainerCreate
	KindContainerDrop
	KindCompensation
	KindCheckpoint
	KindReleaseSpace
)

var kindNames = map[Kind]string{
	KindBegin:           "BEGIN",
	KindCommit:          "COMMIT",
	KindAbort:           "ABORT",
	KindPrepare:         "PREPARE",
	KindTxnEnd:          "TXN_END",
	KindInsert:          "INSERT",
	KindUpdate:          "UPDATE",
	KindUpdateField:     "UPDATE_FIELD",
	KindSetDeleted:      "SET_DELETED",
	KindPurge:           "PURGE",
	KindRestore:         "RESTORE",
	KindInitPage:        "INIT_PAGE",
	KindAllocStatus:     "ALLOC_STATUS",
	KindAllocLink:       "ALLOC_LINK",
	KindContainerCreate: "CONTAINER_CREATE",
	KindContainerDrop:   "CONTAINER_DROP",
	KindCompensation:    "CLR",
	KindCheckpoint:      "CHECKPOINT",
	KindReleaseSpace:    "RELEASE_SPACE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Record is one log record. Records of a transaction are chained backwards
// through PrevLSN.
type Record struct {
	LSN     common.LSN
	TxnID   common.TxnID
	PrevLSN common.LSN
	Body    Body
}

type Body interface {
	Kind() Kind
}

// PageOp is a logged change of a single page.
type PageOp interface {
	Body
	Target() common.PageIdentity
	// Undo returns the logical inverse of the operation. ok is false for
	// redo-only operations.
	Undo() (op PageOp, ok bool)
}

type TxnKind uint8

const (
	TxnUser TxnKind = iota
	TxnNested
	TxnInternal
)

func (k TxnKind) String() string {
	switch k {
	case TxnUser:
		return "user"
	case TxnNested:
		return "nested"
	case TxnInternal:
		return "internal"
	}
	return "unknown"
}

// PageStatus is the allocation state of a container page.
type PageStatus uint8

const (
	StatusUnused PageStatus = iota
	StatusAllocated
	// StatusDeallocated pages can not be reused until the deallocating
	// transaction commits.
	StatusDeallocated
	StatusFree
)

func (s PageStatus) String() string {
	switch s {
	case StatusUnused:
		return "unused"
	case StatusAllocated:
		return "allocated"
	case StatusDeallocated:
		return "deallocated"
	case StatusFree:
		return "free"
	}
	return "unknown"
}

type Begin struct {
	TxnKind TxnKind
	Parent  common.TxnID
	Global  common.GlobalTxnID
}

// HeldSpace is page space kept free for rolling back purges.
type HeldSpace struct {
	Page  common.PageIdentity
	Bytes uint32
}

// Commit lists the space the transaction held for its purges. It is given
// back by ReleaseSpace records that follow the commit record.
type Commit struct {
	Held []HeldSpace
}

type Abort struct{}

// Prepare carries the work a later commit has to finish, so an in-doubt
// transaction survives restart without its older records.
type Prepare struct {
	Global      common.GlobalTxnID
	Deallocated []common.PageIdentity
	Dropped     []common.ContainerID
	Held        []HeldSpace
}

type TxnEnd struct{}

type Insert struct {
	Page     common.PageIdentity
	Slot     uint16
	RecordID common.RecordID
	// Space is the room reserved for the record, at least len(Data).
	Space    uint16
	Data     []byte
	Overflow page.Pointer
}

type Update struct {
	Page           common.PageIdentity
	RecordID       common.RecordID
	Before         []byte
	After          []byte
	BeforeOverflow page.Pointer
	AfterOverflow  page.Pointer
}

// UpdateField replaces one field of a record stored entirely on its page.
// A nil image is NULL.
type UpdateField struct {
	Page     common.PageIdentity
	RecordID common.RecordID
	Field    uint16
	Before   []byte
	After    []byte
}

type SetDeleted struct {
	Page     common.PageIdentity
	RecordID common.RecordID
	Deleted  bool
}

type PurgedRecord struct {
	RecordID common.RecordID
	Deleted  bool
	Space    uint16
	// Fields is the number of fields of the purged row, kept even when the
	// data is not logged.
	Fields   uint16
	Overflow page.Pointer
	Data     []byte
}

// Purge physically removes len(Records) consecutive slots starting at
// Slot. Without LogData only the record shapes are logged and undo
// restores rows of NULLs.
type Purge struct {
	Page    common.PageIdentity
	Slot    uint16
	Records []PurgedRecord
	LogData bool
}

// HeldSpace is the room a rollback of the purge needs on its page. It
// stays held after the purge until the purging transaction ends.
func (o Purge) HeldSpace() int {
	return o.restore().Space()
}

// Restore puts purged records back. It only appears inside compensation
// records.
type Restore struct {
	Page    common.PageIdentity
	Slot    uint16
	Records []PurgedRecord
}

func (o Restore) Space() int {
	n := 0
	for _, r := range o.Records {
		n += page.SlotEntrySize + max(int(r.Space), len(r.Data))
	}
	return n
}

// ReleaseSpace gives back space held for the purges of a committed
// transaction.
type ReleaseSpace struct {
	Page  common.PageIdentity
	Bytes uint32
}

// InitPage formats a page and fills its first slots.
type InitPage struct {
	Page         common.PageIdentity
	Type         page.Type
	NextRecordID common.RecordID
	Slots        [][]byte
}

// AllocStatus changes the status of page PageNum on allocation page Page.
type AllocStatus struct {
	Page    common.PageIdentity
	PageNum uint64
	Before  PageStatus
	After   PageStatus
}

// AllocLink changes the pointer to the next allocation page.
type AllocLink struct {
	Page   common.PageIdentity
	Before uint64
	After  uint64
}

type ContainerCreate struct {
	Container common.ContainerID
	PageSize  uint32
	Props     []byte
}

// ContainerDrop sets or clears the dropped flag on the header page.
type ContainerDrop struct {
	Container common.ContainerID
	Dropped   bool
}

// Compensation is the redo-only record of an undo step. UndoNext is the
// next record of the transaction that still has to be undone.
type Compensation struct {
	UndoNext common.LSN
	Action   PageOp
}

type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnPrepared
	TxnCommitted
	TxnAborting
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnPrepared:
		return "prepared"
	case TxnCommitted:
		return "committed"
	case TxnAborting:
		return "aborting"
	}
	return "unknown"
}

type CheckpointTxn struct {
	ID       common.TxnID
	Kind     TxnKind
	Parent   common.TxnID
	State    TxnState
	FirstLSN common.LSN
	LastLSN  common.LSN
	Global   common.GlobalTxnID
}

type DirtyPage struct {
	Page   common.PageIdentity
	RecLSN common.LSN
}

type Checkpoint struct {
	// RedoLSN is where redo has to start when this is the last checkpoint.
	RedoLSN    common.LSN
	Txns       []CheckpointTxn
	DirtyPages []DirtyPage
	// identifiers handed out so far, the log before the checkpoint may be
	// gone at restart
	MaxTxnID       common.TxnID
	MaxContainerID uint64
}

// Unknown is a record of a kind this build does not know. Readers skip it.
type Unknown struct {
	Code Kind
	Raw  []byte
}

func (Begin) Kind() Kind           { return KindBegin }
func (Commit) Kind() Kind          { return KindCommit }
func (Abort) Kind() Kind           { return KindAbort }
func (Prepare) Kind() Kind         { return KindPrepare }
func (TxnEnd) Kind() Kind          { return KindTxnEnd }
func (Insert) Kind() Kind          { return KindInsert }
func (Update) Kind() Kind          { return KindUpdate }
func (UpdateField) Kind() Kind     { return KindUpdateField }
func (SetDeleted) Kind() Kind      { return KindSetDeleted }
func (Purge) Kind() Kind           { return KindPurge }
func (Restore) Kind() Kind         { return KindRestore }
func (InitPage) Kind() Kind        { return KindInitPage }
func (AllocStatus) Kind() Kind     { return KindAllocStatus }
func (AllocLink) Kind() Kind       { return KindAllocLink }
func (ContainerCreate) Kind() Kind { return KindContainerCreate }
func (ContainerDrop) Kind() Kind   { return KindContainerDrop }
func (Compensation) Kind() Kind    { return KindCompensation }
func (Checkpoint) Kind() Kind      { return KindCheckpoint }
func (ReleaseSpace) Kind() Kind    { return KindReleaseSpace }
func (u Unknown) Kind() Kind       { return u.Code }

func (o Insert) Target() common.PageIdentity      { return o.Page }
func (o Update) Target() common.PageIdentity      { return o.Page }
func (o UpdateField) Target() common.PageIdentity { return o.Page }
func (o SetDeleted) Target() common.PageIdentity  { return o.Page }
func (o Purge) Target() common.PageIdentity       { return o.Page }
func (o Restore) Target() common.PageIdentity     { return o.Page }
func (o InitPage) Target() common.PageIdentity    { return o.Page }
func (o AllocStatus) Target() common.PageIdentity { return o.Page }
func (o AllocLink) Target() common.PageIdentity   { return o.Page }

func (o ReleaseSpace) Target() common.PageIdentity { return o.Page }

func (o ContainerCreate) Target() common.PageIdentity {
	return common.PageIdentity{Container: o.Container, PageNum: 0}
}

func (o ContainerDrop) Target() common.PageIdentity {
	return common.PageIdentity{Container: o.Container, PageNum: 0}
}

// Undo of an insert is a logical delete, the slot stays.
func (o Insert) Undo() (PageOp, bool) {
	return SetDeleted{Page: o.Page, RecordID: o.RecordID, Deleted: true}, true
}

func (o Update) Undo() (PageOp, bool) {
	return Update{
		Page:           o.Page,
		RecordID:       o.RecordID,
		Before:         o.After,
		After:          o.Before,
		BeforeOverflow: o.AfterOverflow,
		AfterOverflow:  o.BeforeOverflow,
	}, true
}

func (o UpdateField) Undo() (PageOp, bool) {
	return UpdateField{
		Page:     o.Page,
		RecordID: o.RecordID,
		Field:    o.Field,
		Before:   o.After,
		After:    o.Before,
	}, true
}

func (o SetDeleted) Undo() (PageOp, bool) {
	o.Deleted = !o.Deleted
	return o, true
}

func (o Purge) Undo() (PageOp, bool) {
	return o.restore(), true
}

func (o Purge) restore() Restore {
	records := make([]PurgedRecord, len(o.Records))
	for i, r := range o.Records {
		if !o.LogData {
			r.Data = page.EncodeRow(page.NullRow(int(r.Fields)))
			r.Overflow = page.Pointer{}
		}
		records[i] = r
	}

	return Restore{Page: o.Page, Slot: o.Slot, Records: records}
}

func (o Restore) Undo() (PageOp, bool)      { return nil, false }
func (o InitPage) Undo() (PageOp, bool)     { return nil, false }
func (o ReleaseSpace) Undo() (PageOp, bool) { return nil, false }

func (o AllocStatus) Undo() (PageOp, bool) {
	o.Before, o.After = o.After, o.Before
	return o, true
}

func (o AllocLink) Undo() (PageOp, bool) {
	o.Before, o.After = o.After, o.Before
	return o, true
}

func (o ContainerCreate) Undo() (PageOp, bool) {
	return ContainerDrop{Container: o.Container, Dropped: true}, true
}

func (o ContainerDrop) Undo() (PageOp, bool) {
	o.Dropped = !o.Dropped
	return o, true
}
