package txns

import (
	"fmt"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
)

type LockMode uint8

const (
	LockShared LockMode = iota
	// LockUpdate is compatible with shared holders but not with another
	// update lock, so two readers that intend to write can not deadlock on
	// the upgrade.
	LockUpdate
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "S"
	case LockUpdate:
		return "U"
	case LockExclusive:
		return "X"
	}
	return "?"
}

func (m LockMode) Compatible(other LockMode) bool {
	switch m {
	case LockShared:
		return other == LockShared || other == LockUpdate
	case LockUpdate:
		return other == LockShared
	}
	return false
}

// Covers reports whether holding m makes a request for other redundant.
func (m LockMode) Covers(other LockMode) bool {
	return m >= other
}

type ResourceKind uint8

const (
	ResourceContainer ResourceKind = iota
	ResourcePage
	ResourceRecord
	ResourceProperty
)

// Resource names a lockable object. Only the fields relevant to Kind are
// set.
type Resource struct {
	Kind      ResourceKind
	Container common.ContainerID
	PageNum   uint64
	RecordID  common.RecordID
	Name      string
}

func ContainerResource(id common.ContainerID) Resource {
	return Resource{Kind: ResourceContainer, Container: id}
}

func RecordResource(h common.RecordHandle) Resource {
	return Resource{
		Kind:      ResourceRecord,
		Container: h.Page.Container,
		PageNum:   h.Page.PageNum,
		RecordID:  h.RecordID,
	}
}

func PropertyResource(key string) Resource {
	return Resource{Kind: ResourceProperty, Name: key}
}

func (r Resource) String() string {
	switch r.Kind {
	case ResourceContainer:
		return "container " + r.Container.String()
	case ResourcePage:
		return fmt.Sprintf("page %s:%d", r.Container, r.PageNum)
	case ResourceRecord:
		return fmt.Sprintf("record %s:%d:%d", r.Container, r.PageNum, r.RecordID)
	case ResourceProperty:
		return "property " + r.Name
	}
	return "unknown resource"
}

// Space is a compatibility space. Locks held in the same space never
// conflict with each other.
type Space uint64

// Owner is a holder of locks. Group separates the locks of transactions
// sharing one space so each can release only its own.
type Owner struct {
	Space Space
	Group uint64
}
