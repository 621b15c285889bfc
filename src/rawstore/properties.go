package rawstore

import (
	"bytes"
	"context"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
	"github.com/Blackdeer1524/rawstore/src/txns"
)

// Properties are rows [key, value] in PropertiesContainer. Each key is
// guarded by its own lock.

type propertyRef struct {
	ph   *PageHandle
	slot int
}

// findProperty looks for the live row of key. The returned page stays
// latched, the caller unlatches it.
func findProperty(h *ContainerHandle, key string) (propertyRef, bool, error) {
	ph, err := h.GetFirstPage()
	for ; ph != nil && err == nil; ph, err = h.GetNextPage(ph.PageNum()) {
		for slot := range ph.p.NumSlots() {
			s := ph.p.Slot(slot)
			if s.Deleted {
				continue
			}
			row, err := ph.FetchFromSlot(slot, []int{0})
			if err != nil {
				ph.Unlatch()
				return propertyRef{}, false, err
			}
			if bytes.Equal(row[0], []byte(key)) {
				return propertyRef{ph: ph, slot: slot}, true, nil
			}
		}
		ph.Unlatch()
	}
	return propertyRef{}, false, err
}

// GetProperty returns the value of key as the transaction sees it, nil
// when it is not set.
func (t *Transaction) GetProperty(ctx context.Context, key string) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, txns.PropertyResource(key), txns.LockShared); err != nil {
		return nil, err
	}

	h, err := t.OpenContainer(ctx, PropertiesContainer, OpenReadOnly)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	ref, ok, err := findProperty(h, key)
	if err != nil || !ok {
		return nil, err
	}
	defer ref.ph.Unlatch()

	row, err := ref.ph.FetchFromSlot(ref.slot, []int{1})
	if err != nil {
		return nil, err
	}
	return row[0], nil
}

// SetProperty sets key to value, a nil value removes the key. The change
// is undone if the transaction aborts.
func (t *Transaction) SetProperty(ctx context.Context, key string, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if key == "" {
		return rawerr.Protocol("empty property key")
	}
	if err := t.lock(ctx, txns.PropertyResource(key), txns.LockExclusive); err != nil {
		return err
	}

	h, err := t.OpenContainer(ctx, PropertiesContainer, OpenForUpdate)
	if err != nil {
		return err
	}
	defer h.Close()

	ref, ok, err := findProperty(h, key)
	if err != nil {
		return err
	}
	if ok {
		defer ref.ph.Unlatch()

		if value == nil {
			_, err := ref.ph.DeleteAtSlot(ref.slot, true)
			return err
		}
		return ref.ph.UpdateFieldAtSlot(ref.slot, 1, value)
	}
	if value == nil {
		return nil
	}

	_, err = insertProperty(h, page.Row{[]byte(key), value})
	return err
}

func insertProperty(h *ContainerHandle, row page.Row) (common.RecordHandle, error) {
	ph, err := h.GetLastPage()
	if err != nil {
		return common.RecordHandle{}, err
	}

	if ph != nil {
		rh, err := ph.InsertAtSlot(ph.p.NumSlots(), row, InsertOverflow, 0)
		ph.Unlatch()
		if rawerr.KindOf(err) != rawerr.KindCapacity {
			return rh, err
		}
	}

	ph, err = h.AddPage()
	if err != nil {
		return common.RecordHandle{}, err
	}
	defer ph.Unlatch()

	return ph.InsertAtSlot(0, row, InsertOverflow, 0)
}
