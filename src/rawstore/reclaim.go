package rawstore

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

// reclaim runs the post-commit work of a transaction whose commit record
// is at commitLSN: deallocated pages become reusable and dropped
// containers lose their files.
func (s *RawStoreContext) reclaim(
	commitLSN common.LSN,
	deallocated []common.PageIdentity,
	dropped []common.ContainerID,
) error {
	if len(deallocated) == 0 && len(dropped) == 0 {
		return nil
	}

	gone := make(map[common.ContainerID]struct{}, len(dropped))
	for _, id := range dropped {
		gone[id] = struct{}{}
	}

	it := s.StartInternalTransaction()
	defer it.Close()

	freed := 0
	for _, ident := range deallocated {
		if _, ok := gone[ident.Container]; ok {
			continue
		}

		c, err := s.pages.Open(ident.Container)
		if rawerr.KindOf(err) == rawerr.KindNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.pages.FreePage(c, ident.PageNum, it.logOp); err != nil {
			return errors.Wrapf(err, "free page %s", ident)
		}
		freed++
	}

	if err := it.CommitNoSync(ReleaseLocks); err != nil {
		return err
	}
	s.metrics.pagesReclaimed(freed)

	if len(dropped) == 0 {
		return nil
	}

	// the drop must not be undone by a restart once the file is gone
	if err := s.log.Flush(commitLSN); err != nil {
		return err
	}
	for _, id := range dropped {
		if !s.pages.Exists(id) {
			continue
		}
		if err := s.pages.Remove(id); err != nil {
			return errors.Wrapf(err, "remove dropped container %s", id)
		}
	}
	return nil
}
