package rawstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
	"github.com/Blackdeer1524/rawstore/src/storage/container"
	"github.com/Blackdeer1524/rawstore/src/storage/page"
)

func testConfig() Config {
	c := DefaultConfig("/rawstore")
	c.BufferPoolSize = 64
	c.LockTimeout = 50 * time.Millisecond
	c.FlushWorkers = 2
	return c
}

// openStore boots a store on fs. A test simulates a crash by dropping a
// store without closing it and opening a new one on the same fs: pages
// still in the buffer pool and log records never flushed are lost.
func openStore(t *testing.T, fs afero.Fs) *RawStoreContext {
	t.Helper()

	s, err := Open(fs, testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

func begin(t *testing.T, s *RawStoreContext) *Transaction {
	t.Helper()

	tx, err := s.StartTransaction()
	require.NoError(t, err)
	return tx
}

func row(fields ...string) page.Row {
	r := make(page.Row, len(fields))
	for i, f := range fields {
		r[i] = []byte(f)
	}
	return r
}

// createContainer commits a container with one empty user page.
func createContainer(t *testing.T, s *RawStoreContext) (common.ContainerID, uint64) {
	t.Helper()
	ctx := context.Background()

	tx := begin(t, s)
	defer tx.Close()

	id, err := tx.AddContainer(ctx, container.Props{})
	require.NoError(t, err)

	h, err := tx.OpenContainer(ctx, id, OpenForUpdate)
	require.NoError(t, err)

	ph, err := h.AddPage()
	require.NoError(t, err)
	pageNum := ph.PageNum()

	require.NoError(t, tx.Commit())
	return id, pageNum
}

// firstPage opens the container in tx and latches its first user page.
func firstPage(t *testing.T, tx *Transaction, id common.ContainerID) (*ContainerHandle, *PageHandle) {
	t.Helper()

	h, err := tx.OpenContainer(context.Background(), id, OpenForUpdate)
	require.NoError(t, err)

	ph, err := h.GetFirstPage()
	require.NoError(t, err)
	require.NotNil(t, ph)
	return h, ph
}

func readRows(t *testing.T, s *RawStoreContext, id common.ContainerID) (rows []page.Row, deleted []bool) {
	t.Helper()

	tx := begin(t, s)
	defer tx.Close()

	h, ph := firstPage(t, tx, id)
	defer h.Close()

	n, err := ph.RecordCount()
	require.NoError(t, err)
	for slot := range n {
		r, err := ph.FetchFromSlot(slot, nil)
		require.NoError(t, err)
		d, err := ph.IsDeletedAtSlot(slot)
		require.NoError(t, err)

		rows = append(rows, r)
		deleted = append(deleted, d)
	}
	return rows, deleted
}

func TestOpenFreshStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)

	assert.True(t, s.pages.Exists(PropertiesContainer))
	assert.False(t, s.LogManager().CheckpointLSN().IsNil())
	require.NoError(t, s.Close())

	s = openStore(t, fs)
	defer s.Close()
	assert.True(t, s.pages.Exists(PropertiesContainer))
}

func TestCommittedInsertSurvivesCrash(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	id, _ := createContainer(t, s)

	tx := begin(t, s)
	_, ph := firstPage(t, tx, id)
	_, err := ph.InsertAtSlot(0, row("a", "bb"), InsertDefault, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	s = openStore(t, fs)
	defer s.Close()

	rows, deleted := readRows(t, s, id)
	assert.Equal(t, []page.Row{row("a", "bb")}, rows)
	assert.Equal(t, []bool{false}, deleted)
}

func TestUncommittedInsertsAreDeletedAfterCrash(t *testing.T) {
	const n = 7

	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	id, _ := createContainer(t, s)

	tx := begin(t, s)
	_, ph := firstPage(t, tx, id)
	for i := range n {
		_, err := ph.InsertAtSlot(i, row(fmt.Sprint(i)), InsertDefault, 0)
		require.NoError(t, err)
	}
	require.NoError(t, s.FlushLog())

	s = openStore(t, fs)

	tx = begin(t, s)
	_, ph = firstPage(t, tx, id)
	count, err := ph.RecordCount()
	require.NoError(t, err)
	live, err := ph.NonDeletedRecordCount()
	require.NoError(t, err)
	assert.Equal(t, n, count)
	assert.Zero(t, live)
	require.NoError(t, tx.Close())

	// a second restart changes nothing
	require.NoError(t, s.Close())
	s = openStore(t, fs)
	defer s.Close()

	_, deleted := readRows(t, s, id)
	assert.Len(t, deleted, n)
	for _, d := range deleted {
		assert.True(t, d)
	}
}

func TestConcurrentTransactionsRecoverLastCommittedValues(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)

	t1, t2 := begin(t, s), begin(t, s)
	var ids1, ids2 []common.ContainerID
	for range 2 {
		for _, c := range []struct {
			tx  *Transaction
			ids *[]common.ContainerID
		}{{t1, &ids1}, {t2, &ids2}} {
			id, err := c.tx.AddContainer(ctx, container.Props{})
			require.NoError(t, err)

			h, err := c.tx.OpenContainer(ctx, id, OpenForUpdate)
			require.NoError(t, err)
			ph, err := h.AddPage()
			require.NoError(t, err)
			_, err = ph.InsertAtSlot(0, row("v0"), InsertDefault, 0)
			require.NoError(t, err)
			h.Close()

			*c.ids = append(*c.ids, id)
		}
	}
	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Commit())

	update := func(tx *Transaction, ids []common.ContainerID, v string) {
		for _, id := range ids {
			h, ph := firstPage(t, tx, id)
			require.NoError(t, ph.UpdateAtSlot(0, row(v)))
			h.Close()
		}
	}

	update(t1, ids1, "v1")
	update(t2, ids2, "v1")
	require.NoError(t, t1.Commit())
	update(t2, ids2, "v2")
	require.NoError(t, t2.Commit())

	t3 := begin(t, s)
	update(t3, append(ids1, ids2...), "lost")
	require.NoError(t, s.FlushLog())

	s = openStore(t, fs)
	defer s.Close()

	for _, id := range ids1 {
		rows, _ := readRows(t, s, id)
		assert.Equal(t, []page.Row{row("v1")}, rows, "container %s", id)
	}
	for _, id := range ids2 {
		rows, _ := readRows(t, s, id)
		assert.Equal(t, []page.Row{row("v2")}, rows, "container %s", id)
	}
}

func TestRestartFromCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	id, _ := createContainer(t, s)

	tx := begin(t, s)
	_, ph := firstPage(t, tx, id)
	_, err := ph.InsertAtSlot(0, row("before"), InsertDefault, 0)
	require.NoError(t, err)
	ph.Unlatch()

	_, err = s.Checkpoint(context.Background())
	require.NoError(t, err)

	h, err := tx.OpenContainer(context.Background(), id, OpenForUpdate)
	require.NoError(t, err)
	ph, err = h.GetFirstPage()
	require.NoError(t, err)
	_, err = ph.InsertAtSlot(1, row("after"), InsertDefault, 0)
	require.NoError(t, err)
	require.NoError(t, s.FlushLog())

	s = openStore(t, fs)
	defer s.Close()

	rows, deleted := readRows(t, s, id)
	assert.Equal(t, []page.Row{row("before"), row("after")}, rows)
	assert.Equal(t, []bool{true, true}, deleted)
}

func TestCheckpointRemovesOldLogFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	defer s.Close()

	createContainer(t, s)
	first := s.LogManager().FirstLSN()

	require.NoError(t, s.SwitchLogFile())
	_, err := s.Checkpoint(context.Background())
	require.NoError(t, err)

	assert.Greater(t, s.LogManager().FirstLSN().File(), first.File())
}

func TestCheckpointKeepsRecordsOfRunningTransactions(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	id, _ := createContainer(t, s)

	tx := begin(t, s)
	_, ph := firstPage(t, tx, id)
	_, err := ph.InsertAtSlot(0, row("x"), InsertDefault, 0)
	require.NoError(t, err)
	ph.Unlatch()

	require.NoError(t, s.SwitchLogFile())
	_, err = s.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, s.LogManager().FirstLSN(), tx.firstLSN)

	require.NoError(t, tx.Abort())
	rows, deleted := readRows(t, s, id)
	assert.Equal(t, []page.Row{row("x")}, rows)
	assert.Equal(t, []bool{true}, deleted)
	require.NoError(t, s.Close())
}

func TestConcurrentWritersWithCheckpoints(t *testing.T) {
	const (
		writers = 4
		rows    = 20
	)

	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)

	ids := make([]common.ContainerID, writers)
	for i := range ids {
		ids[i], _ = createContainer(t, s)
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			tx, err := s.StartTransaction()
			if err != nil {
				errs <- err
				return
			}
			for i := range rows {
				h, err := tx.OpenContainer(ctx, ids[w], OpenForUpdate)
				if err != nil {
					errs <- err
					return
				}
				ph, err := h.GetFirstPage()
				if err != nil {
					errs <- err
					return
				}
				if _, err := ph.InsertAtSlot(i, row(fmt.Sprint(w, i)), InsertDefault, 0); err != nil {
					errs <- err
					return
				}
				h.Close()
			}
			errs <- tx.Commit()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 5 {
			if _, err := s.Checkpoint(ctx); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	s = openStore(t, fs)
	defer s.Close()

	for w, id := range ids {
		got, deleted := readRows(t, s, id)
		require.Len(t, got, rows)
		for i := range rows {
			assert.Equal(t, row(fmt.Sprint(w, i)), got[i])
			assert.False(t, deleted[i])
		}
	}
}

func TestClosedStoreRejectsTransactions(t *testing.T) {
	s := openStore(t, afero.NewMemMapFs())
	require.NoError(t, s.Close())

	_, err := s.StartTransaction()
	assert.Equal(t, rawerr.KindProtocol, rawerr.KindOf(err))
}

func TestLossyPurgeRolledBackByRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	id, _ := createContainer(t, s)

	tx := begin(t, s)
	_, ph := firstPage(t, tx, id)
	for i := range 3 {
		_, err := ph.InsertAtSlot(i, row(fmt.Sprint("k", i), fmt.Sprint("v", i)), InsertDefault, 0)
		require.NoError(t, err)
	}
	_, err := ph.DeleteAtSlot(1, true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, ph = firstPage(t, tx, id)
	require.NoError(t, ph.PurgeAtSlot(0, 3, false))
	require.NoError(t, s.FlushLog())

	s = openStore(t, fs)
	defer s.Close()

	rows, deleted := readRows(t, s, id)
	require.Len(t, rows, 3)
	assert.Equal(t, []bool{false, true, false}, deleted)
	for _, r := range rows {
		assert.Equal(t, page.NullRow(2), r)
	}

	tx = begin(t, s)
	defer tx.Close()
	_, ph = firstPage(t, tx, id)
	assert.Zero(t, ph.p.Held())
}

func TestAllocationSurvivesCrashOfAllocatingTransaction(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	id, _ := createContainer(t, s)

	t1 := begin(t, s)
	h1, err := t1.OpenContainer(ctx, id, OpenForUpdate)
	require.NoError(t, err)
	ph, err := h1.AddPage()
	require.NoError(t, err)
	added := ph.PageNum()
	ph.Unlatch()

	t2 := begin(t, s)
	h2, err := t2.OpenContainer(ctx, id, OpenForUpdate)
	require.NoError(t, err)
	ph, err = h2.GetPage(added)
	require.NoError(t, err)
	_, err = ph.InsertAtSlot(0, row("kept"), InsertDefault, 0)
	require.NoError(t, err)
	require.NoError(t, t2.Commit())

	s = openStore(t, fs)
	defer s.Close()

	tx := begin(t, s)
	defer tx.Close()
	h, err := tx.OpenContainer(ctx, id, OpenForUpdate)
	require.NoError(t, err)
	ph, err = h.GetPage(added)
	require.NoError(t, err)
	got, err := ph.FetchFromSlot(0, nil)
	require.NoError(t, err)
	assert.Equal(t, row("kept"), got)
	ph.Unlatch()

	ph, err = h.AddPage()
	require.NoError(t, err)
	assert.NotEqual(t, added, ph.PageNum())
	require.NoError(t, tx.Commit())
}

func TestRestartAfterLogSwitchWithoutCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs)
	id, _ := createContainer(t, s)
	cp := s.LogManager().CheckpointLSN()

	tx := begin(t, s)
	_, ph := firstPage(t, tx, id)
	_, err := ph.InsertAtSlot(0, row("before"), InsertDefault, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, s.SwitchLogFile())

	_, ph = firstPage(t, tx, id)
	_, err = ph.InsertAtSlot(1, row("after"), InsertDefault, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, s.SwitchLogFile())

	_, ph = firstPage(t, tx, id)
	_, err = ph.InsertAtSlot(2, row("lost"), InsertDefault, 0)
	require.NoError(t, err)
	require.NoError(t, s.FlushLog())
	assert.Equal(t, cp, s.LogManager().CheckpointLSN())
	assert.Greater(t, s.LogManager().EndLSN().File(), cp.File()+1)

	s = openStore(t, fs)
	defer s.Close()

	rows, deleted := readRows(t, s, id)
	assert.Equal(t, []page.Row{row("before"), row("after"), row("lost")}, rows)
	assert.Equal(t, []bool{false, false, true}, deleted)
}
