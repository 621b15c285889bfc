package txns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
	"github.com/Blackdeer1524/rawstore/src/rawerr"
)

var testRecord = RecordResource(common.RecordHandle{
	Page:     common.PageIdentity{Container: common.ContainerID{ID: 1}, PageNum: 2},
	RecordID: common.FirstRecordID,
})

func newTestManager() *Manager {
	return NewManager(zap.NewNop().Sugar())
}

func owner(space uint64) Owner {
	return Owner{Space: Space(space), Group: space}
}

func TestSharedLocksAreCompatible(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockShared, NoWait))
	require.NoError(t, m.Acquire(ctx, owner(2), testRecord, LockShared, NoWait))
	require.NoError(t, m.Acquire(ctx, owner(3), testRecord, LockUpdate, NoWait))

	err := m.Acquire(ctx, owner(4), testRecord, LockUpdate, NoWait)
	assert.Equal(t, rawerr.KindLockTimeout, rawerr.KindOf(err))
}

func TestExclusiveWaitsForRelease(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockExclusive, NoWait))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, owner(2), testRecord, LockShared, WaitForever)
	}()

	select {
	case <-done:
		t.Fatal("shared lock granted while exclusive is held")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(owner(1), testRecord)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	mode, ok := m.IsHeld(owner(2), testRecord)
	require.True(t, ok)
	assert.Equal(t, LockShared, mode)
}

func TestWaitTimesOut(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockExclusive, NoWait))

	start := time.Now()
	err := m.Acquire(ctx, owner(2), testRecord, LockShared, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, rawerr.KindLockTimeout, rawerr.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	_, ok := m.IsHeld(owner(2), testRecord)
	assert.False(t, ok)

	// the timed out waiter must not block later requests
	m.Release(owner(1), testRecord)
	require.NoError(t, m.Acquire(ctx, owner(3), testRecord, LockExclusive, NoWait))
}

func TestSameSpaceNeverConflicts(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	parent := Owner{Space: 7, Group: 1}
	child := Owner{Space: 7, Group: 2}

	require.NoError(t, m.Acquire(ctx, parent, testRecord, LockExclusive, NoWait))
	require.NoError(t, m.Acquire(ctx, child, testRecord, LockExclusive, NoWait))

	m.ReleaseAll(child)
	_, ok := m.IsHeld(child, testRecord)
	assert.False(t, ok)

	mode, ok := m.IsHeld(parent, testRecord)
	require.True(t, ok)
	assert.Equal(t, LockExclusive, mode)
	assert.True(t, m.AreLocksHeld(7))
}

func TestWaitersAreGrantedInOrder(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockShared, NoWait))

	xDone := make(chan error, 1)
	go func() {
		xDone <- m.Acquire(ctx, owner(2), testRecord, LockExclusive, WaitForever)
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.queues[testRecord].waiters) == 1
	}, time.Second, time.Millisecond)

	// compatible with the holder, but queued behind the exclusive request
	err := m.Acquire(ctx, owner(3), testRecord, LockShared, NoWait)
	assert.Equal(t, rawerr.KindLockTimeout, rawerr.KindOf(err))

	m.Release(owner(1), testRecord)
	require.NoError(t, <-xDone)
}

func TestUpgrade(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockShared, NoWait))
	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockShared, NoWait))
	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockExclusive, NoWait))

	// a weaker request is covered by the exclusive lock
	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockUpdate, NoWait))
	mode, _ := m.IsHeld(owner(1), testRecord)
	assert.Equal(t, LockExclusive, mode)

	m.Release(owner(1), testRecord)
	assert.False(t, m.AreLocksHeld(1))
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, owner(1), testRecord, LockUpdate, NoWait))
	require.NoError(t, m.Acquire(ctx, owner(2), testRecord, LockShared, NoWait))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, owner(1), testRecord, LockExclusive, WaitForever)
	}()

	select {
	case <-done:
		t.Fatal("upgrade granted while another reader holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll(owner(2))
	require.NoError(t, <-done)
}

func TestContextCancelStopsWaiting(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.Acquire(context.Background(), owner(1), testRecord, LockExclusive, NoWait))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, owner(2), testRecord, LockExclusive, WaitForever)
	}()

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	m.mu.Lock()
	assert.Empty(t, m.queues[testRecord].waiters)
	m.mu.Unlock()
}

func TestReleaseAllDropsEveryLock(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	resources := []Resource{
		testRecord,
		ContainerResource(common.ContainerID{ID: 3}),
		PropertyResource("store.pageSize"),
	}
	for _, r := range resources {
		require.NoError(t, m.Acquire(ctx, owner(1), r, LockExclusive, NoWait))
	}
	assert.True(t, m.AreLocksHeld(1))

	m.ReleaseAll(owner(1))
	assert.False(t, m.AreLocksHeld(1))

	for _, r := range resources {
		require.NoError(t, m.Acquire(ctx, owner(2), r, LockExclusive, NoWait))
	}
}
