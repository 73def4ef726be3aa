package statetransfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferLock_SharedHoldersCoexist(t *testing.T) {
	ctx := context.Background()
	l := NewTransferLock()

	require.NoError(t, l.AcquireCommandsShared(ctx))
	require.NoError(t, l.AcquireCommandsShared(ctx))
	require.NoError(t, l.AcquireTransactionsExclusive(ctx), "the pairs are independent")
	l.ReleaseTransactionsExclusive()
	l.ReleaseCommandsShared()
	l.ReleaseCommandsShared()
}

func TestTransferLock_ExclusiveWaitsForSharedHolders(t *testing.T) {
	ctx := context.Background()
	l := NewTransferLock()
	require.NoError(t, l.AcquireCommandsShared(ctx))

	acquired := make(chan struct{})
	go func() {
		if err := l.AcquireCommandsExclusive(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive acquired while a command was running")
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseCommandsShared()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("exclusive not acquired after the command finished")
	}
	l.ReleaseCommandsExclusive()
}

func TestTransferLock_WaitingExclusiveBlocksNewShared(t *testing.T) {
	ctx := context.Background()
	l := NewTransferLock()
	require.NoError(t, l.AcquireCommandsShared(ctx))

	go func() {
		_ = l.AcquireCommandsExclusive(ctx)
	}()
	time.Sleep(20 * time.Millisecond)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, l.AcquireCommandsShared(shortCtx), "new commands wait behind the installation window")

	l.ReleaseCommandsShared()
	require.Eventually(t, func() bool {
		tryCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
		defer cancel()
		return l.AcquireCommandsShared(tryCtx) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestTransferLock_ExclusiveInterrupted(t *testing.T) {
	l := NewTransferLock()
	require.NoError(t, l.AcquireTransactionsShared(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.AcquireTransactionsExclusive(ctx))

	l.ReleaseTransactionsShared()
	require.NoError(t, l.AcquireTransactionsExclusive(context.Background()))
	l.ReleaseTransactionsExclusive()
}

func TestTransferLock_InProgressFlag(t *testing.T) {
	l := NewTransferLock()
	assert.False(t, l.IsStateTransferInProgress())
	l.SetStateTransferInProgress(true)
	assert.True(t, l.IsStateTransferInProgress())
}
