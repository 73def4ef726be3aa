package statetransfer

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/command"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both members snapshot their transactions for each other while each has a local prepare in flight
// that replicates to the other one.
func TestStateProvider_CrossedSnapshotsDuringPrepare(t *testing.T) {
	c := newTestCluster(t, 2, 1)
	n0 := c.add("n0:1")
	n1 := c.add("n1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	members := []model.Address{"n0:1", "n1:1"}
	for _, n := range []*testNode{n0, n1} {
		require.NoError(t, n.mgr.OnTopologyUpdate(ctx, 1, singleOwnerHash(t, 2, "n0:1", members...)))
	}

	release := make(chan struct{})
	noop := command.InvokerFunc(func(context.Context, *command.Command) (any, error) { return true, nil })
	prepare := func(local, remote *testNode, held chan<- struct{}) error {
		gtx := &model.GlobalTransaction{ID: "tx-" + local.addr.String(), Origin: local.addr}
		replicate := command.InvokerFunc(func(ctx context.Context, cmd *command.Command) (any, error) {
			close(held)
			<-release
			remoteCmd := &command.Command{Type: command.TypePrepare, Transaction: gtx, TopologyID: cmd.TopologyID, Origin: local.addr}
			return remote.mgr.Interceptor().Handle(ctx, remoteCmd, noop)
		})
		_, err := local.mgr.Interceptor().Handle(ctx, &command.Command{Type: command.TypePrepare, Transaction: gtx}, replicate)
		return err
	}

	errs := make(chan error, 4)
	held0, held1 := make(chan struct{}), make(chan struct{})
	go func() { errs <- prepare(n0, n1, held0) }()
	go func() { errs <- prepare(n1, n0, held1) }()
	<-held0
	<-held1

	snapshot := func(provider, requester *testNode) {
		_, err := provider.mgr.Provider().GetTransactionsForSegments(ctx, requester.addr, 1, []int{0, 1})
		errs <- err
	}
	go snapshot(n0, n1)
	go snapshot(n1, n0)
	// let both snapshots queue for the exclusive side first
	time.Sleep(20 * time.Millisecond)
	close(release)

	start := time.Now()
	for i := 0; i < 4; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("members blocked each other on the transactions lock")
		}
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStateProvider_SnapshotGivesUpWithContext(t *testing.T) {
	c := newTestCluster(t, 2, 1)
	n0 := c.add("n0:1")
	require.NoError(t, n0.mgr.OnTopologyUpdate(context.Background(), 1, singleOwnerHash(t, 2, "n0:1")))

	require.NoError(t, n0.mgr.Lock().AcquireTransactionsShared(context.Background()))
	defer n0.mgr.Lock().ReleaseTransactionsShared()

	ctx, cancel := context.WithTimeout(context.Background(), 3*transactionsLockAttempt)
	defer cancel()
	_, err := n0.mgr.Provider().GetTransactionsForSegments(ctx, "n1:1", 1, []int{0})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the abandoned attempts left nothing queued
	shortCtx, cancelShort := context.WithTimeout(context.Background(), time.Second)
	defer cancelShort()
	require.NoError(t, n0.mgr.Lock().AcquireTransactionsShared(shortCtx))
	n0.mgr.Lock().ReleaseTransactionsShared()
}
