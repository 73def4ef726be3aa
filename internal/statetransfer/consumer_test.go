package statetransfer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/container"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"github.com/devrev/pairdb/datagrid/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateConsumer_DiscardsUnsolicitedState(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 4, 1)
	n0 := c.add("n0:1")
	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 1, singleOwnerHash(t, 4, "n0:1")))

	chunk := StateChunk{SegmentID: 2, Entries: []model.Entry{{Key: "stray", Value: []byte("v")}}}
	require.NoError(t, n0.mgr.Consumer().ApplyState(ctx, "x:1", 1, []StateChunk{chunk}))
	assert.False(t, n0.dc.Contains("stray"), "no inbound task asked x:1 for segment 2")
}

func TestStateConsumer_DiscardsStateForSegmentsNotOwned(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 4, 1)
	n0 := c.add("n0:1")
	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 1, singleOwnerHash(t, 4, "x:1", "x:1", "n0:1")))

	chunk := StateChunk{SegmentID: 1, Entries: []model.Entry{{Key: "stray", Value: []byte("v")}}}
	require.NoError(t, n0.mgr.Consumer().ApplyState(ctx, "x:1", 1, []StateChunk{chunk}))
	assert.False(t, n0.dc.Contains("stray"))
}

func TestStateConsumer_DiscardSegments(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 4, 1)
	n0 := c.add("n0:1")
	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 1, singleOwnerHash(t, 4, "n0:1")))

	dropped := keysInSegment("drop", 1, 4, 5)
	kept := keysInSegment("keep", 2, 4, 5)
	fill(n0.dc, dropped)
	fill(n0.dc, kept)
	onlyPersisted := keysInSegment("disk", 1, 4, 3)
	for _, k := range append(dropped, onlyPersisted...) {
		require.NoError(t, n0.persistence.Write(ctx, &model.Entry{Key: k}))
	}

	n0.mgr.Consumer().DiscardSegments(ctx, model.NewSegmentSet(1))

	for _, k := range dropped {
		assert.False(t, n0.dc.Contains(k))
	}
	for _, k := range kept {
		assert.True(t, n0.dc.Contains(k))
	}
	assert.Equal(t, 0, n0.persistence.Len(), "unshared persistence is invalidated too")
}

func TestStateConsumer_AtMostOneClaimPerSegment(t *testing.T) {
	network := transport.NewNetwork()
	rpc := network.Join("n0:1")
	consumer := NewStateConsumer(ConsumerConfig{CacheName: testCache, Self: "n0:1"}, ConsumerDeps{RPC: rpc})

	first, err := NewInboundTransferTask(InboundConfig{Source: "a:1", Segments: model.NewSegmentSet(1, 2)}, rpc, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	second, err := NewInboundTransferTask(InboundConfig{Source: "b:1", Segments: model.NewSegmentSet(2, 3)}, rpc, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	consumer.mu.Lock()
	require.NoError(t, consumer.registerLocked(first))
	err = consumer.registerLocked(second)
	consumer.mu.Unlock()

	require.Error(t, err)
	assert.Equal(t, grerrors.ErrCodeSegmentAlreadyClaimed, grerrors.GetCode(err))
	assert.Same(t, first, consumer.transfersBySegment[2])
	_, claimed := consumer.transfersBySegment[3]
	assert.False(t, claimed, "a rejected task claims nothing")
	assert.True(t, consumer.IsStateTransferInProgress())
}

func TestStateConsumer_ApplyTransactionsBackupLocksKeys(t *testing.T) {
	ctx := context.Background()
	txTable := txn.NewTable("n1:1")
	lockTable := txn.NewLockTable()
	consumer := NewStateConsumer(ConsumerConfig{CacheName: testCache, Self: "n1:1"}, ConsumerDeps{
		TxTable:   txTable,
		LockTable: lockTable,
	})

	gtx := model.GlobalTransaction{ID: "tx1", Origin: "n0:1"}
	mods := []model.Modification{{Type: model.OperationTypePut, Key: "a", Value: []byte("1")}}
	require.NoError(t, consumer.ApplyTransactions(ctx, "n0:1", 2, []model.TransactionInfo{{
		GlobalTransaction: gtx,
		Modifications:     mods,
		LockedKeys:        []string{"a", "b"},
	}}))

	tx, ok := txTable.GetRemote("tx1")
	require.True(t, ok)
	assert.Equal(t, mods, tx.Modifications())
	assert.Equal(t, []string{"a", "b"}, tx.BackupLockedKeys())
	owner, locked := lockTable.Owner("a")
	assert.True(t, locked)
	assert.Equal(t, "tx1", owner)
}

func TestStateProvider_TransactionsFilteredBySegment(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 4, 1)
	n0 := c.add("n0:1")
	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 1, singleOwnerHash(t, 4, "n0:1")))

	inOne := keysInSegment("one", 1, 4, 2)
	inTwo := keysInSegment("two", 2, 4, 1)
	local := n0.txTable.CreateLocal()
	for _, k := range append(inOne, inTwo...) {
		local.AddLockedKey(k)
	}
	untouched := n0.txTable.CreateLocal()
	untouched.AddLockedKey(inTwo[0])

	infos, err := n0.mgr.Provider().GetTransactionsForSegments(ctx, "n1:1", 1, []int{1})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, local.GlobalTransaction(), infos[0].GlobalTransaction)
	assert.ElementsMatch(t, inOne, infos[0].LockedKeys)
}

func TestStateProvider_RequiresTopology(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	n0 := c.add("n0:1")

	_, err := n0.mgr.Provider().GetTransactionsForSegments(context.Background(), "n1:1", 1, []int{1})
	assert.Equal(t, grerrors.ErrCodeNoTopology, grerrors.GetCode(err))
	err = n0.mgr.Provider().StartOutboundTransfer(context.Background(), "n1:1", 1, []int{1})
	assert.Equal(t, grerrors.ErrCodeNoTopology, grerrors.GetCode(err))
}

func TestStateProvider_CancelsTransfersToDepartedMembers(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 4, 1)
	n0 := c.add("n0:1")
	members := []model.Address{"n0:1", "slow:1"}
	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 1, singleOwnerHash(t, 4, "n0:1", members...)))

	// slow:1 never answers, so the task stays active until cancelled
	block := make(chan struct{})
	defer close(block)
	c.network.Join("slow:1").Dispatcher().Register(testCache, KindStateResponse,
		func(ctx context.Context, _ model.Address, _ json.RawMessage) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, nil
		})

	require.NoError(t, n0.mgr.Provider().StartOutboundTransfer(ctx, "slow:1", 1, []int{0}))
	assert.True(t, n0.mgr.Provider().IsProviding())
	require.Len(t, n0.mgr.Provider().Status(), 1)

	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 2, singleOwnerHash(t, 4, "n0:1")))
	eventually(t, func() bool { return !n0.mgr.Provider().IsProviding() }, "transfer to departed member cancelled")
}

// holdingSource registers a source that accepts state requests but never streams anything
func holdingSource(c *testCluster, addr model.Address) *requestRecorder {
	r := &requestRecorder{}
	c.network.Join(addr).Dispatcher().Register(testCache, KindStateRequest, r.handle)
	return r
}

func TestStateConsumer_RestartsTransferWhenSourceLeaves(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 4, 3)
	n0 := c.add("n0:1")
	a := holdingSource(c, "a:1")
	b := holdingSource(c, "b:1")
	all := []model.Address{"a:1", "b:1", "n0:1"}

	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 1, sameOwnersHash(t, 4, all, "b:1", "a:1")))
	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 2, sameOwnersHash(t, 4, all, "n0:1", "b:1", "a:1")))
	eventually(t, func() bool { return len(a.types()) == 2 }, "transfer from a:1 started")

	status := n0.mgr.Consumer().Status()
	require.Len(t, status, 1)
	assert.Equal(t, "a:1", status[0].Source)

	remaining := []model.Address{"b:1", "n0:1"}
	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 3, sameOwnersHash(t, 4, remaining, "n0:1", "b:1")))
	eventually(t, func() bool { return len(b.types()) == 2 }, "transfer restarted from b:1")

	assert.Equal(t, []StateRequestType{GetTransactions, StartStateTransfer}, a.types(),
		"the departed source is not asked to cancel")
	assert.Equal(t, []int{0, 1, 2, 3}, b.last().Segments)
	assert.Equal(t, 3, b.last().TopologyID)

	status = n0.mgr.Consumer().Status()
	require.Len(t, status, 1)
	assert.Equal(t, "b:1", status[0].Source)

	history := n0.mgr.Consumer().History()
	require.Len(t, history, 1)
	assert.Equal(t, "a:1", history[0].Source)
	assert.True(t, history[0].Cancelled)
	assert.False(t, history[0].Failed)
	assert.Empty(t, n0.mgr.Consumer().RetrySegments())
}

func TestStateConsumer_IsStateTransferInProgressForKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, 4, 2)
	n0 := c.add("n0:1")
	holdingSource(c, "a:1")
	all := []model.Address{"a:1", "n0:1"}

	pulled := keysInSegment("pulled", 1, 4, 1)[0]
	kept := keysInSegment("kept", 2, 4, 1)[0]

	owners := make([][]model.Address, 4)
	for seg := range owners {
		owners[seg] = []model.Address{"n0:1"}
	}
	owners[1] = []model.Address{"a:1"}
	prev, err := hash.NewDefaultConsistentHash(1, all, owners)
	require.NoError(t, err)

	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 1, prev))
	assert.False(t, n0.mgr.IsStateTransferInProgressForKey(pulled))

	require.NoError(t, n0.mgr.OnTopologyUpdate(ctx, 2, sameOwnersHash(t, 4, all, "n0:1", "a:1")))
	eventually(t, func() bool { return n0.mgr.IsStateTransferInProgress() }, "transfer started")
	assert.True(t, n0.mgr.IsStateTransferInProgressForKey(pulled), "segment 1 is being received")
	assert.False(t, n0.mgr.IsStateTransferInProgressForKey(kept), "segment 2 was already owned")

	require.NoError(t, n0.mgr.Consumer().ApplyState(ctx, "a:1", 2, []StateChunk{{SegmentID: 1}}))
	assert.False(t, n0.mgr.IsStateTransferInProgressForKey(pulled), "the completion chunk ends the transfer")
	assert.False(t, n0.mgr.IsStateTransferInProgress())
}

func TestStateConsumer_NoKeyTransferInInvalidationMode(t *testing.T) {
	network := transport.NewNetwork()
	rpc := network.Join("n0:1")
	consumer := NewStateConsumer(ConsumerConfig{CacheName: testCache, Self: "n0:1", Invalidation: true}, ConsumerDeps{RPC: rpc})
	require.NoError(t, consumer.OnTopologyUpdate(context.Background(), 1, singleOwnerHash(t, 4, "n0:1", "a:1", "n0:1")))

	task, err := NewInboundTransferTask(InboundConfig{Source: "a:1", Segments: model.NewSegmentSet(0, 1, 2, 3)}, rpc, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	consumer.mu.Lock()
	require.NoError(t, consumer.registerLocked(task))
	consumer.mu.Unlock()

	for _, key := range []string{"a", "b", "c", "d"} {
		assert.False(t, consumer.IsStateTransferInProgressForKey(key), key)
	}
	assert.True(t, consumer.IsStateTransferInProgress(), "the task itself is still registered")
}

func BenchmarkStateConsumer_DiscardSegments(b *testing.B) {
	ctx := context.Background()
	const numSegments = 64
	hashes := singleOwnerHash(b, numSegments, "n0:1")

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		dc := container.NewDataContainer()
		for j := 0; j < 10000; j++ {
			key := fmt.Sprintf("key-%d", j)
			dc.Put(&model.Entry{Key: key, Value: []byte(key)})
		}
		consumer := NewStateConsumer(ConsumerConfig{CacheName: testCache, Self: "n0:1"}, ConsumerDeps{
			Container: dc,
			Invoker:   containerInvoker(dc, nil),
		})
		consumer.currentHash = hashes
		b.StartTimer()

		consumer.DiscardSegments(ctx, model.NewSegmentSet(0, 1, 2, 3))
	}
}
