package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type update struct {
	id      int
	members []model.Address
	hash    hash.ConsistentHash
}

type recordingHandler struct {
	mu      sync.Mutex
	updates []update
	err     error
}

func (h *recordingHandler) OnTopologyUpdate(ctx context.Context, topologyID int, ch hash.ConsistentHash) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, update{id: topologyID, members: ch.Members(), hash: ch})
	return h.err
}

func (h *recordingHandler) ids() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int, 0, len(h.updates))
	for _, u := range h.updates {
		ids = append(ids, u.id)
	}
	return ids
}

func (h *recordingHandler) all() []update {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]update(nil), h.updates...)
}

func (h *recordingHandler) last() update {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updates[len(h.updates)-1]
}

// busyHandler reports a transfer in progress for its first polls after each update
type busyHandler struct {
	recordingHandler
	busyPolls int32
	remaining atomic.Int32
	polls     atomic.Int32
}

func (h *busyHandler) OnTopologyUpdate(ctx context.Context, topologyID int, ch hash.ConsistentHash) error {
	h.remaining.Store(h.busyPolls)
	return h.recordingHandler.OnTopologyUpdate(ctx, topologyID, ch)
}

func (h *busyHandler) IsStateTransferInProgress() bool {
	h.polls.Add(1)
	return h.remaining.Add(-1) >= 0
}

// moduloBuilder gives segment s to members[s%n] alone
func moduloBuilder(members []model.Address, numSegments, numOwners int) (hash.ConsistentHash, error) {
	owners := make([][]model.Address, numSegments)
	for seg := range owners {
		owners[seg] = []model.Address{members[seg%len(members)]}
	}
	return hash.NewDefaultConsistentHash(numOwners, members, owners)
}

func assertIncreasing(t *testing.T, ids []int) {
	t.Helper()
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "topology ids must increase: %v", ids)
	}
}

func TestLocalTopologyManager_JoinLeave(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(nil, nil)
	req := JoinRequest{NumSegments: 8, NumOwners: 2}

	a, b := &recordingHandler{}, &recordingHandler{}
	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", req, a))
	require.NoError(t, m.NotifierFor("b:1").Join(ctx, "c", req, b))

	assertIncreasing(t, a.ids())
	assertIncreasing(t, b.ids())
	assert.Equal(t, []model.Address{"a:1"}, b.all()[0].members, "a joiner first sees the topology it joins")
	assert.Equal(t, []model.Address{"a:1", "b:1"}, b.last().members)
	assert.Equal(t, a.last().id, b.last().id)
	aSeen := len(a.ids())

	require.NoError(t, m.NotifierFor("a:1").Leave(ctx, "c"))
	assert.Len(t, a.ids(), aSeen, "a member that left gets no further topologies")
	assertIncreasing(t, b.ids())
	assert.Equal(t, []model.Address{"b:1"}, b.last().members)

	id, ch := m.Current("c")
	assert.Equal(t, b.last().id, id)
	require.NotNil(t, ch)
	assert.Equal(t, 8, ch.NumSegments())
}

func TestLocalTopologyManager_JoinInstallsUnionFirst(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(moduloBuilder, nil)
	req := JoinRequest{NumSegments: 2, NumOwners: 1}

	a, b := &recordingHandler{}, &recordingHandler{}
	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", req, a))
	require.NoError(t, m.NotifierFor("b:1").Join(ctx, "c", req, b))

	assert.Equal(t, []int{1, 2, 3}, a.ids())
	assert.Equal(t, []int{1, 2, 3}, b.ids())

	pending := b.all()[1].hash
	assert.Equal(t, []model.Address{"a:1"}, pending.LocateOwnersForSegment(0))
	assert.Equal(t, []model.Address{"a:1", "b:1"}, pending.LocateOwnersForSegment(1), "the previous owner stays first")

	final := b.last().hash
	assert.Equal(t, []model.Address{"b:1"}, final.LocateOwnersForSegment(1))
}

func TestLocalTopologyManager_LeaverServesDuringUnion(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(moduloBuilder, nil)
	req := JoinRequest{NumSegments: 2, NumOwners: 1}

	a, b := &recordingHandler{}, &recordingHandler{}
	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", req, a))
	require.NoError(t, m.NotifierFor("b:1").Join(ctx, "c", req, b))
	before := len(b.ids())

	require.NoError(t, m.NotifierFor("a:1").Leave(ctx, "c"))
	updates := b.all()[before:]
	require.Len(t, updates, 2)
	assert.Equal(t, []model.Address{"a:1", "b:1"}, updates[0].hash.LocateOwnersForSegment(0))
	assert.Equal(t, []model.Address{"b:1"}, updates[1].members)
}

func TestLocalTopologyManager_WaitsForTransfers(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(moduloBuilder, nil)
	req := JoinRequest{NumSegments: 2, NumOwners: 1}

	a := &busyHandler{busyPolls: 3}
	b := &recordingHandler{}
	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", req, a))
	require.NoError(t, m.NotifierFor("b:1").Join(ctx, "c", req, b))

	assert.GreaterOrEqual(t, a.polls.Load(), int32(4))
	assert.Equal(t, []model.Address{"b:1"}, b.last().hash.LocateOwnersForSegment(1))
}

func TestLocalTopologyManager_SettleTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(moduloBuilder, nil)
	m.SetSettleTimeout(20 * time.Millisecond)
	req := JoinRequest{NumSegments: 2, NumOwners: 1}

	a := &busyHandler{busyPolls: 1 << 30}
	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", req, a))

	start := time.Now()
	b := &recordingHandler{}
	require.NoError(t, m.NotifierFor("b:1").Join(ctx, "c", req, b))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []model.Address{"a:1", "b:1"}, b.last().members)
}

func TestLocalTopologyManager_DuplicateJoin(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(nil, nil)
	req := JoinRequest{NumSegments: 4, NumOwners: 1}

	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", req, &recordingHandler{}))
	assert.Error(t, m.NotifierFor("a:1").Join(ctx, "c", req, &recordingHandler{}))
}

func TestLocalTopologyManager_Install(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(moduloBuilder, nil)
	req := JoinRequest{NumSegments: 2, NumOwners: 1}

	a, b := &recordingHandler{}, &recordingHandler{}
	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", req, a))
	require.NoError(t, m.NotifierFor("b:1").Join(ctx, "c", req, b))

	swapped, err := hash.NewDefaultConsistentHash(1, []model.Address{"a:1", "b:1"}, [][]model.Address{{"b:1"}, {"a:1"}})
	require.NoError(t, err)
	require.NoError(t, m.Install(ctx, "c", swapped))

	id, ch := m.Current("c")
	assert.Equal(t, id, a.last().id)
	assert.Equal(t, id, b.last().id)
	assert.Same(t, swapped, ch)
	assert.Equal(t, []model.Address{"a:1", "b:1"}, b.all()[len(b.ids())-2].hash.LocateOwnersForSegment(0))

	stranger, err := hash.NewDefaultConsistentHash(1, []model.Address{"z:1"}, [][]model.Address{{"z:1"}, {"z:1"}})
	require.NoError(t, err)
	assert.Error(t, m.Install(ctx, "c", stranger))
	assert.Error(t, m.Install(ctx, "missing", swapped))
}

func TestLocalTopologyManager_HandlerErrorStillDelivers(t *testing.T) {
	ctx := context.Background()
	m := NewLocalTopologyManager(nil, nil)
	req := JoinRequest{NumSegments: 4, NumOwners: 1}

	failing := &recordingHandler{err: errors.New("boom")}
	other := &recordingHandler{}
	require.NoError(t, m.NotifierFor("b:1").Join(ctx, "c", req, other))
	err := m.NotifierFor("a:1").Join(ctx, "c", req, failing)
	assert.Error(t, err)

	assertIncreasing(t, other.ids())
	assert.Equal(t, []model.Address{"a:1", "b:1"}, other.last().members)
	id, _ := m.Current("c")
	assert.Equal(t, id, other.last().id)
}

func TestLocalTopologyManager_CustomBuilder(t *testing.T) {
	ctx := context.Background()
	calls := 0
	build := func(members []model.Address, numSegments, numOwners int) (hash.ConsistentHash, error) {
		calls++
		return moduloBuilder(members, numSegments, numOwners)
	}
	m := NewLocalTopologyManager(build, nil)

	h := &recordingHandler{}
	require.NoError(t, m.NotifierFor("a:1").Join(ctx, "c", JoinRequest{NumSegments: 3, NumOwners: 1}, h))
	assert.Equal(t, 1, calls)

	_, ch := m.Current("c")
	assert.Equal(t, model.NewSegmentSet(0, 1, 2), ch.SegmentsForOwner("a:1"))
}
