package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/cluster"
	"github.com/devrev/pairdb/datagrid/internal/config"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/statetransfer"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(numSegments, numOwners int) Config {
	return Config{
		Name:               "users",
		Mode:               config.ModeDistributed,
		NumSegments:        numSegments,
		NumOwners:          numOwners,
		Transactional:      true,
		RemoteTimeout:      time.Second,
		FetchInMemoryState: true,
		ChunkSize:          4,
		TransferTimeout:    time.Second,
		Workers:            2,
		QueueSize:          64,
		ShutdownTimeout:    time.Second,
	}
}

// roundRobinBuilder gives segment s to members s, s+1, ... up to numOwners distinct members
func roundRobinBuilder(members []model.Address, numSegments, numOwners int) (hash.ConsistentHash, error) {
	owners := make([][]model.Address, numSegments)
	for seg := range owners {
		for i := 0; i < numOwners && i < len(members); i++ {
			owners[seg] = append(owners[seg], members[(seg+i)%len(members)])
		}
	}
	return hash.NewDefaultConsistentHash(numOwners, members, owners)
}

func keysInSegment(segment, numSegments, n int) []string {
	keys := make([]string, 0, n)
	for i := 0; len(keys) < n; i++ {
		key := fmt.Sprintf("user-%d", i)
		if hash.SegmentFor(key, numSegments) == segment {
			keys = append(keys, key)
		}
	}
	return keys
}

type testGrid struct {
	t        *testing.T
	cfg      Config
	network  *transport.Network
	topology *cluster.LocalTopologyManager
}

func newTestGrid(t *testing.T, cfg Config) *testGrid {
	return &testGrid{
		t:        t,
		cfg:      cfg,
		network:  transport.NewNetwork(),
		topology: cluster.NewLocalTopologyManager(roundRobinBuilder, zap.NewNop()),
	}
}

func (g *testGrid) create(addr model.Address, persistence store.Store) *Cache {
	c, err := New(g.cfg, Deps{
		RPC:         g.network.Join(addr),
		Notifier:    g.topology.NotifierFor(addr),
		Persistence: persistence,
		Logger:      zap.NewNop(),
	})
	require.NoError(g.t, err)
	g.t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func (g *testGrid) start(addr model.Address) *Cache {
	c := g.create(addr, nil)
	require.NoError(g.t, c.Start(context.Background()))
	return c
}

func assertValue(t *testing.T, c *Cache, key string, want string) {
	t.Helper()
	value, found, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found, "%s should find %s", c.Address(), key)
	assert.Equal(t, want, string(value))
}

func TestCache_New_Validation(t *testing.T) {
	network := transport.NewNetwork()

	_, err := New(Config{}, Deps{RPC: network.Join("a:1")})
	assert.Equal(t, grerrors.ErrCodeInvalidArgument, grerrors.GetCode(err))

	_, err = New(testConfig(4, 1), Deps{})
	assert.Equal(t, grerrors.ErrCodeInvalidArgument, grerrors.GetCode(err))

	cfg := testConfig(4, 1)
	cfg.ChunkSize = 0
	_, err = New(cfg, Deps{RPC: network.Join("b:1")})
	assert.Error(t, err)
}

func TestCache_RequiresTopology(t *testing.T) {
	g := newTestGrid(t, testConfig(4, 1))
	c := g.create("a:1", nil)

	err := c.Put(context.Background(), "k", []byte("v"))
	assert.Equal(t, grerrors.ErrCodeNoTopology, grerrors.GetCode(err))

	_, _, err = c.Get(context.Background(), "k")
	assert.Equal(t, grerrors.ErrCodeNoTopology, grerrors.GetCode(err))
}

func TestCache_SingleNode(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 1))
	c := g.start("a:1")

	require.NoError(t, c.Put(ctx, "k", []byte("v1")))
	assertValue(t, c, "k", "v1")

	stored, err := c.PutIfAbsent(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, stored)
	assertValue(t, c, "k", "v1")

	stored, err = c.PutIfAbsent(ctx, "other", []byte("v3"))
	require.NoError(t, err)
	assert.True(t, stored)

	removed, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	removed, err = c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCache_WritesReachEveryOwner(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 2))
	a := g.start("a:1")
	b := g.start("b:1")

	require.NoError(t, b.Put(ctx, "k", []byte("v")))
	assert.True(t, a.Container().Contains("k"))
	assert.True(t, b.Container().Contains("k"))
	assertValue(t, a, "k", "v")

	removed, err := a.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, a.Container().Contains("k"))
	assert.False(t, b.Container().Contains("k"))
}

func TestCache_NonOwnerRoutesToOwners(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(3, 1))
	nodes := []*Cache{g.start("n0:1"), g.start("n1:1"), g.start("n2:1")}

	// segment s belongs to n<s> alone
	key := keysInSegment(1, 3, 1)[0]
	require.NoError(t, nodes[0].Put(ctx, key, []byte("v")))
	assert.False(t, nodes[0].Container().Contains(key))
	assert.True(t, nodes[1].Container().Contains(key))

	for _, n := range nodes {
		assertValue(t, n, key, "v")
	}

	stored, err := nodes[2].PutIfAbsent(ctx, key, []byte("other"))
	require.NoError(t, err)
	assert.False(t, stored, "the owner's answer is returned")

	removed, err := nodes[2].Remove(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, nodes[1].Container().Contains(key))
}

// A member leaving gracefully hands each of its segments to the new owner in exactly one transfer.
func TestCache_GracefulLeaveMovesSegments(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(3, 1))
	n0 := g.start("n0:1")
	n1 := g.start("n1:1")
	n2 := g.start("n2:1")

	keys := make(map[int][]string)
	for seg := 0; seg < 3; seg++ {
		keys[seg] = keysInSegment(seg, 3, 5)
		for _, k := range keys[seg] {
			require.NoError(t, n0.Put(ctx, k, []byte("value-"+k)))
		}
	}
	for _, k := range keys[0] {
		require.True(t, n0.Container().Contains(k))
	}
	before, _ := n1.Manager().CurrentTopology()

	require.NoError(t, n0.Stop(ctx))

	var fromLeaver []statetransfer.InboundRecord
	for _, r := range n1.Manager().Consumer().History() {
		if r.TopologyID > before && r.Source == "n0:1" {
			fromLeaver = append(fromLeaver, r)
		}
	}
	require.Len(t, fromLeaver, 1)
	assert.Equal(t, []int{0}, fromLeaver[0].Segments)
	assert.False(t, fromLeaver[0].Failed)

	_, ch := n1.Manager().CurrentTopology()
	assert.Equal(t, []model.Address{"n1:1", "n2:1"}, ch.Members())
	for seg, segKeys := range keys {
		for _, k := range segKeys {
			assertValue(t, n1, k, "value-"+k)
			assertValue(t, n2, k, "value-"+k)
			owner := ch.LocatePrimaryOwner(k)
			if owner == "n1:1" {
				assert.True(t, n1.Container().Contains(k), "segment %d key %s", seg, k)
			} else {
				assert.True(t, n2.Container().Contains(k), "segment %d key %s", seg, k)
			}
		}
	}
}

func TestCache_InstallKeepsEveryEntry(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 1))
	a := g.start("a:1")
	b := g.start("b:1")

	var all []string
	for seg := 0; seg < 4; seg++ {
		for _, k := range keysInSegment(seg, 4, 5) {
			require.NoError(t, a.Put(ctx, k, []byte(k)))
			all = append(all, k)
		}
	}

	members := []model.Address{"a:1", "b:1"}
	swapped, err := hash.NewDefaultConsistentHash(1, members, [][]model.Address{{"b:1"}, {"a:1"}, {"b:1"}, {"a:1"}})
	require.NoError(t, err)
	require.NoError(t, g.topology.Install(ctx, "users", swapped))

	for _, k := range all {
		owner := a
		if swapped.LocatePrimaryOwner(k) == "b:1" {
			owner = b
		}
		assert.True(t, owner.Container().Contains(k), "new owner holds %s", k)
		assertValue(t, a, k, k)
		assertValue(t, b, k, k)
	}
	assert.False(t, a.Manager().IsStateTransferInProgress())
	assert.False(t, b.Manager().IsStateTransferInProgress())
}

func TestCache_PersistenceWriteThrough(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 1))
	persistence := store.NewMemoryStore()
	c := g.create("a:1", persistence)
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	e, err := persistence.Load(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "v", string(e.Value))

	c.Container().Remove("k")
	assertValue(t, c, "k", "v")

	_, err = c.Remove(ctx, "k")
	require.NoError(t, err)
	e, err = persistence.Load(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestCache_Transaction(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 2))
	a := g.start("a:1")
	b := g.start("b:1")

	tx, err := a.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put("x", []byte("1")))
	require.NoError(t, tx.Put("y", []byte("2")))
	assert.False(t, b.Container().Contains("x"), "nothing is visible before commit")
	require.NoError(t, tx.Commit(ctx))

	for _, c := range []*Cache{a, b} {
		assertValue(t, c, "x", "1")
		assertValue(t, c, "y", "2")
		assert.Zero(t, c.lockTable.Len())
		assert.Zero(t, c.txTable.Len())
	}

	tx, err = b.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Remove("x"))
	require.NoError(t, tx.Commit(ctx))
	assert.False(t, a.Container().Contains("x"))
	assert.False(t, b.Container().Contains("x"))

	assert.Error(t, tx.Commit(ctx), "a finished transaction cannot commit again")
}

func TestCache_TransactionLocksKeys(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 2))
	a := g.start("a:1")
	g.start("b:1")

	tx, err := a.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put("k", []byte("tx")))

	err = a.Put(ctx, "k", []byte("plain"))
	assert.Equal(t, grerrors.ErrCodeKeyLocked, grerrors.GetCode(err))

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, a.Put(ctx, "k", []byte("plain")))
	assertValue(t, a, "k", "plain")
}

func TestCache_ConflictingPrepareRollsBack(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 2))
	a := g.start("a:1")
	b := g.start("b:1")

	first, err := a.Begin()
	require.NoError(t, err)
	require.NoError(t, first.Put("k", []byte("first")))

	second, err := b.Begin()
	require.NoError(t, err)
	require.NoError(t, second.Put("k", []byte("second")))

	err = second.Commit(ctx)
	assert.Equal(t, grerrors.ErrCodeKeyLocked, grerrors.GetCode(err))
	owner, locked := b.lockTable.Owner("k")
	assert.False(t, locked, "the failed transaction released %s", owner)

	require.NoError(t, first.Commit(ctx))
	assertValue(t, a, "k", "first")
	assertValue(t, b, "k", "first")
}

func TestCache_CommitRoutedUnderCurrentTopology(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(3, 1))
	am := metrics.NewMetrics("a:1")
	a, err := New(g.cfg, Deps{
		RPC:      g.network.Join("a:1"),
		Notifier: g.topology.NotifierFor("a:1"),
		Logger:   zap.NewNop(),
		Metrics:  am,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	require.NoError(t, a.Start(ctx))
	g.start("b:1")

	// segment 2 moves from a:1 to c:1 between prepare and commit
	key := keysInSegment(2, 3, 1)[0]
	tx, err := a.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put(key, []byte("v")))
	mods, err := tx.finish()
	require.NoError(t, err)
	gtx := tx.tx.GlobalTransaction()
	require.NoError(t, tx.prepare(ctx, gtx, mods))

	c := g.start("c:1")
	require.True(t, c.IsOwner(key))
	require.NoError(t, tx.commit(ctx, gtx, mods))

	assertValue(t, c, key, "v")
	assert.Zero(t, c.lockTable.Len(), "the commit released the migrated lock")
	assert.Zero(t, a.lockTable.Len())
	assert.Equal(t, float64(0), testutil.ToFloat64(am.CommandsForwardedTotal),
		"the new owner got the commit once, by replication")
}

func TestCache_BeginRequiresTransactional(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.Transactional = false
	g := newTestGrid(t, cfg)
	c := g.start("a:1")

	_, err := c.Begin()
	assert.Equal(t, grerrors.ErrCodeInvalidArgument, grerrors.GetCode(err))
}

func TestCache_InvalidationMode(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(4, 1)
	cfg.Mode = config.ModeInvalidation
	g := newTestGrid(t, cfg)
	a := g.start("a:1")
	b := g.start("b:1")

	require.NoError(t, b.Put(ctx, "k", []byte("old")))
	assert.True(t, b.Container().Contains("k"))
	assert.False(t, a.Container().Contains("k"))

	require.NoError(t, a.Put(ctx, "k", []byte("new")))
	assert.True(t, a.Container().Contains("k"))
	assert.False(t, b.Container().Contains("k"), "other members drop their copy")

	assertValue(t, a, "k", "new")
	_, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_StopUnregisters(t *testing.T) {
	ctx := context.Background()
	g := newTestGrid(t, testConfig(4, 1))
	a := g.start("a:1")
	b := g.start("b:1")

	require.NoError(t, b.Stop(ctx))
	resp, err := transport.InvokeOne(ctx, a.rpc, "b:1", "users", "cache.command", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, transport.ResponseNodeNotFound, resp.Kind)

	require.NoError(t, a.Put(ctx, "k", []byte("v")))
	assertValue(t, a, "k", "v")
}
