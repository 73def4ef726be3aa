package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// nodeMeta is gossiped with every member
type nodeMeta struct {
	NodeID     string `json:"node_id"`
	RPCAddress string `json:"rpc_address"`
}

// GossipMembership discovers members with memberlist and builds a topology from the live member set
// whenever it changes. Topology ids are numbered by each member independently.
type GossipMembership struct {
	cfg        config.GossipConfig
	meta       nodeMeta
	build      HashBuilder
	memberlist *memberlist.Memberlist
	logger     *zap.Logger

	events chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// refreshMu keeps deliveries in topology id order
	refreshMu sync.Mutex

	mu         sync.Mutex
	topologyID int
	caches     map[string]*gossipCache
}

type gossipCache struct {
	req     JoinRequest
	handler TopologyHandler
	members []model.Address
	current hash.ConsistentHash
}

// NewGossipMembership starts memberlist on cfg.BindPort and joins the seed nodes
func NewGossipMembership(cfg config.GossipConfig, nodeID string, rpcAddress model.Address, logger *zap.Logger) (*GossipMembership, error) {
	g := &GossipMembership{
		cfg:    cfg,
		meta:   nodeMeta{NodeID: nodeID, RPCAddress: rpcAddress.String()},
		build:  RingHashBuilder(cfg.VirtualNodes),
		logger: logger.With(zap.String("component", "gossip")),
		events: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		caches: make(map[string]*gossipCache),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.PingTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.PingTimeout
	}
	if cfg.PingInterval > 0 {
		mlConfig.ProbeInterval = cfg.PingInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEventDelegate{membership: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			g.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	g.wg.Add(1)
	go g.run()
	return g, nil
}

// Join registers handler for cacheName and delivers the topology of the current member set
func (g *GossipMembership) Join(ctx context.Context, cacheName string, req JoinRequest, handler TopologyHandler) error {
	g.mu.Lock()
	if _, ok := g.caches[cacheName]; ok {
		g.mu.Unlock()
		return fmt.Errorf("cache %s already joined", cacheName)
	}
	g.caches[cacheName] = &gossipCache{req: req, handler: handler}
	g.mu.Unlock()

	return g.refresh(ctx, cacheName)
}

// Leave stops delivering topologies for cacheName. Other members notice the departure once memberlist
// is shut down.
func (g *GossipMembership) Leave(ctx context.Context, cacheName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.caches, cacheName)
	return nil
}

// Members returns the RPC addresses of the live members in address order
func (g *GossipMembership) Members() []model.Address {
	nodes := g.memberlist.Members()
	members := make([]model.Address, 0, len(nodes))
	for _, n := range nodes {
		var meta nodeMeta
		if err := json.Unmarshal(n.Meta, &meta); err != nil || meta.RPCAddress == "" {
			g.logger.Warn("Ignoring member without RPC address", zap.String("node_id", n.Name))
			continue
		}
		members = append(members, model.Address(meta.RPCAddress))
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// Shutdown leaves the gossip cluster and stops delivering topologies
func (g *GossipMembership) Shutdown(timeout time.Duration) error {
	close(g.stopCh)
	g.wg.Wait()

	if err := g.memberlist.Leave(timeout); err != nil {
		g.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return g.memberlist.Shutdown()
}

func (g *GossipMembership) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case <-g.events:
			g.mu.Lock()
			names := make([]string, 0, len(g.caches))
			for name := range g.caches {
				names = append(names, name)
			}
			g.mu.Unlock()

			for _, name := range names {
				if err := g.refresh(context.Background(), name); err != nil {
					g.logger.Error("Failed to refresh topology", zap.String("cache", name), zap.Error(err))
				}
			}
		}
	}
}

// refresh delivers new topologies when the member set differs from the last delivered one. A member
// joining a running cluster first installs the topology of the others. Ownership moves go through the
// pending union of the old and new hashes, and the final hash is installed once this member's
// transfers settled. Members settle independently, so a remote member may still discard a segment
// this member is about to pull.
func (g *GossipMembership) refresh(ctx context.Context, cacheName string) error {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	members := g.Members()

	g.mu.Lock()
	c, ok := g.caches[cacheName]
	if !ok || equalMembers(c.members, members) {
		g.mu.Unlock()
		return nil
	}
	req, handler, current := c.req, c.handler, c.current
	g.mu.Unlock()

	next, err := g.build(members, req.NumSegments, req.NumOwners)
	if err != nil {
		return fmt.Errorf("failed to build topology for %s: %w", cacheName, err)
	}

	if current == nil {
		others := withoutAddress(members, model.Address(g.meta.RPCAddress))
		if len(others) > 0 && len(others) < len(members) {
			prev, err := g.build(others, req.NumSegments, req.NumOwners)
			if err != nil {
				return fmt.Errorf("failed to build topology for %s: %w", cacheName, err)
			}
			if err := g.deliver(ctx, cacheName, handler, prev, others); err != nil {
				return err
			}
			current = prev
		}
	}

	live := func(a model.Address) bool { return containsMember(members, a) }
	if pending, ok := pendingHash(current, next, live); ok {
		if err := g.deliver(ctx, cacheName, handler, pending, members); err != nil {
			return err
		}
		if !waitForTransfers(ctx, []TopologyHandler{handler}, defaultSettleTimeout) {
			g.logger.Warn("Installing topology before transfers settled", zap.String("cache", cacheName))
		}
	}
	return g.deliver(ctx, cacheName, handler, next, members)
}

// deliver numbers ch and hands it to handler, recording members as the last delivered member set
func (g *GossipMembership) deliver(ctx context.Context, cacheName string, handler TopologyHandler, ch hash.ConsistentHash, members []model.Address) error {
	g.mu.Lock()
	c, ok := g.caches[cacheName]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	c.members = members
	c.current = ch
	g.topologyID++
	id := g.topologyID
	g.mu.Unlock()

	g.logger.Info("Membership changed",
		zap.String("cache", cacheName),
		zap.Int("topology_id", id),
		zap.Int("members", len(ch.Members())))
	return handler.OnTopologyUpdate(ctx, id, ch)
}

func (g *GossipMembership) notify() {
	select {
	case g.events <- struct{}{}:
	default:
	}
}

func equalMembers(a, b []model.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsMember(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func withoutAddress(list []model.Address, addr model.Address) []model.Address {
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

// NodeMeta implements memberlist.Delegate. Metadata over limit falls back to the RPC address alone,
// and to nothing when even that does not fit.
func (g *GossipMembership) NodeMeta(limit int) []byte {
	for _, meta := range []nodeMeta{g.meta, {RPCAddress: g.meta.RPCAddress}} {
		data, err := json.Marshal(meta)
		if err != nil {
			g.logger.Error("Failed to encode node metadata", zap.Error(err))
			return nil
		}
		if len(data) <= limit {
			return data
		}
	}
	g.logger.Error("Node metadata exceeds the gossip limit, peers will ignore this member",
		zap.String("rpc_address", g.meta.RPCAddress),
		zap.Int("limit", limit))
	return nil
}

// NotifyMsg implements memberlist.Delegate
func (g *GossipMembership) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (g *GossipMembership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *GossipMembership) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *GossipMembership) MergeRemoteState(buf []byte, join bool) {}

// gossipEventDelegate turns memberlist events into topology refreshes
type gossipEventDelegate struct {
	membership *GossipMembership
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.membership.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.membership.notify()
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.membership.logger.Info("Node left", zap.String("node_id", node.Name))
	d.membership.notify()
}

// NotifyUpdate is called when a node's metadata changes
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.membership.logger.Debug("Node updated", zap.String("node_id", node.Name))
	d.membership.notify()
}

var (
	_ TopologyNotifier    = (*GossipMembership)(nil)
	_ memberlist.Delegate = (*GossipMembership)(nil)
)
