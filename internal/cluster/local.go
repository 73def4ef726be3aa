package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"go.uber.org/zap"
)

// LocalTopologyManager coordinates the members of embedded clusters living in one process. Every join,
// leave or explicit install is delivered synchronously to all members in address order. When ownership
// moves, the union of the old and new owners is installed first and the final hash only once the
// members finished their transfers, so old owners keep their data until the new owners have it.
type LocalTopologyManager struct {
	build  HashBuilder
	logger *zap.Logger

	// notifyMu keeps deliveries in topology id order
	notifyMu sync.Mutex

	mu            sync.Mutex
	settleTimeout time.Duration
	topologyID    int
	caches        map[string]*localCache
}

type localCache struct {
	req       JoinRequest
	handlers  map[model.Address]TopologyHandler
	current   hash.ConsistentHash
	currentID int
}

// NewLocalTopologyManager creates a manager; build defaults to a 64 virtual node ring
func NewLocalTopologyManager(build HashBuilder, logger *zap.Logger) *LocalTopologyManager {
	if build == nil {
		build = RingHashBuilder(64)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalTopologyManager{
		build:         build,
		logger:        logger,
		settleTimeout: defaultSettleTimeout,
		caches:        make(map[string]*localCache),
	}
}

// SetSettleTimeout bounds how long a rebalance waits for transfers before installing the final hash
func (m *LocalTopologyManager) SetSettleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleTimeout = d
}

// NotifierFor returns the notifier the member at addr joins through
func (m *LocalTopologyManager) NotifierFor(addr model.Address) TopologyNotifier {
	return &localNotifier{manager: m, self: addr}
}

// Current returns the last installed topology of cacheName
func (m *LocalTopologyManager) Current(cacheName string) (int, hash.ConsistentHash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[cacheName]
	if !ok {
		return 0, nil
	}
	return c.currentID, c.current
}

// Install moves cacheName to an explicit hash. Each hash member must have joined.
func (m *LocalTopologyManager) Install(ctx context.Context, cacheName string, ch hash.ConsistentHash) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	c, ok := m.caches[cacheName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cache %s has no members", cacheName)
	}
	for _, member := range ch.Members() {
		if _, joined := c.handlers[member]; !joined {
			m.mu.Unlock()
			return fmt.Errorf("member %s has not joined cache %s", member, cacheName)
		}
	}
	m.mu.Unlock()

	return m.rebalance(ctx, cacheName, ch, "")
}

func (m *LocalTopologyManager) join(ctx context.Context, self model.Address, cacheName string, req JoinRequest, handler TopologyHandler) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	c, ok := m.caches[cacheName]
	if !ok {
		c = &localCache{req: req, handlers: make(map[model.Address]TopologyHandler)}
		m.caches[cacheName] = c
	}
	if _, dup := c.handlers[self]; dup {
		m.mu.Unlock()
		return fmt.Errorf("member %s already joined cache %s", self, cacheName)
	}
	c.handlers[self] = handler
	currentID, current := c.currentID, c.current
	m.mu.Unlock()

	// the joiner first learns the topology it joins, in which it owns nothing
	var catchUpErr error
	if current != nil {
		if err := handler.OnTopologyUpdate(ctx, currentID, current); err != nil {
			m.logger.Error("Joining member failed to install current topology",
				zap.String("cache", cacheName),
				zap.String("member", self.String()),
				zap.Int("topology_id", currentID),
				zap.Error(err))
			catchUpErr = err
		}
	}

	next, err := m.buildFor(cacheName)
	if err != nil {
		return err
	}
	if err := m.rebalance(ctx, cacheName, next, ""); err != nil {
		return err
	}
	return catchUpErr
}

func (m *LocalTopologyManager) leave(ctx context.Context, self model.Address, cacheName string) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	c, ok := m.caches[cacheName]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, joined := c.handlers[self]; !joined {
		m.mu.Unlock()
		return nil
	}
	delete(c.handlers, self)
	if len(c.handlers) == 0 {
		delete(m.caches, cacheName)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	next, err := m.buildFor(cacheName)
	if err != nil {
		return err
	}
	return m.rebalance(ctx, cacheName, next, self)
}

// buildFor computes the hash of the members joined to cacheName
func (m *LocalTopologyManager) buildFor(cacheName string) (hash.ConsistentHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.caches[cacheName]
	members := make([]model.Address, 0, len(c.handlers))
	for addr := range c.handlers {
		members = append(members, addr)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	ch, err := m.build(members, c.req.NumSegments, c.req.NumOwners)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology for %s: %w", cacheName, err)
	}
	return ch, nil
}

// rebalance installs the pending union of the current and next hashes when one is needed, waits for
// the transfers it starts and then installs next. leaving is a member that left gracefully and still
// serves its data while the union is installed. Callers hold notifyMu.
func (m *LocalTopologyManager) rebalance(ctx context.Context, cacheName string, next hash.ConsistentHash, leaving model.Address) error {
	m.mu.Lock()
	c := m.caches[cacheName]
	live := func(a model.Address) bool {
		_, joined := c.handlers[a]
		return joined || a == leaving
	}
	pending, ok := pendingHash(c.current, next, live)
	timeout := m.settleTimeout
	m.mu.Unlock()

	var pendingErr error
	if ok {
		var handlers []TopologyHandler
		handlers, pendingErr = m.install(ctx, cacheName, pending)
		if !waitForTransfers(ctx, handlers, timeout) {
			m.logger.Warn("Installing topology before transfers settled",
				zap.String("cache", cacheName),
				zap.Duration("timeout", timeout))
		}
	}

	if _, err := m.install(ctx, cacheName, next); err != nil {
		return err
	}
	return pendingErr
}

type addressedHandler struct {
	addr    model.Address
	handler TopologyHandler
}

// install numbers ch and delivers it to every joined member. It returns the handlers it delivered to
// and the first delivery error.
func (m *LocalTopologyManager) install(ctx context.Context, cacheName string, ch hash.ConsistentHash) ([]TopologyHandler, error) {
	m.mu.Lock()
	c := m.caches[cacheName]
	m.topologyID++
	id := m.topologyID
	c.current = ch
	c.currentID = id

	targets := make([]addressedHandler, 0, len(c.handlers))
	for addr, h := range c.handlers {
		targets = append(targets, addressedHandler{addr: addr, handler: h})
	}
	m.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].addr < targets[j].addr })

	m.logger.Debug("Installing topology",
		zap.String("cache", cacheName),
		zap.Int("topology_id", id),
		zap.Int("members", len(ch.Members())))

	handlers := make([]TopologyHandler, 0, len(targets))
	var firstErr error
	for _, t := range targets {
		handlers = append(handlers, t.handler)
		if err := t.handler.OnTopologyUpdate(ctx, id, ch); err != nil {
			m.logger.Error("Member failed to install topology",
				zap.String("cache", cacheName),
				zap.String("member", t.addr.String()),
				zap.Int("topology_id", id),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return handlers, firstErr
}

type localNotifier struct {
	manager *LocalTopologyManager
	self    model.Address
}

func (n *localNotifier) Join(ctx context.Context, cacheName string, req JoinRequest, handler TopologyHandler) error {
	return n.manager.join(ctx, n.self, cacheName, req, handler)
}

func (n *localNotifier) Leave(ctx context.Context, cacheName string) error {
	return n.manager.leave(ctx, n.self, cacheName)
}

var _ TopologyNotifier = (*localNotifier)(nil)
