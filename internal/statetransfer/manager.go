package statetransfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/cluster"
	"github.com/devrev/pairdb/datagrid/internal/command"
	"github.com/devrev/pairdb/datagrid/internal/container"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"github.com/devrev/pairdb/datagrid/internal/txn"
	"github.com/devrev/pairdb/datagrid/internal/util/workerpool"
	"go.uber.org/zap"
)

const topologyHistorySize = 8

// Config holds the state transfer settings of one cache on one member
type Config struct {
	CacheName            string
	Self                 model.Address
	NumSegments          int
	NumOwners            int
	Invalidation         bool
	FetchInMemoryState   bool
	FetchPersistentState bool
	SharedPersistence    bool
	ChunkSize            int
	Timeout              time.Duration
	MaxChunksPerSecond   float64
	Workers              int
	QueueSize            int
	Policy               SourcePolicy
	ShutdownTimeout      time.Duration
}

// Deps are the collaborators of the state transfer engine. Invoker is the cache's local pipeline.
// Persistence and Metrics may be nil.
type Deps struct {
	RPC         transport.RPCManager
	Notifier    cluster.TopologyNotifier
	Container   *container.DataContainer
	Persistence store.Store
	TxTable     *txn.Table
	LockTable   *txn.LockTable
	Invoker     command.Invoker
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type topology struct {
	id   int
	hash hash.ConsistentHash
}

// Manager installs topologies and drives the provider and consumer. Each topology is installed inside
// a short blocking window that waits for running write commands; the provider then drops stale outbound
// transfers before the consumer starts new inbound ones.
type Manager struct {
	cfg      Config
	deps     Deps
	lock     *TransferLock
	pool     *workerpool.WorkerPool
	provider *StateProvider
	consumer *StateConsumer
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// updateMu serialises topology installation
	updateMu sync.Mutex

	mu           sync.RWMutex
	current      *topology
	history      []topology
	joinComplete atomic.Bool
}

// New assembles the engine and registers its request handlers on the transport
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.RPC == nil || deps.Container == nil || deps.Invoker == nil {
		return nil, fmt.Errorf("state transfer for %s needs a transport, a container and an invoker", cfg.CacheName)
	}
	if deps.TxTable == nil {
		deps.TxTable = txn.NewTable(cfg.Self)
	}
	if deps.LockTable == nil {
		deps.LockTable = txn.NewLockTable()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Policy == nil {
		cfg.Policy = LastOwnerPolicy{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	logger := deps.Logger.With(zap.String("cache", cfg.CacheName), zap.String("node", cfg.Self.String()))
	lock := NewTransferLock()
	pool := workerpool.NewWorkerPool(workerpool.Config{
		Name:       "state-transfer-" + cfg.CacheName,
		MaxWorkers: cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Logger:     logger,
	})

	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		lock:    lock,
		pool:    pool,
		logger:  logger,
		metrics: deps.Metrics,
	}
	m.provider = NewStateProvider(ProviderConfig{
		CacheName:            cfg.CacheName,
		ChunkSize:            cfg.ChunkSize,
		Timeout:              cfg.Timeout,
		FetchPersistentState: cfg.FetchPersistentState,
		SharedPersistence:    cfg.SharedPersistence,
		MaxChunksPerSecond:   cfg.MaxChunksPerSecond,
	}, deps.RPC, deps.Container, deps.Persistence, deps.TxTable, lock, pool, logger, deps.Metrics)
	m.consumer = NewStateConsumer(ConsumerConfig{
		CacheName:            cfg.CacheName,
		Self:                 cfg.Self,
		Invalidation:         cfg.Invalidation,
		FetchInMemoryState:   cfg.FetchInMemoryState,
		FetchPersistentState: cfg.FetchPersistentState,
		SharedPersistence:    cfg.SharedPersistence,
		Timeout:              cfg.Timeout,
		Policy:               cfg.Policy,
	}, ConsumerDeps{
		RPC:         deps.RPC,
		Container:   deps.Container,
		Persistence: deps.Persistence,
		TxTable:     deps.TxTable,
		LockTable:   deps.LockTable,
		Lock:        lock,
		Pool:        pool,
		Invoker:     deps.Invoker,
		Logger:      logger,
		Metrics:     deps.Metrics,
	})

	m.registerHandlers(deps.RPC.Dispatcher())
	return m, nil
}

// Start joins the cache's topology
func (m *Manager) Start(ctx context.Context) error {
	if m.deps.Notifier == nil {
		return fmt.Errorf("cache %s has no topology notifier", m.cfg.CacheName)
	}
	return m.deps.Notifier.Join(ctx, m.cfg.CacheName, cluster.JoinRequest{
		NumSegments: m.cfg.NumSegments,
		NumOwners:   m.cfg.NumOwners,
	}, m)
}

// Stop leaves the topology, cancels every transfer and stops the worker pool
func (m *Manager) Stop(ctx context.Context) error {
	var leaveErr error
	if m.deps.Notifier != nil {
		leaveErr = m.deps.Notifier.Leave(ctx, m.cfg.CacheName)
	}
	m.provider.Shutdown()
	m.consumer.Shutdown()
	if err := m.pool.Stop(m.cfg.ShutdownTimeout); err != nil {
		m.logger.Warn("State transfer pool did not stop in time", zap.Error(err))
	}
	return leaveErr
}

// OnTopologyUpdate installs a topology. Updates that are not newer than the current one are ignored.
// If ctx is done while waiting for running commands the update is abandoned and the member stays on
// the old topology.
func (m *Manager) OnTopologyUpdate(ctx context.Context, topologyID int, ch hash.ConsistentHash) error {
	if ch == nil {
		return grerrors.InvalidArgument("topology without consistent hash", nil)
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.RLock()
	stale := m.current != nil && topologyID <= m.current.id
	m.mu.RUnlock()
	if stale {
		m.logger.Debug("Ignoring stale topology", zap.Int("topology_id", topologyID))
		return nil
	}

	start := time.Now()
	if err := m.lock.AcquireCommandsExclusive(ctx); err != nil {
		return fmt.Errorf("interrupted while installing topology %d: %w", topologyID, err)
	}
	m.mu.Lock()
	m.current = &topology{id: topologyID, hash: ch}
	m.history = append(m.history, topology{id: topologyID, hash: ch})
	if len(m.history) > topologyHistorySize {
		m.history = m.history[len(m.history)-topologyHistorySize:]
	}
	m.mu.Unlock()
	m.lock.ReleaseCommandsExclusive()
	blocked := time.Since(start)

	m.joinComplete.Store(true)
	m.logger.Info("Installed topology",
		zap.Int("topology_id", topologyID),
		zap.Int("members", len(ch.Members())),
		zap.Duration("blocked", blocked))

	m.provider.OnTopologyUpdate(ctx, topologyID, ch)
	if err := m.consumer.OnTopologyUpdate(ctx, topologyID, ch); err != nil {
		return err
	}
	m.metrics.RecordTopologyUpdate(topologyID, len(ch.Members()), blocked.Seconds())
	return nil
}

// CurrentTopology returns the installed topology id and hash; the hash is nil before the first one
func (m *Manager) CurrentTopology() (int, hash.ConsistentHash) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return 0, nil
	}
	return m.current.id, m.current.hash
}

// TopologyByID returns a recently installed topology
func (m *Manager) TopologyByID(id int) (hash.ConsistentHash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].id == id {
			return m.history[i].hash, true
		}
	}
	return nil, false
}

// IsJoinComplete reports whether a topology has been installed
func (m *Manager) IsJoinComplete() bool {
	return m.joinComplete.Load()
}

func (m *Manager) IsStateTransferInProgress() bool {
	return m.consumer.IsStateTransferInProgress()
}

func (m *Manager) IsStateTransferInProgressForKey(key string) bool {
	return m.consumer.IsStateTransferInProgressForKey(key)
}

// RetryFailedSegments restarts transfers for owned segments whose last transfer failed
func (m *Manager) RetryFailedSegments(ctx context.Context) error {
	return m.consumer.RetryFailedSegments(ctx)
}

func (m *Manager) Lock() *TransferLock {
	return m.lock
}

func (m *Manager) Provider() *StateProvider {
	return m.provider
}

func (m *Manager) Consumer() *StateConsumer {
	return m.consumer
}

// Status is a snapshot of the engine for diagnostics
type Status struct {
	CacheName     string           `json:"cache"`
	Node          string           `json:"node"`
	TopologyID    int              `json:"topology_id"`
	Members       []string         `json:"members"`
	JoinComplete  bool             `json:"join_complete"`
	InProgress    bool             `json:"in_progress"`
	Inbound       []InboundStatus  `json:"inbound"`
	Outbound      []OutboundStatus `json:"outbound"`
	Recent        []InboundRecord  `json:"recent"`
	RetrySegments []int            `json:"retry_segments"`
	Pool          workerpool.Stats `json:"pool"`
}

// Status returns the current state of the engine
func (m *Manager) Status() Status {
	id, ch := m.CurrentTopology()
	members := make([]string, 0)
	if ch != nil {
		for _, a := range ch.Members() {
			members = append(members, a.String())
		}
	}
	return Status{
		CacheName:     m.cfg.CacheName,
		Node:          m.cfg.Self.String(),
		TopologyID:    id,
		Members:       members,
		JoinComplete:  m.IsJoinComplete(),
		InProgress:    m.IsStateTransferInProgress(),
		Inbound:       m.consumer.Status(),
		Outbound:      m.provider.Status(),
		Recent:        m.consumer.History(),
		RetrySegments: m.consumer.RetrySegments(),
		Pool:          m.pool.Stats(),
	}
}

var _ cluster.TopologyHandler = (*Manager)(nil)
