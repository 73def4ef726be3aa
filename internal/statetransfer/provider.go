package statetransfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

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
	"golang.org/x/time/rate"
)

// transactionsLockAttempt bounds one wait for the exclusive transactions lock. A local prepare holds the
// shared side while it replicates to a member that may itself be waiting to snapshot its transactions,
// so the exclusive waiter steps aside between attempts to let queued shared holders through.
const transactionsLockAttempt = 50 * time.Millisecond

// ProviderConfig holds the provider settings
type ProviderConfig struct {
	CacheName            string
	ChunkSize            int
	Timeout              time.Duration
	FetchPersistentState bool
	SharedPersistence    bool
	MaxChunksPerSecond   float64
}

// StateProvider serves segment requests from other members by running outbound transfer tasks
type StateProvider struct {
	cfg         ProviderConfig
	rpc         transport.RPCManager
	container   *container.DataContainer
	persistence store.Store
	txTable     *txn.Table
	lock        *TransferLock
	pool        *workerpool.WorkerPool
	limiter     *rate.Limiter
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu                     sync.Mutex
	readHash               hash.ConsistentHash
	topologyID             int
	transfersByDestination map[model.Address][]*OutboundTransferTask
}

// NewStateProvider creates a provider. persistence may be nil.
func NewStateProvider(
	cfg ProviderConfig,
	rpc transport.RPCManager,
	dc *container.DataContainer,
	persistence store.Store,
	txTable *txn.Table,
	lock *TransferLock,
	pool *workerpool.WorkerPool,
	logger *zap.Logger,
	m *metrics.Metrics,
) *StateProvider {
	p := &StateProvider{
		cfg:                    cfg,
		rpc:                    rpc,
		container:              dc,
		persistence:            persistence,
		txTable:                txTable,
		lock:                   lock,
		pool:                   pool,
		logger:                 logger.With(zap.String("component", "state_provider")),
		metrics:                m,
		transfersByDestination: make(map[model.Address][]*OutboundTransferTask),
	}
	if cfg.MaxChunksPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxChunksPerSecond), 1)
	}
	return p
}

// OnTopologyUpdate records the new hash and cancels transfers to members that left
func (p *StateProvider) OnTopologyUpdate(ctx context.Context, topologyID int, readHash hash.ConsistentHash) {
	p.mu.Lock()
	p.readHash = readHash
	p.topologyID = topologyID

	var departed []*OutboundTransferTask
	for dest, tasks := range p.transfersByDestination {
		if !readHash.IsMember(dest) {
			departed = append(departed, tasks...)
		}
	}
	p.mu.Unlock()

	for _, t := range departed {
		p.logger.Info("Cancelling outbound transfer to departed member",
			zap.String("destination", t.Destination().String()),
			zap.Int("topology_id", topologyID))
		t.Cancel()
	}
}

// GetTransactionsForSegments returns, for every local and remote transaction, the locked keys that map
// to one of segments under the current hash. Transactions with no such key are left out. The
// transaction table is held exclusively while it is read.
func (p *StateProvider) GetTransactionsForSegments(ctx context.Context, destination model.Address, topologyID int, segments []int) ([]model.TransactionInfo, error) {
	p.mu.Lock()
	readHash := p.readHash
	p.mu.Unlock()
	if readHash == nil {
		return nil, grerrors.NoTopology(p.cfg.CacheName)
	}

	if err := p.acquireTransactionsExclusive(ctx); err != nil {
		return nil, fmt.Errorf("interrupted while collecting transactions: %w", err)
	}
	defer p.lock.ReleaseTransactionsExclusive()

	requested := model.NewSegmentSet(segments...)
	txs := append(p.txTable.LocalTransactions(), p.txTable.RemoteTransactions()...)

	infos := make([]model.TransactionInfo, 0)
	for _, tx := range txs {
		var keys []string
		for _, key := range tx.AllLockedKeys() {
			if requested.Contains(readHash.Segment(key)) {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			continue
		}
		infos = append(infos, model.TransactionInfo{
			GlobalTransaction: tx.GlobalTransaction(),
			Modifications:     tx.Modifications(),
			LockedKeys:        keys,
		})
	}

	p.logger.Debug("Collected transactions for segments",
		zap.String("destination", destination.String()),
		zap.Int("topology_id", topologyID),
		zap.Ints("segments", segments),
		zap.Int("transactions", len(infos)))
	return infos, nil
}

// acquireTransactionsExclusive retries bounded attempts until ctx is done
func (p *StateProvider) acquireTransactionsExclusive(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, transactionsLockAttempt)
		err := p.lock.AcquireTransactionsExclusive(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt%20 == 0 {
			p.logger.Warn("Still waiting for in-flight transaction boundaries", zap.Int("attempts", attempt))
		}
	}
}

// StartOutboundTransfer schedules a task pushing segments to destination
func (p *StateProvider) StartOutboundTransfer(ctx context.Context, destination model.Address, topologyID int, segments []int) error {
	p.mu.Lock()
	readHash := p.readHash
	p.mu.Unlock()
	if readHash == nil {
		return grerrors.NoTopology(p.cfg.CacheName)
	}

	task, err := NewOutboundTransferTask(OutboundConfig{
		CacheName:       p.cfg.CacheName,
		Destination:     destination,
		TopologyID:      topologyID,
		Segments:        model.NewSegmentSet(segments...),
		ChunkSize:       p.cfg.ChunkSize,
		Timeout:         p.cfg.Timeout,
		ReadHash:        readHash,
		Persistence:     p.persistence,
		FetchPersistent: p.cfg.FetchPersistentState && !p.cfg.SharedPersistence,
		Limiter:         p.limiter,
	}, p.rpc, p.container, p.onTaskCompletion, p.logger, p.metrics)
	if err != nil {
		return grerrors.InvalidArgument("invalid outbound transfer request", err)
	}

	p.mu.Lock()
	p.transfersByDestination[destination] = append(p.transfersByDestination[destination], task)
	p.mu.Unlock()
	p.updateGauge()

	err = p.pool.Submit(workerpool.Task{
		ID:   task.ID(),
		Name: "outbound-" + destination.String(),
		Fn:   task.Run,
	})
	if err != nil {
		task.Cancel()
		return grerrors.Unavailable("failed to schedule outbound transfer", err)
	}

	p.logger.Info("Started outbound transfer",
		zap.String("destination", destination.String()),
		zap.Int("topology_id", topologyID),
		zap.Ints("segments", segments))
	return nil
}

// CancelOutboundTransfer stops pushing segments to destination
func (p *StateProvider) CancelOutboundTransfer(destination model.Address, topologyID int, segments []int) {
	p.mu.Lock()
	tasks := append([]*OutboundTransferTask(nil), p.transfersByDestination[destination]...)
	p.mu.Unlock()

	cancelled := model.NewSegmentSet(segments...)
	for _, t := range tasks {
		if matching := cancelled.Intersect(t.Segments()); !matching.IsEmpty() {
			t.CancelSegments(matching)
		}
	}
	p.logger.Debug("Cancelled outbound segments",
		zap.String("destination", destination.String()),
		zap.Int("topology_id", topologyID),
		zap.Ints("segments", segments))
}

func (p *StateProvider) onTaskCompletion(task *OutboundTransferTask) {
	p.mu.Lock()
	dest := task.Destination()
	tasks := p.transfersByDestination[dest]
	for i, t := range tasks {
		if t == task {
			tasks = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(tasks) == 0 {
		delete(p.transfersByDestination, dest)
	} else {
		p.transfersByDestination[dest] = tasks
	}
	p.mu.Unlock()
	p.updateGauge()
}

// IsProviding reports whether any outbound transfer is active
func (p *StateProvider) IsProviding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transfersByDestination) > 0
}

// Shutdown cancels every outbound transfer
func (p *StateProvider) Shutdown() {
	p.mu.Lock()
	var all []*OutboundTransferTask
	for _, tasks := range p.transfersByDestination {
		all = append(all, tasks...)
	}
	p.mu.Unlock()

	for _, t := range all {
		t.Cancel()
	}
}

// OutboundStatus describes one active outbound transfer
type OutboundStatus struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	TopologyID  int    `json:"topology_id"`
	Segments    []int  `json:"segments"`
}

// Status lists the active outbound transfers ordered by destination
func (p *StateProvider) Status() []OutboundStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OutboundStatus, 0)
	for dest, tasks := range p.transfersByDestination {
		for _, t := range tasks {
			out = append(out, OutboundStatus{
				ID:          t.ID(),
				Destination: dest.String(),
				TopologyID:  t.TopologyID(),
				Segments:    t.Segments().Sorted(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *StateProvider) updateGauge() {
	p.mu.Lock()
	n := 0
	for _, tasks := range p.transfersByDestination {
		n += len(tasks)
	}
	p.mu.Unlock()
	p.metrics.UpdateActiveTransfers(-1, n)
}
