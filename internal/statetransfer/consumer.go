package statetransfer

import (
	"context"
	"sort"
	"sync"
	"time"

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

const maxTransferHistory = 32

// ConsumerConfig holds the consumer settings
type ConsumerConfig struct {
	CacheName            string
	Self                 model.Address
	Invalidation         bool
	FetchInMemoryState   bool
	FetchPersistentState bool
	SharedPersistence    bool
	Timeout              time.Duration
	Policy               SourcePolicy
}

// ConsumerDeps are the collaborators of a consumer. Invoker is the local write pipeline received
// entries and segment invalidations are applied through. Persistence may be nil.
type ConsumerDeps struct {
	RPC         transport.RPCManager
	Container   *container.DataContainer
	Persistence store.Store
	TxTable     *txn.Table
	LockTable   *txn.LockTable
	Lock        *TransferLock
	Pool        *workerpool.WorkerPool
	Invoker     command.Invoker
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// InboundRecord describes a finished inbound transfer
type InboundRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	TopologyID  int       `json:"topology_id"`
	Segments    []int     `json:"segments"`
	Failed      bool      `json:"failed"`
	Cancelled   bool      `json:"cancelled"`
	CompletedAt time.Time `json:"completed_at"`
}

// InboundStatus describes one active inbound transfer
type InboundStatus struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	TopologyID int    `json:"topology_id"`
	Segments   []int  `json:"segments"`
	Finished   []int  `json:"finished"`
}

// StateConsumer pulls newly owned segments from their previous owners and drops segments this member
// no longer owns. At most one inbound task claims a segment at any time.
type StateConsumer struct {
	cfg  ConsumerConfig
	deps ConsumerDeps

	logger  *zap.Logger
	metrics *metrics.Metrics

	// updateMu serialises topology updates and retries
	updateMu sync.Mutex

	mu                 sync.Mutex
	topologyID         int
	currentHash        hash.ConsistentHash
	previousHash       hash.ConsistentHash
	transfersBySource  map[model.Address][]*InboundTransferTask
	transfersBySegment map[int]*InboundTransferTask
	retry              model.SegmentSet
	// failedSources remembers, per segment, the sources a transfer failed from under the current topology
	failedSources map[int]map[model.Address]struct{}
	history       []InboundRecord
}

// NewStateConsumer creates a consumer
func NewStateConsumer(cfg ConsumerConfig, deps ConsumerDeps) *StateConsumer {
	if cfg.Policy == nil {
		cfg.Policy = LastOwnerPolicy{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &StateConsumer{
		cfg:                cfg,
		deps:               deps,
		logger:             deps.Logger.With(zap.String("component", "state_consumer")),
		metrics:            deps.Metrics,
		transfersBySource:  make(map[model.Address][]*InboundTransferTask),
		transfersBySegment: make(map[int]*InboundTransferTask),
		retry:              model.NewSegmentSet(),
		failedSources:      make(map[int]map[model.Address]struct{}),
	}
}

func (c *StateConsumer) fetchEnabled() bool {
	return c.cfg.FetchInMemoryState || c.cfg.FetchPersistentState
}

// OnTopologyUpdate installs newHash, drops segments no longer owned, restarts transfers whose source
// left and starts transfers for newly owned segments.
func (c *StateConsumer) OnTopologyUpdate(ctx context.Context, topologyID int, newHash hash.ConsistentHash) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	prev := c.currentHash
	c.previousHash = prev
	c.currentHash = newHash
	c.topologyID = topologyID

	if c.cfg.Invalidation {
		c.mu.Unlock()
		return nil
	}

	newOwned := newHash.SegmentsForOwner(c.cfg.Self)
	added := model.NewSegmentSet()
	removed := model.NewSegmentSet()
	if prev == nil {
		if c.fetchEnabled() {
			added = newOwned.Clone()
		}
	} else {
		oldOwned := prev.SegmentsForOwner(c.cfg.Self)
		removed = oldOwned.Difference(newOwned)
		if c.fetchEnabled() {
			added = newOwned.Difference(oldOwned)
		}
	}

	var dead []*InboundTransferTask
	for source, tasks := range c.transfersBySource {
		if newHash.IsMember(source) {
			continue
		}
		for _, t := range tasks {
			dead = append(dead, t)
			added.AddAll(t.Segments().Intersect(newOwned))
		}
	}
	for _, t := range dead {
		c.removeTaskLocked(t)
	}

	if c.fetchEnabled() {
		added.AddAll(c.retry.Intersect(newOwned))
	}
	c.retry = model.NewSegmentSet()
	c.failedSources = make(map[int]map[model.Address]struct{})
	for seg := range c.transfersBySegment {
		added.Remove(seg)
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	// the source is gone, so nobody is left to tell to stop sending
	for _, t := range dead {
		c.logger.Info("Restarting inbound transfer from departed source",
			zap.String("source", t.Source().String()),
			zap.Int("topology_id", topologyID))
		t.Abandon()
	}

	if !removed.IsEmpty() {
		c.logger.Info("Discarding segments no longer owned",
			zap.Int("topology_id", topologyID),
			zap.String("segments", removed.String()))
		c.DiscardSegments(ctx, removed)
	}

	if !added.IsEmpty() {
		c.addTransfers(topologyID, added, prev, newHash)
	}
	return nil
}

// addTransfers groups segments by source and starts one inbound task per source
func (c *StateConsumer) addTransfers(topologyID int, segments model.SegmentSet, prev, cur hash.ConsistentHash) {
	bySource := make(map[model.Address]model.SegmentSet)
	for _, seg := range segments.Sorted() {
		source, ok := c.pickSource(seg, prev, cur)
		if !ok {
			if prev != nil {
				c.logger.Warn("No live source for newly owned segment, its data is lost",
					zap.Int("segment", seg),
					zap.Int("topology_id", topologyID))
			}
			continue
		}
		if _, ok := bySource[source]; !ok {
			bySource[source] = model.NewSegmentSet()
		}
		bySource[source].Add(seg)
	}

	sources := make([]model.Address, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, source := range sources {
		task, err := NewInboundTransferTask(InboundConfig{
			CacheName:  c.cfg.CacheName,
			Source:     source,
			TopologyID: topologyID,
			Segments:   bySource[source],
			Timeout:    c.cfg.Timeout,
		}, c.deps.RPC, c.ApplyTransactions, c.onTaskCompletion, c.logger, c.metrics)
		if err != nil {
			c.logger.Error("Failed to create inbound transfer", zap.String("source", source.String()), zap.Error(err))
			continue
		}

		c.mu.Lock()
		err = c.registerLocked(task)
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("Inbound transfer not started", zap.String("source", source.String()), zap.Error(err))
			continue
		}

		c.logger.Info("Starting inbound transfer",
			zap.String("source", source.String()),
			zap.Int("topology_id", topologyID),
			zap.String("segments", bySource[source].String()))

		err = c.deps.Pool.Submit(workerpool.Task{
			ID:   task.ID(),
			Name: "inbound-" + source.String(),
			Fn:   task.Run,
		})
		if err != nil {
			task.fail(err)
		}
	}
}

// pickSource prefers the previous owners, which hold the data, and falls back to the current owners.
// Sources a transfer of segment already failed from are only picked when no other member is left.
func (c *StateConsumer) pickSource(segment int, prev, cur hash.ConsistentHash) (model.Address, bool) {
	c.mu.Lock()
	failed := make(map[model.Address]struct{}, len(c.failedSources[segment]))
	for a := range c.failedSources[segment] {
		failed[a] = struct{}{}
	}
	c.mu.Unlock()

	departed := func(a model.Address) bool { return !cur.IsMember(a) }
	untried := func(a model.Address) bool {
		_, ok := failed[a]
		return ok || departed(a)
	}
	if len(failed) > 0 {
		if source, ok := c.pickFrom(segment, prev, cur, untried); ok {
			return source, true
		}
	}
	return c.pickFrom(segment, prev, cur, departed)
}

func (c *StateConsumer) pickFrom(segment int, prev, cur hash.ConsistentHash, excluded func(model.Address) bool) (model.Address, bool) {
	if prev != nil {
		if source, ok := c.cfg.Policy.PickSource(segment, prev, c.cfg.Self, excluded); ok {
			return source, true
		}
	}
	return c.cfg.Policy.PickSource(segment, cur, c.cfg.Self, excluded)
}

// registerLocked indexes task under its source and each of its segments. It fails without registering
// anything when a segment is already claimed.
func (c *StateConsumer) registerLocked(task *InboundTransferTask) error {
	segments := task.Segments()
	for seg := range segments {
		if other, ok := c.transfersBySegment[seg]; ok {
			return grerrors.SegmentAlreadyClaimed(seg, other.Source().String())
		}
	}
	for seg := range segments {
		c.transfersBySegment[seg] = task
	}
	c.transfersBySource[task.Source()] = append(c.transfersBySource[task.Source()], task)
	c.updateGaugesLocked()
	return nil
}

// removeTaskLocked drops task from both indices. Entries pointing at another task are left alone.
func (c *StateConsumer) removeTaskLocked(task *InboundTransferTask) {
	for seg, t := range c.transfersBySegment {
		if t == task {
			delete(c.transfersBySegment, seg)
		}
	}

	source := task.Source()
	tasks := c.transfersBySource[source]
	for i, t := range tasks {
		if t == task {
			tasks = append(tasks[:i:i], tasks[i+1:]...)
			break
		}
	}
	if len(tasks) == 0 {
		delete(c.transfersBySource, source)
	} else {
		c.transfersBySource[source] = tasks
	}
}

func (c *StateConsumer) onTaskCompletion(task *InboundTransferTask) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeTaskLocked(task)
	if task.Failed() && c.currentHash != nil {
		failed := task.FailedSegments().Intersect(c.currentHash.SegmentsForOwner(c.cfg.Self))
		c.retry.AddAll(failed)
		if task.TopologyID() == c.topologyID {
			for seg := range failed {
				if c.failedSources[seg] == nil {
					c.failedSources[seg] = make(map[model.Address]struct{})
				}
				c.failedSources[seg][task.Source()] = struct{}{}
			}
		}
	}

	c.history = append(c.history, InboundRecord{
		ID:          task.ID(),
		Source:      task.Source().String(),
		TopologyID:  task.TopologyID(),
		Segments:    task.RequestedSegments().Sorted(),
		Failed:      task.Failed(),
		Cancelled:   task.IsCancelled(),
		CompletedAt: time.Now(),
	})
	if len(c.history) > maxTransferHistory {
		c.history = c.history[len(c.history)-maxTransferHistory:]
	}
	c.updateGaugesLocked()
}

func (c *StateConsumer) updateGaugesLocked() {
	n := 0
	for _, tasks := range c.transfersBySource {
		n += len(tasks)
	}
	if c.deps.Lock != nil {
		c.deps.Lock.SetStateTransferInProgress(n > 0)
	}
	c.metrics.UpdateActiveTransfers(n, -1)
	c.metrics.UpdateRetrySegments(c.retry.Len())
}

// ApplyState applies chunks received from sender. Chunks for segments this member no longer owns,
// and chunks no inbound task asked sender for, are discarded.
func (c *StateConsumer) ApplyState(ctx context.Context, sender model.Address, topologyID int, chunks []StateChunk) error {
	for _, chunk := range chunks {
		c.applyChunk(ctx, sender, topologyID, chunk)
	}
	return nil
}

func (c *StateConsumer) applyChunk(ctx context.Context, sender model.Address, topologyID int, chunk StateChunk) {
	c.mu.Lock()
	cur := c.currentHash
	task := c.transfersBySegment[chunk.SegmentID]
	c.mu.Unlock()

	if cur == nil || !isOwner(cur, chunk.SegmentID, c.cfg.Self) {
		c.logger.Debug("Discarding state for a segment no longer owned",
			zap.Int("segment", chunk.SegmentID),
			zap.String("sender", sender.String()),
			zap.Int("topology_id", topologyID))
		return
	}
	if task == nil || task.Source() != sender {
		c.metrics.RecordUnsolicitedChunk()
		c.logger.Warn("Discarding unsolicited state",
			zap.Int("segment", chunk.SegmentID),
			zap.String("sender", sender.String()),
			zap.Int("topology_id", topologyID),
			zap.Int("entries", len(chunk.Entries)))
		return
	}

	applied, failed := 0, 0
	for _, e := range chunk.Entries {
		if task.IsCancelled() {
			break
		}
		cmd := command.NewPutIfAbsent(e.Key, e.Value, command.StateTransferWrite())
		cmd.Timestamp = e.Timestamp
		if _, err := c.deps.Invoker.Invoke(ctx, cmd); err != nil {
			failed++
			c.logger.Error("Failed to apply received entry",
				zap.String("key", e.Key),
				zap.Int("segment", chunk.SegmentID),
				zap.Error(err))
			continue
		}
		applied++
	}
	c.metrics.RecordChunkReceived(len(chunk.Entries), applied, failed)

	task.OnStateReceived(chunk.SegmentID, len(chunk.Entries))
}

func isOwner(ch hash.ConsistentHash, segment int, addr model.Address) bool {
	for _, o := range ch.LocateOwnersForSegment(segment) {
		if o == addr {
			return true
		}
	}
	return false
}

// ApplyTransactions recreates the transactions received from sender and backup-locks their keys so the
// keys cannot be written before their entries arrive.
func (c *StateConsumer) ApplyTransactions(ctx context.Context, sender model.Address, topologyID int, txs []model.TransactionInfo) error {
	for _, info := range txs {
		tx := c.deps.TxTable.GetOrCreateRemote(info.GlobalTransaction)
		if len(tx.Modifications()) == 0 && len(info.Modifications) > 0 {
			tx.SetModifications(info.Modifications)
		}
		for _, key := range info.LockedKeys {
			tx.AddBackupLockedKey(key)
			if err := c.deps.LockTable.Lock(key, info.GlobalTransaction.ID); err != nil {
				c.logger.Warn("Failed to backup-lock migrated key",
					zap.String("key", key),
					zap.String("transaction", info.GlobalTransaction.String()),
					zap.Error(err))
			}
		}
	}

	c.metrics.RecordTransactionsMigrated(len(txs))
	c.logger.Debug("Applied migrated transactions",
		zap.String("sender", sender.String()),
		zap.Int("topology_id", topologyID),
		zap.Int("transactions", len(txs)))
	return nil
}

// DiscardSegments cancels inbound transfers of segments and invalidates every local key, and every
// persisted key unless persistence is shared, that maps to one of them. Keys are mapped with the hash
// under which this member owned them. This scans the whole container.
func (c *StateConsumer) DiscardSegments(ctx context.Context, segments model.SegmentSet) {
	if segments.IsEmpty() {
		return
	}
	start := time.Now()

	c.mu.Lock()
	mapping := c.previousHash
	if mapping == nil {
		mapping = c.currentHash
	}
	cancelled := make(map[*InboundTransferTask]model.SegmentSet)
	for seg := range segments {
		t, ok := c.transfersBySegment[seg]
		if !ok {
			continue
		}
		if _, ok := cancelled[t]; !ok {
			cancelled[t] = model.NewSegmentSet()
		}
		cancelled[t].Add(seg)
		delete(c.transfersBySegment, seg)
	}
	c.mu.Unlock()

	for t, segs := range cancelled {
		t.CancelSegments(segs)
	}
	if mapping == nil {
		return
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, key := range c.deps.Container.Keys() {
		if segments.Contains(mapping.Segment(key)) {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	if c.deps.Persistence != nil && !c.cfg.SharedPersistence {
		persisted, err := c.deps.Persistence.LoadAllKeys(ctx)
		if err != nil {
			c.logger.Error("Failed to list persisted keys for discard", zap.Error(err))
		}
		for _, key := range persisted {
			if _, ok := seen[key]; ok {
				continue
			}
			if segments.Contains(mapping.Segment(key)) {
				keys = append(keys, key)
			}
		}
	}

	opts := command.SegmentInvalidation(c.cfg.SharedPersistence)
	for _, key := range keys {
		if _, err := c.deps.Invoker.Invoke(ctx, command.NewInvalidate(key, opts)); err != nil {
			c.logger.Error("Failed to invalidate key of discarded segment", zap.String("key", key), zap.Error(err))
		}
	}

	c.metrics.RecordDiscard(segments.Len(), len(keys), time.Since(start).Seconds())
	c.logger.Debug("Discarded segments",
		zap.String("segments", segments.String()),
		zap.Int("keys", len(keys)))
}

// IsStateTransferInProgress reports whether any inbound transfer is active
func (c *StateConsumer) IsStateTransferInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transfersBySource) > 0
}

// IsStateTransferInProgressForKey reports whether the segment of key is being received. It is always
// false in invalidation mode.
func (c *StateConsumer) IsStateTransferInProgressForKey(key string) bool {
	if c.cfg.Invalidation {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentHash == nil {
		return false
	}
	_, ok := c.transfersBySegment[c.currentHash.Segment(key)]
	return ok
}

// RetryFailedSegments starts transfers for owned segments whose previous transfer failed
func (c *StateConsumer) RetryFailedSegments(ctx context.Context) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	cur, prev, topologyID := c.currentHash, c.previousHash, c.topologyID
	if cur == nil {
		c.mu.Unlock()
		return grerrors.NoTopology(c.cfg.CacheName)
	}
	segments := c.retry.Intersect(cur.SegmentsForOwner(c.cfg.Self))
	for seg := range c.transfersBySegment {
		segments.Remove(seg)
	}
	c.retry = model.NewSegmentSet()
	c.updateGaugesLocked()
	c.mu.Unlock()

	if segments.IsEmpty() {
		return nil
	}
	c.logger.Info("Retrying failed segments", zap.String("segments", segments.String()))
	c.addTransfers(topologyID, segments, prev, cur)
	return nil
}

// RetrySegments returns the segments waiting for a retry
func (c *StateConsumer) RetrySegments() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry.Sorted()
}

// Shutdown cancels every inbound transfer
func (c *StateConsumer) Shutdown() {
	c.mu.Lock()
	var all []*InboundTransferTask
	for _, tasks := range c.transfersBySource {
		all = append(all, tasks...)
	}
	c.mu.Unlock()

	for _, t := range all {
		t.Cancel()
	}
}

// Status lists the active inbound transfers ordered by source
func (c *StateConsumer) Status() []InboundStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]InboundStatus, 0)
	for source, tasks := range c.transfersBySource {
		for _, t := range tasks {
			out = append(out, InboundStatus{
				ID:         t.ID(),
				Source:     source.String(),
				TopologyID: t.TopologyID(),
				Segments:   t.Segments().Sorted(),
				Finished:   t.FinishedSegments().Sorted(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns the most recently finished inbound transfers, oldest first
func (c *StateConsumer) History() []InboundRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]InboundRecord(nil), c.history...)
}
