package statetransfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/container"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OutboundConfig holds what an outbound task needs to push segments to one destination
type OutboundConfig struct {
	CacheName   string
	Destination model.Address
	TopologyID  int
	Segments    model.SegmentSet
	ChunkSize   int
	Timeout     time.Duration
	// ReadHash maps local keys to segments
	ReadHash hash.ConsistentHash
	// Persistence is scanned after the container when FetchPersistent is set
	Persistence     store.Store
	FetchPersistent bool
	// Limiter throttles chunk sends; nil means unlimited
	Limiter *rate.Limiter
}

// OutboundTransferTask streams locally held entries of a set of segments to one destination.
// It runs once and is not restartable.
type OutboundTransferTask struct {
	id         string
	cfg        OutboundConfig
	rpc        transport.RPCManager
	container  *container.DataContainer
	onComplete func(*OutboundTransferTask)
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	segments model.SegmentSet
	buffers  map[int][]model.Entry

	ctx          context.Context
	cancelCtx    context.CancelFunc
	cancelled    atomic.Bool
	completeOnce sync.Once
}

// NewOutboundTransferTask validates cfg and creates the task. onComplete is called exactly once when the
// task finishes or is cancelled.
func NewOutboundTransferTask(
	cfg OutboundConfig,
	rpc transport.RPCManager,
	dc *container.DataContainer,
	onComplete func(*OutboundTransferTask),
	logger *zap.Logger,
	m *metrics.Metrics,
) (*OutboundTransferTask, error) {
	if cfg.Segments.IsEmpty() {
		return nil, fmt.Errorf("outbound transfer to %s needs at least one segment", cfg.Destination)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ReadHash == nil {
		return nil, fmt.Errorf("outbound transfer to %s needs a read hash", cfg.Destination)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &OutboundTransferTask{
		id:         uuid.New().String(),
		cfg:        cfg,
		rpc:        rpc,
		container:  dc,
		onComplete: onComplete,
		metrics:    m,
		segments:   cfg.Segments.Clone(),
		buffers:    make(map[int][]model.Entry),
		ctx:        ctx,
		cancelCtx:  cancel,
	}
	t.logger = logger.With(
		zap.String("task_id", t.id),
		zap.String("destination", cfg.Destination.String()),
		zap.Int("topology_id", cfg.TopologyID))
	return t, nil
}

func (t *OutboundTransferTask) ID() string {
	return t.id
}

func (t *OutboundTransferTask) Destination() model.Address {
	return t.cfg.Destination
}

func (t *OutboundTransferTask) TopologyID() int {
	return t.cfg.TopologyID
}

// Segments returns the segments still being sent
func (t *OutboundTransferTask) Segments() model.SegmentSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments.Clone()
}

func (t *OutboundTransferTask) IsCancelled() bool {
	return t.cancelled.Load()
}

// Run iterates the data container once, then persisted keys that are not in memory, sending a chunk
// whenever a segment buffer fills. It ends by sending the remainder of every segment followed by an
// empty chunk. A failed send cancels the task.
func (t *OutboundTransferTask) Run(ctx context.Context) (err error) {
	defer t.complete()
	stop := context.AfterFunc(ctx, t.Cancel)
	defer stop()

	if t.IsCancelled() {
		return nil
	}

	defer func() {
		if err != nil && !t.IsCancelled() {
			t.metrics.RecordTransferFailure("outbound")
			t.Cancel()
			return
		}
		err = nil
	}()

	t.logger.Debug("Starting outbound transfer", zap.String("segments", t.Segments().String()))

	sent := make(map[string]struct{})
	for _, e := range t.container.Snapshot() {
		if t.IsCancelled() {
			return nil
		}
		if t.cfg.FetchPersistent {
			sent[e.Key] = struct{}{}
		}
		if err := t.add(t.cfg.ReadHash.Segment(e.Key), *e); err != nil {
			return err
		}
	}

	if t.cfg.FetchPersistent && t.cfg.Persistence != nil {
		if err := t.sendPersisted(sent); err != nil {
			return err
		}
	}

	for _, seg := range t.Segments().Sorted() {
		if t.IsCancelled() {
			return nil
		}
		if err := t.finishSegment(seg); err != nil {
			return err
		}
	}

	t.logger.Debug("Outbound transfer finished")
	return nil
}

// sendPersisted streams persisted keys not already sent from memory. Keys removed concurrently are
// skipped; load failures are logged and the scan continues.
func (t *OutboundTransferTask) sendPersisted(sent map[string]struct{}) error {
	keys, err := t.cfg.Persistence.LoadAllKeys(t.ctx)
	if err != nil {
		if t.IsCancelled() {
			return nil
		}
		t.logger.Error("Failed to list persisted keys", zap.Error(err))
		return nil
	}

	for _, key := range keys {
		if t.IsCancelled() {
			return nil
		}
		if _, ok := sent[key]; ok {
			continue
		}
		seg := t.cfg.ReadHash.Segment(key)
		if !t.hasSegment(seg) || t.container.Contains(key) {
			continue
		}

		entry, err := t.cfg.Persistence.Load(t.ctx, key)
		if err != nil {
			t.logger.Error("Failed to load persisted entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if entry == nil {
			continue
		}
		if err := t.add(seg, *entry); err != nil {
			return err
		}
	}
	return nil
}

func (t *OutboundTransferTask) hasSegment(seg int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments.Contains(seg)
}

// add buffers an entry and sends the buffer once it reaches the chunk size
func (t *OutboundTransferTask) add(seg int, entry model.Entry) error {
	t.mu.Lock()
	if !t.segments.Contains(seg) {
		t.mu.Unlock()
		return nil
	}
	t.buffers[seg] = append(t.buffers[seg], entry)
	var chunk []model.Entry
	if len(t.buffers[seg]) >= t.cfg.ChunkSize {
		chunk = t.buffers[seg]
		t.buffers[seg] = nil
	}
	t.mu.Unlock()

	if chunk == nil {
		return nil
	}
	return t.send(seg, chunk)
}

// finishSegment sends what is left of the segment buffer, then the empty completion chunk
func (t *OutboundTransferTask) finishSegment(seg int) error {
	t.mu.Lock()
	if !t.segments.Contains(seg) {
		t.mu.Unlock()
		return nil
	}
	rest := t.buffers[seg]
	delete(t.buffers, seg)
	t.mu.Unlock()

	if len(rest) > 0 {
		if err := t.send(seg, rest); err != nil {
			return err
		}
		if t.IsCancelled() {
			return nil
		}
	}
	return t.send(seg, nil)
}

func (t *OutboundTransferTask) send(seg int, entries []model.Entry) error {
	if t.cfg.Limiter != nil {
		if err := t.cfg.Limiter.Wait(t.ctx); err != nil {
			return err
		}
	}

	cmd := StateResponseCommand{
		TopologyID: t.cfg.TopologyID,
		Chunks:     []StateChunk{{SegmentID: seg, Entries: entries}},
	}
	resp, err := transport.InvokeOne(t.ctx, t.rpc, t.cfg.Destination, t.cfg.CacheName, KindStateResponse, cmd, t.cfg.Timeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccessful() {
		return fmt.Errorf("failed to send %d entries of segment %d to %s: %w", len(entries), seg, t.cfg.Destination, resp.Error())
	}

	t.metrics.RecordChunkSent(len(entries))
	t.logger.Debug("Sent state chunk", zap.Int("segment", seg), zap.Int("entries", len(entries)))
	return nil
}

// CancelSegments stops sending the given segments and drops their buffers. The whole task is
// cancelled once no segment is left.
func (t *OutboundTransferTask) CancelSegments(segments model.SegmentSet) {
	t.mu.Lock()
	unknown := segments.Difference(t.segments)
	for seg := range segments {
		t.segments.Remove(seg)
		delete(t.buffers, seg)
	}
	empty := t.segments.IsEmpty()
	t.mu.Unlock()

	if !unknown.IsEmpty() && !t.IsCancelled() {
		t.logger.Warn("Cancelling segments that were never requested", zap.String("segments", unknown.String()))
	}
	if empty {
		t.Cancel()
	}
}

// Cancel stops the task and aborts an in-flight send. It is idempotent.
func (t *OutboundTransferTask) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.cancelCtx()

	t.mu.Lock()
	t.buffers = make(map[int][]model.Entry)
	t.mu.Unlock()

	t.logger.Debug("Outbound transfer cancelled")
	t.complete()
}

func (t *OutboundTransferTask) complete() {
	t.completeOnce.Do(func() {
		t.cancelCtx()
		if t.onComplete != nil {
			t.onComplete(t)
		}
	})
}
