package statetransfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

// InboundConfig describes the segments an inbound task pulls from one source
type InboundConfig struct {
	CacheName  string
	Source     model.Address
	TopologyID int
	Segments   model.SegmentSet
	Timeout    time.Duration
}

// ApplyTransactionsFunc installs transactions received from a source
type ApplyTransactionsFunc func(ctx context.Context, source model.Address, topologyID int, txs []model.TransactionInfo) error

// InboundTransferTask pulls the in-flight transactions and then the entries of a set of segments from
// one source, tracking which segments have been completely received.
type InboundTransferTask struct {
	id                string
	cfg               InboundConfig
	rpc               transport.RPCManager
	applyTransactions ApplyTransactionsFunc
	onComplete        func(*InboundTransferTask)
	logger            *zap.Logger
	metrics           *metrics.Metrics
	started           time.Time

	mu             sync.Mutex
	segments       model.SegmentSet
	finished       model.SegmentSet
	failedSegments model.SegmentSet
	completed      bool

	cancelled    atomic.Bool
	failed       atomic.Bool
	completeOnce sync.Once
}

// NewInboundTransferTask validates cfg and creates the task. onComplete runs exactly once, when every
// segment is finished or the task is cancelled.
func NewInboundTransferTask(
	cfg InboundConfig,
	rpc transport.RPCManager,
	applyTransactions ApplyTransactionsFunc,
	onComplete func(*InboundTransferTask),
	logger *zap.Logger,
	m *metrics.Metrics,
) (*InboundTransferTask, error) {
	if cfg.Segments.IsEmpty() {
		return nil, fmt.Errorf("inbound transfer from %s needs at least one segment", cfg.Source)
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("inbound transfer needs a source")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}

	cfg.Segments = cfg.Segments.Clone()
	t := &InboundTransferTask{
		id:                uuid.New().String(),
		cfg:               cfg,
		rpc:               rpc,
		applyTransactions: applyTransactions,
		onComplete:        onComplete,
		metrics:           m,
		started:           time.Now(),
		segments:          cfg.Segments.Clone(),
		finished:          model.NewSegmentSet(),
	}
	t.logger = logger.With(
		zap.String("task_id", t.id),
		zap.String("source", cfg.Source.String()),
		zap.Int("topology_id", cfg.TopologyID))
	return t, nil
}

func (t *InboundTransferTask) ID() string {
	return t.id
}

func (t *InboundTransferTask) Source() model.Address {
	return t.cfg.Source
}

func (t *InboundTransferTask) TopologyID() int {
	return t.cfg.TopologyID
}

// Segments returns the segments still requested
func (t *InboundTransferTask) Segments() model.SegmentSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments.Clone()
}

// RequestedSegments returns the segments the task was created for
func (t *InboundTransferTask) RequestedSegments() model.SegmentSet {
	return t.cfg.Segments.Clone()
}

// FinishedSegments returns the segments whose completion chunk has arrived
func (t *InboundTransferTask) FinishedSegments() model.SegmentSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished.Clone()
}

func (t *InboundTransferTask) IsCancelled() bool {
	return t.cancelled.Load()
}

// Failed reports whether a request to the source failed
func (t *InboundTransferTask) Failed() bool {
	return t.failed.Load()
}

// FailedSegments returns the segments that were requested when the task failed
func (t *InboundTransferTask) FailedSegments() model.SegmentSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedSegments.Clone()
}

// Run requests transactions and then the segment stream. A failure cancels the task; retrying is up to
// the consumer.
func (t *InboundTransferTask) Run(ctx context.Context) error {
	if t.IsCancelled() {
		return nil
	}
	if err := t.GetTransactions(ctx); err != nil {
		t.fail(err)
		return nil
	}
	if t.IsCancelled() {
		return nil
	}
	if err := t.RequestSegments(ctx); err != nil {
		t.fail(err)
	}
	return nil
}

// GetTransactions asks the source for the transactions touching the requested segments and hands them
// to the consumer.
func (t *InboundTransferTask) GetTransactions(ctx context.Context) error {
	segments := t.Segments()
	resp, err := t.request(ctx, GetTransactions, segments)
	if err != nil {
		return err
	}

	var txs []model.TransactionInfo
	if err := resp.Decode(&txs); err != nil {
		return fmt.Errorf("failed to decode transactions from %s: %w", t.cfg.Source, err)
	}
	t.logger.Debug("Received transactions",
		zap.Int("transactions", len(txs)),
		zap.String("segments", segments.String()))

	if t.applyTransactions == nil || len(txs) == 0 {
		return nil
	}
	return t.applyTransactions(ctx, t.cfg.Source, t.cfg.TopologyID, txs)
}

// RequestSegments asks the source to start streaming the requested segments
func (t *InboundTransferTask) RequestSegments(ctx context.Context) error {
	segments := t.Segments()
	if segments.IsEmpty() {
		return nil
	}
	if _, err := t.request(ctx, StartStateTransfer, segments); err != nil {
		return err
	}
	t.logger.Debug("Requested segments", zap.String("segments", segments.String()))
	return nil
}

func (t *InboundTransferTask) request(ctx context.Context, typ StateRequestType, segments model.SegmentSet) (transport.Response, error) {
	cmd := StateRequestCommand{Type: typ, TopologyID: t.cfg.TopologyID, Segments: segments.Sorted()}
	resp, err := transport.InvokeOne(ctx, t.rpc, t.cfg.Source, t.cfg.CacheName, KindStateRequest, cmd, t.cfg.Timeout)
	if err != nil {
		return resp, err
	}
	if !resp.IsSuccessful() {
		return resp, fmt.Errorf("%s for segments %s on %s failed (%s): %w", typ, segments, t.cfg.Source, resp.Kind, resp.Error())
	}
	return resp, nil
}

func (t *InboundTransferTask) fail(err error) {
	if t.IsCancelled() {
		return
	}
	t.mu.Lock()
	t.failedSegments = t.segments.Difference(t.finished)
	t.mu.Unlock()
	t.failed.Store(true)

	t.logger.Error("Inbound transfer failed", zap.Error(err))
	t.metrics.RecordTransferFailure("inbound")
	t.Cancel()
}

// OnStateReceived records a chunk of n entries for segment. An empty chunk finishes the segment; the
// task completes once every segment is finished.
func (t *InboundTransferTask) OnStateReceived(segment, n int) {
	if t.IsCancelled() {
		return
	}

	t.mu.Lock()
	if !t.segments.Contains(segment) {
		t.mu.Unlock()
		return
	}
	if n == 0 {
		t.finished.Add(segment)
	}
	done := !t.completed && t.finished.Len() == t.segments.Len()
	if done {
		t.completed = true
	}
	t.mu.Unlock()

	if n == 0 {
		t.logger.Debug("Segment received", zap.Int("segment", segment))
	}
	if done {
		t.metrics.RecordInboundCompleted(time.Since(t.started).Seconds())
		t.logger.Info("Inbound transfer completed", zap.Duration("duration", time.Since(t.started)))
		t.complete()
	}
}

// CancelSegments stops receiving the given segments and tells the source to stop sending them. The
// task is cancelled when nothing is left to receive.
func (t *InboundTransferTask) CancelSegments(segments model.SegmentSet) {
	if t.IsCancelled() {
		return
	}

	t.mu.Lock()
	unknown := segments.Difference(t.segments)
	cancelled := segments.Intersect(t.segments)
	for seg := range segments {
		t.segments.Remove(seg)
		t.finished.Remove(seg)
	}
	empty := t.segments.IsEmpty()
	done := !empty && t.finished.Len() == t.segments.Len()
	t.mu.Unlock()

	if !unknown.IsEmpty() {
		t.logger.Warn("Cancelling segments that were never requested", zap.String("segments", unknown.String()))
	}
	if !cancelled.IsEmpty() {
		t.sendCancel(cancelled)
	}

	switch {
	case empty:
		t.Cancel()
	case done:
		t.complete()
	}
}

// Cancel tells the source to stop sending and completes the task. It is idempotent.
func (t *InboundTransferTask) Cancel() {
	t.cancel(true)
}

// Abandon completes the task like Cancel without contacting the source. It is meant for sources that
// left the cluster.
func (t *InboundTransferTask) Abandon() {
	t.cancel(false)
}

func (t *InboundTransferTask) cancel(notifySource bool) {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	remaining := t.segments.Difference(t.finished)
	t.segments = model.NewSegmentSet()
	t.finished = model.NewSegmentSet()
	t.mu.Unlock()

	if notifySource && !remaining.IsEmpty() {
		t.sendCancel(remaining)
	}
	t.logger.Debug("Inbound transfer cancelled", zap.Bool("source_notified", notifySource))
	t.complete()
}

// sendCancel runs on its own deadline so it still goes out when the caller's context is done
func (t *InboundTransferTask) sendCancel(segments model.SegmentSet) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()

	if _, err := t.request(ctx, CancelStateTransfer, segments); err != nil {
		t.logger.Debug("Failed to cancel segments on source",
			zap.String("segments", segments.String()),
			zap.Error(err))
	}
}

func (t *InboundTransferTask) complete() {
	t.completeOnce.Do(func() {
		if t.onComplete != nil {
			t.onComplete(t)
		}
	})
}
