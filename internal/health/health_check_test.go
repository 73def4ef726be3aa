package health

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/statetransfer"
	"github.com/devrev/pairdb/datagrid/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCache struct {
	ready  bool
	status statetransfer.Status
}

func (f *fakeCache) Name() string                 { return "users" }
func (f *fakeCache) IsReady() bool                { return f.ready }
func (f *fakeCache) Status() statetransfer.Status { return f.status }

func failedRecords(n int) []statetransfer.InboundRecord {
	records := make([]statetransfer.InboundRecord, n)
	for i := range records {
		records[i].Failed = true
	}
	return records
}

func TestHealthChecker_RunChecks(t *testing.T) {
	tests := []struct {
		name   string
		cache  *fakeCache
		status Status
		ready  bool
		failed string
	}{
		{name: "joined and idle", cache: &fakeCache{ready: true}, status: StatusHealthy, ready: true},
		{name: "joining", cache: &fakeCache{}, status: StatusUnhealthy, ready: false, failed: "join"},
		{
			name: "transfer queue full",
			cache: &fakeCache{ready: true, status: statetransfer.Status{
				Pool: workerpool.Stats{MaxWorkers: 2, ActiveWorkers: 2, QueueSize: 10, QueuedTasks: 10},
			}},
			status: StatusDegraded,
			ready:  true,
			failed: "worker_pool",
		},
		{
			name:   "segments waiting for retry",
			cache:  &fakeCache{ready: true, status: statetransfer.Status{RetrySegments: []int{1, 5}}},
			status: StatusDegraded,
			ready:  true,
			failed: "retry_backlog",
		},
		{
			name:   "repeated transfer failures",
			cache:  &fakeCache{ready: true, status: statetransfer.Status{Recent: failedRecords(3)}},
			status: StatusDegraded,
			ready:  true,
			failed: "failed_transfers",
		},
		{
			name:   "failures under threshold",
			cache:  &fakeCache{ready: true, status: statetransfer.Status{Recent: failedRecords(2)}},
			status: StatusHealthy,
			ready:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(Config{NodeID: "a:1", FailedTransferThreshold: 3}, tt.cache, zap.NewNop())
			h.RunChecks()

			report := h.Report()
			assert.Equal(t, tt.status, report.Status)
			assert.Equal(t, tt.ready, h.IsReady())
			assert.True(t, h.IsLive())
			require.Len(t, report.Checks, 4)
			for _, c := range report.Checks {
				if c.Name == tt.failed {
					assert.NotEqual(t, levelHealthy, c.Status, c.Message)
				} else {
					assert.Equal(t, levelHealthy, c.Status, c.Message)
				}
			}
		})
	}
}

func TestHealthChecker_LivenessNeedsRecentRound(t *testing.T) {
	h := NewHealthChecker(Config{Interval: time.Second}, &fakeCache{ready: true}, zap.NewNop())
	assert.False(t, h.IsLive(), "no round ran yet")
	assert.False(t, h.IsReady())

	now := time.Now()
	h.now = func() time.Time { return now }
	h.RunChecks()
	assert.True(t, h.IsLive())

	now = now.Add(2 * time.Second)
	assert.True(t, h.IsLive())
	now = now.Add(2 * time.Second)
	assert.False(t, h.IsLive(), "the check loop stalled")
}

func TestHealthChecker_Draining(t *testing.T) {
	h := NewHealthChecker(Config{}, &fakeCache{ready: true}, zap.NewNop())
	h.RunChecks()
	require.True(t, h.IsReady())

	h.SetDraining(true)
	assert.False(t, h.IsReady())
	assert.True(t, h.IsLive())
	assert.False(t, h.Report().Ready)
}

func TestHealthChecker_StartRunsUntilCancelled(t *testing.T) {
	c := &fakeCache{ready: true}
	h := NewHealthChecker(Config{Interval: 10 * time.Millisecond}, c, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()

	require.Eventually(t, h.IsReady, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop")
	}
}
