package cluster

import (
	"context"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

const (
	defaultSettleTimeout = 30 * time.Second
	settlePollInterval   = 5 * time.Millisecond
)

// TransferTracker is implemented by handlers that move state after a topology update
type TransferTracker interface {
	IsStateTransferInProgress() bool
}

// pendingHash returns the union of prev and next when installing it first changes anything. Members
// for which live returns false no longer serve data.
func pendingHash(prev, next hash.ConsistentHash, live func(model.Address) bool) (hash.ConsistentHash, bool) {
	if prev == nil {
		return nil, false
	}
	u, err := hash.Union(prev, next, live)
	if err != nil || hash.SameOwners(u, next) || (hash.SameOwners(u, prev) && sameMembers(u, prev)) {
		return nil, false
	}
	return u, true
}

func sameMembers(a, b hash.ConsistentHash) bool {
	x, y := a.Members(), b.Members()
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// waitForTransfers blocks until no handler reports a transfer in progress. It gives up after timeout
// and reports whether the handlers settled.
func waitForTransfers(ctx context.Context, handlers []TopologyHandler, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		settled := true
		for _, h := range handlers {
			if t, ok := h.(TransferTracker); ok && t.IsStateTransferInProgress() {
				settled = false
				break
			}
		}
		if settled {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
