package statetransfer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/command"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"go.uber.org/zap"
)

// TopologySource exposes the installed topology and recent predecessors
type TopologySource interface {
	CurrentTopology() (int, hash.ConsistentHash)
	TopologyByID(id int) (hash.ConsistentHash, bool)
}

// TransferInterceptor gates write commands on the transfer lock so a topology is only installed
// between commands. A command that finishes after a newer topology was installed is forwarded to the
// owners that topology added.
//
// Only commands issued on this member are gated. Commands received from other members already passed
// the gate on their origin, and waiting for them here could deadlock two members installing the same
// topology. Remote transaction boundaries still hold the transactions lock so a migration snapshot
// never observes half of a prepare or commit.
type TransferInterceptor struct {
	cacheName string
	self      model.Address
	timeout   time.Duration
	lock      *TransferLock
	topology  TopologySource
	rpc       transport.RPCManager
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewTransferInterceptor creates the gate. timeout bounds forwarding calls.
func NewTransferInterceptor(
	cacheName string,
	lock *TransferLock,
	topology TopologySource,
	rpc transport.RPCManager,
	timeout time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *TransferInterceptor {
	return &TransferInterceptor{
		cacheName: cacheName,
		self:      rpc.Address(),
		timeout:   timeout,
		lock:      lock,
		topology:  topology,
		rpc:       rpc,
		logger:    logger.With(zap.String("component", "transfer_interceptor")),
		metrics:   m,
	}
}

// Interceptor returns the gate for this engine's cache
func (m *Manager) Interceptor() *TransferInterceptor {
	return NewTransferInterceptor(m.cfg.CacheName, m.lock, m, m.deps.RPC, m.cfg.Timeout, m.logger, m.metrics)
}

// Handle implements command.Interceptor
func (ic *TransferInterceptor) Handle(ctx context.Context, cmd *command.Command, next command.Invoker) (any, error) {
	if cmd.Options.StateTransfer || !(cmd.IsWrite() || cmd.IsTransactionBoundary()) {
		return next.Invoke(ctx, cmd)
	}

	if cmd.IsRemote() {
		if !cmd.IsTransactionBoundary() {
			return next.Invoke(ctx, cmd)
		}
		if err := ic.lock.AcquireTransactionsShared(ctx); err != nil {
			return nil, grerrors.Timeout("interrupted waiting for transaction migration", err)
		}
		defer ic.lock.ReleaseTransactionsShared()
		return next.Invoke(ctx, cmd)
	}

	result, err := ic.invokeGated(ctx, cmd, next)
	if err != nil {
		return nil, err
	}
	if !cmd.Options.LocalOnly {
		if err := ic.forward(ctx, cmd); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// invokeGated runs the command while holding the shared locks, stamping it with the installed topology
func (ic *TransferInterceptor) invokeGated(ctx context.Context, cmd *command.Command, next command.Invoker) (any, error) {
	if err := ic.lock.AcquireCommandsShared(ctx); err != nil {
		return nil, grerrors.Timeout("interrupted waiting for topology installation", err)
	}
	defer ic.lock.ReleaseCommandsShared()

	if cmd.IsTransactionBoundary() {
		if err := ic.lock.AcquireTransactionsShared(ctx); err != nil {
			return nil, grerrors.Timeout("interrupted waiting for transaction migration", err)
		}
		defer ic.lock.ReleaseTransactionsShared()
	}

	if !cmd.Options.LocalOnly && cmd.TopologyID == 0 {
		cmd.TopologyID, _ = ic.topology.CurrentTopology()
	}
	return next.Invoke(ctx, cmd)
}

// forward re-sends cmd to the owners added since the topology it ran under
func (ic *TransferInterceptor) forward(ctx context.Context, cmd *command.Command) error {
	currentID, current := ic.topology.CurrentTopology()
	if current == nil || cmd.TopologyID >= currentID {
		return nil
	}

	targets := ic.forwardTargets(cmd, current)
	if len(targets) == 0 {
		return nil
	}

	clone := cmd.Clone()
	clone.TopologyID = currentID
	clone.Origin = ic.self

	ic.logger.Debug("Forwarding command to new owners",
		zap.String("command", cmd.String()),
		zap.Int("topology_id", currentID),
		zap.Int("targets", len(targets)))

	responses, err := ic.rpc.Invoke(ctx, targets, ic.cacheName, command.RemoteKind, clone, ic.timeout)
	if err != nil {
		return err
	}
	ic.metrics.RecordCommandForwarded()

	for _, target := range targets {
		resp := responses[target]
		switch resp.Kind {
		case transport.ResponseSuccessful, transport.ResponseNodeNotFound:
		default:
			return fmt.Errorf("failed to forward %s to %s: %w", cmd, target, resp.Error())
		}
	}
	return nil
}

// forwardTargets returns the current owners of the command's keys that did not own them under the
// command's topology, excluding this member. With the old topology unknown every current owner is a
// target.
func (ic *TransferInterceptor) forwardTargets(cmd *command.Command, current hash.ConsistentHash) []model.Address {
	previous, known := ic.topology.TopologyByID(cmd.TopologyID)

	set := make(map[model.Address]struct{})
	for _, key := range cmd.AffectedKeys() {
		var old []model.Address
		if known {
			old = previous.LocateOwners(key)
		}
		for _, owner := range current.LocateOwners(key) {
			if owner == ic.self || containsAddress(old, owner) {
				continue
			}
			set[owner] = struct{}{}
		}
	}

	targets := make([]model.Address, 0, len(set))
	for a := range set {
		targets = append(targets, a)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

func containsAddress(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

var _ command.Interceptor = (*TransferInterceptor)(nil)
