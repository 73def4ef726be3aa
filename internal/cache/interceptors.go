package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/command"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"go.uber.org/zap"
)

// lockingInterceptor rejects plain writes to keys held by a transaction
type lockingInterceptor struct {
	c *Cache
}

func (li lockingInterceptor) Handle(ctx context.Context, cmd *command.Command, next command.Invoker) (any, error) {
	if cmd.IsWrite() && !cmd.Options.SkipLocking {
		if owner, locked := li.c.lockTable.Owner(cmd.Key); locked {
			return nil, grerrors.KeyLocked(cmd.Key, owner)
		}
	}
	return next.Invoke(ctx, cmd)
}

// distributionInterceptor sends locally issued writes to the other members that must see them. In
// distributed mode those are the key's other owners; in invalidation mode every other member drops
// its copy.
type distributionInterceptor struct {
	c *Cache
}

func (di distributionInterceptor) Handle(ctx context.Context, cmd *command.Command, next command.Invoker) (any, error) {
	result, err := next.Invoke(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if cmd.IsRemote() || cmd.Options.LocalOnly || cmd.Options.SkipReplication {
		return result, nil
	}
	if !cmd.IsWrite() && !cmd.IsTransactionBoundary() {
		return result, nil
	}

	if di.c.cfg.invalidation() {
		return result, di.c.invalidateOthers(ctx, cmd)
	}
	return di.c.replicate(ctx, cmd, result)
}

// replicate sends cmd to the owners of its keys. When this member owns none of a single-key command's
// keys the primary owner's answer becomes the result.
func (c *Cache) replicate(ctx context.Context, cmd *command.Command, result any) (any, error) {
	_, ch := c.manager.CurrentTopology()
	if ch == nil {
		return result, nil
	}

	set := make(map[model.Address]struct{})
	for _, key := range cmd.AffectedKeys() {
		for _, owner := range ch.LocateOwners(key) {
			if owner != c.self {
				set[owner] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return result, nil
	}
	targets := sortedAddresses(set)

	clone := cmd.Clone()
	clone.Origin = c.self
	responses, err := c.rpc.Invoke(ctx, targets, c.cfg.Name, command.RemoteKind, clone, c.cfg.remoteTimeout())
	if err != nil {
		return nil, err
	}
	for _, target := range targets {
		resp := responses[target]
		switch resp.Kind {
		case transport.ResponseSuccessful:
		case transport.ResponseNodeNotFound:
			c.logger.Debug("Owner left before replication", zap.String("command", cmd.String()), zap.String("target", target.String()))
		default:
			return nil, fmt.Errorf("failed to replicate %s to %s: %w", cmd, target, resp.Error())
		}
	}

	if cmd.IsWrite() && !ch.IsKeyOwner(c.self, cmd.Key) {
		primary := responses[ch.LocatePrimaryOwner(cmd.Key)]
		var b bool
		if primary.IsSuccessful() {
			if err := primary.Decode(&b); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	return result, nil
}

// invalidateOthers drops the written keys from every other member. Transaction boundaries only
// invalidate once they commit.
func (c *Cache) invalidateOthers(ctx context.Context, cmd *command.Command) error {
	var keys []string
	switch {
	case cmd.IsWrite():
		keys = []string{cmd.Key}
	case cmd.Type == command.TypeCommit:
		keys = cmd.AffectedKeys()
	default:
		return nil
	}

	_, ch := c.manager.CurrentTopology()
	if ch == nil {
		return nil
	}
	targets := make([]model.Address, 0, len(ch.Members()))
	for _, m := range ch.Members() {
		if m != c.self {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	for _, key := range keys {
		inv := command.NewInvalidate(key, command.Options{SkipPersistence: true, SkipLocking: true})
		inv.Origin = c.self
		responses, err := c.rpc.Invoke(ctx, targets, c.cfg.Name, command.RemoteKind, inv, c.cfg.remoteTimeout())
		if err != nil {
			return err
		}
		for _, target := range targets {
			resp := responses[target]
			if resp.Kind == transport.ResponseException {
				return fmt.Errorf("failed to invalidate %s on %s: %w", key, target, resp.Error())
			}
		}
	}
	return nil
}

// callInvoker applies commands to this member's container and persistence
type callInvoker struct {
	c *Cache
}

func (ci callInvoker) Invoke(ctx context.Context, cmd *command.Command) (any, error) {
	c := ci.c
	switch cmd.Type {
	case command.TypeGet:
		return c.readLocal(ctx, cmd.Key)
	case command.TypePrepare:
		return c.prepare(cmd)
	case command.TypeCommit:
		return c.commit(ctx, cmd)
	case command.TypeRollback:
		return c.rollback(cmd)
	}

	if !cmd.Options.SkipOwnershipCheck && !c.ownsKey(cmd.Key) {
		return false, nil
	}
	return c.apply(ctx, cmd.Type, cmd.Key, cmd.Value, cmd.Timestamp, cmd.Options.SkipPersistence)
}

func (c *Cache) ownsKey(key string) bool {
	if c.cfg.invalidation() {
		return true
	}
	_, ch := c.manager.CurrentTopology()
	return ch != nil && ch.IsKeyOwner(c.self, key)
}

func (c *Cache) readLocal(ctx context.Context, key string) (*model.Entry, error) {
	if e, ok := c.dc.Get(key); ok {
		return e, nil
	}
	if c.persistence == nil {
		return nil, nil
	}
	e, err := c.persistence.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return e, nil
}

// apply performs one write on the container, writing through to persistence unless skipped
func (c *Cache) apply(ctx context.Context, t command.Type, key string, value []byte, ts int64, skipPersistence bool) (bool, error) {
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	persist := c.persistence != nil && !skipPersistence

	switch t {
	case command.TypePut:
		e := &model.Entry{Key: key, Value: value, Timestamp: ts}
		c.dc.Put(e)
		if persist {
			if err := c.persistence.Write(ctx, e); err != nil {
				return false, fmt.Errorf("failed to persist %s: %w", key, err)
			}
		}
		return true, nil

	case command.TypePutIfAbsent:
		e := &model.Entry{Key: key, Value: value, Timestamp: ts}
		if !c.dc.PutIfAbsent(e) {
			return false, nil
		}
		if persist {
			if err := c.persistence.Write(ctx, e); err != nil {
				return false, fmt.Errorf("failed to persist %s: %w", key, err)
			}
		}
		return true, nil

	case command.TypeRemove, command.TypeInvalidate:
		_, existed := c.dc.Remove(key)
		if persist {
			if err := c.persistence.Delete(ctx, key); err != nil {
				return false, fmt.Errorf("failed to delete persisted %s: %w", key, err)
			}
		}
		return existed, nil

	default:
		return false, grerrors.InvalidArgument(fmt.Sprintf("unsupported command %s", t), nil)
	}
}

// prepare locks the owned keys of a transaction that originated elsewhere. Local transactions locked
// their keys as they wrote them.
func (c *Cache) prepare(cmd *command.Command) (bool, error) {
	if cmd.Transaction == nil {
		return false, grerrors.InvalidArgument("prepare without transaction", nil)
	}
	if !cmd.IsRemote() {
		return true, nil
	}

	tx := c.txTable.GetOrCreateRemote(*cmd.Transaction)
	tx.SetModifications(cmd.Modifications)
	for _, key := range cmd.AffectedKeys() {
		if !c.ownsKey(key) {
			continue
		}
		if err := c.lockTable.Lock(key, cmd.Transaction.ID); err != nil {
			return false, err
		}
		tx.AddLockedKey(key)
	}
	return true, nil
}

// commit applies the owned modifications and releases the transaction's locks
func (c *Cache) commit(ctx context.Context, cmd *command.Command) (bool, error) {
	if cmd.Transaction == nil {
		return false, grerrors.InvalidArgument("commit without transaction", nil)
	}
	for _, m := range cmd.Modifications {
		if !c.ownsKey(m.Key) {
			continue
		}
		t := command.TypePut
		if m.Type == model.OperationTypeRemove {
			t = command.TypeRemove
		}
		if _, err := c.apply(ctx, t, m.Key, m.Value, cmd.Timestamp, cmd.Options.SkipPersistence); err != nil {
			return false, err
		}
	}
	c.release(cmd.Transaction.ID)
	return true, nil
}

func (c *Cache) rollback(cmd *command.Command) (bool, error) {
	if cmd.Transaction == nil {
		return false, grerrors.InvalidArgument("rollback without transaction", nil)
	}
	c.release(cmd.Transaction.ID)
	return true, nil
}

func (c *Cache) release(txID string) {
	c.lockTable.ReleaseAll(txID)
	c.txTable.Remove(txID)
}

func sortedAddresses(set map[model.Address]struct{}) []model.Address {
	out := make([]model.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	_ command.Interceptor = lockingInterceptor{}
	_ command.Interceptor = distributionInterceptor{}
	_ command.Invoker     = callInvoker{}
)
