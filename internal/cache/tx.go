package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/command"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/txn"
	"go.uber.org/zap"
)

// Tx is a transaction started on this member. Writes lock their keys here and are sent to the owners
// on Commit with a two-phase prepare and commit.
type Tx struct {
	c  *Cache
	tx *txn.Transaction

	mu   sync.Mutex
	done bool
}

// Begin starts a transaction
func (c *Cache) Begin() (*Tx, error) {
	if !c.cfg.Transactional {
		return nil, grerrors.InvalidArgument(fmt.Sprintf("cache %s is not transactional", c.cfg.Name), nil)
	}
	return &Tx{c: c, tx: c.txTable.CreateLocal()}, nil
}

// ID returns the transaction id
func (t *Tx) ID() string {
	return t.tx.GlobalTransaction().ID
}

func (t *Tx) Put(key string, value []byte) error {
	return t.write(model.Modification{Type: model.OperationTypePut, Key: key, Value: value})
}

func (t *Tx) Remove(key string) error {
	return t.write(model.Modification{Type: model.OperationTypeRemove, Key: key})
}

func (t *Tx) write(mod model.Modification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return grerrors.InvalidArgument(fmt.Sprintf("transaction %s already finished", t.ID()), nil)
	}
	if err := t.c.lockTable.Lock(mod.Key, t.ID()); err != nil {
		return err
	}
	t.tx.AddLockedKey(mod.Key)
	t.tx.AddModification(mod)
	return nil
}

// finish marks the transaction done and returns its writes
func (t *Tx) finish() ([]model.Modification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, grerrors.InvalidArgument(fmt.Sprintf("transaction %s already finished", t.ID()), nil)
	}
	t.done = true
	return t.tx.Modifications(), nil
}

// Commit prepares the writes on every owner and then commits them. A failed prepare rolls back.
func (t *Tx) Commit(ctx context.Context) error {
	mods, err := t.finish()
	if err != nil {
		return err
	}
	if len(mods) == 0 {
		t.c.release(t.ID())
		return nil
	}

	gtx := t.tx.GlobalTransaction()
	if err := t.prepare(ctx, gtx, mods); err != nil {
		if rbErr := t.rollback(ctx, mods); rbErr != nil {
			t.c.logger.Warn("Rollback after failed prepare failed", zap.String("tx", gtx.String()), zap.Error(rbErr))
		}
		return fmt.Errorf("failed to prepare %s: %w", gtx, err)
	}
	if err := t.commit(ctx, gtx, mods); err != nil {
		return fmt.Errorf("failed to commit %s: %w", gtx, err)
	}
	return nil
}

func (t *Tx) prepare(ctx context.Context, gtx model.GlobalTransaction, mods []model.Modification) error {
	_, err := t.c.invoke(ctx, &command.Command{Type: command.TypePrepare, Transaction: &gtx, Modifications: mods})
	return err
}

// commit is routed under the topology installed when it runs, not the one the prepare saw
func (t *Tx) commit(ctx context.Context, gtx model.GlobalTransaction, mods []model.Modification) error {
	_, err := t.c.invoke(ctx, &command.Command{
		Type:          command.TypeCommit,
		Transaction:   &gtx,
		Modifications: mods,
		Timestamp:     time.Now().UnixNano(),
	})
	return err
}

// Rollback discards the writes and releases every lock
func (t *Tx) Rollback(ctx context.Context) error {
	mods, err := t.finish()
	if err != nil {
		return err
	}
	return t.rollback(ctx, mods)
}

func (t *Tx) rollback(ctx context.Context, mods []model.Modification) error {
	gtx := t.tx.GlobalTransaction()
	if len(mods) == 0 {
		t.c.release(gtx.ID)
		return nil
	}
	_, err := t.c.invoke(ctx, &command.Command{Type: command.TypeRollback, Transaction: &gtx, Modifications: mods})
	if err != nil {
		t.c.release(gtx.ID)
	}
	return err
}
