package txn

import (
	"sync"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/google/uuid"
)

// Table is the node's transaction table
type Table struct {
	self model.Address

	mu     sync.RWMutex
	local  map[string]*Transaction
	remote map[string]*Transaction
}

// NewTable creates an empty transaction table for the node at self
func NewTable(self model.Address) *Table {
	return &Table{
		self:   self,
		local:  make(map[string]*Transaction),
		remote: make(map[string]*Transaction),
	}
}

// CreateLocal starts a new transaction originating on this node
func (t *Table) CreateLocal() *Transaction {
	tx := newTransaction(model.GlobalTransaction{
		ID:     uuid.New().String(),
		Origin: t.self,
	}, false)

	t.mu.Lock()
	t.local[tx.gtx.ID] = tx
	t.mu.Unlock()
	return tx
}

// GetLocal returns a local transaction by id
func (t *Table) GetLocal(id string) (*Transaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tx, ok := t.local[id]
	return tx, ok
}

// GetOrCreateRemote returns the bookkeeping for a transaction that originated elsewhere. When gtx
// originated on this node the local transaction is returned instead.
func (t *Table) GetOrCreateRemote(gtx model.GlobalTransaction) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tx, ok := t.local[gtx.ID]; ok {
		return tx
	}
	if tx, ok := t.remote[gtx.ID]; ok {
		return tx
	}
	tx := newTransaction(gtx, true)
	t.remote[gtx.ID] = tx
	return tx
}

// GetRemote returns a remote transaction by id
func (t *Table) GetRemote(id string) (*Transaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tx, ok := t.remote[id]
	return tx, ok
}

// Remove drops a local or remote transaction
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.local, id)
	delete(t.remote, id)
}

// LocalTransactions returns a snapshot of the local transactions
func (t *Table) LocalTransactions() []*Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return collect(t.local)
}

// RemoteTransactions returns a snapshot of the remote transactions
func (t *Table) RemoteTransactions() []*Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return collect(t.remote)
}

// Len returns the number of local and remote transactions
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.local) + len(t.remote)
}

func collect(m map[string]*Transaction) []*Transaction {
	out := make([]*Transaction, 0, len(m))
	for _, tx := range m {
		out = append(out, tx)
	}
	return out
}
