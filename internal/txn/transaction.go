// Package txn keeps the node's transaction table and key lock table.
package txn

import (
	"sort"
	"sync"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// Transaction is the local bookkeeping of one global transaction. Local transactions originate on this
// node; remote transactions were created for a transaction originating elsewhere.
type Transaction struct {
	gtx    model.GlobalTransaction
	remote bool

	mu               sync.Mutex
	modifications    []model.Modification
	lockedKeys       map[string]struct{}
	backupLockedKeys map[string]struct{}
}

func newTransaction(gtx model.GlobalTransaction, remote bool) *Transaction {
	return &Transaction{
		gtx:              gtx,
		remote:           remote,
		lockedKeys:       make(map[string]struct{}),
		backupLockedKeys: make(map[string]struct{}),
	}
}

// GlobalTransaction returns the transaction id
func (t *Transaction) GlobalTransaction() model.GlobalTransaction {
	return t.gtx
}

// IsRemote reports whether the transaction originated on another node
func (t *Transaction) IsRemote() bool {
	return t.remote
}

// AddModification records a write
func (t *Transaction) AddModification(mod model.Modification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modifications = append(t.modifications, mod)
}

// SetModifications replaces the recorded writes
func (t *Transaction) SetModifications(mods []model.Modification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modifications = append([]model.Modification(nil), mods...)
}

// Modifications returns a copy of the recorded writes in order
func (t *Transaction) Modifications() []model.Modification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Modification(nil), t.modifications...)
}

// AddLockedKey records a key locked by this transaction
func (t *Transaction) AddLockedKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockedKeys[key] = struct{}{}
}

// AddBackupLockedKey records a key reserved for this transaction before its value arrived
func (t *Transaction) AddBackupLockedKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backupLockedKeys[key] = struct{}{}
}

// LockedKeys returns the locked keys in sorted order
func (t *Transaction) LockedKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.lockedKeys)
}

// BackupLockedKeys returns the backup-locked keys in sorted order
func (t *Transaction) BackupLockedKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.backupLockedKeys)
}

// AllLockedKeys returns the union of locked and backup-locked keys
func (t *Transaction) AllLockedKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make(map[string]struct{}, len(t.lockedKeys)+len(t.backupLockedKeys))
	for k := range t.lockedKeys {
		all[k] = struct{}{}
	}
	for k := range t.backupLockedKeys {
		all[k] = struct{}{}
	}
	return sortedKeys(all)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
