package model

// Entry is a cache entry as held by the data container and moved by state transfer
type Entry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	Timestamp int64  `json:"timestamp"` // Unix nanoseconds of the write that produced the entry
}

// Size approximates the in-memory footprint of the entry
func (e *Entry) Size() int64 {
	return int64(len(e.Key) + len(e.Value) + 16)
}

// OperationType defines the type of a transactional modification
type OperationType string

const (
	OperationTypePut    OperationType = "put"
	OperationTypeRemove OperationType = "remove"
)

// Modification is one write operation recorded by a transaction
type Modification struct {
	Type  OperationType `json:"type"`
	Key   string        `json:"key"`
	Value []byte        `json:"value,omitempty"`
}

// GlobalTransaction identifies a transaction cluster-wide
type GlobalTransaction struct {
	ID     string  `json:"id"`
	Origin Address `json:"origin"`
}

// String implements fmt.Stringer
func (g GlobalTransaction) String() string {
	return g.ID + "@" + string(g.Origin)
}

// TransactionInfo is a snapshot of an in-flight transaction's write intent, sent to a new owner
// so it can recreate lock bookkeeping before the entries of the locked keys arrive.
type TransactionInfo struct {
	GlobalTransaction GlobalTransaction `json:"global_transaction"`
	Modifications     []Modification    `json:"modifications"`
	LockedKeys        []string          `json:"locked_keys"`
}
