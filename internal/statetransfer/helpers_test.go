package statetransfer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/command"
	"github.com/devrev/pairdb/datagrid/internal/container"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/stretchr/testify/require"
)

const testCache = "users"

// containerInvoker applies writes straight to dc and, unless skipped, to persistence
func containerInvoker(dc *container.DataContainer, persistence store.Store) command.Invoker {
	return command.InvokerFunc(func(ctx context.Context, cmd *command.Command) (any, error) {
		entry := &model.Entry{Key: cmd.Key, Value: cmd.Value, Timestamp: cmd.Timestamp}
		switch cmd.Type {
		case command.TypePut:
			dc.Put(entry)
			return true, nil
		case command.TypePutIfAbsent:
			return dc.PutIfAbsent(entry), nil
		case command.TypeRemove, command.TypeInvalidate:
			_, removed := dc.Remove(cmd.Key)
			if persistence != nil && !cmd.Options.SkipPersistence {
				if err := persistence.Delete(ctx, cmd.Key); err != nil {
					return nil, err
				}
			}
			return removed, nil
		case command.TypeGet:
			e, _ := dc.Get(cmd.Key)
			return e, nil
		}
		return nil, nil
	})
}

// keysInSegment returns n distinct keys mapping to segment
func keysInSegment(prefix string, segment, numSegments, n int) []string {
	keys := make([]string, 0, n)
	for i := 0; len(keys) < n; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		if hash.SegmentFor(key, numSegments) == segment {
			keys = append(keys, key)
		}
	}
	return keys
}

func fill(dc *container.DataContainer, keys []string) {
	for i, k := range keys {
		dc.Put(&model.Entry{Key: k, Value: []byte(k), Timestamp: int64(i + 1)})
	}
}

// singleOwnerHash gives every segment to owner
func singleOwnerHash(t testing.TB, numSegments int, owner model.Address, members ...model.Address) hash.ConsistentHash {
	t.Helper()
	owners := make([][]model.Address, numSegments)
	for seg := range owners {
		owners[seg] = []model.Address{owner}
	}
	if len(members) == 0 {
		members = []model.Address{owner}
	}
	ch, err := hash.NewDefaultConsistentHash(1, members, owners)
	require.NoError(t, err)
	return ch
}

// sameOwnersHash gives every segment the same owner list
func sameOwnersHash(t testing.TB, numSegments int, members []model.Address, owners ...model.Address) hash.ConsistentHash {
	t.Helper()
	table := make([][]model.Address, numSegments)
	for seg := range table {
		table[seg] = owners
	}
	ch, err := hash.NewDefaultConsistentHash(len(owners), members, table)
	require.NoError(t, err)
	return ch
}

// roundRobinBuilder gives segment s to members s, s+1, ... up to numOwners distinct members
func roundRobinBuilder(members []model.Address, numSegments, numOwners int) (hash.ConsistentHash, error) {
	owners := make([][]model.Address, numSegments)
	for seg := range owners {
		for i := 0; i < numOwners && i < len(members); i++ {
			owners[seg] = append(owners[seg], members[(seg+i)%len(members)])
		}
	}
	return hash.NewDefaultConsistentHash(numOwners, members, owners)
}

// chunkRecorder collects the state response chunks delivered to a member
type chunkRecorder struct {
	mu     sync.Mutex
	sizes  map[int][]int
	keys   map[string]int
	origin []model.Address
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{sizes: make(map[int][]int), keys: make(map[string]int)}
}

func (r *chunkRecorder) handle(ctx context.Context, origin model.Address, body json.RawMessage) (any, error) {
	var resp StateResponseCommand
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origin = append(r.origin, origin)
	for _, c := range resp.Chunks {
		r.sizes[c.SegmentID] = append(r.sizes[c.SegmentID], len(c.Entries))
		for _, e := range c.Entries {
			r.keys[e.Key] = c.SegmentID
		}
	}
	return nil, nil
}

func (r *chunkRecorder) sizesFor(seg int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes[seg]...)
}

func (r *chunkRecorder) received() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.keys))
	for k, v := range r.keys {
		out[k] = v
	}
	return out
}

// requestRecorder serves state requests with canned transactions and records what was asked
type requestRecorder struct {
	mu       sync.Mutex
	requests []StateRequestCommand
	txs      []model.TransactionInfo
	fail     StateRequestType
}

func (r *requestRecorder) handle(ctx context.Context, origin model.Address, body json.RawMessage) (any, error) {
	var req StateRequestCommand
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if req.Type == r.fail {
		return nil, fmt.Errorf("%s refused", req.Type)
	}
	if req.Type == GetTransactions {
		return r.txs, nil
	}
	return nil, nil
}

func (r *requestRecorder) types() []StateRequestType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateRequestType, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req.Type)
	}
	return out
}

func (r *requestRecorder) last() StateRequestCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}
