package transport

import (
	"context"
	"sync"
	"time"

	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// Network connects in-process transports of an embedded cluster
type Network struct {
	mu    sync.RWMutex
	nodes map[model.Address]*Dispatcher
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{nodes: make(map[model.Address]*Dispatcher)}
}

// Join registers a member and returns its transport
func (n *Network) Join(addr model.Address) *InProcessTransport {
	d := NewDispatcher()
	n.mu.Lock()
	n.nodes[addr] = d
	n.mu.Unlock()
	return &InProcessTransport{network: n, self: addr, dispatcher: d}
}

// Disconnect removes a member; requests to it answer NodeNotFound
func (n *Network) Disconnect(addr model.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

func (n *Network) lookup(addr model.Address) (*Dispatcher, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.nodes[addr]
	return d, ok
}

// InProcessTransport delivers requests to dispatchers in the same process. Requests and replies are
// still JSON encoded so members never share memory.
type InProcessTransport struct {
	network    *Network
	self       model.Address
	dispatcher *Dispatcher
}

// Address returns this member's address
func (t *InProcessTransport) Address() model.Address {
	return t.self
}

// Dispatcher returns this member's dispatcher
func (t *InProcessTransport) Dispatcher() *Dispatcher {
	return t.dispatcher
}

// Invoke delivers the request to every target
func (t *InProcessTransport) Invoke(ctx context.Context, targets []model.Address, cache, kind string, body any, timeout time.Duration) (map[model.Address]Response, error) {
	return fanOut(ctx, t.self, targets, cache, kind, body, timeout, t.send)
}

func (t *InProcessTransport) send(ctx context.Context, target model.Address, req *Request) Response {
	d, ok := t.network.lookup(target)
	if !ok {
		return Response{Kind: ResponseNodeNotFound, Err: grerrors.NodeNotFound(target.String())}
	}

	done := make(chan *Reply, 1)
	go func() {
		done <- d.Dispatch(ctx, req)
	}()

	select {
	case reply := <-done:
		return replyToResponse(reply)
	case <-ctx.Done():
		return Response{Kind: ResponseException, Err: grerrors.Timeout("request to "+target.String()+" timed out", ctx.Err())}
	}
}

// Close disconnects this member from the network
func (t *InProcessTransport) Close() error {
	t.network.Disconnect(t.self)
	return nil
}

var _ RPCManager = (*InProcessTransport)(nil)
