package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// HandlerFunc serves one request kind. The returned value is marshalled as the reply value.
type HandlerFunc func(ctx context.Context, origin model.Address, body json.RawMessage) (any, error)

// Dispatcher routes incoming requests to handlers registered per cache and kind
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]map[string]HandlerFunc)}
}

// Register installs the handler for kind on cache, replacing any previous one
func (d *Dispatcher) Register(cache, kind string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kinds, ok := d.handlers[cache]
	if !ok {
		kinds = make(map[string]HandlerFunc)
		d.handlers[cache] = kinds
	}
	kinds[kind] = h
}

// Unregister removes every handler of cache
func (d *Dispatcher) Unregister(cache string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, cache)
}

// Dispatch runs the handler for req and encodes its result. A cache that is not running on this member
// answers like a missing member so callers treat it as departed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Reply {
	d.mu.RLock()
	kinds, cacheRunning := d.handlers[req.Cache]
	var h HandlerFunc
	if cacheRunning {
		h = kinds[req.Kind]
	}
	d.mu.RUnlock()

	if !cacheRunning {
		return errorToReply(grerrors.NodeNotFound(fmt.Sprintf("cache %s is not running", req.Cache)))
	}
	if h == nil {
		return errorToReply(grerrors.InvalidArgument(fmt.Sprintf("no handler for %s on cache %s", req.Kind, req.Cache), nil))
	}

	result, err := h(ctx, req.Origin, req.Body)
	if err != nil {
		return errorToReply(err)
	}

	value, err := json.Marshal(result)
	if err != nil {
		return errorToReply(grerrors.InternalError("failed to marshal reply", err))
	}
	return &Reply{Value: value}
}
