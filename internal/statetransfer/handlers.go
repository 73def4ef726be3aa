package statetransfer

import (
	"context"
	"encoding/json"
	"fmt"

	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/transport"
)

// registerHandlers serves state requests with the provider and state responses with the consumer
func (m *Manager) registerHandlers(d *transport.Dispatcher) {
	d.Register(m.cfg.CacheName, KindStateRequest, m.handleStateRequest)
	d.Register(m.cfg.CacheName, KindStateResponse, m.handleStateResponse)
}

func (m *Manager) handleStateRequest(ctx context.Context, origin model.Address, body json.RawMessage) (any, error) {
	var req StateRequestCommand
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, grerrors.InvalidArgument("malformed state request", err)
	}

	switch req.Type {
	case GetTransactions:
		return m.provider.GetTransactionsForSegments(ctx, origin, req.TopologyID, req.Segments)
	case StartStateTransfer:
		return nil, m.provider.StartOutboundTransfer(ctx, origin, req.TopologyID, req.Segments)
	case CancelStateTransfer:
		m.provider.CancelOutboundTransfer(origin, req.TopologyID, req.Segments)
		return nil, nil
	default:
		return nil, grerrors.InvalidArgument(fmt.Sprintf("unknown state request type %q", req.Type), nil)
	}
}

func (m *Manager) handleStateResponse(ctx context.Context, origin model.Address, body json.RawMessage) (any, error) {
	var resp StateResponseCommand
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, grerrors.InvalidArgument("malformed state response", err)
	}
	return nil, m.consumer.ApplyState(ctx, origin, resp.TopologyID, resp.Chunks)
}
