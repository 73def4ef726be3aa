package statetransfer

import (
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// Request kinds served by every member running the cache
const (
	KindStateRequest  = "state.request"
	KindStateResponse = "state.response"
)

// StateRequestType selects what a state request asks of the provider
type StateRequestType string

const (
	GetTransactions     StateRequestType = "get_transactions"
	StartStateTransfer  StateRequestType = "start_state_transfer"
	CancelStateTransfer StateRequestType = "cancel_state_transfer"
)

// StateRequestCommand is sent by a consumer to the member it pulls segments from. The requesting
// member is the envelope origin.
type StateRequestCommand struct {
	Type       StateRequestType `json:"type"`
	TopologyID int              `json:"topology_id"`
	Segments   []int            `json:"segments"`
}

// StateChunk is a batch of entries of one segment. A chunk without entries marks the segment complete.
type StateChunk struct {
	SegmentID int           `json:"segment_id"`
	Entries   []model.Entry `json:"entries"`
}

// IsLast reports whether the chunk is the segment-complete signal
func (c StateChunk) IsLast() bool {
	return len(c.Entries) == 0
}

// StateResponseCommand carries chunks from a provider to a consumer
type StateResponseCommand struct {
	TopologyID int          `json:"topology_id"`
	Chunks     []StateChunk `json:"chunks"`
}
