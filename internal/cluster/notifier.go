// Package cluster tracks the members running a cache and turns membership changes into numbered
// topologies.
package cluster

import (
	"context"

	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// JoinRequest carries the hash shape a cache expects
type JoinRequest struct {
	NumSegments int
	NumOwners   int
}

// TopologyHandler receives the topologies of a cache in increasing id order
type TopologyHandler interface {
	OnTopologyUpdate(ctx context.Context, topologyID int, ch hash.ConsistentHash) error
}

// TopologyNotifier registers a member's cache with the membership service
type TopologyNotifier interface {
	Join(ctx context.Context, cacheName string, req JoinRequest, handler TopologyHandler) error
	Leave(ctx context.Context, cacheName string) error
}

// HashBuilder computes the consistent hash for a member set
type HashBuilder func(members []model.Address, numSegments, numOwners int) (hash.ConsistentHash, error)

// RingHashBuilder returns a HashBuilder placing virtualNodes ring tokens per member
func RingHashBuilder(virtualNodes int) HashBuilder {
	factory := hash.NewRingFactory(virtualNodes)
	return func(members []model.Address, numSegments, numOwners int) (hash.ConsistentHash, error) {
		return factory.Create(members, numSegments, numOwners)
	}
}
