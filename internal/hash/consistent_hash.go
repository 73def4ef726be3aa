package hash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// ConsistentHash is an immutable snapshot mapping keys to segments and segments to owners.
// A new topology always carries a new instance.
type ConsistentHash interface {
	NumSegments() int
	NumOwners() int
	Segment(key string) int
	LocateOwnersForSegment(segment int) []model.Address
	LocateOwners(key string) []model.Address
	LocatePrimaryOwner(key string) model.Address
	Members() []model.Address
	IsMember(addr model.Address) bool
	IsKeyOwner(addr model.Address, key string) bool
	SegmentsForOwner(addr model.Address) model.SegmentSet
}

// DefaultConsistentHash assigns keys to segments with xxhash and holds an explicit owner list per segment
type DefaultConsistentHash struct {
	numSegments int
	numOwners   int
	members     []model.Address
	memberSet   map[model.Address]struct{}
	owners      [][]model.Address
}

// NewDefaultConsistentHash creates a hash from an explicit segment -> owners table
func NewDefaultConsistentHash(numOwners int, members []model.Address, owners [][]model.Address) (*DefaultConsistentHash, error) {
	if len(owners) == 0 {
		return nil, fmt.Errorf("consistent hash needs at least one segment")
	}
	if numOwners <= 0 {
		return nil, fmt.Errorf("numOwners must be positive, got %d", numOwners)
	}

	memberSet := make(map[model.Address]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	table := make([][]model.Address, len(owners))
	for seg, list := range owners {
		for _, o := range list {
			if _, ok := memberSet[o]; !ok {
				return nil, fmt.Errorf("segment %d owner %s is not a member", seg, o)
			}
		}
		table[seg] = append([]model.Address(nil), list...)
	}

	return &DefaultConsistentHash{
		numSegments: len(owners),
		numOwners:   numOwners,
		members:     append([]model.Address(nil), members...),
		memberSet:   memberSet,
		owners:      table,
	}, nil
}

// NumSegments returns the number of segments
func (ch *DefaultConsistentHash) NumSegments() int {
	return ch.numSegments
}

// NumOwners returns the configured number of owners per segment
func (ch *DefaultConsistentHash) NumOwners() int {
	return ch.numOwners
}

// Segment maps a key to its segment
func (ch *DefaultConsistentHash) Segment(key string) int {
	return SegmentFor(key, ch.numSegments)
}

// LocateOwnersForSegment returns the ordered owner list of a segment; the first is the primary owner
func (ch *DefaultConsistentHash) LocateOwnersForSegment(segment int) []model.Address {
	if segment < 0 || segment >= ch.numSegments {
		return nil
	}
	return ch.owners[segment]
}

// LocateOwners returns the owners of the key's segment
func (ch *DefaultConsistentHash) LocateOwners(key string) []model.Address {
	return ch.LocateOwnersForSegment(ch.Segment(key))
}

// LocatePrimaryOwner returns the first owner of the key's segment
func (ch *DefaultConsistentHash) LocatePrimaryOwner(key string) model.Address {
	owners := ch.LocateOwners(key)
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// Members returns the cluster members this hash was built for
func (ch *DefaultConsistentHash) Members() []model.Address {
	return ch.members
}

// IsMember reports whether addr is one of the hash's members
func (ch *DefaultConsistentHash) IsMember(addr model.Address) bool {
	_, ok := ch.memberSet[addr]
	return ok
}

// IsKeyOwner reports whether addr owns the key's segment
func (ch *DefaultConsistentHash) IsKeyOwner(addr model.Address, key string) bool {
	for _, o := range ch.LocateOwners(key) {
		if o == addr {
			return true
		}
	}
	return false
}

// SegmentsForOwner returns every segment owned by addr
func (ch *DefaultConsistentHash) SegmentsForOwner(addr model.Address) model.SegmentSet {
	segments := make(model.SegmentSet)
	for seg, list := range ch.owners {
		for _, o := range list {
			if o == addr {
				segments.Add(seg)
				break
			}
		}
	}
	return segments
}

// SegmentFor maps a key to a segment in [0, numSegments)
func SegmentFor(key string, numSegments int) int {
	if numSegments <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(numSegments))
}
