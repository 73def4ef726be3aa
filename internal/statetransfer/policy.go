package statetransfer

import (
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// SourcePolicy picks the member a newly owned segment is pulled from. Implementations must be
// deterministic so every member computing the same hash picks the same donor.
type SourcePolicy interface {
	// PickSource returns a source among the owners of segment under readHash, skipping self and
	// every member for which excluded returns true.
	PickSource(segment int, readHash hash.ConsistentHash, self model.Address, excluded func(model.Address) bool) (model.Address, bool)
}

// LastOwnerPolicy picks the last eligible owner of the segment
type LastOwnerPolicy struct{}

func (LastOwnerPolicy) PickSource(segment int, readHash hash.ConsistentHash, self model.Address, excluded func(model.Address) bool) (model.Address, bool) {
	owners := readHash.LocateOwnersForSegment(segment)
	for i := len(owners) - 1; i >= 0; i-- {
		if eligible(owners[i], self, excluded) {
			return owners[i], true
		}
	}
	return "", false
}

// FirstOwnerPolicy picks the first eligible owner of the segment
type FirstOwnerPolicy struct{}

func (FirstOwnerPolicy) PickSource(segment int, readHash hash.ConsistentHash, self model.Address, excluded func(model.Address) bool) (model.Address, bool) {
	for _, o := range readHash.LocateOwnersForSegment(segment) {
		if eligible(o, self, excluded) {
			return o, true
		}
	}
	return "", false
}

func eligible(owner, self model.Address, excluded func(model.Address) bool) bool {
	if owner == self {
		return false
	}
	return excluded == nil || !excluded(owner)
}

// PolicyByName returns the policy for "last" or "first"; anything else yields LastOwnerPolicy
func PolicyByName(name string) SourcePolicy {
	if name == "first" {
		return FirstOwnerPolicy{}
	}
	return LastOwnerPolicy{}
}
