package hash

import (
	"fmt"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// Union builds the pending hash used while ownership moves from prev to next. Each segment is owned by
// its live previous owners followed by the next owners not already listed, so previous owners keep
// their data and stay primary until next is installed. Members for which live returns false are
// dropped from prev.
func Union(prev, next ConsistentHash, live func(model.Address) bool) (*DefaultConsistentHash, error) {
	if prev.NumSegments() != next.NumSegments() {
		return nil, fmt.Errorf("cannot merge hashes with %d and %d segments", prev.NumSegments(), next.NumSegments())
	}

	var members []model.Address
	seen := make(map[model.Address]struct{})
	addMember := func(a model.Address) {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			members = append(members, a)
		}
	}
	for _, m := range prev.Members() {
		if live == nil || live(m) {
			addMember(m)
		}
	}
	for _, m := range next.Members() {
		addMember(m)
	}

	owners := make([][]model.Address, next.NumSegments())
	for seg := range owners {
		var list []model.Address
		for _, o := range prev.LocateOwnersForSegment(seg) {
			if live == nil || live(o) {
				list = append(list, o)
			}
		}
		for _, o := range next.LocateOwnersForSegment(seg) {
			if !containsAddress(list, o) {
				list = append(list, o)
			}
		}
		owners[seg] = list
	}
	return NewDefaultConsistentHash(next.NumOwners(), members, owners)
}

// SameOwners reports whether a and b have identical owner lists for every segment
func SameOwners(a, b ConsistentHash) bool {
	if a.NumSegments() != b.NumSegments() {
		return false
	}
	for seg := 0; seg < a.NumSegments(); seg++ {
		x, y := a.LocateOwnersForSegment(seg), b.LocateOwnersForSegment(seg)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
	}
	return true
}

func containsAddress(list []model.Address, addr model.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
