package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// RingFactory builds DefaultConsistentHash instances by placing virtual nodes of every member
// on a hash ring. The result depends only on the member set, so all nodes agree on it.
type RingFactory struct {
	virtualNodes int
}

// NewRingFactory creates a ring factory with the given number of virtual nodes per member
func NewRingFactory(virtualNodes int) *RingFactory {
	if virtualNodes <= 0 {
		virtualNodes = 64
	}
	return &RingFactory{virtualNodes: virtualNodes}
}

type token struct {
	hash   uint64
	member model.Address
}

// Create computes the segment ownership for members
func (f *RingFactory) Create(members []model.Address, numSegments, numOwners int) (*DefaultConsistentHash, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("cannot build consistent hash without members")
	}
	if numSegments <= 0 {
		return nil, fmt.Errorf("numSegments must be positive, got %d", numSegments)
	}

	sorted := append([]model.Address(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ring := make([]token, 0, len(sorted)*f.virtualNodes)
	for _, m := range sorted {
		for i := 0; i < f.virtualNodes; i++ {
			ring = append(ring, token{
				hash:   f.hash(fmt.Sprintf("%s-vnode-%d", m, i)),
				member: m,
			})
		}
	}
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash == ring[j].hash {
			return ring[i].member < ring[j].member
		}
		return ring[i].hash < ring[j].hash
	})

	owners := make([][]model.Address, numSegments)
	want := numOwners
	if want > len(sorted) {
		want = len(sorted)
	}
	segmentSize := math.MaxUint64 / uint64(numSegments)

	for seg := 0; seg < numSegments; seg++ {
		start := uint64(seg) * segmentSize
		idx := sort.Search(len(ring), func(i int) bool {
			return ring[i].hash >= start
		})

		list := make([]model.Address, 0, want)
		seen := make(map[model.Address]bool, want)
		for i := 0; i < len(ring) && len(list) < want; i++ {
			t := ring[(idx+i)%len(ring)]
			if !seen[t.member] {
				seen[t.member] = true
				list = append(list, t.member)
			}
		}
		owners[seg] = list
	}

	return NewDefaultConsistentHash(numOwners, sorted, owners)
}

// hash computes SHA-256 hash and converts to uint64
func (f *RingFactory) hash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
