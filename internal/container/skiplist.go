package container

import (
	"math/rand"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// skipListNode represents a node in the skip list
type skipListNode struct {
	key     string
	entry   *model.Entry
	forward []*skipListNode
}

// skipList keeps entries ordered by key. It is not safe for concurrent use; DataContainer guards it.
type skipList struct {
	head  *skipListNode
	level int
	size  int
	rnd   *rand.Rand
}

func newSkipList(seed int64) *skipList {
	return &skipList{
		head: &skipListNode{forward: make([]*skipListNode, MaxLevel)},
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

// randomLevel generates a random level for a new node
func (sl *skipList) randomLevel() int {
	level := 0
	for sl.rnd.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node before key on every level
func (sl *skipList) findPredecessors(key string, update []*skipListNode) *skipListNode {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// insert adds or replaces the entry for its key, returning the previous entry if any
func (sl *skipList) insert(entry *model.Entry) *model.Entry {
	update := make([]*skipListNode, MaxLevel)
	next := sl.findPredecessors(entry.Key, update)

	if next != nil && next.key == entry.Key {
		prev := next.entry
		next.entry = entry
		return prev
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	node := &skipListNode{
		key:     entry.Key,
		entry:   entry,
		forward: make([]*skipListNode, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	sl.size++
	return nil
}

// search finds the entry stored under key
func (sl *skipList) search(key string) (*model.Entry, bool) {
	next := sl.findPredecessors(key, nil)
	if next != nil && next.key == key {
		return next.entry, true
	}
	return nil, false
}

// delete removes the key, returning the removed entry
func (sl *skipList) delete(key string) (*model.Entry, bool) {
	update := make([]*skipListNode, MaxLevel)
	target := sl.findPredecessors(key, update)
	if target == nil || target.key != key {
		return nil, false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != target {
			break
		}
		update[i].forward[i] = target.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}

	sl.size--
	return target.entry, true
}

// ascend calls fn for every entry in key order until fn returns false
func (sl *skipList) ascend(fn func(*model.Entry) bool) {
	for n := sl.head.forward[0]; n != nil; n = n.forward[0] {
		if !fn(n.entry) {
			return
		}
	}
}
