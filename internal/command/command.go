// Package command defines the commands that travel through a cache's invocation pipeline.
package command

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// RemoteKind is the transport request kind carrying a command to another member
const RemoteKind = "cache.command"

// Type identifies a command
type Type string

const (
	TypePut         Type = "put"
	TypePutIfAbsent Type = "put_if_absent"
	TypeRemove      Type = "remove"
	TypeInvalidate  Type = "invalidate"
	TypeGet         Type = "get"
	TypePrepare     Type = "prepare"
	TypeCommit      Type = "commit"
	TypeRollback    Type = "rollback"
)

// Options are the write options carried by a command
type Options struct {
	SkipReplication    bool `json:"skip_replication,omitempty"`
	SkipPersistence    bool `json:"skip_persistence,omitempty"`
	SkipLocking        bool `json:"skip_locking,omitempty"`
	SkipOwnershipCheck bool `json:"skip_ownership_check,omitempty"`
	LocalOnly          bool `json:"local_only,omitempty"`
	// StateTransfer marks writes produced by the transfer engine; they bypass the transfer gate
	StateTransfer bool `json:"state_transfer,omitempty"`
}

// StateTransferWrite returns the options for applying a received entry: no replication, no
// persistence write, no locking, no ownership check, local only.
func StateTransferWrite() Options {
	return Options{
		SkipReplication:    true,
		SkipPersistence:    true,
		SkipLocking:        true,
		SkipOwnershipCheck: true,
		LocalOnly:          true,
		StateTransfer:      true,
	}
}

// SegmentInvalidation returns the options for dropping entries of a lost segment
func SegmentInvalidation(skipPersistence bool) Options {
	return Options{
		SkipReplication:    true,
		SkipPersistence:    skipPersistence,
		SkipLocking:        true,
		SkipOwnershipCheck: true,
		LocalOnly:          true,
		StateTransfer:      true,
	}
}

// Command is a single operation on a cache. Timestamp is the write time in Unix nanoseconds, 0 meaning
// the time of local application. TopologyID is the topology the command was routed under and stays 0
// until stamped. Origin is the issuing member and is empty for local commands.
type Command struct {
	Type          Type                     `json:"type"`
	Key           string                   `json:"key,omitempty"`
	Value         []byte                   `json:"value,omitempty"`
	Timestamp     int64                    `json:"timestamp,omitempty"`
	Transaction   *model.GlobalTransaction `json:"transaction,omitempty"`
	Modifications []model.Modification     `json:"modifications,omitempty"`
	Options       Options                  `json:"options"`
	TopologyID    int                      `json:"topology_id"`
	Origin        model.Address            `json:"origin,omitempty"`
}

// NewPut creates a put command
func NewPut(key string, value []byte) *Command {
	return &Command{Type: TypePut, Key: key, Value: value}
}

// NewPutIfAbsent creates a conditional put command
func NewPutIfAbsent(key string, value []byte, opts Options) *Command {
	return &Command{Type: TypePutIfAbsent, Key: key, Value: value, Options: opts}
}

// NewRemove creates a remove command
func NewRemove(key string) *Command {
	return &Command{Type: TypeRemove, Key: key}
}

// NewInvalidate creates an invalidation of a single key
func NewInvalidate(key string, opts Options) *Command {
	return &Command{Type: TypeInvalidate, Key: key, Options: opts}
}

// NewGet creates a read command
func NewGet(key string) *Command {
	return &Command{Type: TypeGet, Key: key}
}

// IsWrite reports whether the command modifies data
func (c *Command) IsWrite() bool {
	switch c.Type {
	case TypePut, TypePutIfAbsent, TypeRemove, TypeInvalidate:
		return true
	default:
		return false
	}
}

// IsTransactionBoundary reports whether the command is a prepare, commit or rollback
func (c *Command) IsTransactionBoundary() bool {
	switch c.Type {
	case TypePrepare, TypeCommit, TypeRollback:
		return true
	default:
		return false
	}
}

// IsRemote reports whether the command arrived from another node
func (c *Command) IsRemote() bool {
	return c.Origin != ""
}

// AffectedKeys returns the keys the command writes
func (c *Command) AffectedKeys() []string {
	if c.IsTransactionBoundary() {
		keys := make([]string, 0, len(c.Modifications))
		seen := make(map[string]struct{}, len(c.Modifications))
		for _, m := range c.Modifications {
			if _, ok := seen[m.Key]; !ok {
				seen[m.Key] = struct{}{}
				keys = append(keys, m.Key)
			}
		}
		return keys
	}
	if c.Key == "" {
		return nil
	}
	return []string{c.Key}
}

// Clone returns a shallow copy that can be re-routed without touching the original
func (c *Command) Clone() *Command {
	cp := *c
	return &cp
}

func (c *Command) String() string {
	if c.Transaction != nil {
		return fmt.Sprintf("%s[%s tx=%s topology=%d]", c.Type, c.Key, c.Transaction, c.TopologyID)
	}
	return fmt.Sprintf("%s[%s topology=%d]", c.Type, c.Key, c.TopologyID)
}

// Invoker runs a command through a pipeline and returns its result
type Invoker interface {
	Invoke(ctx context.Context, cmd *Command) (any, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, cmd *Command) (any, error)

// Invoke calls f
func (f InvokerFunc) Invoke(ctx context.Context, cmd *Command) (any, error) {
	return f(ctx, cmd)
}

// Interceptor is one stage of the pipeline. It may act before and after calling next.
type Interceptor interface {
	Handle(ctx context.Context, cmd *Command, next Invoker) (any, error)
}

// Chain builds an Invoker that runs cmd through interceptors in order, ending at terminal
func Chain(terminal Invoker, interceptors ...Interceptor) Invoker {
	next := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		next = link(interceptors[i], next)
	}
	return next
}

func link(ic Interceptor, next Invoker) Invoker {
	return InvokerFunc(func(ctx context.Context, cmd *Command) (any, error) {
		return ic.Handle(ctx, cmd, next)
	})
}
