package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/cluster"
	"github.com/devrev/pairdb/datagrid/internal/command"
	"github.com/devrev/pairdb/datagrid/internal/container"
	grerrors "github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/statetransfer"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/transport"
	"github.com/devrev/pairdb/datagrid/internal/txn"
	"go.uber.org/zap"
)

// Deps are the collaborators of a cache. Persistence and Metrics may be nil.
type Deps struct {
	RPC         transport.RPCManager
	Notifier    cluster.TopologyNotifier
	Persistence store.Store
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Cache is one member's view of a clustered cache. Every operation runs through the pipeline
// transfer gate -> locking -> distribution -> local application.
type Cache struct {
	cfg         Config
	self        model.Address
	rpc         transport.RPCManager
	dc          *container.DataContainer
	persistence store.Store
	txTable     *txn.Table
	lockTable   *txn.LockTable
	manager     *statetransfer.Manager
	pipeline    command.Invoker
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New creates the cache and registers its command handler on the transport
func New(cfg Config, deps Deps) (*Cache, error) {
	if cfg.Name == "" {
		return nil, grerrors.InvalidArgument("cache name is required", nil)
	}
	if deps.RPC == nil {
		return nil, grerrors.InvalidArgument(fmt.Sprintf("cache %s needs a transport", cfg.Name), nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	self := deps.RPC.Address()
	c := &Cache{
		cfg:         cfg,
		self:        self,
		rpc:         deps.RPC,
		dc:          container.NewDataContainer(),
		persistence: deps.Persistence,
		txTable:     txn.NewTable(self),
		lockTable:   txn.NewLockTable(),
		logger:      deps.Logger.With(zap.String("cache", cfg.Name), zap.String("node", self.String())),
		metrics:     deps.Metrics,
	}

	stCfg := cfg.stateTransfer()
	stCfg.Self = self
	manager, err := statetransfer.New(stCfg, statetransfer.Deps{
		RPC:         deps.RPC,
		Notifier:    deps.Notifier,
		Container:   c.dc,
		Persistence: deps.Persistence,
		TxTable:     c.txTable,
		LockTable:   c.lockTable,
		Invoker: command.InvokerFunc(func(ctx context.Context, cmd *command.Command) (any, error) {
			return c.pipeline.Invoke(ctx, cmd)
		}),
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state transfer for cache %s: %w", cfg.Name, err)
	}
	c.manager = manager
	c.pipeline = command.Chain(callInvoker{c: c},
		manager.Interceptor(),
		lockingInterceptor{c: c},
		distributionInterceptor{c: c},
	)

	deps.RPC.Dispatcher().Register(cfg.Name, command.RemoteKind, c.handleRemoteCommand)
	return c, nil
}

// Start joins the cluster; it returns once the first topology is installed
func (c *Cache) Start(ctx context.Context) error {
	c.logger.Info("Starting cache",
		zap.String("mode", c.cfg.Mode),
		zap.Int("num_segments", c.cfg.NumSegments),
		zap.Int("num_owners", c.cfg.NumOwners))
	return c.manager.Start(ctx)
}

// Stop leaves the cluster gracefully and stops answering commands
func (c *Cache) Stop(ctx context.Context) error {
	err := c.manager.Stop(ctx)
	c.rpc.Dispatcher().Unregister(c.cfg.Name)
	c.logger.Info("Cache stopped")
	return err
}

func (c *Cache) Name() string {
	return c.cfg.Name
}

func (c *Cache) Address() model.Address {
	return c.self
}

// Manager exposes the state transfer engine
func (c *Cache) Manager() *statetransfer.Manager {
	return c.manager
}

// Container exposes the member's in-memory entries
func (c *Cache) Container() *container.DataContainer {
	return c.dc
}

// IsOwner reports whether this member owns key under the installed topology
func (c *Cache) IsOwner(key string) bool {
	_, ch := c.manager.CurrentTopology()
	return ch != nil && ch.IsKeyOwner(c.self, key)
}

// Put stores value under key on every owner
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	cmd := command.NewPut(key, value)
	cmd.Timestamp = time.Now().UnixNano()
	_, err := c.invoke(ctx, cmd)
	return err
}

// PutIfAbsent stores value only when key has no entry and reports whether it did
func (c *Cache) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	cmd := command.NewPutIfAbsent(key, value, command.Options{})
	cmd.Timestamp = time.Now().UnixNano()
	result, err := c.invoke(ctx, cmd)
	if err != nil {
		return false, err
	}
	return asBool(result), nil
}

// Remove deletes key on every owner and reports whether an entry existed
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	result, err := c.invoke(ctx, command.NewRemove(key))
	if err != nil {
		return false, err
	}
	return asBool(result), nil
}

// Get returns the value of key. Owners read locally; other members ask the owners in order.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_, ch := c.manager.CurrentTopology()
	if ch == nil {
		return nil, false, grerrors.NoTopology(c.cfg.Name)
	}

	start := time.Now()
	entry, err := c.get(ctx, ch, key)
	c.metrics.RecordCommand(string(command.TypeGet), err, time.Since(start).Seconds())
	if err != nil || entry == nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (c *Cache) get(ctx context.Context, ch hash.ConsistentHash, key string) (*model.Entry, error) {
	if c.cfg.invalidation() || ch.IsKeyOwner(c.self, key) {
		result, err := c.pipeline.Invoke(ctx, command.NewGet(key))
		if err != nil {
			return nil, err
		}
		entry, _ := result.(*model.Entry)
		// a segment still arriving may be missing here, its previous owners still have it
		if entry != nil || c.cfg.invalidation() || !c.manager.IsStateTransferInProgressForKey(key) {
			return entry, nil
		}
	}

	var lastErr error
	answered := false
	for _, owner := range ch.LocateOwners(key) {
		if owner == c.self {
			continue
		}
		resp, err := transport.InvokeOne(ctx, c.rpc, owner, c.cfg.Name, command.RemoteKind, command.NewGet(key), c.cfg.remoteTimeout())
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccessful() {
			lastErr = resp.Error()
			continue
		}
		answered = true
		var entry *model.Entry
		if err := resp.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode entry for %s from %s: %w", key, owner, err)
		}
		if entry != nil {
			return entry, nil
		}
	}
	if !answered && lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// invoke runs a locally issued write through the pipeline
func (c *Cache) invoke(ctx context.Context, cmd *command.Command) (any, error) {
	if _, ch := c.manager.CurrentTopology(); ch == nil {
		return nil, grerrors.NoTopology(c.cfg.Name)
	}
	start := time.Now()
	result, err := c.pipeline.Invoke(ctx, cmd)
	c.metrics.RecordCommand(string(cmd.Type), err, time.Since(start).Seconds())
	return result, err
}

// handleRemoteCommand runs a command issued by another member
func (c *Cache) handleRemoteCommand(ctx context.Context, origin model.Address, body json.RawMessage) (any, error) {
	var cmd command.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, grerrors.InvalidArgument("malformed command", err)
	}
	cmd.Origin = origin
	return c.pipeline.Invoke(ctx, &cmd)
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// KeyStatus describes where a key lives under the installed topology
type KeyStatus struct {
	Key        string   `json:"key"`
	Segment    int      `json:"segment"`
	Owners     []string `json:"owners"`
	Owned      bool     `json:"owned"`
	InMemory   bool     `json:"in_memory"`
	InProgress bool     `json:"transfer_in_progress"`
	TopologyID int      `json:"topology_id"`
}

// KeyStatus reports the segment, owners and local presence of key
func (c *Cache) KeyStatus(key string) (KeyStatus, error) {
	id, ch := c.manager.CurrentTopology()
	if ch == nil {
		return KeyStatus{}, grerrors.NoTopology(c.cfg.Name)
	}
	owners := make([]string, 0, c.cfg.NumOwners)
	for _, o := range ch.LocateOwners(key) {
		owners = append(owners, o.String())
	}
	return KeyStatus{
		Key:        key,
		Segment:    ch.Segment(key),
		Owners:     owners,
		Owned:      ch.IsKeyOwner(c.self, key),
		InMemory:   c.dc.Contains(key),
		InProgress: c.manager.IsStateTransferInProgressForKey(key),
		TopologyID: id,
	}, nil
}

// Status returns the state transfer status of this member
func (c *Cache) Status() statetransfer.Status {
	return c.manager.Status()
}

// IsReady reports whether the member installed its first topology
func (c *Cache) IsReady() bool {
	return c.manager.IsJoinComplete()
}
