// Package cache implements a clustered key-value cache on top of the state transfer engine.
package cache

import (
	"time"

	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/devrev/pairdb/datagrid/internal/statetransfer"
)

// Config holds the settings of one cache on one member
type Config struct {
	Name          string
	Mode          string
	NumSegments   int
	NumOwners     int
	Transactional bool
	RemoteTimeout time.Duration

	FetchInMemoryState   bool
	FetchPersistentState bool
	SharedPersistence    bool
	ChunkSize            int
	TransferTimeout      time.Duration
	MaxChunksPerSecond   float64
	Workers              int
	QueueSize            int
	SourcePolicy         string
	ShutdownTimeout      time.Duration
}

// FromConfig extracts the cache settings from a node configuration
func FromConfig(cfg *config.Config) Config {
	return Config{
		Name:                 cfg.Cache.Name,
		Mode:                 cfg.Cache.Mode,
		NumSegments:          cfg.Cache.NumSegments,
		NumOwners:            cfg.Cache.NumOwners,
		Transactional:        cfg.Cache.Transactional,
		RemoteTimeout:        cfg.Cache.RemoteTimeout,
		FetchInMemoryState:   cfg.StateTransfer.FetchInMemory(),
		FetchPersistentState: cfg.StateTransfer.FetchPersistentState,
		SharedPersistence:    cfg.Persistence.Shared,
		ChunkSize:            cfg.StateTransfer.ChunkSize,
		TransferTimeout:      cfg.StateTransfer.Timeout,
		MaxChunksPerSecond:   cfg.StateTransfer.MaxChunksPerSecond,
		Workers:              cfg.StateTransfer.Workers,
		QueueSize:            cfg.StateTransfer.QueueSize,
		SourcePolicy:         cfg.StateTransfer.SourcePolicy,
		ShutdownTimeout:      cfg.Server.ShutdownTimeout,
	}
}

func (c Config) invalidation() bool {
	return c.Mode == config.ModeInvalidation
}

func (c Config) remoteTimeout() time.Duration {
	if c.RemoteTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RemoteTimeout
}

func (c Config) stateTransfer() statetransfer.Config {
	timeout := c.TransferTimeout
	if timeout <= 0 {
		timeout = c.remoteTimeout()
	}
	return statetransfer.Config{
		CacheName:            c.Name,
		NumSegments:          c.NumSegments,
		NumOwners:            c.NumOwners,
		Invalidation:         c.invalidation(),
		FetchInMemoryState:   c.FetchInMemoryState,
		FetchPersistentState: c.FetchPersistentState,
		SharedPersistence:    c.SharedPersistence,
		ChunkSize:            c.ChunkSize,
		Timeout:              timeout,
		MaxChunksPerSecond:   c.MaxChunksPerSecond,
		Workers:              c.Workers,
		QueueSize:            c.QueueSize,
		Policy:               statetransfer.PolicyByName(c.SourcePolicy),
		ShutdownTimeout:      c.ShutdownTimeout,
	}
}
