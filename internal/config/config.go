package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache modes
const (
	ModeDistributed  = "distributed"
	ModeInvalidation = "invalidation"
)

// Persistence types
const (
	PersistenceNone     = "none"
	PersistenceMemory   = "memory"
	PersistenceRedis    = "redis"
	PersistencePostgres = "postgres"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID           string        `yaml:"node_id"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	AdvertiseAddress string        `yaml:"advertise_address"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig holds the distributed cache configuration
type CacheConfig struct {
	Name          string        `yaml:"name"`
	Mode          string        `yaml:"mode"`
	NumSegments   int           `yaml:"num_segments"`
	NumOwners     int           `yaml:"num_owners"`
	Transactional bool          `yaml:"transactional"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// StateTransferConfig holds state transfer configuration
type StateTransferConfig struct {
	FetchInMemoryState   *bool         `yaml:"fetch_in_memory_state"`
	FetchPersistentState bool          `yaml:"fetch_persistent_state"`
	ChunkSize            int           `yaml:"chunk_size"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxChunksPerSecond   float64       `yaml:"max_chunks_per_second"`
	Workers              int           `yaml:"workers"`
	QueueSize            int           `yaml:"queue_size"`
	SourcePolicy         string        `yaml:"source_policy"`
}

// FetchInMemory reports whether newly owned segments are pulled from other members. Defaults to true.
func (c StateTransferConfig) FetchInMemory() bool {
	return c.FetchInMemoryState == nil || *c.FetchInMemoryState
}

// RedisConfig holds Redis persistence configuration
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL persistence configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	Table    string `yaml:"table"`
}

// PersistenceConfig holds persistence store configuration
type PersistenceConfig struct {
	Type     string         `yaml:"type"`
	Shared   bool           `yaml:"shared"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	VirtualNodes   int           `yaml:"virtual_nodes"`
}

// AdminConfig holds the admin HTTP server configuration
type AdminConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	Port                    int           `yaml:"port"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval"`
	FailedTransferThreshold int           `yaml:"failed_transfer_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a grid node
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Cache         CacheConfig         `yaml:"cache"`
	StateTransfer StateTransferConfig `yaml:"state_transfer"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Gossip        GossipConfig        `yaml:"gossip"`
	Admin         AdminConfig         `yaml:"admin"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LoadConfig loads configuration from a file, then applies GRID_* environment overrides
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig(nodeID string) *Config {
	cfg := &Config{Server: ServerConfig{NodeID: nodeID}}
	setDefaults(cfg)
	return cfg
}

// RPCAddress returns the address other members use to reach this node
func (c *Config) RPCAddress() string {
	if c.Server.AdvertiseAddress != "" {
		return c.Server.AdvertiseAddress
	}
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "default"
	}
	if cfg.Cache.Mode == "" {
		cfg.Cache.Mode = ModeDistributed
	}
	if cfg.Cache.NumSegments == 0 {
		cfg.Cache.NumSegments = 256
	}
	if cfg.Cache.NumOwners == 0 {
		cfg.Cache.NumOwners = 2
	}
	if cfg.Cache.RemoteTimeout == 0 {
		cfg.Cache.RemoteTimeout = 15 * time.Second
	}

	if cfg.StateTransfer.ChunkSize == 0 {
		cfg.StateTransfer.ChunkSize = 512
	}
	if cfg.StateTransfer.Timeout == 0 {
		cfg.StateTransfer.Timeout = 4 * time.Minute
	}
	if cfg.StateTransfer.Workers == 0 {
		cfg.StateTransfer.Workers = 8
	}
	if cfg.StateTransfer.QueueSize == 0 {
		cfg.StateTransfer.QueueSize = 256
	}
	if cfg.StateTransfer.SourcePolicy == "" {
		cfg.StateTransfer.SourcePolicy = "last"
	}

	if cfg.Persistence.Type == "" {
		cfg.Persistence.Type = PersistenceNone
	}
	if cfg.Persistence.Redis.Port == 0 {
		cfg.Persistence.Redis.Port = 6379
	}
	if cfg.Persistence.Redis.KeyPrefix == "" {
		cfg.Persistence.Redis.KeyPrefix = "grid:" + cfg.Cache.Name + ":"
	}
	if cfg.Persistence.Postgres.Port == 0 {
		cfg.Persistence.Postgres.Port = 5432
	}
	if cfg.Persistence.Postgres.MaxConns == 0 {
		cfg.Persistence.Postgres.MaxConns = 10
	}
	if cfg.Persistence.Postgres.MinConns == 0 {
		cfg.Persistence.Postgres.MinConns = 1
	}
	if cfg.Persistence.Postgres.Table == "" {
		cfg.Persistence.Postgres.Table = "cache_entries"
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.PingTimeout == 0 {
		cfg.Gossip.PingTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.PingInterval == 0 {
		cfg.Gossip.PingInterval = time.Second
	}
	if cfg.Gossip.VirtualNodes == 0 {
		cfg.Gossip.VirtualNodes = 64
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.HealthCheckInterval == 0 {
		cfg.Admin.HealthCheckInterval = 10 * time.Second
	}
	if cfg.Admin.FailedTransferThreshold == 0 {
		cfg.Admin.FailedTransferThreshold = 3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Cache.Mode != ModeDistributed && c.Cache.Mode != ModeInvalidation {
		return fmt.Errorf("cache.mode must be %q or %q", ModeDistributed, ModeInvalidation)
	}
	if c.Cache.NumSegments < 1 {
		return fmt.Errorf("cache.num_segments must be positive")
	}
	if c.Cache.NumOwners < 1 {
		return fmt.Errorf("cache.num_owners must be positive")
	}
	if c.StateTransfer.ChunkSize < 1 {
		return fmt.Errorf("state_transfer.chunk_size must be positive")
	}
	if c.StateTransfer.Workers < 1 {
		return fmt.Errorf("state_transfer.workers must be positive")
	}
	if c.StateTransfer.SourcePolicy != "last" && c.StateTransfer.SourcePolicy != "first" {
		return fmt.Errorf("state_transfer.source_policy must be \"last\" or \"first\"")
	}
	if c.StateTransfer.MaxChunksPerSecond < 0 {
		return fmt.Errorf("state_transfer.max_chunks_per_second must not be negative")
	}
	switch c.Persistence.Type {
	case PersistenceNone:
		if c.Persistence.Shared {
			return fmt.Errorf("persistence.shared requires a persistence type")
		}
	case PersistenceMemory, PersistenceRedis, PersistencePostgres:
	default:
		return fmt.Errorf("unknown persistence.type %q", c.Persistence.Type)
	}
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("admin.port must be between 1 and 65535")
	}
	return nil
}
