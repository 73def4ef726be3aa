package config

import (
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "GRID"

// applyEnvironmentOverrides applies GRID_<SECTION>_<FIELD> environment variables on top of the file
// configuration, e.g. GRID_SERVER_NODE_ID or GRID_STATE_TRANSFER_CHUNK_SIZE.
func applyEnvironmentOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	// Server configuration
	str("server.node_id", &cfg.Server.NodeID)
	str("server.host", &cfg.Server.Host)
	num("server.port", &cfg.Server.Port)
	str("server.advertise_address", &cfg.Server.AdvertiseAddress)

	// Cache configuration
	str("cache.name", &cfg.Cache.Name)
	str("cache.mode", &cfg.Cache.Mode)
	num("cache.num_segments", &cfg.Cache.NumSegments)
	num("cache.num_owners", &cfg.Cache.NumOwners)
	flag("cache.transactional", &cfg.Cache.Transactional)

	// State transfer configuration
	if v.IsSet("state_transfer.fetch_in_memory_state") {
		fetch := v.GetBool("state_transfer.fetch_in_memory_state")
		cfg.StateTransfer.FetchInMemoryState = &fetch
	}
	flag("state_transfer.fetch_persistent_state", &cfg.StateTransfer.FetchPersistentState)
	num("state_transfer.chunk_size", &cfg.StateTransfer.ChunkSize)
	if v.IsSet("state_transfer.timeout") {
		cfg.StateTransfer.Timeout = v.GetDuration("state_transfer.timeout")
	}
	if v.IsSet("state_transfer.max_chunks_per_second") {
		cfg.StateTransfer.MaxChunksPerSecond = v.GetFloat64("state_transfer.max_chunks_per_second")
	}
	num("state_transfer.workers", &cfg.StateTransfer.Workers)

	// Persistence configuration
	str("persistence.type", &cfg.Persistence.Type)
	flag("persistence.shared", &cfg.Persistence.Shared)
	str("persistence.redis.host", &cfg.Persistence.Redis.Host)
	num("persistence.redis.port", &cfg.Persistence.Redis.Port)
	str("persistence.redis.password", &cfg.Persistence.Redis.Password)
	str("persistence.postgres.host", &cfg.Persistence.Postgres.Host)
	num("persistence.postgres.port", &cfg.Persistence.Postgres.Port)
	str("persistence.postgres.database", &cfg.Persistence.Postgres.Database)
	str("persistence.postgres.user", &cfg.Persistence.Postgres.User)
	str("persistence.postgres.password", &cfg.Persistence.Postgres.Password)

	// Gossip configuration
	flag("gossip.enabled", &cfg.Gossip.Enabled)
	num("gossip.bind_port", &cfg.Gossip.BindPort)
	if v.IsSet("gossip.seed_nodes") {
		cfg.Gossip.SeedNodes = strings.Split(v.GetString("gossip.seed_nodes"), ",")
	}

	// Admin and logging configuration
	flag("admin.enabled", &cfg.Admin.Enabled)
	num("admin.port", &cfg.Admin.Port)
	if v.IsSet("admin.health_check_interval") {
		cfg.Admin.HealthCheckInterval = v.GetDuration("admin.health_check_interval")
	}
	num("admin.failed_transfer_threshold", &cfg.Admin.FailedTransferThreshold)
	str("logging.level", &cfg.Logging.Level)
	str("logging.format", &cfg.Logging.Format)
}
