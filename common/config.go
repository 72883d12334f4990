package common

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// ServerAddress represents a network address of a raft server (hostname:port)
type ServerAddress string

type Server struct {
	ID         uuid.UUID     `yaml:"id"`
	NetAddress ServerAddress `yaml:"address"`
}

// ClusterConfig specifies configuration information related to a
// raft cluster. This includes tunable properties of the Raft
// protocol itself such as different timeouts.
type ClusterConfig struct {
	Cluster          []Server
	HeartBeatTimeout time.Duration
	ElectionTimeout  time.Duration

	PreVoting        bool
	RefuseToBeLeader bool
	// CatchupBatchSize bounds the number of entries shipped in one append request.
	CatchupBatchSize        int
	InFlightCacheMaxEntries int
	LeaderLockTokenTimeout  time.Duration
}

// Members returns the ids of every server in the cluster.
func (c ClusterConfig) Members() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Cluster))
	for _, server := range c.Cluster {
		ids = append(ids, server.ID)
	}
	return ids
}

// Lookup finds the server entry with the given id.
func (c ClusterConfig) Lookup(id uuid.UUID) (Server, bool) {
	for _, server := range c.Cluster {
		if server.ID == id {
			return server, true
		}
	}
	return Server{}, false
}

const (
	DefaultCatchupBatchSize        = 64
	DefaultInFlightCacheMaxEntries = 1024
	DefaultLeaderLockTokenTimeout  = 10 * time.Second
)

// Config is the on-disk (YAML) form of a node configuration.
type Config struct {
	Cluster          []Server `yaml:"cluster"`
	HeartbeatTimeout int      `yaml:"heartbeat_timeout"` // In milliseconds
	ElectionTimeout  int      `yaml:"election_timeout"`  // In milliseconds

	PreVoting               bool   `yaml:"pre_voting"`
	RefuseToBeLeader        bool   `yaml:"refuse_to_be_leader"`
	CatchupBatchSize        int    `yaml:"catchup_batch_size,omitempty"`
	InFlightCacheMaxEntries int    `yaml:"in_flight_cache_max_entries,omitempty"`
	LeaderLockTokenTimeout  int    `yaml:"leader_lock_token_timeout,omitempty"` // In milliseconds
	DataDir                 string `yaml:"data_dir,omitempty"`
	LogLevel                string `yaml:"log_level,omitempty"`
	Development             bool   `yaml:"development,omitempty"`

	// Cassandra replaces the local bolt log when Hosts is not empty.
	Cassandra CassandraSettings `yaml:"cassandra,omitempty"`
}

type CassandraSettings struct {
	Hosts    []string `yaml:"hosts,omitempty"`
	Keyspace string   `yaml:"keyspace,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if len(c.Cluster) == 0 {
		return fmt.Errorf("cluster must contain at least one server")
	}
	if c.ElectionTimeout <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive (election=%d, heartbeat=%d)", c.ElectionTimeout, c.HeartbeatTimeout)
	}
	if c.HeartbeatTimeout >= c.ElectionTimeout {
		return fmt.Errorf("heartbeat_timeout (%d) must be smaller than election_timeout (%d)", c.HeartbeatTimeout, c.ElectionTimeout)
	}
	if len(c.Cassandra.Hosts) > 0 && c.Cassandra.Keyspace == "" {
		return fmt.Errorf("cassandra keyspace is required when hosts are set")
	}
	if c.CatchupBatchSize < 0 || c.InFlightCacheMaxEntries < 0 || c.LeaderLockTokenTimeout < 0 {
		return fmt.Errorf("sizes and timeouts must not be negative")
	}

	ids := make(map[uuid.UUID]bool)
	addresses := make(map[ServerAddress]bool)
	for _, server := range c.Cluster {
		if server.ID == uuid.Nil {
			return fmt.Errorf("server %q has no id", server.NetAddress)
		}
		if server.NetAddress == "" {
			return fmt.Errorf("server %v has no address", server.ID)
		}
		if ids[server.ID] {
			return fmt.Errorf("duplicate server id: %v", server.ID)
		}
		if addresses[server.NetAddress] {
			return fmt.Errorf("duplicate server address: %s", server.NetAddress)
		}
		ids[server.ID] = true
		addresses[server.NetAddress] = true
	}
	return nil
}

// ClusterConfig converts the file form into the runtime form, filling defaults.
func (c *Config) ClusterConfig() ClusterConfig {
	cluster := ClusterConfig{
		Cluster:                 c.Cluster,
		ElectionTimeout:         time.Millisecond * time.Duration(c.ElectionTimeout),
		HeartBeatTimeout:        time.Millisecond * time.Duration(c.HeartbeatTimeout),
		PreVoting:               c.PreVoting,
		RefuseToBeLeader:        c.RefuseToBeLeader,
		CatchupBatchSize:        c.CatchupBatchSize,
		InFlightCacheMaxEntries: c.InFlightCacheMaxEntries,
		LeaderLockTokenTimeout:  time.Millisecond * time.Duration(c.LeaderLockTokenTimeout),
	}
	return cluster.WithDefaults()
}

// WithDefaults fills zero-valued tunables.
func (c ClusterConfig) WithDefaults() ClusterConfig {
	if c.CatchupBatchSize == 0 {
		c.CatchupBatchSize = DefaultCatchupBatchSize
	}
	if c.InFlightCacheMaxEntries == 0 {
		c.InFlightCacheMaxEntries = DefaultInFlightCacheMaxEntries
	}
	if c.LeaderLockTokenTimeout == 0 {
		c.LeaderLockTokenTimeout = DefaultLeaderLockTokenTimeout
	}
	return c
}
