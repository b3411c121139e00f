// Package config loads the node configuration: storage location, ports,
// bootstrap peers, replication and TTL tunables, and the per-component
// timeout overrides.
//
// Values are bindable from a config file (YAML/TOML/JSON), environment
// variables prefixed DISTFS_, or flags bound by the CLI, all through viper.
// Bootstrap peers use the /ip4/<host>/udp/<port> multiaddr convention,
// parsed down to the host:port the DHT's plain UDP socket needs.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"

	"github.com/distfs/distfs/pkg/distfserr"
	"github.com/distfs/distfs/pkg/peer"
)

// Defaults for every tunable.
const (
	DefaultChunkSize           = 65536
	DefaultDHTPort             = 8468
	DefaultServePort           = 9000
	DefaultReplicationFactor   = 20
	DefaultTTL                 = time.Hour
	DefaultWireTimeout         = 30 * time.Second
	DefaultRPCTimeout          = 5 * time.Second
	DefaultMaxInflight         = 5
	DefaultMaxServeConcurrency = 64
	DefaultShutdownGrace       = 10 * time.Second
)

// Config is the full set of node tunables.
type Config struct {
	NodeIDFile       string `mapstructure:"node_id_file"`
	StorageDir       string `mapstructure:"storage_dir"`
	ChunkSize        int    `mapstructure:"chunk_size"`
	AdvertiseAddress string `mapstructure:"advertise_address"`
	DHTPort          int    `mapstructure:"dht_port"`
	ServePort        int    `mapstructure:"serve_port"`

	BootstrapPeers    []string      `mapstructure:"bootstrap_peers"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	TTL               time.Duration `mapstructure:"ttl"`

	WireTimeout         time.Duration `mapstructure:"wire_timeout"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout"`
	MaxInflight         int64         `mapstructure:"max_inflight"`
	MaxServeConcurrency int64         `mapstructure:"max_serve_concurrency"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
}

// Default returns the built-in configuration: a node storing under
// ./distfs-data, listening on the default ports, with no bootstrap peers.
func Default() Config {
	return Config{
		NodeIDFile:          "distfs-data/node_id",
		StorageDir:          "distfs-data/chunks",
		ChunkSize:           DefaultChunkSize,
		AdvertiseAddress:    "127.0.0.1",
		DHTPort:             DefaultDHTPort,
		ServePort:           DefaultServePort,
		ReplicationFactor:   DefaultReplicationFactor,
		TTL:                 DefaultTTL,
		WireTimeout:         DefaultWireTimeout,
		RPCTimeout:          DefaultRPCTimeout,
		MaxInflight:         DefaultMaxInflight,
		MaxServeConcurrency: DefaultMaxServeConcurrency,
		ShutdownGrace:       DefaultShutdownGrace,
	}
}

// BindDefaults seeds v with the default value of every key, so flag and env
// bindings layer on top of a complete base.
func BindDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("node_id_file", d.NodeIDFile)
	v.SetDefault("storage_dir", d.StorageDir)
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("advertise_address", d.AdvertiseAddress)
	v.SetDefault("dht_port", d.DHTPort)
	v.SetDefault("serve_port", d.ServePort)
	v.SetDefault("bootstrap_peers", []string{})
	v.SetDefault("replication_factor", d.ReplicationFactor)
	v.SetDefault("ttl", d.TTL)
	v.SetDefault("wire_timeout", d.WireTimeout)
	v.SetDefault("rpc_timeout", d.RPCTimeout)
	v.SetDefault("max_inflight", d.MaxInflight)
	v.SetDefault("max_serve_concurrency", d.MaxServeConcurrency)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
}

// Load reads configuration from v, optionally merging the config file at
// path first, and validates the result.
func Load(v *viper.Viper, path string) (Config, error) {
	BindDefaults(v)
	v.SetEnvPrefix("DISTFS")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config file %s: %v", distfserr.ErrConfig, path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %v", distfserr.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the engine assumes.
func (c Config) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("%w: storage_dir must be set", distfserr.ErrConfig)
	}
	if c.NodeIDFile == "" {
		return fmt.Errorf("%w: node_id_file must be set", distfserr.ErrConfig)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", distfserr.ErrConfig, c.ChunkSize)
	}
	if c.DHTPort < 0 || c.DHTPort > 65535 || c.ServePort < 0 || c.ServePort > 65535 {
		return fmt.Errorf("%w: ports must be in [0, 65535]", distfserr.ErrConfig)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("%w: replication_factor must be at least 1, got %d", distfserr.ErrConfig, c.ReplicationFactor)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive, got %s", distfserr.ErrConfig, c.TTL)
	}
	if _, err := c.BootstrapHandles(); err != nil {
		return err
	}
	return nil
}

// BootstrapHandles parses bootstrap_peers into dialable peer handles. Each
// entry is either a /ip4 (or /ip6, /dns4, /dns6) multiaddr with a /udp
// component, or a plain host:port. Node ids are learned from the peers'
// first replies, not configured.
func (c Config) BootstrapHandles() ([]peer.Handle, error) {
	out := make([]peer.Handle, 0, len(c.BootstrapPeers))
	for _, s := range c.BootstrapPeers {
		h, err := parseBootstrapPeer(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bootstrap peer %q: %v", distfserr.ErrConfig, s, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func parseBootstrapPeer(s string) (peer.Handle, error) {
	if len(s) > 0 && s[0] == '/' {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return peer.Handle{}, err
		}
		host := ""
		for _, p := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS4, multiaddr.P_DNS6} {
			if v, err := ma.ValueForProtocol(p); err == nil {
				host = v
				break
			}
		}
		if host == "" {
			return peer.Handle{}, fmt.Errorf("no ip4/ip6/dns component")
		}
		portStr, err := ma.ValueForProtocol(multiaddr.P_UDP)
		if err != nil {
			return peer.Handle{}, fmt.Errorf("no udp component")
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return peer.Handle{}, err
		}
		return peer.Handle{Address: host, Port: port}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return peer.Handle{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return peer.Handle{}, err
	}
	return peer.Handle{Address: host, Port: port}, nil
}
