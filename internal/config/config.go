// Package config loads daemon configuration from an optional YAML file
// with environment-variable overrides (MESHMASTER_* wins over the file,
// the file wins over defaults).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure so callers can map any config
// problem to the configuration-error exit code.
var ErrInvalid = errors.New("invalid configuration")

// Duration parses YAML durations in Go syntax ("500ms", "5s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backend selects the discovery mechanism.
const (
	BackendHeartbeat = "heartbeat"
	BackendZeroconf  = "zeroconf"
	BackendEtcd      = "etcd"
)

type Multicast struct {
	Group     string `yaml:"group"`
	Interface string `yaml:"interface"`
	TTL       int    `yaml:"ttl"`
	Loopback  bool   `yaml:"loopback"`
}

type Etcd struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Duration `yaml:"dial_timeout"`
	LeaseTTL    int64    `yaml:"lease_ttl"`
}

type Zeroconf struct {
	Service        string   `yaml:"service"`
	Domain         string   `yaml:"domain"`
	BrowseInterval Duration `yaml:"browse_interval"`
}

type Config struct {
	// Name labels this master in advertisements; defaults to the hostname.
	Name string `yaml:"name"`
	// Addr and Port are where the local coordination-server is reachable.
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`

	// HTTPAddr is the query service listen address.
	HTTPAddr string `yaml:"http_addr"`

	Backend string `yaml:"backend"`

	AdvertisePeriod Duration `yaml:"advertise_period"`
	PeerTimeout     Duration `yaml:"peer_timeout"`
	SweepInterval   Duration `yaml:"sweep_interval"`

	// EmitOnRefresh publishes Updated for timestamp-only refreshes.
	EmitOnRefresh bool `yaml:"emit_on_refresh"`
	// PreferSourceAddr keys peers by datagram source address instead of
	// the payload-embedded address.
	PreferSourceAddr bool `yaml:"prefer_source_addr"`

	// EventBuffer is the per-subscriber pending-event capacity.
	EventBuffer int `yaml:"event_buffer"`

	Multicast Multicast `yaml:"multicast"`
	Etcd      Etcd      `yaml:"etcd"`
	Zeroconf  Zeroconf  `yaml:"zeroconf"`
}

func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "master"
	}
	return Config{
		Name:            host,
		Addr:            "127.0.0.1",
		Port:            11311,
		HTTPAddr:        ":8642",
		Backend:         BackendHeartbeat,
		AdvertisePeriod: Duration(time.Second),
		PeerTimeout:     Duration(5 * time.Second),
		EventBuffer:     64,
		Multicast: Multicast{
			Group:    "226.0.0.0:11511",
			TTL:      16,
			Loopback: true,
		},
		Etcd: Etcd{
			DialTimeout: Duration(5 * time.Second),
			LeaseTTL:    10,
		},
		Zeroconf: Zeroconf{
			Service:        "_meshmaster._udp",
			Domain:         "local",
			BrowseInterval: Duration(3 * time.Second),
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MESHMASTER_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("MESHMASTER_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("MESHMASTER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MESHMASTER_PORT: %v", ErrInvalid, err)
		}
		c.Port = n
	}
	if v := os.Getenv("MESHMASTER_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("MESHMASTER_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("MESHMASTER_ADVERTISE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: MESHMASTER_ADVERTISE_PERIOD: %v", ErrInvalid, err)
		}
		c.AdvertisePeriod = Duration(d)
	}
	if v := os.Getenv("MESHMASTER_PEER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: MESHMASTER_PEER_TIMEOUT: %v", ErrInvalid, err)
		}
		c.PeerTimeout = Duration(d)
	}
	if v := os.Getenv("MESHMASTER_MCAST_GROUP"); v != "" {
		c.Multicast.Group = v
	}
	if v := os.Getenv("MESHMASTER_MCAST_INTERFACE"); v != "" {
		c.Multicast.Interface = v
	}
	if v := os.Getenv("MESHMASTER_ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = strings.Split(v, ",")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr required", ErrInvalid)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.AdvertisePeriod.Std() <= 0 {
		return fmt.Errorf("%w: advertise_period must be positive", ErrInvalid)
	}
	if c.PeerTimeout.Std() <= c.AdvertisePeriod.Std() {
		return fmt.Errorf("%w: peer_timeout %s must exceed advertise_period %s",
			ErrInvalid, c.PeerTimeout.Std(), c.AdvertisePeriod.Std())
	}
	if c.SweepInterval.Std() < 0 {
		return fmt.Errorf("%w: sweep_interval must not be negative", ErrInvalid)
	}
	switch c.Backend {
	case BackendHeartbeat:
	case BackendZeroconf:
		if c.Zeroconf.BrowseInterval.Std() <= 0 {
			return fmt.Errorf("%w: zeroconf browse_interval must be positive", ErrInvalid)
		}
		if c.PeerTimeout.Std() <= c.Zeroconf.BrowseInterval.Std() {
			return fmt.Errorf("%w: peer_timeout %s must exceed zeroconf browse_interval %s",
				ErrInvalid, c.PeerTimeout.Std(), c.Zeroconf.BrowseInterval.Std())
		}
	case BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: etcd backend needs endpoints", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("%w: event_buffer must not be negative", ErrInvalid)
	}
	return nil
}
