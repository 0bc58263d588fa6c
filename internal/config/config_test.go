package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestDefaultsValidateForZeroconf(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendZeroconf
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zeroconf defaults invalid: %v", err)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
name: lab-a
addr: 10.0.0.7
port: 11311
backend: heartbeat
advertise_period: 500ms
peer_timeout: 4s
multicast:
  group: "226.1.2.3:11511"
  ttl: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "lab-a" || cfg.Addr != "10.0.0.7" {
		t.Errorf("identity not loaded: %+v", cfg)
	}
	if cfg.AdvertisePeriod.Std() != 500*time.Millisecond {
		t.Errorf("advertise_period = %s, want 500ms", cfg.AdvertisePeriod.Std())
	}
	if cfg.PeerTimeout.Std() != 4*time.Second {
		t.Errorf("peer_timeout = %s, want 4s", cfg.PeerTimeout.Std())
	}
	if cfg.Multicast.Group != "226.1.2.3:11511" || cfg.Multicast.TTL != 2 {
		t.Errorf("multicast not loaded: %+v", cfg.Multicast)
	}
	// Untouched fields keep defaults.
	if cfg.HTTPAddr != ":8642" {
		t.Errorf("http_addr = %q, want default", cfg.HTTPAddr)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "nonsense_field: true\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load err = %v, want ErrInvalid", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "advertise_period: banana\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted malformed duration")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "name: from-file\npeer_timeout: 30s\n")
	t.Setenv("MESHMASTER_NAME", "from-env")
	t.Setenv("MESHMASTER_PEER_TIMEOUT", "12s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("Name = %q, want env override", cfg.Name)
	}
	if cfg.PeerTimeout.Std() != 12*time.Second {
		t.Errorf("PeerTimeout = %s, want 12s", cfg.PeerTimeout.Std())
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"port range", func(c *Config) { c.Port = 0 }},
		{"zero period", func(c *Config) { c.AdvertisePeriod = 0 }},
		{"timeout below period", func(c *Config) {
			c.AdvertisePeriod = Duration(5 * time.Second)
			c.PeerTimeout = Duration(2 * time.Second)
		}},
		{"unknown backend", func(c *Config) { c.Backend = "carrier-pigeon" }},
		{"zeroconf zero browse interval", func(c *Config) {
			c.Backend = BackendZeroconf
			c.Zeroconf.BrowseInterval = 0
		}},
		{"zeroconf timeout below browse interval", func(c *Config) {
			c.Backend = BackendZeroconf
			c.Zeroconf.BrowseInterval = Duration(6 * time.Second)
		}},
		{"etcd without endpoints", func(c *Config) { c.Backend = BackendEtcd }},
		{"negative buffer", func(c *Config) { c.EventBuffer = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestMissingFileIsInvalid(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load err = %v, want ErrInvalid", err)
	}
}
