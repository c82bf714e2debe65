// Package config loads a kepler-host's TOML configuration file, with a
// KEPLER_-prefixed environment overlay for values operators typically
// inject from deployment secrets rather than checked-in files.
package config

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config is the on-disk TOML shape.
type Config struct {
	ListenAddr   string         `toml:"listen_addr"`
	StaticSecret string         `toml:"static_secret"` // path to a PEM file, or inline base64url
	Database     DatabaseConfig `toml:"database"`
	Block        BlockConfig    `toml:"block"`
	Staging      StagingConfig  `toml:"staging"`
	Orbit        OrbitConfig    `toml:"orbit"`
}

type DatabaseConfig struct {
	ConnString string `toml:"conn_string"`
}

type BlockConfig struct {
	Kind string   `toml:"kind"` // "local" or "s3"
	Path string   `toml:"path"`
	S3   S3Config `toml:"s3"`
}

type S3Config struct {
	Endpoint    string `toml:"endpoint"`
	Region      string `toml:"region"`
	Bucket      string `toml:"bucket"`
	AccessKey   string `toml:"access_key"`
	SecretKey   string `toml:"secret_key"`
	VerifyOnPut bool   `toml:"verify_on_put"`
}

type StagingConfig struct {
	Mode  string `toml:"mode"` // "memory" or "filesystem"
	Dir   string `toml:"dir"`
	Limit string `toml:"limit"` // human-readable per-request quota, e.g. "10 GiB"
}

type OrbitConfig struct {
	MaxOpenOrbits int64 `toml:"max_open_orbits"`
	LingerSeconds int64 `toml:"linger_seconds"`
}

// Loaded is the fully parsed, validated configuration ready for use by
// the host's wiring code.
type Loaded struct {
	ListenAddr   string
	StaticSecret []byte
	Database     DatabaseConfig
	Block        BlockConfig
	Staging      StagingConfig
	StagingLimit int64
	Orbit        OrbitConfig
}

func (o OrbitConfig) Linger() time.Duration {
	return time.Duration(o.LingerSeconds) * time.Second
}

// Load reads path, applies the KEPLER_ environment overlay, validates,
// and resolves the static secret into raw key bytes.
func Load(path string) (*Loaded, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	applyEnvOverlay(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	secret, err := loadStaticSecret(cfg.StaticSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to load static secret: %w", err)
	}

	limit := int64(10 * 1 << 30) // 10 GiB default, per spec.md §6's example
	if cfg.Staging.Limit != "" {
		n, err := humanize.ParseBytes(cfg.Staging.Limit)
		if err != nil {
			return nil, fmt.Errorf("failed to parse staging.limit %q: %w", cfg.Staging.Limit, err)
		}
		limit = int64(n)
	}

	return &Loaded{
		ListenAddr:   cfg.ListenAddr,
		StaticSecret: secret,
		Database:     cfg.Database,
		Block:        cfg.Block,
		Staging:      cfg.Staging,
		StagingLimit: limit,
		Orbit:        cfg.Orbit,
	}, nil
}

// applyEnvOverlay lets operators override the handful of values that
// typically come from deployment secrets instead of a checked-in file.
// Each field is named explicitly rather than driven by reflection, to
// keep the override surface small and auditable.
func applyEnvOverlay(cfg *Config) {
	if v, ok := os.LookupEnv("KEPLER_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("KEPLER_STATIC_SECRET"); ok {
		cfg.StaticSecret = v
	}
	if v, ok := os.LookupEnv("KEPLER_DATABASE_CONN_STRING"); ok {
		cfg.Database.ConnString = v
	}
	if v, ok := os.LookupEnv("KEPLER_BLOCK_KIND"); ok {
		cfg.Block.Kind = v
	}
	if v, ok := os.LookupEnv("KEPLER_BLOCK_PATH"); ok {
		cfg.Block.Path = v
	}
	if v, ok := os.LookupEnv("KEPLER_BLOCK_S3_ENDPOINT"); ok {
		cfg.Block.S3.Endpoint = v
	}
	if v, ok := os.LookupEnv("KEPLER_BLOCK_S3_REGION"); ok {
		cfg.Block.S3.Region = v
	}
	if v, ok := os.LookupEnv("KEPLER_BLOCK_S3_BUCKET"); ok {
		cfg.Block.S3.Bucket = v
	}
	if v, ok := os.LookupEnv("KEPLER_BLOCK_S3_ACCESS_KEY"); ok {
		cfg.Block.S3.AccessKey = v
	}
	if v, ok := os.LookupEnv("KEPLER_BLOCK_S3_SECRET_KEY"); ok {
		cfg.Block.S3.SecretKey = v
	}
}

func validate(cfg *Config) error {
	switch {
	case cfg.ListenAddr == "":
		return fmt.Errorf("listen_addr is required")
	case cfg.StaticSecret == "":
		return fmt.Errorf("static_secret is required")
	case cfg.Database.ConnString == "":
		return fmt.Errorf("database.conn_string is required")
	case cfg.Block.Kind != "local" && cfg.Block.Kind != "s3":
		return fmt.Errorf("block.kind must be \"local\" or \"s3\", got %q", cfg.Block.Kind)
	case cfg.Block.Kind == "local" && cfg.Block.Path == "":
		return fmt.Errorf("block.path is required when block.kind is \"local\"")
	case cfg.Block.Kind == "s3" && cfg.Block.S3.Bucket == "":
		return fmt.Errorf("block.s3.bucket is required when block.kind is \"s3\"")
	case cfg.Staging.Mode != "" && cfg.Staging.Mode != "memory" && cfg.Staging.Mode != "filesystem":
		return fmt.Errorf("staging.mode must be \"memory\" or \"filesystem\", got %q", cfg.Staging.Mode)
	case cfg.Staging.Mode == "filesystem" && cfg.Staging.Dir == "":
		return fmt.Errorf("staging.dir is required when staging.mode is \"filesystem\"")
	}
	return nil
}

// loadStaticSecret resolves value as either a path to a PEM-encoded
// secret file or, failing that, an inline base64url-encoded string.
func loadStaticSecret(value string) ([]byte, error) {
	if raw, err := os.ReadFile(value); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM block in %q", value)
		}
		return block.Bytes, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("static_secret is neither a readable file path nor valid base64url: %w", err)
	}
	return decoded, nil
}
