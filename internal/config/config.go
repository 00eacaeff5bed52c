// Package config defines the top-level configuration for the infusion
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by INFUSION_* environment variables.
type Config struct {
	Registry RegistryConfig `toml:"registry"`
	Asset    AssetConfig    `toml:"asset"`
	Vaults   []VaultConfig  `toml:"vaults"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Harvest  HarvestConfig  `toml:"harvest"`
	Faucet   FaucetConfig   `toml:"faucet"`
	Operator OperatorConfig `toml:"operator"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// RegistryConfig names the registry's account on the asset ledger.
type RegistryConfig struct {
	Address string `toml:"address"`
	Name    string `toml:"name"`
	Symbol  string `toml:"symbol"`
}

// AssetConfig describes the fungible asset positions are infused with.
// Backend "memory" keeps balances in process; "postgres" stores them next
// to the ledger so transfers commit in the same transaction.
type AssetConfig struct {
	Symbol  string `toml:"symbol"`
	Backend string `toml:"backend"`
}

// VaultConfig describes one share vault.
type VaultConfig struct {
	Address string `toml:"address"`
	Name    string `toml:"name"`
	Symbol  string `toml:"symbol"`
}

// StoreConfig selects the ledger store driver: "memory" or "postgres".
type StoreConfig struct {
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When enabled, ledger
// updates are serialized across instances and events fan out over pub/sub.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    duration `toml:"lock_ttl"`
	StreamMax  int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for snapshots.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// HarvestConfig controls simulated yield. Only the listed operators, plus
// the operator key's own address, may harvest over the API. An explicit
// harvest amount may not exceed MaxAmount; empty allows only yield_bps.
type HarvestConfig struct {
	YieldBps  int      `toml:"yield_bps"`
	Operators []string `toml:"operators"`
	MaxAmount string   `toml:"max_amount"`
}

// FaucetConfig controls the test-asset faucet.
type FaucetConfig struct {
	Enabled   bool     `toml:"enabled"`
	MaxAmount string   `toml:"max_amount"`
	Limit     int      `toml:"limit"`
	Window    duration `toml:"window"`
}

// OperatorConfig holds the key used to sign ledger snapshots.
type OperatorConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// SnapshotConfig controls where ledger snapshots are written.
type SnapshotConfig struct {
	Prefix string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureMaxAge   duration `toml:"signature_max_age"`
	// RateLimit caps requests per client IP per RateWindow; 0 disables.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Registry: RegistryConfig{
			Address: "0x00000000000000000000000000000000000001f0",
			Name:    "Infused Token",
			Symbol:  "INFUSED",
		},
		Asset: AssetConfig{
			Symbol:  "sETH",
			Backend: "memory",
		},
		Vaults: []VaultConfig{{
			Address: "0x000000000000000000000000000000000000fa11",
			Name:    "sETH Vault",
			Symbol:  "vsETH",
		}},
		Store: StoreConfig{Driver: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			LockTTL:    duration{10 * time.Second},
			StreamMax:  100_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "infusion-snapshots",
			ForcePathStyle: true,
		},
		Harvest: HarvestConfig{YieldBps: 2000},
		Faucet: FaucetConfig{
			Enabled:   true,
			MaxAmount: "100000000000000000000",
			Limit:     5,
			Window:    duration{time.Minute},
		},
		Snapshot: SnapshotConfig{Prefix: "snapshots/"},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			SignatureMaxAge: duration{5 * time.Minute},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// LockTTL returns the distributed ledger lock TTL.
func (c *Config) LockTTL() time.Duration { return c.Redis.LockTTL.Duration }

// FaucetWindow returns the faucet rate-limit window.
func (c *Config) FaucetWindow() time.Duration { return c.Faucet.Window.Duration }

// SignatureMaxAge returns how old a signed request may be.
func (c *Config) SignatureMaxAge() time.Duration { return c.Server.SignatureMaxAge.Duration }

// RateWindow returns the per-IP request window.
func (c *Config) RateWindow() time.Duration { return c.Server.RateWindow.Duration }

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"snapshot": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for obvious errors and returns every
// problem found in one error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, snapshot)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Registry and vaults
	if !common.IsHexAddress(c.Registry.Address) {
		errs = append(errs, fmt.Sprintf("registry: address %q is not a hex address", c.Registry.Address))
	}
	if len(c.Vaults) == 0 {
		errs = append(errs, "vaults: at least one vault must be configured")
	}
	seen := map[common.Address]bool{}
	for i, v := range c.Vaults {
		if !common.IsHexAddress(v.Address) {
			errs = append(errs, fmt.Sprintf("vaults[%d]: address %q is not a hex address", i, v.Address))
			continue
		}
		addr := common.HexToAddress(v.Address)
		if seen[addr] {
			errs = append(errs, fmt.Sprintf("vaults[%d]: duplicate address %s", i, addr.Hex()))
		}
		if addr == common.HexToAddress(c.Registry.Address) {
			errs = append(errs, fmt.Sprintf("vaults[%d]: address must differ from registry address", i))
		}
		seen[addr] = true
	}

	// Store
	switch c.Store.Driver {
	case "memory":
		if c.Asset.Backend == "postgres" {
			errs = append(errs, "asset: backend postgres requires store.driver postgres")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres)", c.Store.Driver))
	}
	if c.Asset.Backend != "memory" && c.Asset.Backend != "postgres" {
		errs = append(errs, fmt.Sprintf("asset: unknown backend %q (valid: memory, postgres)", c.Asset.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be > 0")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if strings.ToLower(c.Mode) == "snapshot" && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for snapshot mode")
	}
	if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
		errs = append(errs, "operator: key_password is required when encrypted_key_path is set")
	}

	// Harvest and faucet
	if c.Harvest.YieldBps < 0 || c.Harvest.YieldBps > 10_000 {
		errs = append(errs, fmt.Sprintf("harvest: yield_bps must be 0-10000, got %d", c.Harvest.YieldBps))
	}
	for i, op := range c.Harvest.Operators {
		if !common.IsHexAddress(op) {
			errs = append(errs, fmt.Sprintf("harvest: operators[%d] %q is not a hex address", i, op))
		}
	}
	if c.Harvest.MaxAmount != "" {
		if _, ok := parsePositive(c.Harvest.MaxAmount); !ok {
			errs = append(errs, fmt.Sprintf("harvest: max_amount %q must be a positive integer", c.Harvest.MaxAmount))
		}
	}
	if c.Faucet.Enabled {
		if _, ok := parsePositive(c.Faucet.MaxAmount); !ok {
			errs = append(errs, fmt.Sprintf("faucet: max_amount %q must be a positive integer", c.Faucet.MaxAmount))
		}
		if c.Faucet.Limit < 1 {
			errs = append(errs, "faucet: limit must be >= 1")
		}
		if c.Faucet.Window.Duration <= 0 {
			errs = append(errs, "faucet: window must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RequireSignatures && c.Server.SignatureMaxAge.Duration <= 0 {
			errs = append(errs, "server: signature_max_age must be > 0 when require_signatures is set")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
