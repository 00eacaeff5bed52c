package config

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path when it exists, merges it on
// top of the built-in defaults, applies INFUSION_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// Addr returns the parsed vault address.
func (v VaultConfig) Addr() common.Address {
	return common.HexToAddress(v.Address)
}

// RegistryAddress returns the parsed registry address.
func (c *Config) RegistryAddress() common.Address {
	return common.HexToAddress(c.Registry.Address)
}

// FaucetMax returns the largest amount a single faucet call may mint.
func (c *Config) FaucetMax() *big.Int {
	v, _ := parsePositive(c.Faucet.MaxAmount)
	return v
}

// HarvestOperators returns the configured harvest operator addresses.
func (c *Config) HarvestOperators() []common.Address {
	out := make([]common.Address, 0, len(c.Harvest.Operators))
	for _, op := range c.Harvest.Operators {
		out = append(out, common.HexToAddress(op))
	}
	return out
}

// HarvestMax returns the cap on an explicit harvest amount, or nil when
// explicit amounts are not accepted.
func (c *Config) HarvestMax() *big.Int {
	v, _ := parsePositive(c.Harvest.MaxAmount)
	return v
}

func parsePositive(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// applyEnvOverrides reads well-known INFUSION_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Registry.Address, "INFUSION_REGISTRY_ADDRESS")
	setStr(&cfg.Asset.Symbol, "INFUSION_ASSET_SYMBOL")
	setStr(&cfg.Asset.Backend, "INFUSION_ASSET_BACKEND")
	setStr(&cfg.Store.Driver, "INFUSION_STORE_DRIVER")

	// Postgres
	setStr(&cfg.Postgres.DSN, "INFUSION_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "INFUSION_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "INFUSION_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "INFUSION_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "INFUSION_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "INFUSION_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "INFUSION_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "INFUSION_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "INFUSION_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "INFUSION_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setBool(&cfg.Redis.Enabled, "INFUSION_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "INFUSION_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "INFUSION_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "INFUSION_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "INFUSION_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "INFUSION_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "INFUSION_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "INFUSION_REDIS_LOCK_TTL")
	setInt64(&cfg.Redis.StreamMax, "INFUSION_REDIS_STREAM_MAX_LEN")

	// S3
	setBool(&cfg.S3.Enabled, "INFUSION_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "INFUSION_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "INFUSION_S3_REGION")
	setStr(&cfg.S3.Bucket, "INFUSION_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "INFUSION_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "INFUSION_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "INFUSION_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "INFUSION_S3_FORCE_PATH_STYLE")

	// Harvest, faucet, operator
	setInt(&cfg.Harvest.YieldBps, "INFUSION_HARVEST_YIELD_BPS")
	setStringSlice(&cfg.Harvest.Operators, "INFUSION_HARVEST_OPERATORS")
	setStr(&cfg.Harvest.MaxAmount, "INFUSION_HARVEST_MAX_AMOUNT")
	setBool(&cfg.Faucet.Enabled, "INFUSION_FAUCET_ENABLED")
	setStr(&cfg.Faucet.MaxAmount, "INFUSION_FAUCET_MAX_AMOUNT")
	setInt(&cfg.Faucet.Limit, "INFUSION_FAUCET_LIMIT")
	setDuration(&cfg.Faucet.Window, "INFUSION_FAUCET_WINDOW")
	setStr(&cfg.Operator.PrivateKey, "INFUSION_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "INFUSION_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "INFUSION_OPERATOR_KEY_PASSWORD")
	setStr(&cfg.Snapshot.Prefix, "INFUSION_SNAPSHOT_PREFIX")

	// Server
	setBool(&cfg.Server.Enabled, "INFUSION_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "INFUSION_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "INFUSION_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "INFUSION_SERVER_API_KEY")
	setBool(&cfg.Server.RequireSignatures, "INFUSION_SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.SignatureMaxAge, "INFUSION_SERVER_SIGNATURE_MAX_AGE")
	setInt(&cfg.Server.RateLimit, "INFUSION_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "INFUSION_SERVER_RATE_WINDOW")

	// Notify
	setStr(&cfg.Notify.DiscordWebhookURL, "INFUSION_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "INFUSION_NOTIFY_EVENTS")

	// Top-level
	setStr(&cfg.Mode, "INFUSION_MODE")
	setStr(&cfg.LogLevel, "INFUSION_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
