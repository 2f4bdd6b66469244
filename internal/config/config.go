// Package config loads the gateway configuration from YAML with
// environment overrides.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/payment_layer/internal/app/services/pricing"
)

// Config is the root gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Identity   IdentityConfig   `yaml:"identity"`
	Chain      ChainConfig      `yaml:"chain"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Cache      CacheConfig      `yaml:"cache"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Storage    StorageConfig    `yaml:"storage"`
	Settlement SettlementConfig `yaml:"settlement"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig tunes the HTTP listener and the billed surface.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" env:"GATEWAY_LISTEN_ADDR"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	UpstreamURL    string        `yaml:"upstream_url" env:"GATEWAY_UPSTREAM_URL"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	EventBuffer    int           `yaml:"event_buffer"`
	AuditPath      string        `yaml:"audit_path" env:"GATEWAY_AUDIT_PATH"`
	AuditMax       int           `yaml:"audit_max"`
}

// Upstream parses the billed upstream URL, nil when unset.
func (c ServerConfig) Upstream() (*url.URL, error) {
	if c.UpstreamURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL must be http or https, got %q", c.UpstreamURL)
	}
	return u, nil
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"GATEWAY_LOG_LEVEL"`
	TextFormat bool   `yaml:"text_format" env:"GATEWAY_LOG_TEXT"`
}

// IdentityConfig is the payee signing identity. The key is an ed25519 seed
// or full private key in hex, inline or in a file.
type IdentityConfig struct {
	DID        string `yaml:"did" env:"GATEWAY_PAYEE_DID"`
	VMFragment string `yaml:"vm_fragment" env:"GATEWAY_PAYEE_VM_FRAGMENT"`
	KeyHex     string `yaml:"key_hex" env:"GATEWAY_PAYEE_KEY"`
	KeyFile    string `yaml:"key_file" env:"GATEWAY_PAYEE_KEY_FILE"`
}

// PrivateKey loads the payee signing key.
func (c IdentityConfig) PrivateKey() (ed25519.PrivateKey, error) {
	raw := c.KeyHex
	if raw == "" && c.KeyFile != "" {
		data, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return nil, fmt.Errorf("identity key is not configured")
	}
	return ParsePrivateKeyHex(raw)
}

// ParsePrivateKeyHex decodes an ed25519 key from hex. Both the 32-byte seed
// and the 64-byte expanded form are accepted.
func ParsePrivateKeyHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("key is not hex: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// ChainConfig points the gateway at a chain RPC node and the deployed
// payment channel contract. An empty RPC URL disables settlement.
type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url" env:"GATEWAY_CHAIN_RPC"`
	NetworkID    uint32        `yaml:"network_id"`
	ChainID      uint64        `yaml:"chain_id"`
	ContractHash string        `yaml:"contract_hash" env:"GATEWAY_CONTRACT_HASH"`
	RelayAddress string        `yaml:"relay_address" env:"GATEWAY_RELAY_ADDRESS"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
}

// VoucherChainID returns the chain identifier vouchers must be bound to.
// It defaults to the network magic when not set explicitly.
func (c ChainConfig) VoucherChainID() uint64 {
	if c.ChainID != 0 {
		return c.ChainID
	}
	return uint64(c.NetworkID)
}

// ResolverConfig points at the DID resolution endpoint.
type ResolverConfig struct {
	Endpoint      string        `yaml:"endpoint" env:"GATEWAY_RESOLVER_ENDPOINT"`
	APIKey        string        `yaml:"api_key" env:"GATEWAY_RESOLVER_API_KEY"`
	Timeout       time.Duration `yaml:"timeout"`
	Relationships []string      `yaml:"relationships"`
}

// CacheConfig tunes the DID document cache. A redis address switches the
// backing store from the in-process LRU to redis.
type CacheConfig struct {
	Capacity      int           `yaml:"capacity"`
	DocumentTTL   time.Duration `yaml:"document_ttl"`
	NegativeTTL   time.Duration `yaml:"negative_ttl"`
	RedisAddr     string        `yaml:"redis_addr" env:"GATEWAY_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"GATEWAY_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

// PricingRule is one static route price.
type PricingRule struct {
	Method     string `yaml:"method"`
	PathPrefix string `yaml:"path_prefix"`
	Price      string `yaml:"price"`
}

// PricingConfig is the billing policy. Amounts are decimal strings.
type PricingConfig struct {
	DefaultPrice  string        `yaml:"default_price"`
	FreeTier      bool          `yaml:"free_tier" env:"GATEWAY_FREE_TIER"`
	DailyCap      string        `yaml:"daily_cap"`
	Rules         []PricingRule `yaml:"rules"`
	ScriptFile    string        `yaml:"script_file"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`
}

// Options converts the pricing section into service options.
func (c PricingConfig) Options() (pricing.Options, error) {
	opts := pricing.Options{
		FreeTier:      c.FreeTier,
		ScriptTimeout: c.ScriptTimeout,
	}
	var err error
	if c.DefaultPrice != "" {
		if opts.DefaultPrice, err = pricing.ParseAmount(c.DefaultPrice); err != nil {
			return opts, fmt.Errorf("default price: %w", err)
		}
	}
	if c.DailyCap != "" {
		if opts.DailyCap, err = pricing.ParseAmount(c.DailyCap); err != nil {
			return opts, fmt.Errorf("daily cap: %w", err)
		}
	}
	for i, r := range c.Rules {
		price, err := pricing.ParseAmount(r.Price)
		if err != nil {
			return opts, fmt.Errorf("rule %d price: %w", i, err)
		}
		opts.Rules = append(opts.Rules, pricing.Rule{
			Method:     r.Method,
			PathPrefix: r.PathPrefix,
			Price:      price,
		})
	}
	if c.ScriptFile != "" {
		data, err := os.ReadFile(c.ScriptFile)
		if err != nil {
			return opts, fmt.Errorf("read pricing script: %w", err)
		}
		opts.Script = string(data)
	}
	return opts, nil
}

// DailyCapAmount parses the daily cap, nil when uncapped.
func (c PricingConfig) DailyCapAmount() (*big.Int, error) {
	if c.DailyCap == "" {
		return nil, nil
	}
	return pricing.ParseAmount(c.DailyCap)
}

// StorageConfig selects the persistence backend. An empty DSN selects the
// in-memory store.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn" env:"GATEWAY_POSTGRES_DSN"`
	Migrate     bool   `yaml:"migrate" env:"GATEWAY_MIGRATE"`
}

// SettlementConfig tunes the retry poller and the cron maintenance jobs.
type SettlementConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ResetSchedule  string        `yaml:"reset_schedule"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	SweepThreshold string        `yaml:"sweep_threshold"`
}

// SweepThresholdAmount parses the auto-settle threshold, nil when the sweep
// is disabled.
func (c SettlementConfig) SweepThresholdAmount() (*big.Int, error) {
	if c.SweepThreshold == "" {
		return nil, nil
	}
	return pricing.ParseAmount(c.SweepThreshold)
}

// AdminConfig guards the operator surface. An empty key disables it.
type AdminConfig struct {
	PublicKeyHex string        `yaml:"public_key_hex" env:"GATEWAY_ADMIN_KEY"`
	TokenExpiry  time.Duration `yaml:"token_expiry"`
}

// PublicKey decodes the operator token verification key, nil when unset.
func (c AdminConfig) PublicKey() (ed25519.PublicKey, error) {
	if c.PublicKeyHex == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(c.PublicKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("admin key is not hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("admin key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Logging: LoggingConfig{Level: "info"},
		Chain: ChainConfig{
			Timeout:      30 * time.Second,
			PollInterval: 2 * time.Second,
			WaitTimeout:  time.Minute,
		},
		Resolver: ResolverConfig{Timeout: 5 * time.Second},
		Cache: CacheConfig{
			Capacity:    1024,
			DocumentTTL: time.Hour,
			NegativeTTL: 5 * time.Minute,
		},
		Pricing: PricingConfig{
			DefaultPrice:  "10",
			ScriptTimeout: 200 * time.Millisecond,
		},
		Settlement: SettlementConfig{
			PollInterval:  30 * time.Second,
			BaseBackoff:   10 * time.Second,
			MaxBackoff:    10 * time.Minute,
			ResetSchedule: "5 0 * * *",
			SweepSchedule: "*/15 * * * *",
		},
		Admin: AdminConfig{TokenExpiry: time.Hour},
	}
}

// Load reads a configuration file and applies environment overrides. An
// empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for mistakes that should stop startup.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server: listen address is required")
	}
	if c.Identity.DID == "" {
		return fmt.Errorf("identity: payee DID is required")
	}
	if c.Identity.VMFragment == "" {
		return fmt.Errorf("identity: vm fragment is required")
	}
	if _, err := c.Identity.PrivateKey(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if c.Resolver.Endpoint == "" {
		return fmt.Errorf("resolver: endpoint is required")
	}
	if _, err := c.Server.Upstream(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Chain.RPCURL != "" && c.Chain.ContractHash == "" {
		return fmt.Errorf("chain: contract hash is required when rpc_url is set")
	}
	if _, err := c.Pricing.Options(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	if _, err := c.Settlement.SweepThresholdAmount(); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	if _, err := c.Admin.PublicKey(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}
