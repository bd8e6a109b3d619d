// Package config loads escrowd settings from YAML or TOML with environment
// overrides for secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"escrowmarket/models"
)

// Duration decodes "90s"-style strings from YAML and TOML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Chain modes.
const (
	ChainEVM       = "evm"
	ChainSimulated = "simulated"
)

type ServiceConfig struct {
	Name            string   `yaml:"name" toml:"name"`
	Environment     string   `yaml:"environment" toml:"environment"`
	Listen          string   `yaml:"listen" toml:"listen"`
	ReadTimeout     Duration `yaml:"readTimeout" toml:"readTimeout"`
	// WriteTimeout also bounds websocket streams; zero leaves them open.
	WriteTimeout    Duration `yaml:"writeTimeout" toml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
}

type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type ChainConfig struct {
	// Mode is "evm" for a JSON-RPC node or "simulated" for the in-memory contract.
	Mode            string   `yaml:"mode" toml:"mode"`
	RPCURL          string   `yaml:"rpcURL" toml:"rpcURL"`
	ContractAddress string   `yaml:"contractAddress" toml:"contractAddress"`
	ChainID         int64    `yaml:"chainID" toml:"chainID"`
	Network         string   `yaml:"network" toml:"network"`
	TokenSymbol     string   `yaml:"tokenSymbol" toml:"tokenSymbol"`
	TokenDecimals   uint8    `yaml:"tokenDecimals" toml:"tokenDecimals"`
	KeystoreDir     string   `yaml:"keystoreDir" toml:"keystoreDir"`
	PassphraseEnv   string   `yaml:"passphraseEnv" toml:"passphraseEnv"`
	ReceiptPoll     Duration `yaml:"receiptPoll" toml:"receiptPoll"`
	GasBumpPercent  int      `yaml:"gasBumpPercent" toml:"gasBumpPercent"`
	// LegacyCountFallback derives escrow ids from transactionCount()-1 when a
	// deposit receipt carries no FundsDeposited event. Deprecated.
	LegacyCountFallback bool `yaml:"legacyCountFallback" toml:"legacyCountFallback"`
}

type EscrowConfig struct {
	ReleasePolicy string `yaml:"releasePolicy" toml:"releasePolicy"`
	CommissionBps uint32 `yaml:"commissionBps" toml:"commissionBps"`
	Precision     int32  `yaml:"precision" toml:"precision"`
}

type ProviderConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	APIKey   string `yaml:"apiKey" toml:"apiKey"`
}

type RatesConfig struct {
	CoinGecko   ProviderConfig    `yaml:"coingecko" toml:"coingecko"`
	NowPayments ProviderConfig    `yaml:"nowpayments" toml:"nowpayments"`
	Fallback    map[string]string `yaml:"fallback" toml:"fallback"`
	// Pairs are "CRYPTO/FIAT" entries polled for repricing.
	Pairs    []string `yaml:"pairs" toml:"pairs"`
	Interval Duration `yaml:"interval" toml:"interval"`
	CacheTTL Duration `yaml:"cacheTTL" toml:"cacheTTL"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

type AuthConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret    string   `yaml:"hmacSecret" toml:"hmacSecret"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      string   `yaml:"audience" toml:"audience"`
	ClockSkew     Duration `yaml:"clockSkew" toml:"clockSkew"`
	OptionalPaths []string `yaml:"optionalPaths" toml:"optionalPaths"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials" toml:"allowCredentials"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type StreamConfig struct {
	Buffer  int `yaml:"buffer" toml:"buffer"`
	History int `yaml:"history" toml:"history"`
}

// IdempotencyConfig controls replay of keyed POST requests. An empty Path
// keeps responses in memory only.
type IdempotencyConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Path    string   `yaml:"path" toml:"path"`
	TTL     Duration `yaml:"ttl" toml:"ttl"`
}

type ReconConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	OutputDir string   `yaml:"outputDir" toml:"outputDir"`
	RunHour   int      `yaml:"runHour" toml:"runHour"`
	RunMinute int      `yaml:"runMinute" toml:"runMinute"`
	Window    Duration `yaml:"window" toml:"window"`
	DryRun    bool     `yaml:"dryRun" toml:"dryRun"`
}

type ProxyConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	Target  string            `yaml:"target" toml:"target"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	SampleRatio float64 `yaml:"sampleRatio" toml:"sampleRatio"`
	LogRequests bool    `yaml:"logRequests" toml:"logRequests"`
}

// Config is the complete escrowd configuration.
type Config struct {
	Service     ServiceConfig              `yaml:"service" toml:"service"`
	Log         LogConfig                  `yaml:"log" toml:"log"`
	Database    DatabaseConfig             `yaml:"database" toml:"database"`
	Chain       ChainConfig                `yaml:"chain" toml:"chain"`
	Escrow      EscrowConfig               `yaml:"escrow" toml:"escrow"`
	Rates       RatesConfig                `yaml:"rates" toml:"rates"`
	Auth        AuthConfig                 `yaml:"auth" toml:"auth"`
	CORS        CORSConfig                 `yaml:"cors" toml:"cors"`
	RateLimits  map[string]RateLimitConfig `yaml:"rateLimits" toml:"rateLimits"`
	Stream      StreamConfig               `yaml:"stream" toml:"stream"`
	Idempotency IdempotencyConfig          `yaml:"idempotency" toml:"idempotency"`
	Recon       ReconConfig                `yaml:"recon" toml:"recon"`
	Proxies     []ProxyConfig              `yaml:"proxies" toml:"proxies"`
	Telemetry   TelemetryConfig            `yaml:"telemetry" toml:"telemetry"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:            "escrowd",
			Environment:     "development",
			Listen:          ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			ShutdownTimeout: Duration(20 * time.Second),
		},
		Log:      LogConfig{Level: "info"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "escrow-data/escrow.db"},
		Chain: ChainConfig{
			Mode:           ChainSimulated,
			ChainID:        11155111,
			Network:        "sepolia",
			TokenSymbol:    "ETH",
			TokenDecimals:  18,
			PassphraseEnv:  "ESCROWD_KEYSTORE_PASSPHRASE",
			ReceiptPoll:    Duration(2 * time.Second),
			GasBumpPercent: 20,
		},
		Escrow: EscrowConfig{
			ReleasePolicy: string(models.PolicyDualConfirmation),
			Precision:     8,
		},
		Rates: RatesConfig{
			CoinGecko: ProviderConfig{Endpoint: "https://api.coingecko.com/api/v3/simple/price"},
			Interval:  Duration(60 * time.Second),
			CacheTTL:  Duration(30 * time.Second),
			Timeout:   Duration(10 * time.Second),
		},
		Auth: AuthConfig{
			Enabled:   true,
			Issuer:    "escrowd",
			ClockSkew: Duration(2 * time.Minute),
		},
		RateLimits: map[string]RateLimitConfig{
			"transactions": {RequestsPerMinute: 120, Burst: 20},
			"proxy":        {RequestsPerMinute: 60, Burst: 10},
		},
		Stream: StreamConfig{Buffer: 64, History: 256},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Path:    "escrow-data/idempotency",
			TTL:     Duration(24 * time.Hour),
		},
		Recon: ReconConfig{
			OutputDir: "escrow-data/recon",
			RunHour:   2,
			Window:    Duration(24 * time.Hour),
		},
		Telemetry: TelemetryConfig{LogRequests: true},
	}
}

// Load reads path (YAML or TOML by extension) over the defaults, applies
// environment overrides and validates. An empty path uses defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(raw), &cfg); err != nil {
				return Config{}, fmt.Errorf("decode toml config: %w", err)
			}
		case ".yaml", ".yml", "":
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode yaml config: %w", err)
			}
		default:
			return Config{}, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ESCROWD_LISTEN", &c.Service.Listen)
	str("ESCROWD_ENV", &c.Service.Environment)
	str("ESCROWD_LOG_LEVEL", &c.Log.Level)
	str("ESCROWD_DATABASE_DRIVER", &c.Database.Driver)
	str("ESCROWD_DATABASE_DSN", &c.Database.DSN)
	str("ESCROWD_CHAIN_MODE", &c.Chain.Mode)
	str("ESCROWD_RPC_URL", &c.Chain.RPCURL)
	str("ESCROWD_CONTRACT_ADDRESS", &c.Chain.ContractAddress)
	str("ESCROWD_KEYSTORE_DIR", &c.Chain.KeystoreDir)
	str("ESCROWD_JWT_SECRET", &c.Auth.HMACSecret)
	str("ESCROWD_COINGECKO_API_KEY", &c.Rates.CoinGecko.APIKey)
	str("ESCROWD_NOWPAYMENTS_API_KEY", &c.Rates.NowPayments.APIKey)
	str("ESCROWD_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	str("ESCROWD_OTEL_HEADERS", &c.Telemetry.Headers)
	if v, ok := lookup("ESCROWD_CHAIN_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = id
	}
	return nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service.Listen) == "" {
		errs = append(errs, errors.New("service.listen is required"))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, errors.New("chain.chainID must be positive"))
	}
	switch c.Chain.Mode {
	case ChainSimulated:
	case ChainEVM:
		if strings.TrimSpace(c.Chain.RPCURL) == "" {
			errs = append(errs, errors.New("chain.rpcURL is required in evm mode"))
		}
		if strings.TrimSpace(c.Chain.ContractAddress) == "" {
			errs = append(errs, errors.New("chain.contractAddress is required in evm mode"))
		}
		if strings.TrimSpace(c.Chain.KeystoreDir) == "" {
			errs = append(errs, errors.New("chain.keystoreDir is required in evm mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("chain.mode %q must be %s or %s", c.Chain.Mode, ChainEVM, ChainSimulated))
	}
	if !models.ReleasePolicy(c.Escrow.ReleasePolicy).Valid() {
		errs = append(errs, fmt.Errorf("escrow.releasePolicy %q unknown", c.Escrow.ReleasePolicy))
	}
	if c.Escrow.CommissionBps > 10_000 {
		errs = append(errs, errors.New("escrow.commissionBps must not exceed 10000"))
	}
	if c.Idempotency.Enabled && c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive when enabled"))
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		errs = append(errs, errors.New("auth.hmacSecret is required when auth is enabled"))
	}
	for _, pair := range c.Rates.Pairs {
		if _, _, ok := SplitPair(pair); !ok {
			errs = append(errs, fmt.Errorf("rates.pairs entry %q must be CRYPTO/FIAT", pair))
		}
	}
	seen := map[string]bool{}
	for _, p := range c.Proxies {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Target) == "" {
			errs = append(errs, errors.New("proxies entries need name and target"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("proxy %q defined twice", p.Name))
		}
		seen[p.Name] = true
	}
	return errors.Join(errs...)
}

// SplitPair parses "ETH/USD".
func SplitPair(pair string) (string, string, bool) {
	crypto, fiat, ok := strings.Cut(strings.TrimSpace(pair), "/")
	crypto, fiat = strings.ToUpper(strings.TrimSpace(crypto)), strings.ToUpper(strings.TrimSpace(fiat))
	return crypto, fiat, ok && crypto != "" && fiat != ""
}
