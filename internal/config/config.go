// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database (optional, in-memory stores if not set)
	DatabaseURL string

	// Blockchain settings
	RPCURL        string
	ChainID       int64  // EVM chain id for the signing domain
	LocalChain    uint16 // bridge-layer identifier of the local ledger
	PrivateKey    string // custodian key, hex-encoded
	AssetContract string
	BridgeAddress string

	// Signing domain
	DomainName        string
	DomainVersion     string
	VerifyingContract string

	// Protocol parties
	PlatformSigner string
	Treasury       string
	Owner          string

	// Fee schedule
	FeeNumerator   uint32
	FeeDenominator uint64

	// Dispute timing
	DisputeTimeout time.Duration

	// Security / ops
	AdminSecret  string
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultLocalChain    = 30                                           // bridge id of Base
	DefaultAssetContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultDomainName    = "Crosslock"
	DefaultDomainVersion = "1"

	DefaultFeeNumerator   = 100 // 1% over the shared denominator
	DefaultFeeDenominator = 10000

	DefaultDisputeTimeout = 72 * time.Hour
)

// Load reads configuration from environment variables. A .env file is
// loaded first when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		LocalChain:        uint16(getEnvInt64("LOCAL_CHAIN", DefaultLocalChain)),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		AssetContract:     getEnv("ASSET_CONTRACT", DefaultAssetContract),
		BridgeAddress:     os.Getenv("BRIDGE_ADDRESS"),
		DomainName:        getEnv("DOMAIN_NAME", DefaultDomainName),
		DomainVersion:     getEnv("DOMAIN_VERSION", DefaultDomainVersion),
		VerifyingContract: os.Getenv("VERIFYING_CONTRACT"),
		PlatformSigner:    os.Getenv("PLATFORM_SIGNER"),
		Treasury:          os.Getenv("TREASURY_ADDRESS"),
		Owner:             os.Getenv("OWNER_ADDRESS"),
		FeeNumerator:      uint32(getEnvInt64("FEE_NUMERATOR", DefaultFeeNumerator)),
		FeeDenominator:    uint64(getEnvInt64("FEE_DENOMINATOR", DefaultFeeDenominator)),
		DisputeTimeout:    getEnvDuration("DISPUTE_TIMEOUT", DefaultDisputeTimeout),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.PlatformSigner == "" {
		return fmt.Errorf("PLATFORM_SIGNER is required")
	}
	if c.Treasury == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}
	if c.FeeDenominator == 0 {
		return fmt.Errorf("FEE_DENOMINATOR must be non-zero")
	}
	if uint64(c.FeeNumerator) > c.FeeDenominator {
		return fmt.Errorf("FEE_NUMERATOR must not exceed FEE_DENOMINATOR")
	}
	if c.DisputeTimeout <= 0 {
		return fmt.Errorf("DISPUTE_TIMEOUT must be positive")
	}
	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
