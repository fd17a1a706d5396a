// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/vault-sentinel/internal/types"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port for the status API
	Port string

	// Address whose vaults are enumerated and monitored
	Owner common.Address

	// Hex-encoded private key used to sign withdrawal transactions.
	// Empty means the monitor runs in watch-only mode.
	SignerKey string

	// Network profiles keyed by chain id
	Networks map[uint64]types.NetworkProfile

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Scheduler settings
	PollInterval time.Duration
	MaxAttempts  int
	Cooldown     time.Duration

	// Timeouts for outbound calls
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration

	// Outgoing RPC admission control (sliding window)
	MaxRequests   int
	RequestWindow time.Duration

	// Status API admission control (token bucket)
	APIRateRPS   float64
	APIRateBurst int

	// Webhook notification delivery
	WebhookURL    string
	WebhookAPIKey string
}

// Load creates a new Config from environment variables
func Load() Config {
	cfg := Config{
		Port:           GetEnvOrDefault("PORT", "8080"),
		Owner:          common.HexToAddress(GetEnvOrDefault("OWNER_ADDRESS", "")),
		SignerKey:      strings.TrimPrefix(os.Getenv("SIGNER_PRIVATE_KEY"), "0x"),
		Networks:       loadNetworks(),
		OtelEndpoint:   GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		PollInterval:   GetEnvAsDuration("POLL_INTERVAL", 120*time.Second),
		MaxAttempts:    GetEnvAsInt("MAX_ATTEMPTS", 3),
		Cooldown:       GetEnvAsDuration("ATTEMPT_COOLDOWN", 5*time.Minute),
		CallTimeout:    GetEnvAsDuration("CALL_TIMEOUT", 15*time.Second),
		ConfirmTimeout: GetEnvAsDuration("CONFIRM_TIMEOUT", 90*time.Second),
		MaxRequests:    GetEnvAsInt("MAX_REQUESTS", 100),
		RequestWindow:  GetEnvAsDuration("REQUEST_WINDOW", 60*time.Second),
		APIRateRPS:     GetEnvAsFloat("API_RATE_RPS", 10.0),
		APIRateBurst:   GetEnvAsInt("API_RATE_BURST", 20),
		WebhookURL:     GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:  GetEnvOrDefault("WEBHOOK_API_KEY", ""),
	}
	return cfg
}

// loadNetworks parses the NETWORKS environment variable, a JSON array of
// network profiles. Falls back to a single profile built from ETH_RPC_ENDPOINTS
// and CHAIN_ID when NETWORKS is unset.
func loadNetworks() map[uint64]types.NetworkProfile {
	networks := map[uint64]types.NetworkProfile{}

	if raw := os.Getenv("NETWORKS"); raw != "" {
		var profiles []types.NetworkProfile
		if err := json.Unmarshal([]byte(raw), &profiles); err != nil {
			logrus.Warnf("Invalid NETWORKS value, falling back to defaults: %v", err)
		} else {
			for _, p := range profiles {
				networks[p.ChainID] = p
			}
			return networks
		}
	}

	chainID := uint64(GetEnvAsInt("CHAIN_ID", 11155111))
	endpoints := strings.Split(GetEnvOrDefault("ETH_RPC_ENDPOINTS",
		"https://ethereum-sepolia-rpc.publicnode.com,https://rpc.sepolia.org,https://1rpc.io/sepolia"), ",")
	for i := range endpoints {
		endpoints[i] = strings.TrimSpace(endpoints[i])
	}

	networks[chainID] = types.NetworkProfile{
		Name:             types.NetworkSepolia,
		ChainID:          chainID,
		RPCEndpoints:     endpoints,
		Currency:         GetEnvOrDefault("DISPLAY_CURRENCY", "ETH"),
		ExplorerURL:      GetEnvOrDefault("EXPLORER_URL", "https://sepolia.etherscan.io"),
		FactoryAddress:   common.HexToAddress(GetEnvOrDefault("FACTORY_ADDRESS", "")),
		PriceFeedAddress: common.HexToAddress(GetEnvOrDefault("PRICE_FEED_ADDRESS", "")),
	}
	return networks
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
