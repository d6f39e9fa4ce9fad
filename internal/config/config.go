package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tzswap/internal/contract"
)

// NetworkConfig models network.yaml (or network.json): the endpoints and
// contracts of one Tezos network.
type NetworkConfig struct {
	Account string `json:"account" yaml:"account"`
	Node    struct {
		RPCURL            string  `json:"rpcUrl" yaml:"rpcUrl"`
		TimeoutMs         int     `json:"timeoutMs" yaml:"timeoutMs"`
		RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	} `json:"node" yaml:"node"`
	Conseil struct {
		URL               string  `json:"url" yaml:"url"`
		Network           string  `json:"network" yaml:"network"`
		APIKey            string  `json:"apiKey" yaml:"apiKey"`
		TimeoutMs         int     `json:"timeoutMs" yaml:"timeoutMs"`
		RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	} `json:"conseil" yaml:"conseil"`
	Contracts struct {
		Swap  contract.Ref `json:"swap" yaml:"swap"`
		Token contract.Ref `json:"token" yaml:"token"`
		Fee   contract.Ref `json:"fee" yaml:"fee"`
		Price contract.Ref `json:"price" yaml:"price"`
	} `json:"contracts" yaml:"contracts"`
	Wallet struct {
		SessionURL string `json:"sessionUrl" yaml:"sessionUrl"`
		TimeoutMs  int    `json:"timeoutMs" yaml:"timeoutMs"`
	} `json:"wallet" yaml:"wallet"`
	Confirmation struct {
		Depth             int `json:"depth" yaml:"depth"`
		MaxAttempts       int `json:"maxAttempts" yaml:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs" yaml:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs" yaml:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	} `json:"confirmation" yaml:"confirmation"`
}

// AppConfig ties together the network file and derived values.
type AppConfig struct {
	Network      NetworkConfig
	Service      ServiceConfig
	Chain        ChainConfig
	Confirmation ConfirmationConfig
}

type ServiceConfig struct {
	HTTPPort      int
	HMACSecret    string
	HMACClockSkew time.Duration
	JournalPath   string
	PostgresDSN   string
	LogLevel      string
	ActionTimeout time.Duration
}

type ChainConfig struct {
	Account           string
	RPCURL            string
	RPCTimeout        time.Duration
	RequestsPerSecond float64
	ConseilURL        string
	ConseilNetwork    string
	ConseilAPIKey     string
	ConseilTimeout    time.Duration
	WalletSessionURL  string
	WalletToken       string
	WalletTimeout     time.Duration
	// WalletDevFake allows running without a signer; batches go to an
	// in-memory session and never reach the chain.
	WalletDevFake bool
}

type ConfirmationConfig struct {
	Depth             int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

const defaultNetworkPath = "config/network.yaml"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	return LoadFile(envOr("NETWORK_CONFIG_PATH", defaultNetworkPath))
}

// LoadFile reads the network file at path and applies environment overrides.
func LoadFile(path string) (*AppConfig, error) {
	netCfg, err := loadNetwork(path)
	if err != nil {
		return nil, fmt.Errorf("load network: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:      envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:    envOr("HMAC_SECRET", ""),
		HMACClockSkew: time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		JournalPath:   envOr("JOURNAL_PATH", filepath.Join(os.TempDir(), "tzswap-journal.json")),
		PostgresDSN:   envOr("POSTGRES_DSN", ""),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		ActionTimeout: time.Duration(envOrInt("ACTION_TIMEOUT_SECONDS", 900)) * time.Second,
	}

	chainCfg := ChainConfig{
		Account:           envOr("TEZOS_ACCOUNT", netCfg.Account),
		RPCURL:            envOr("TEZOS_RPC_URL", netCfg.Node.RPCURL),
		RPCTimeout:        millis(envOrInt("TEZOS_RPC_TIMEOUT_MS", netCfg.Node.TimeoutMs)),
		RequestsPerSecond: envOrFloat("TEZOS_RPC_RATE", netCfg.Node.RequestsPerSecond),
		ConseilURL:        envOr("CONSEIL_URL", netCfg.Conseil.URL),
		ConseilNetwork:    envOr("CONSEIL_NETWORK", netCfg.Conseil.Network),
		ConseilAPIKey:     envOr("CONSEIL_API_KEY", netCfg.Conseil.APIKey),
		ConseilTimeout:    millis(netCfg.Conseil.TimeoutMs),
		WalletSessionURL:  envOr("WALLET_SESSION_URL", netCfg.Wallet.SessionURL),
		WalletToken:       envOr("WALLET_SESSION_TOKEN", ""),
		WalletTimeout:     millis(netCfg.Wallet.TimeoutMs),
		WalletDevFake:     envOr("WALLET_DEV_FAKE", "") == "true",
	}

	confCfg := ConfirmationConfig{
		Depth:             envOrInt("CONFIRMATIONS", netCfg.Confirmation.Depth),
		MaxAttempts:       netCfg.Confirmation.MaxAttempts,
		InitialBackoff:    millis(netCfg.Confirmation.InitialBackoffMs),
		MaxBackoff:        millis(netCfg.Confirmation.MaxBackoffMs),
		BackoffMultiplier: netCfg.Confirmation.BackoffMultiplier,
	}
	if confCfg.Depth <= 0 {
		confCfg.Depth = 2
	}

	cfg := &AppConfig{
		Network:      *netCfg,
		Service:      serviceCfg,
		Chain:        chainCfg,
		Confirmation: confCfg,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	var missing []string
	if c.Chain.Account == "" {
		missing = append(missing, "account")
	}
	if c.Chain.RPCURL == "" {
		missing = append(missing, "node.rpcUrl")
	}
	if c.Chain.ConseilURL == "" {
		missing = append(missing, "conseil.url")
	}
	if c.Chain.ConseilNetwork == "" {
		missing = append(missing, "conseil.network")
	}
	if c.Network.Contracts.Swap.Address == "" {
		missing = append(missing, "contracts.swap.address")
	}
	if c.Chain.WalletSessionURL == "" && !c.Chain.WalletDevFake {
		missing = append(missing, "wallet.sessionUrl (or WALLET_DEV_FAKE=true)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config values: %s", strings.Join(missing, ", "))
	}
	return nil
}

func loadNetwork(path string) (*NetworkConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg NetworkConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	case ".json":
		err = json.Unmarshal(raw, &cfg)
	default:
		err = errors.New("unsupported config format " + filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
