// Package config loads the weather server and client settings from the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/becomeliminal/x402-router/evm"
	"github.com/becomeliminal/x402-router/internal/chains"
)

// Server configures the paid weather API.
type Server struct {
	Port               string
	Chain              chains.Chain
	FacilitatorURL     string
	SettlementRouter   string
	TransferHook       string
	PayTo              string
	Asset              evm.AssetInfo
	Price              string
	FacilitatorFee     string
	FacilitatorTimeout time.Duration
	SettleTimeout      time.Duration
	RPCURL             string
	RedisAddr          string
	AMQPURI            string
	WebhookURL         string
	LogLevel           slog.Level
}

// Client configures the paying weather client.
type Client struct {
	BaseURL    string
	PrivateKey string
	Chain      chains.Chain
	LogLevel   slog.Level
}

// LoadDotEnv reads files (default ".env") into the environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadServer reads the server configuration.
func LoadServer() (Server, error) {
	chain, err := chains.Select(getEnv("SKALE_BASE_NETWORK", "testnet"))
	if err != nil {
		return Server{}, err
	}

	cfg := Server{
		Port:             getEnv("PORT", "3001"),
		Chain:            chain,
		FacilitatorURL:   os.Getenv("FACILITATOR_URL"),
		SettlementRouter: os.Getenv("SETTLEMENT_ROUTER"),
		TransferHook:     os.Getenv("TRANSFER_HOOK"),
		PayTo:            os.Getenv("PAY_TO"),
		Asset: evm.AssetInfo{
			Address: os.Getenv("ASSET_ADDRESS"),
			Name:    getEnv("ASSET_NAME", "USDC"),
			Version: getEnv("ASSET_VERSION", "2"),
		},
		Price:          getEnv("PRICE", "$0.10"),
		FacilitatorFee: os.Getenv("FACILITATOR_FEE"),
		RPCURL:         getEnv("RPC_URL", chain.RPCURL),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		AMQPURI:        os.Getenv("AMQP_URI"),
		WebhookURL:     os.Getenv("SETTLEMENT_WEBHOOK_URL"),
	}
	// An explicitly empty FACILITATOR_FEE asks the facilitator for a quote.
	if _, set := os.LookupEnv("FACILITATOR_FEE"); !set {
		cfg.FacilitatorFee = "10000"
	}

	var missing []string
	for name, value := range map[string]string{
		"FACILITATOR_URL":   cfg.FacilitatorURL,
		"SETTLEMENT_ROUTER": cfg.SettlementRouter,
		"TRANSFER_HOOK":     cfg.TransferHook,
		"PAY_TO":            cfg.PayTo,
		"ASSET_ADDRESS":     cfg.Asset.Address,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Server{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	decimals, err := strconv.Atoi(getEnv("ASSET_DECIMALS", "6"))
	if err != nil || decimals < 0 {
		return Server{}, fmt.Errorf("invalid ASSET_DECIMALS: %q", os.Getenv("ASSET_DECIMALS"))
	}
	cfg.Asset.Decimals = int32(decimals)

	if cfg.FacilitatorTimeout, err = getDuration("FACILITATOR_TIMEOUT", 10*time.Second); err != nil {
		return Server{}, err
	}
	if cfg.SettleTimeout, err = getDuration("SETTLE_TIMEOUT", 30*time.Second); err != nil {
		return Server{}, err
	}
	if cfg.LogLevel, err = getLevel(); err != nil {
		return Server{}, err
	}

	return cfg, nil
}

// LoadClient reads the client configuration. PRIVATE_KEY is required.
func LoadClient() (Client, error) {
	chain, err := chains.Select(getEnv("SKALE_BASE_NETWORK", "testnet"))
	if err != nil {
		return Client{}, err
	}

	cfg := Client{
		BaseURL:    strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:3001"), "/"),
		PrivateKey: os.Getenv("PRIVATE_KEY"),
		Chain:      chain,
	}
	if cfg.PrivateKey == "" {
		return Client{}, errors.New("PRIVATE_KEY environment variable is required")
	}
	if cfg.LogLevel, err = getLevel(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return d, nil
}

func getLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}
