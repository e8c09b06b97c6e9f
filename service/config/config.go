package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/psyduk/service/raffle"
	solanasvc "github.com/brojonat/psyduk/service/solana"
	"github.com/brojonat/psyduk/service/watcher"
	"github.com/gagliardetto/solana-go"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration. SolanaRPCURL may be a comma-separated list.
	SolanaRPCURL string

	// Pool configuration
	ProgramID     solana.PublicKey
	VaultAddress  solana.PublicKey
	FeeAddress    solana.PublicKey
	TicketPrice   uint64
	RoundDuration time.Duration
	RoundCooldown time.Duration
	SplitBasis    raffle.SplitBasis

	// Eligibility configuration
	EligibilityMint       solana.PublicKey
	EligibilityMinBalance uint64

	// Payment watch configuration
	WatchMaxCycles      int
	WatchCycleDelay     time.Duration
	WatchFetchAttempts  int
	WatchInitialBackoff time.Duration
	WatchListErrorDelay time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	ResolveInterval   time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if len(solanasvc.SplitEndpoints(cfg.SolanaRPCURL)) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	// Pool configuration
	var err error
	cfg.ProgramID, err = parsePublicKey("RAFFLE_PROGRAM_ID", "")
	collect(err)
	cfg.VaultAddress, err = parsePublicKey("POOL_VAULT_ADDRESS", "")
	collect(err)
	cfg.FeeAddress, err = parsePublicKey("FEE_ADDRESS", "")
	collect(err)
	if !cfg.VaultAddress.IsZero() && cfg.VaultAddress.Equals(cfg.FeeAddress) {
		errs = append(errs, fmt.Errorf("POOL_VAULT_ADDRESS and FEE_ADDRESS must be different"))
	}

	cfg.TicketPrice, err = parseUint("TICKET_PRICE", raffle.TicketPrice)
	collect(err)
	if err == nil && cfg.TicketPrice == 0 {
		errs = append(errs, fmt.Errorf("TICKET_PRICE must be positive"))
	}
	cfg.RoundDuration, err = parseDuration("ROUND_DURATION", "15m")
	collect(err)
	cfg.RoundCooldown, err = parseDuration("ROUND_COOLDOWN", "10s")
	collect(err)
	cfg.SplitBasis, err = raffle.ParseSplitBasis(getEnvOrDefault("SPLIT_BASIS", string(raffle.DefaultSplitBasis)))
	if err != nil {
		errs = append(errs, fmt.Errorf("SPLIT_BASIS: %w", err))
	}

	// Eligibility configuration
	cfg.EligibilityMint, err = parsePublicKey("ELIGIBILITY_MINT", "iQuoGfqmXh6J3PShHDntayXGVixfp44wzGkVaH8r8RE")
	collect(err)
	cfg.EligibilityMinBalance, err = parseUint("ELIGIBILITY_MIN_BALANCE", 0)
	collect(err)

	// Payment watch configuration
	cfg.WatchMaxCycles, err = parseInt("WATCH_MAX_CYCLES", 30)
	collect(err)
	cfg.WatchCycleDelay, err = parseDuration("WATCH_CYCLE_DELAY", "30s")
	collect(err)
	cfg.WatchFetchAttempts, err = parseInt("WATCH_FETCH_ATTEMPTS", 5)
	collect(err)
	cfg.WatchInitialBackoff, err = parseDuration("WATCH_INITIAL_BACKOFF", "1s")
	collect(err)
	cfg.WatchListErrorDelay, err = parseDuration("WATCH_LIST_ERROR_DELAY", "5s")
	collect(err)

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "psyduk-raffle")
	cfg.ResolveInterval, err = parseDuration("RESOLVE_INTERVAL", "1m")
	collect(err)

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if len(solanasvc.SplitEndpoints(c.SolanaRPCURL)) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.VaultAddress.IsZero() || c.FeeAddress.IsZero() {
		errs = append(errs, fmt.Errorf("VaultAddress and FeeAddress are required"))
	} else if c.VaultAddress.Equals(c.FeeAddress) {
		errs = append(errs, fmt.Errorf("VaultAddress and FeeAddress must be different"))
	}

	if c.TicketPrice == 0 {
		errs = append(errs, fmt.Errorf("TicketPrice must be positive"))
	}

	if c.RoundDuration < time.Second {
		errs = append(errs, fmt.Errorf("RoundDuration must be at least 1 second"))
	}

	if c.RoundCooldown < 0 {
		errs = append(errs, fmt.Errorf("RoundCooldown cannot be negative"))
	}

	if _, err := raffle.ParseSplitBasis(string(c.SplitBasis)); err != nil {
		errs = append(errs, err)
	}

	if c.EligibilityMint.IsZero() {
		errs = append(errs, fmt.Errorf("EligibilityMint is required"))
	}

	if err := c.WatcherConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ResolveInterval < time.Second {
		errs = append(errs, fmt.Errorf("ResolveInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RaffleConfig returns the pool parameters for the accounting authority.
func (c *Config) RaffleConfig() raffle.Config {
	return raffle.Config{
		ProgramID:     c.ProgramID,
		Vault:         c.VaultAddress,
		FeeAddress:    c.FeeAddress,
		TicketPrice:   c.TicketPrice,
		RoundDuration: c.RoundDuration,
		Cooldown:      c.RoundCooldown,
		SplitBasis:    c.SplitBasis,
	}
}

// WatcherConfig returns the payment watch budget.
func (c *Config) WatcherConfig() watcher.Config {
	return watcher.Config{
		MaxCycles:      c.WatchMaxCycles,
		CycleDelay:     c.WatchCycleDelay,
		FetchAttempts:  c.WatchFetchAttempts,
		InitialBackoff: c.WatchInitialBackoff,
		ListErrorDelay: c.WatchListErrorDelay,
	}
}

// WatchTimeout bounds a whole payment watch: the full cycle budget plus slack
// for ledger fetch retries.
func (c *Config) WatchTimeout() time.Duration {
	return time.Duration(c.WatchMaxCycles)*c.WatchCycleDelay + 5*time.Minute
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseUint parses a lamport or token amount from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid amount %q: %w", key, value, err)
	}
	return result, nil
}

// parsePublicKey parses a base58 address. An empty defaultValue makes the key required.
func parsePublicKey(key, defaultValue string) (solana.PublicKey, error) {
	value := getEnvOrDefault(key, defaultValue)
	if value == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", key)
	}
	pk, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: invalid address %q: %w", key, value, err)
	}
	return pk, nil
}
