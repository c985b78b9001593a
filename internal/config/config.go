// Package config provides configuration management for the pool services.
// Everything is read from environment variables; credentials are never defaulted.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Supported coins
const (
	CoinYenten    = "yenten"
	CoinKoto      = "koto"
	CoinRinCoin   = "rincoin"
	CoinUkkeyCoin = "ukkeycoin"
)

var defaultRPCPorts = map[string]int{
	CoinYenten:    9982,
	CoinKoto:      8432,
	CoinRinCoin:   9556,
	CoinUkkeyCoin: 9985,
}

// DaemonConfig holds the connection settings for one coin daemon
type DaemonConfig struct {
	Coin     string
	Host     string
	Port     int
	User     string
	Password string
	ZMQAddr  string
	Timeout  time.Duration

	// PoolAddress receives coinbase outputs; empty means ask the daemon
	PoolAddress string
}

// URL returns the daemon JSON-RPC endpoint
func (d DaemonConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// Config holds the configuration shared by stratumd, rewardd and payoutd
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Stratum listeners, port -> coin
	ListenAddr   string
	StratumPorts map[int]string

	// Coin daemons keyed by coin name
	Daemons map[string]DaemonConfig

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string

	// Stores
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Rewards
	PoolFeePercent     float64
	FinderBonusPercent float64
	PPLNSWindow        int
	PPLNSHorizon       time.Duration
	BlockReward        float64
	RewardScanInterval time.Duration

	// Payouts
	PayoutCoin       string
	PayoutThreshold  float64
	PayoutFeePercent float64
	PayoutInterval   time.Duration

	// Work and sessions
	JobRefreshInterval   time.Duration
	JobStaleWindow       time.Duration
	NtimeFutureWindow    time.Duration
	IdleTimeout          time.Duration
	HousekeepingInterval time.Duration
	InitialDifficulty    float64
	MaxMessageSize       int
	WorkerPoolSize       int
	WorkerQueueDepth     int
	BroadcastConcurrency int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment and validates it
func Load() (*Config, error) {
	ports, err := parsePortMap(getEnv("STRATUM_PORTS", "3333:yenten,4444:koto,5555:yenten"))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	rpcTimeout := getEnvDuration("RPC_TIMEOUT", 10*time.Second)

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gomp-pool"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		ListenAddr:   getEnv("LISTEN_ADDR", "0.0.0.0"),
		StratumPorts: ports,
		Daemons:      make(map[string]DaemonConfig),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "gomp-pool"),

		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		InfluxURL:    getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "gomp"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		PoolFeePercent:     getEnvFloat("POOL_FEE_PERCENT", 1.0),
		FinderBonusPercent: getEnvFloat("FINDER_BONUS_PERCENT", 5.0),
		PPLNSWindow:        getEnvInt("PPLNS_WINDOW", 100000),
		PPLNSHorizon:       getEnvDuration("PPLNS_HORIZON", 24*time.Hour),
		BlockReward:        getEnvFloat("BLOCK_REWARD", 50.0),
		RewardScanInterval: getEnvDuration("REWARD_SCAN_INTERVAL", 2*time.Minute),

		PayoutCoin:       strings.ToLower(getEnv("PAYOUT_COIN", CoinYenten)),
		PayoutThreshold:  getEnvFloat("PAYOUT_THRESHOLD", 0.5),
		PayoutFeePercent: getEnvFloat("PAYOUT_FEE_PERCENT", 0.1),
		PayoutInterval:   getEnvDuration("PAYOUT_INTERVAL", 10*time.Minute),

		JobRefreshInterval:   getEnvDuration("JOB_REFRESH_INTERVAL", 30*time.Second),
		JobStaleWindow:       getEnvDuration("JOB_STALE_WINDOW", 2*time.Minute),
		NtimeFutureWindow:    getEnvDuration("NTIME_FUTURE_WINDOW", 2*time.Hour),
		IdleTimeout:          getEnvDuration("IDLE_TIMEOUT", 5*time.Minute),
		HousekeepingInterval: getEnvDuration("HOUSEKEEPING_INTERVAL", 30*time.Second),
		InitialDifficulty:    getEnvFloat("INITIAL_DIFFICULTY", 1.0),
		MaxMessageSize:       getEnvInt("MAX_MESSAGE_SIZE", 4096),
		WorkerPoolSize:       getEnvInt("WORKER_POOL_SIZE", 32),
		WorkerQueueDepth:     getEnvInt("WORKER_QUEUE_DEPTH", 1024),
		BroadcastConcurrency: getEnvInt("BROADCAST_CONCURRENCY", 64),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	for _, coin := range cfg.Coins() {
		cfg.Daemons[coin] = loadDaemon(coin, rpcTimeout)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Coins returns the distinct coins served by the stratum ports plus the payout coin, sorted
func (c *Config) Coins() []string {
	seen := map[string]bool{}
	if c.PayoutCoin != "" {
		seen[c.PayoutCoin] = true
	}
	for _, coin := range c.StratumPorts {
		seen[coin] = true
	}

	coins := make([]string, 0, len(seen))
	for coin := range seen {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	return coins
}

func loadDaemon(coin string, timeout time.Duration) DaemonConfig {
	prefix := strings.ToUpper(coin) + "_"
	return DaemonConfig{
		Coin:        coin,
		Host:        getEnv(prefix+"RPC_HOST", "localhost"),
		Port:        getEnvInt(prefix+"RPC_PORT", defaultRPCPorts[coin]),
		User:        getEnv(prefix+"RPC_USER", ""),
		Password:    getEnv(prefix+"RPC_PASSWORD", ""),
		ZMQAddr:     getEnv(prefix+"ZMQ_ADDR", ""),
		PoolAddress: getEnv(prefix+"POOL_ADDRESS", ""),
		Timeout:     timeout,
	}
}

// parsePortMap parses "3333:yenten,4444:koto"
func parsePortMap(value string) (map[int]string, error) {
	ports := make(map[int]string)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		portStr, coin, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("STRATUM_PORTS entry %q must be port:coin", entry)
		}

		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("STRATUM_PORTS entry %q has an invalid port", entry)
		}
		if _, dup := ports[port]; dup {
			return nil, fmt.Errorf("STRATUM_PORTS lists port %d twice", port)
		}

		ports[port] = strings.ToLower(strings.TrimSpace(coin))
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("STRATUM_PORTS must list at least one port")
	}
	return ports, nil
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	for port, coin := range c.StratumPorts {
		if _, ok := defaultRPCPorts[coin]; !ok {
			return fmt.Errorf("port %d maps to unsupported coin %q", port, coin)
		}
	}
	if _, ok := defaultRPCPorts[c.PayoutCoin]; !ok {
		return fmt.Errorf("PAYOUT_COIN %q is not supported", c.PayoutCoin)
	}

	for coin, d := range c.Daemons {
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("%s_RPC_PORT must be between 1 and 65535", strings.ToUpper(coin))
		}
		if d.Timeout <= 0 {
			return fmt.Errorf("RPC_TIMEOUT must be positive")
		}
	}

	if c.PoolFeePercent < 0 || c.PoolFeePercent > 100 {
		return fmt.Errorf("POOL_FEE_PERCENT must be between 0 and 100")
	}
	if c.FinderBonusPercent < 0 || c.FinderBonusPercent > 100 {
		return fmt.Errorf("FINDER_BONUS_PERCENT must be between 0 and 100")
	}
	if c.PayoutFeePercent < 0 || c.PayoutFeePercent >= 100 {
		return fmt.Errorf("PAYOUT_FEE_PERCENT must be between 0 and 100")
	}
	if c.PPLNSWindow <= 0 {
		return fmt.Errorf("PPLNS_WINDOW must be positive")
	}
	if c.BlockReward <= 0 {
		return fmt.Errorf("BLOCK_REWARD must be positive")
	}
	if c.PayoutThreshold <= 0 {
		return fmt.Errorf("PAYOUT_THRESHOLD must be positive")
	}
	if c.InitialDifficulty <= 0 {
		return fmt.Errorf("INITIAL_DIFFICULTY must be positive")
	}
	if c.WorkerPoolSize <= 0 || c.WorkerQueueDepth <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE and WORKER_QUEUE_DEPTH must be positive")
	}
	if c.IdleTimeout <= 0 || c.HousekeepingInterval <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT and HOUSEKEEPING_INTERVAL must be positive")
	}

	return nil
}

// RequirePostgres fails when POSTGRES_URL is unset. Only binaries that persist call it.
func (c *Config) RequirePostgres() error {
	if c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
