// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ServiceName    = "reservation-service"
	ServiceVersion = "0.1.0"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	LedgerStatic   = "static"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMongo    = "mongo"
)

type Config struct {
	HTTPPort string

	StoreBackend  string
	LedgerBackend string

	RedisAddr     string
	RedisPassword string

	DBHost           string
	DBPort           int
	DBUser           string
	DBPassword       string
	DBName           string
	DBMigrationsPath string
	SQLitePath       string
	SQLiteMigrations string
	MongoURI         string
	MongoDBName      string
	KafkaBrokers     []string
	InitialStock     map[int64]int

	HoldTTL         time.Duration
	ReaperInterval  time.Duration
	ReaperBatchSize int
	OpTimeout       time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	OtelEndpoint string
	LogFormat    string
	LogLevel     string
}

// Load builds the config from the environment. Unset keys take defaults;
// malformed values are errors.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		StoreBackend:     getEnv("STORE_BACKEND", StoreMemory),
		LedgerBackend:    getEnv("LEDGER_BACKEND", LedgerStatic),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           p.int("DB_PORT", 5432),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", "postgres"),
		DBName:           getEnv("DB_NAME", "reservations"),
		DBMigrationsPath: getEnv("DB_MIGRATIONS_PATH", "internal/repository/postgres/migrations"),
		SQLitePath:       getEnv("SQLITE_PATH", "./catalog.db"),
		SQLiteMigrations: getEnv("SQLITE_MIGRATIONS_PATH", "internal/ledger/migrations/sqlite"),
		MongoURI:         getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:      getEnv("MONGO_DB_NAME", "catalog"),
		KafkaBrokers:     parseCSV(getEnv("KAFKA_BROKERS", "")),

		HoldTTL:         p.duration("HOLD_TTL", 30*time.Minute),
		ReaperInterval:  p.duration("REAPER_INTERVAL", 30*time.Second),
		ReaperBatchSize: p.int("REAPER_BATCH_SIZE", 100),
		OpTimeout:       p.duration("OP_TIMEOUT", 2*time.Second),
		RequestTimeout:  p.duration("REQUEST_TIMEOUT", 10*time.Second),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),

		BreakerMaxFailures: uint32(p.int("BREAKER_MAX_FAILURES", 5)),
		BreakerOpenTimeout: p.duration("BREAKER_OPEN_TIMEOUT", 10*time.Second),

		OtelEndpoint: getEnv("OTEL_ENDPOINT", ""),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	stock, err := ParseStock(getEnv("INITIAL_STOCK", "1:100,2:500,3:300,4:150,5:200"))
	if err != nil {
		p.errs = append(p.errs, err)
	}
	cfg.InitialStock = stock

	if len(p.errs) > 0 {
		return nil, p.errs[0]
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, postgres; got %q", c.StoreBackend)
	}
	switch c.LedgerBackend {
	case LedgerStatic, LedgerSQLite, LedgerPostgres, LedgerMongo:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be one of static, sqlite, postgres, mongo; got %q", c.LedgerBackend)
	}
	if c.HoldTTL < 0 {
		return fmt.Errorf("HOLD_TTL must not be negative")
	}
	if c.BreakerMaxFailures == 0 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects the first bad value instead of failing per key
type parser struct {
	errs []error
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err))
		return defaultValue
	}
	return d
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid non-negative integer %q", key, raw))
		return defaultValue
	}
	return n
}

// ParseStock reads "id:qty,id:qty" into a map.
func ParseStock(input string) (map[int64]int, error) {
	stock := make(map[int64]int)
	for _, entry := range parseCSV(input) {
		idStr, qtyStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("INITIAL_STOCK: entry %q is not id:qty", entry)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("INITIAL_STOCK: invalid product id in %q", entry)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(qtyStr))
		if err != nil || qty < 0 {
			return nil, fmt.Errorf("INITIAL_STOCK: invalid quantity in %q", entry)
		}
		stock[id] = qty
	}
	return stock, nil
}

func parseCSV(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// LoadEnvFile looks for a .env in the working directory and its parents and
// exports every key not already set. It returns the file used, or "".
func LoadEnvFile() (string, error) {
	path, err := findEnvFile()
	if err != nil || path == "" {
		return "", err
	}

	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	return path, nil
}

func findEnvFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for i := 0; i < 6; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}
