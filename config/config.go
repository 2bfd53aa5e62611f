package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/payout"
)

// Config is the process configuration of the mlm tools.
type Config struct {
	StoreDir      string
	NodeID        int64
	OpTimeout     time.Duration
	MaxAttempts   int
	LevelCap      int
	Schedule      payout.Schedule
	Workers       int
	RateLimit     float64 // sales per second, 0 for unlimited
	RedisAddr     string
	RedisPassword string
	QueuePrefix   string
	SpoolDir      string
	ReportDSN     string
	Debug         bool
}

// LoadConfig reads .env, if present, and the environment.
func LoadConfig() (cfg *Config, err error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using system environment variables")
	}

	cfg = &Config{
		StoreDir:      getEnv("STORE_DIR", "mlmdb"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		QueuePrefix:   getEnv("QUEUE_PREFIX", "mlm:sales"),
		SpoolDir:      getEnv("SPOOL_DIR", ""),
		ReportDSN:     getEnv("REPORT_DSN", ""),
		Debug:         getEnv("DEBUG", "") == "1",
	}

	nodeID, err := strconv.ParseInt(getEnv("NODE_ID", "1"), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "NODE_ID")
	}
	cfg.NodeID = nodeID

	cfg.OpTimeout, err = time.ParseDuration(getEnv("OP_TIMEOUT", payout.DefaultOpTimeout.String()))
	if err != nil {
		return nil, errors.Wrap(err, "OP_TIMEOUT")
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"MAX_ATTEMPTS", payout.DefaultMaxAttempts, &cfg.MaxAttempts},
		{"LEVEL_CAP", payout.DefaultLevelCap, &cfg.LevelCap},
		{"WORKERS", 4, &cfg.Workers},
	}
	for _, i := range ints {
		*i.dst, err = strconv.Atoi(getEnv(i.key, strconv.Itoa(i.fallback)))
		if err != nil {
			return nil, errors.Wrap(err, i.key)
		}
		if *i.dst < 1 {
			return nil, errors.Errorf("%s must be positive, got %d", i.key, *i.dst)
		}
	}

	cfg.RateLimit, err = strconv.ParseFloat(getEnv("RATE_LIMIT", "0"), 64)
	if err != nil {
		return nil, errors.Wrap(err, "RATE_LIMIT")
	}

	cfg.Schedule = payout.DefaultSchedule
	if s, ok := os.LookupEnv("SCHEDULE"); ok {
		cfg.Schedule, err = payout.ParseSchedule(s)
		if err != nil {
			return nil, errors.Wrap(err, "SCHEDULE")
		}
	}
	return
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
