package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Kafka     KafkaConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
}

type KafkaConfig struct {
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	DialTimeout   time.Duration
}

// SchedulerConfig tunes the periodic remittance jobs. An empty job list
// enables every job.
type SchedulerConfig struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	LeaderTTL   time.Duration
	EnabledJobs []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "remittance"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Mode:         normalizeMode(getenv("APP_MODE", ModeAll)),
		Environment:  getenv("ENVIRONMENT", "development"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Kafka: KafkaConfig{
			Brokers:       parseList(getenv("KAFKA_BROKERS", "localhost:9092")),
			ClientID:      getenv("KAFKA_CLIENT_ID", "remittance"),
			ConsumerGroup: getenv("KAFKA_CONSUMER_GROUP", "billable-usage-aggregator"),
			DialTimeout:   getenvDuration("KAFKA_DIAL_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
			Enabled:  getenvBool("REDIS_ENABLED", true),
		},
		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			JobTimeout:  getenvDuration("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			LeaderTTL:   getenvDuration("SCHEDULER_LEADER_TTL", 3*time.Minute),
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
		},
	}

	return cfg
}

// Modes select which workers a process runs. ModeAll runs the aggregator,
// the status consumer and the scheduler in one process.
const (
	ModeAll        = "all"
	ModeAggregator = "aggregator"
	ModeScheduler  = "scheduler"
)

func (c Config) RunsAggregator() bool {
	return c.Mode == ModeAll || c.Mode == ModeAggregator
}

func (c Config) RunsScheduler() bool {
	return c.Mode == ModeAll || c.Mode == ModeScheduler
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeAggregator:
		return ModeAggregator
	case ModeScheduler:
		return ModeScheduler
	default:
		return ModeAll
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
