package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr     string // e.g. redis:6379
	Password string
	DB       int
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, used for /stats polling
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	DeliveriesTopic string // NSQ topic for delivery tasks
	WorkerChannel   string // NSQ channel shared by competing workers
}

type RateLimit struct {
	Window  time.Duration // length of one admission window
	Max     int           // requests allowed per caller key per window
	Backend string        // "redis" or "memory"
}

type Worker struct {
	Concurrency     int           // concurrent NSQ handlers / max in flight
	DeliveryTimeout time.Duration // bound on a single outbound call
	HTTPPort        string        // Worker HTTP metrics port
	MonitorInterval time.Duration // queue backlog poll interval
}

type FakeReceiver struct {
	Port          string        // Server listen port
	ResponseCode  int           // Status code returned to the relay
	ResponseDelay time.Duration // Simulated response delay
	FailFirstN    int           // Number of requests answered with 500 first
}

type Config struct {
	AppName        string
	HTTPPort       string // :3000
	GRPCPort       string // :50051
	JWTSecret      string // HS256 secret for the status API
	MigrateOnStart bool
	DB             DB
	Redis          Redis
	NSQ            NSQ
	RateLimit      RateLimit
	Worker         Worker
	FakeReceiver   FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// positive returns v when it is greater than zero, def otherwise
func positive[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Load reads the given dotenv files (".env" when none are named) into the
// process environment, then builds the config. Variables already set win, and
// a missing file is not an error.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "harborrelay"),
		HTTPPort:       getenv("HTTP_PORT", ":3000"),
		GRPCPort:       getenv("GRPC_PORT", ":50051"),
		JWTSecret:      getenv("JWT_SECRET", ""),
		MigrateOnStart: getenvBool("MIGRATE_ON_START", false),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborrelay"),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "webhook_deliveries"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		RateLimit: RateLimit{
			Window:  positive(getenvDuration("RATE_LIMIT_WINDOW", time.Second), time.Second),
			Max:     positive(getenvInt("RATE_LIMIT_MAX", 5), 5),
			Backend: getenv("RATE_LIMIT_BACKEND", "redis"),
		},
		Worker: Worker{
			Concurrency:     positive(getenvInt("WORKER_CONCURRENCY", 10), 10),
			DeliveryTimeout: positive(getenvDuration("DELIVERY_TIMEOUT", 30*time.Second), 30*time.Second),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
			MonitorInterval: positive(getenvDuration("QUEUE_MONITOR_INTERVAL", 15*time.Second), 15*time.Second),
		},
		FakeReceiver: FakeReceiver{
			Port:          getenv("FAKE_RECEIVER_PORT", ":8081"),
			ResponseCode:  getenvInt("FAKE_RECEIVER_STATUS", 200),
			ResponseDelay: getenvDuration("FAKE_RECEIVER_DELAY", 0),
			FailFirstN:    getenvInt("FAIL_FIRST_N", 0),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
