package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32 // pool size
	Enabled  bool  // false runs without durable storage
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	ReceiptsTopic   string // live engagement receipts pushed by the transport
	ReceiptsChannel string // NSQ channel name for the relay consumer
	DLQTopic        string // exhausted delivery jobs
	Enabled         bool
}

type Delivery struct {
	MaxAttempts    int           // attempts per job, first one included
	RetryBaseDelay time.Duration // base of the exponential backoff
	RetryMaxDelay  time.Duration // backoff cap
	JitterPercent  float64       // backoff jitter percentage (0.0-1.0)
	PublishDLQ     bool          // publish exhausted jobs to the DLQ topic
}

type Planner struct {
	Ladder                   []int         // progressive batch sizes
	FastThreshold            time.Duration // below: skip a ladder step
	SlowThreshold            time.Duration // above: regress
	MinRecipientsForAdaptive int           // below: one direct send
	HardCeiling              int           // max recipients per transport call
	InterBatchDelay          time.Duration // minimum spacing between batch calls
}

type Memory struct {
	FreshnessWindow time.Duration // proven batch size expiry
	SweepInterval   time.Duration // janitor period
	LatencyWeight   float64       // EMA weight of the newest sample
}

type Engagement struct {
	HistoryTimeout time.Duration // bulk fetch deadline
	HistoryCount   int           // default receipts requested per fetch
}

type Transport struct {
	BaseURL          string        // transport sidecar, e.g. http://transport:8081
	Timeout          time.Duration // per HTTP call
	BreakerFailures  int           // consecutive failures before the breaker opens
	BreakerResetTime time.Duration // open -> half-open
	StatusAddress    string        // broadcast address for status posts
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

type Recipients struct {
	DefaultServer string // server suffix appended to bare phone numbers
}

type Config struct {
	AppName    string
	HTTPPort   string // :8080
	GRPCPort   string // :50051
	DB         DB
	NSQ        NSQ
	Delivery   Delivery
	Planner    Planner
	Memory     Memory
	Engagement Engagement
	Transport  Transport
	Auth       Auth
	Recipients Recipients
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// DefaultLadder is the progressive batch size ladder used when none is configured.
func DefaultLadder() []int {
	return []int{100, 500, 1000, 2000, 4000, 5000}
}

// parseLadder reads a comma separated list of ascending positive batch sizes.
// Invalid or out of order entries are skipped; an empty result falls back to the default.
func parseLadder(ladder string) []int {
	if ladder == "" {
		return DefaultLadder()
	}

	parts := strings.Split(ladder, ",")
	steps := make([]int, 0, len(parts))

	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			continue
		}
		if len(steps) > 0 && n <= steps[len(steps)-1] {
			continue
		}
		steps = append(steps, n)
	}

	if len(steps) == 0 {
		return DefaultLadder()
	}

	return steps
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "statusrelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "statusrelay"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
			Enabled:  getenvBool("DB_ENABLED", true),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			ReceiptsTopic:   getenv("NSQ_RECEIPTS_TOPIC", "receipts"),
			ReceiptsChannel: getenv("NSQ_RECEIPTS_CHANNEL", "relay"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			Enabled:         getenvBool("NSQ_ENABLED", true),
		},
		Delivery: Delivery{
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 3),
			RetryBaseDelay: getenvDuration("RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:  getenvDuration("RETRY_MAX_DELAY", 30*time.Second),
			JitterPercent:  getenvFloat("BACKOFF_JITTER_PCT", 0.2),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Planner: Planner{
			Ladder:                   parseLadder(getenv("BATCH_LADDER", "")),
			FastThreshold:            getenvDuration("BATCH_FAST_THRESHOLD", 2*time.Second),
			SlowThreshold:            getenvDuration("BATCH_SLOW_THRESHOLD", 10*time.Second),
			MinRecipientsForAdaptive: getenvInt("MIN_RECIPIENTS_FOR_ADAPTIVE", 100),
			HardCeiling:              getenvInt("BATCH_HARD_CEILING", 10000),
			InterBatchDelay:          getenvDuration("INTER_BATCH_DELAY", 0),
		},
		Memory: Memory{
			FreshnessWindow: getenvDuration("PERF_FRESHNESS_WINDOW", 24*time.Hour),
			SweepInterval:   getenvDuration("PERF_SWEEP_INTERVAL", 10*time.Minute),
			LatencyWeight:   getenvFloat("PERF_LATENCY_WEIGHT", 0.2),
		},
		Engagement: Engagement{
			HistoryTimeout: getenvDuration("HISTORY_TIMEOUT", 30*time.Second),
			HistoryCount:   getenvInt("HISTORY_COUNT", 50),
		},
		Transport: Transport{
			BaseURL:          getenv("TRANSPORT_BASE_URL", "http://transport:8081"),
			Timeout:          getenvDuration("TRANSPORT_TIMEOUT", 60*time.Second),
			BreakerFailures:  getenvInt("TRANSPORT_BREAKER_FAILURES", 5),
			BreakerResetTime: getenvDuration("TRANSPORT_BREAKER_RESET", 30*time.Second),
			StatusAddress:    getenv("STATUS_ADDRESS", "status@broadcast"),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", false),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "statusrelay"),
			Audience:     getenv("JWT_AUDIENCE", "statusrelay-api"),
		},
		Recipients: Recipients{
			DefaultServer: getenv("RECIPIENT_DEFAULT_SERVER", "s.whatsapp.net"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
