package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/contextgraph/pkg/retry"
)

const (
	QueueBackendStore = "store"
	QueueBackendKafka = "kafka"

	envPrefix = "CONTEXTGRAPH_"

	defaultDatabaseURI       = "duckdb://.tmp/contextgraph.duckdb"
	defaultK                 = 5
	defaultN                 = 20
	defaultSchedulerInterval = 5 * time.Minute
	defaultConcurrency       = 4
	defaultJobTimeout        = 10 * time.Minute
	defaultResultTTL         = 24 * time.Hour
	defaultFailureTTL        = 7 * 24 * time.Hour
	defaultKafkaTopicPrefix  = "contextgraph"
	defaultKafkaGroup        = "contextgraph-worker"
	defaultIdentityDomain    = "ocg.local"
	defaultListenAddr        = "127.0.0.1:8080"
	defaultMetricsAddr       = "0.0.0.0:0"
	defaultAuthLeeway        = 60 * time.Second

	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
)

// Config is the process-wide configuration. It is built once at startup and passed
// explicitly into every component that needs it.
type Config struct {
	DatabaseURI string

	QueueBackend     string
	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroup       string

	// K and N gate pattern publication: a pattern is published only when it spans at
	// least K distinct users and N distinct traces.
	K int
	N int

	RetentionEnabled     bool
	RetentionRawDays     int
	RetentionTraceDays   int
	RetentionContextDays int

	SchedulerInterval  time.Duration
	IncludeIdentity    bool
	IncludeAggregation bool
	WorkerConcurrency  int
	JobTimeout         time.Duration
	ResultTTL          time.Duration
	FailureTTL         time.Duration

	Retry retry.Policy

	// ResolveSuggestedSteps makes suggestions report the concrete next step instead of the
	// unknown placeholder.
	ResolveSuggestedSteps bool

	IdentityDomain string
	ListenAddr     string
	MetricsAddr    string
	Verbose        bool

	// AuthMode is header (trusted proxy headers, loopback only) or jwt (HS256 bearer tokens).
	AuthMode     string
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string
	AuthLeeway   time.Duration
}

func Default() Config {
	return Config{
		DatabaseURI:          defaultDatabaseURI,
		QueueBackend:         QueueBackendStore,
		KafkaTopicPrefix:     defaultKafkaTopicPrefix,
		KafkaGroup:           defaultKafkaGroup,
		K:                    defaultK,
		N:                    defaultN,
		RetentionEnabled:     true,
		RetentionRawDays:     30,
		RetentionTraceDays:   180,
		RetentionContextDays: 365,
		SchedulerInterval:    defaultSchedulerInterval,
		IncludeIdentity:      true,
		IncludeAggregation:   true,
		WorkerConcurrency:    defaultConcurrency,
		JobTimeout:           defaultJobTimeout,
		ResultTTL:            defaultResultTTL,
		FailureTTL:           defaultFailureTTL,
		Retry:                retry.DefaultPolicy(),
		IdentityDomain:       defaultIdentityDomain,
		ListenAddr:           defaultListenAddr,
		MetricsAddr:          defaultMetricsAddr,
		AuthMode:             AuthModeHeader,
		AuthLeeway:           defaultAuthLeeway,
	}
}

func (c *Config) Validate() error {
	if c.DatabaseURI == "" {
		return errors.New("database uri is required")
	}
	if c.K < 1 {
		return fmt.Errorf("k must be >= 1 (got %d)", c.K)
	}
	if c.N < 1 {
		return fmt.Errorf("n must be >= 1 (got %d)", c.N)
	}
	switch c.QueueBackend {
	case QueueBackendStore:
	case QueueBackendKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("kafka brokers are required for the kafka queue backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	if c.SchedulerInterval <= 0 {
		return errors.New("scheduler interval must be > 0")
	}
	if c.WorkerConcurrency < 1 {
		return errors.New("worker concurrency must be >= 1")
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be > 0")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	return c.validateAuth()
}

func (c *Config) validateAuth() error {
	switch c.AuthMode {
	case AuthModeHeader:
		if !isLoopback(c.ListenAddr) {
			return fmt.Errorf("auth mode must be %s when listening on non-local address %q", AuthModeJWT, c.ListenAddr)
		}
	case AuthModeJWT:
		var missing []string
		if c.AuthSecret == "" {
			missing = append(missing, "secret")
		}
		if c.AuthIssuer == "" {
			missing = append(missing, "issuer")
		}
		if c.AuthAudience == "" {
			missing = append(missing, "audience")
		}
		if len(missing) > 0 {
			return fmt.Errorf("jwt auth requires %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	if c.AuthLeeway < 0 {
		return errors.New("auth leeway must be >= 0")
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	switch host {
	case "localhost":
		return true
	case "":
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BindFlags registers flags for every field on fs, using the current values of c as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURI, "database-uri", c.DatabaseURI, "database URI: duckdb://<path>, duckdb:// (in-memory) or postgres://... (or set CONTEXTGRAPH_DATABASE_URI)")
	fs.StringVar(&c.QueueBackend, "queue-backend", c.QueueBackend, "queue backend (store, kafka)")
	fs.StringSliceVar(&c.KafkaBrokers, "kafka-brokers", c.KafkaBrokers, "kafka seed brokers for the kafka queue backend")
	fs.StringVar(&c.KafkaTopicPrefix, "kafka-topic-prefix", c.KafkaTopicPrefix, "prefix for kafka queue topics")
	fs.StringVar(&c.KafkaGroup, "kafka-group", c.KafkaGroup, "kafka consumer group for workers")
	fs.IntVar(&c.K, "k-anonymity-k", c.K, "minimum distinct users for a pattern to be published")
	fs.IntVar(&c.N, "k-anonymity-n", c.N, "minimum distinct traces for a pattern to be published")
	fs.BoolVar(&c.RetentionEnabled, "retention-enabled", c.RetentionEnabled, "allow retaining data; when false aggregation never publishes")
	fs.DurationVar(&c.SchedulerInterval, "scheduler-interval", c.SchedulerInterval, "interval between scheduler cycles")
	fs.BoolVar(&c.IncludeIdentity, "include-identity", c.IncludeIdentity, "enqueue the identity/knowledge graph job each cycle")
	fs.BoolVar(&c.IncludeAggregation, "include-aggregation", c.IncludeAggregation, "enqueue the aggregation job each cycle")
	fs.IntVar(&c.WorkerConcurrency, "worker-concurrency", c.WorkerConcurrency, "number of jobs executed in parallel")
	fs.DurationVar(&c.JobTimeout, "job-timeout", c.JobTimeout, "maximum duration of a single job")
	fs.DurationVar(&c.ResultTTL, "result-ttl", c.ResultTTL, "how long finished job records are kept")
	fs.DurationVar(&c.FailureTTL, "failure-ttl", c.FailureTTL, "how long failed job records are kept")
	fs.IntVar(&c.Retry.MaxAttempts, "retry-max-attempts", c.Retry.MaxAttempts, "maximum attempts for connector fetches")
	fs.DurationVar(&c.Retry.BaseDelay, "retry-base-delay", c.Retry.BaseDelay, "base delay for connector fetch retries")
	fs.DurationVar(&c.Retry.MaxDelay, "retry-max-delay", c.Retry.MaxDelay, "maximum delay for connector fetch retries")
	fs.BoolVar(&c.ResolveSuggestedSteps, "resolve-suggested-steps", c.ResolveSuggestedSteps, "report concrete steps in next-step suggestions")
	fs.StringVar(&c.IdentityDomain, "identity-domain", c.IdentityDomain, "email domain assigned to resolved identities")
	fs.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "HTTP API listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address to listen on for prometheus metrics")
	fs.StringVar(&c.AuthMode, "auth-mode", c.AuthMode, "API authentication (header, jwt); non-local listen addresses require jwt")
	fs.StringVar(&c.AuthIssuer, "auth-issuer", c.AuthIssuer, "expected bearer token issuer in jwt mode")
	fs.StringVar(&c.AuthAudience, "auth-audience", c.AuthAudience, "expected bearer token audience in jwt mode")
	fs.DurationVar(&c.AuthLeeway, "auth-leeway", c.AuthLeeway, "clock skew allowed when checking token times")
}

// Load returns the defaults overridden by a .env file (if present) and CONTEXTGRAPH_*
// environment variables. Flags bound afterwards take precedence.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("DATABASE_URI"); ok {
		c.DatabaseURI = v
	}
	if v, ok := get("QUEUE_BACKEND"); ok {
		c.QueueBackend = v
	}
	if v, ok := get("KAFKA_BROKERS"); ok {
		c.KafkaBrokers = strings.Split(v, ",")
	}
	if v, ok := get("KAFKA_TOPIC_PREFIX"); ok {
		c.KafkaTopicPrefix = v
	}
	if v, ok := get("KAFKA_GROUP"); ok {
		c.KafkaGroup = v
	}
	if v, ok := get("IDENTITY_DOMAIN"); ok {
		c.IdentityDomain = v
	}
	if v, ok := get("LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := get("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := get("AUTH_MODE"); ok {
		c.AuthMode = v
	}
	if v, ok := get("AUTH_SECRET"); ok {
		c.AuthSecret = v
	}
	if v, ok := get("AUTH_ISSUER"); ok {
		c.AuthIssuer = v
	}
	if v, ok := get("AUTH_AUDIENCE"); ok {
		c.AuthAudience = v
	}

	ints := map[string]*int{
		"K_ANONYMITY_K":          &c.K,
		"K_ANONYMITY_N":          &c.N,
		"RETENTION_RAW_DAYS":     &c.RetentionRawDays,
		"RETENTION_TRACE_DAYS":   &c.RetentionTraceDays,
		"RETENTION_CONTEXT_DAYS": &c.RetentionContextDays,
		"WORKER_CONCURRENCY":     &c.WorkerConcurrency,
		"RETRY_MAX_ATTEMPTS":     &c.Retry.MaxAttempts,
	}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"RETENTION_ENABLED":       &c.RetentionEnabled,
		"INCLUDE_IDENTITY":        &c.IncludeIdentity,
		"INCLUDE_AGGREGATION":     &c.IncludeAggregation,
		"VERBOSE":                 &c.Verbose,
		"RESOLVE_SUGGESTED_STEPS": &c.ResolveSuggestedSteps,
	}
	for name, dst := range bools {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"SCHEDULER_INTERVAL": &c.SchedulerInterval,
		"JOB_TIMEOUT":        &c.JobTimeout,
		"RESULT_TTL":         &c.ResultTTL,
		"FAILURE_TTL":        &c.FailureTTL,
		"RETRY_BASE_DELAY":   &c.Retry.BaseDelay,
		"RETRY_MAX_DELAY":    &c.Retry.MaxDelay,
		"AUTH_LEEWAY":        &c.AuthLeeway,
	}
	for name, dst := range durations {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}
	return nil
}
