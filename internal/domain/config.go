package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure choices
	Tier Tier `json:"tier"`

	// Engine holds the scoring engine policy constants.
	Engine EngineConfig `json:"engine"`

	// AsyncScoring routes ingested transactions through the event bus
	// and worker instead of scoring inline in the request handler.
	AsyncScoring bool `json:"asyncScoring"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig holds the scoring policy constants. The defaults are load
// bearing: existing behavior expectations depend on 0.4/0.3/0.3 fusion
// weights and the 70-point anomaly threshold.
type EngineConfig struct {
	// Fusion weights for anomaly, behavioral and classifier scores.
	AnomalyWeight    float64 `json:"anomalyWeight"`
	BehavioralWeight float64 `json:"behavioralWeight"`
	ClassifierWeight float64 `json:"classifierWeight"`

	// AnomalyThreshold is the fused score above which (strictly) a
	// transaction is flagged.
	AnomalyThreshold int `json:"anomalyThreshold"`

	// TrainingPercentile is the percentile of training reconstruction
	// error used as the anomaly detector's threshold.
	TrainingPercentile float64 `json:"trainingPercentile"`

	// ExtendedFeatures enables the multi-window feature schema.
	ExtendedFeatures bool `json:"extendedFeatures"`

	// MaxAlertsPerHolderPerDay throttles alert publication per holder.
	// Zero disables throttling.
	MaxAlertsPerHolderPerDay int64 `json:"maxAlertsPerHolderPerDay"`

	// IngestBurstPerMinute flags holders submitting more than this many
	// transactions in a minute. Zero disables the check.
	IngestBurstPerMinute int64 `json:"ingestBurstPerMinute"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultEngineConfig returns the engine policy defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AnomalyWeight:            0.4,
		BehavioralWeight:         0.3,
		ClassifierWeight:         0.3,
		AnomalyThreshold:         70,
		TrainingPercentile:       0.90,
		ExtendedFeatures:         false,
		MaxAlertsPerHolderPerDay: 50,
		IngestBurstPerMinute:     120,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.AsyncScoring = true
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
