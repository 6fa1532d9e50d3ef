// Package config loads companion configuration: built-in defaults, then an
// optional YAML file, then environment overrides. The result is validated
// before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	HTTP    HTTP    `yaml:"http"`
	Neo4j   Neo4j   `yaml:"neo4j"`
	Qdrant  Qdrant  `yaml:"qdrant"`
	NATS    NATS    `yaml:"nats"`
	Redis   Redis   `yaml:"redis"`
	Minio   Minio   `yaml:"minio"`
	AI      AI      `yaml:"ai"`
	Query   Query   `yaml:"query"`
	Manual  Manual  `yaml:"manual"`
	Service Service `yaml:"service"`
}

// HTTP configures the API listener. Client sessions idle longer than
// SessionIdleTimeout are dropped, and at most MaxSessions are kept.
type HTTP struct {
	Addr               string        `yaml:"addr" validate:"required"`
	CORSOrigin         string        `yaml:"corsOrigin"`
	MaxBodyBytes       int64         `yaml:"maxBodyBytes" validate:"gt=0"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout" validate:"gt=0"`
	MaxSessions        int           `yaml:"maxSessions" validate:"gt=0"`
}

// Neo4j backs vehicles and manual documents. Empty URL keeps them in memory.
type Neo4j struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Database string `yaml:"database"`
}

// Qdrant holds indexed manual chunks. Empty Addr disables vector purges.
type Qdrant struct {
	Addr       string `yaml:"addr" validate:"omitempty,hostname_port"`
	Collection string `yaml:"collection" validate:"required_with=Addr"`
}

// NATS carries manual status events and, optionally, AI requests.
type NATS struct {
	URL string `yaml:"url"`
}

// Redis stores query history. Empty Addr keeps history in memory.
type Redis struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// Minio stores uploaded manual files. Empty Endpoint keeps them in memory.
type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey" validate:"required_with=Endpoint"`
	SecretKey string `yaml:"secretKey" validate:"required_with=Endpoint"`
	Bucket    string `yaml:"bucket" validate:"required_with=Endpoint"`
	UseSSL    bool   `yaml:"useSSL"`
}

// AI configures the backend that answers grounded queries.
type AI struct {
	Transport        string        `yaml:"transport" validate:"oneof=http nats"`
	BaseURL          string        `yaml:"baseURL" validate:"required_if=Transport http,omitempty,url"`
	APIKey           string        `yaml:"apiKey"`
	SubjectPrefix    string        `yaml:"subjectPrefix" validate:"required_if=Transport nats"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	RatePerSecond    float64       `yaml:"ratePerSecond" validate:"gt=0"`
	Burst            int           `yaml:"burst" validate:"gt=0"`
	BreakerThreshold int           `yaml:"breakerThreshold" validate:"gt=0"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown" validate:"gt=0"`
}

// Query tunes request shaping and history.
type Query struct {
	ChatHistoryTurns int `yaml:"chatHistoryTurns" validate:"gt=0"`
	HistoryEntries   int `yaml:"historyEntries" validate:"gt=0"`
}

// Manual tunes manual uploads. IndexSubject receives uploaded manuals for
// indexing; StatusSubject carries the indexer's progress back. A record still
// pending after ProcessingTimeout may be replaced by a new upload.
type Manual struct {
	MaxBytes          int64         `yaml:"maxBytes" validate:"gt=0"`
	IndexSubject      string        `yaml:"indexSubject" validate:"required"`
	StatusSubject     string        `yaml:"statusSubject" validate:"required,nefield=IndexSubject"`
	ProcessingTimeout time.Duration `yaml:"processingTimeout" validate:"gt=0"`
}

type Service struct {
	Name string `yaml:"name" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTP{
			Addr:               ":8080",
			CORSOrigin:         "*",
			MaxBodyBytes:       25 << 20,
			ShutdownTimeout:    10 * time.Second,
			SessionIdleTimeout: 30 * time.Minute,
			MaxSessions:        10000,
		},
		Neo4j:  Neo4j{User: "neo4j", Database: "neo4j"},
		Qdrant: Qdrant{Collection: "manual_chunks"},
		Redis:  Redis{},
		Minio:  Minio{Bucket: "manuals"},
		AI: AI{
			Transport:        "http",
			BaseURL:          "http://localhost:54321",
			SubjectPrefix:    "companion.ai",
			Timeout:          60 * time.Second,
			RatePerSecond:    2,
			Burst:            4,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Query: Query{ChatHistoryTurns: 10, HistoryEntries: 50},
		Manual: Manual{
			MaxBytes:          20 << 20,
			IndexSubject:      "companion.manual.index",
			StatusSubject:     "companion.manual.status",
			ProcessingTimeout: 30 * time.Minute,
		},
		Service: Service{Name: "wessley-companion"},
	}
}

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the process environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	parsed := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		parsed(key, func(v string) (err error) { *dst, err = time.ParseDuration(v); return })
	}
	i64 := func(key string, dst *int64) {
		parsed(key, func(v string) (err error) { *dst, err = strconv.ParseInt(v, 10, 64); return })
	}
	num := func(key string, dst *int) {
		parsed(key, func(v string) (err error) { *dst, err = strconv.Atoi(v); return })
	}
	flag := func(key string, dst *bool) {
		parsed(key, func(v string) (err error) { *dst, err = strconv.ParseBool(v); return })
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("SERVICE_NAME", &cfg.Service.Name)

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	if port, ok := lookup("PORT"); ok && port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	str("CORS_ORIGIN", &cfg.HTTP.CORSOrigin)
	i64("HTTP_MAX_BODY_BYTES", &cfg.HTTP.MaxBodyBytes)
	dur("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	dur("HTTP_SESSION_IDLE_TIMEOUT", &cfg.HTTP.SessionIdleTimeout)
	num("HTTP_MAX_SESSIONS", &cfg.HTTP.MaxSessions)

	str("NEO4J_URL", &cfg.Neo4j.URL)
	str("NEO4J_USER", &cfg.Neo4j.User)
	str("NEO4J_PASS", &cfg.Neo4j.Pass)
	str("NEO4J_DATABASE", &cfg.Neo4j.Database)

	str("QDRANT_URL", &cfg.Qdrant.Addr)
	str("QDRANT_COLLECTION", &cfg.Qdrant.Collection)

	str("NATS_URL", &cfg.NATS.URL)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)

	str("MINIO_ENDPOINT", &cfg.Minio.Endpoint)
	str("MINIO_ACCESS_KEY", &cfg.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.Minio.SecretKey)
	str("MINIO_BUCKET", &cfg.Minio.Bucket)
	flag("MINIO_USE_SSL", &cfg.Minio.UseSSL)

	str("AI_TRANSPORT", &cfg.AI.Transport)
	str("AI_BASE_URL", &cfg.AI.BaseURL)
	str("AI_API_KEY", &cfg.AI.APIKey)
	str("AI_SUBJECT_PREFIX", &cfg.AI.SubjectPrefix)
	dur("AI_TIMEOUT", &cfg.AI.Timeout)
	parsed("AI_RATE_PER_SECOND", func(v string) (err error) { cfg.AI.RatePerSecond, err = strconv.ParseFloat(v, 64); return })
	num("AI_BURST", &cfg.AI.Burst)
	num("AI_BREAKER_THRESHOLD", &cfg.AI.BreakerThreshold)
	dur("AI_BREAKER_COOLDOWN", &cfg.AI.BreakerCooldown)

	num("CHAT_HISTORY_TURNS", &cfg.Query.ChatHistoryTurns)
	num("HISTORY_ENTRIES", &cfg.Query.HistoryEntries)

	i64("MANUAL_MAX_BYTES", &cfg.Manual.MaxBytes)
	str("MANUAL_INDEX_SUBJECT", &cfg.Manual.IndexSubject)
	str("MANUAL_STATUS_SUBJECT", &cfg.Manual.StatusSubject)
	dur("MANUAL_PROCESSING_TIMEOUT", &cfg.Manual.ProcessingTimeout)

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
