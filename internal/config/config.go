// Package config loads crawler configuration from environment variables,
// an optional .env file and an optional YAML keyword-table file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// telegram
	TGApiID   int
	TGApiHash string
	SessionDB string // sqlite file holding the MTProto session and run history

	// storage
	DataDir string // directory for entities.csv, members.csv, probable_members.csv

	// server
	HTTPPort int

	// nats (empty disables event publishing)
	NatsURL string

	// logging
	LogLevel string
	LogFile  string

	// keyword tables
	KeywordsFile string
	Keywords     KeywordTables

	Crawl CrawlConfig
}

// CrawlConfig holds the numeric tunables of the crawler.
type CrawlConfig struct {
	// search
	SearchLimit        int
	MinMembers         int
	FetchMetadata      bool
	SearchDelayMin     time.Duration
	SearchDelayMax     time.Duration
	MaxRateLimitPauses int

	// extraction
	ParticipantPageSize   int
	MaxParticipants       int
	MessagePageSize       int
	MessagePages          int
	MentionResolves       int
	ReactionMessages      int
	ReactorsPerMessage    int
	AssociationKeywords   int
	AssociationRelated    int
	AssociationMinScore   float64
	AssociationSampleSize int
	FallbackThreshold     int
	FallbackAlphabet      string
	SufficientMembers     int
	StrategyBudget        time.Duration
	Strategies            []string

	// concurrency & rate limiting
	Workers             int
	RateRPS             float64
	RateBurst           int
	MaxTransientRetries int

	// join
	JoinVerifyDelay time.Duration
}

// DefaultStrategies is the extraction order used when STRATEGIES is unset.
var DefaultStrategies = []string{
	"direct",
	"history",
	"reactions",
	"linked",
	"association",
	"fallback",
}

// Load reads configuration from the environment with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		TGApiID:      getEnvInt("TG_API_ID", 0),
		TGApiHash:    getEnv("TG_API_HASH", ""),
		SessionDB:    getEnv("SESSION_DB", "./data/session.db"),
		DataDir:      getEnv("DATA_DIR", "./data"),
		HTTPPort:     getEnvInt("HTTP_PORT", 3100),
		NatsURL:      getEnv("NATS_URL", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      getEnv("LOG_FILE", "./logs/crawler.log"),
		KeywordsFile: getEnv("KEYWORDS_FILE", ""),
		Crawl: CrawlConfig{
			SearchLimit:           getEnvInt("SEARCH_LIMIT", 100),
			MinMembers:            getEnvInt("MIN_MEMBERS", 0),
			FetchMetadata:         getEnvBool("FETCH_METADATA", true),
			SearchDelayMin:        getEnvDuration("SEARCH_DELAY_MIN", 2*time.Second),
			SearchDelayMax:        getEnvDuration("SEARCH_DELAY_MAX", 5*time.Second),
			MaxRateLimitPauses:    getEnvInt("MAX_RATE_LIMIT_PAUSES", 3),
			ParticipantPageSize:   getEnvInt("PARTICIPANT_PAGE_SIZE", 200),
			MaxParticipants:       getEnvInt("MAX_PARTICIPANTS", 10000),
			MessagePageSize:       getEnvInt("MESSAGE_PAGE_SIZE", 100),
			MessagePages:          getEnvInt("MESSAGE_PAGES", 10),
			MentionResolves:       getEnvInt("MENTION_RESOLVES", 20),
			ReactionMessages:      getEnvInt("REACTION_MESSAGES", 30),
			ReactorsPerMessage:    getEnvInt("REACTORS_PER_MESSAGE", 100),
			AssociationKeywords:   getEnvInt("ASSOCIATION_KEYWORDS", 5),
			AssociationRelated:    getEnvInt("ASSOCIATION_RELATED", 5),
			AssociationMinScore:   getEnvFloat("ASSOCIATION_MIN_SCORE", 0.3),
			AssociationSampleSize: getEnvInt("ASSOCIATION_SAMPLE_SIZE", 100),
			FallbackThreshold:     getEnvInt("FALLBACK_THRESHOLD", 50),
			FallbackAlphabet:      getEnv("FALLBACK_ALPHABET", "abcdefghijklmnopqrstuvwxyz0123456789"),
			SufficientMembers:     getEnvInt("SUFFICIENT_MEMBERS", 5000),
			StrategyBudget:        getEnvDuration("STRATEGY_BUDGET", 10*time.Minute),
			Strategies:            getEnvList("STRATEGIES", DefaultStrategies),
			Workers:               getEnvInt("WORKERS", 4),
			RateRPS:               getEnvFloat("RATE_RPS", 2.0),
			RateBurst:             getEnvInt("RATE_BURST", 1),
			MaxTransientRetries:   getEnvInt("MAX_TRANSIENT_RETRIES", 3),
			JoinVerifyDelay:       getEnvDuration("JOIN_VERIFY_DELAY", 3*time.Second),
		},
	}

	cfg.Keywords = DefaultKeywordTables()
	if cfg.KeywordsFile != "" {
		tables, err := LoadKeywordTables(cfg.KeywordsFile)
		if err != nil {
			return nil, fmt.Errorf("load keyword tables: %w", err)
		}
		cfg.Keywords = *tables
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks tunables and keyword tables.
func (c *Config) Validate() error {
	var errs []error
	cc := c.Crawl

	if cc.Workers < 1 || cc.Workers > 8 {
		errs = append(errs, fmt.Errorf("WORKERS must be within 1..8, got %d", cc.Workers))
	}
	if cc.SearchLimit <= 0 {
		errs = append(errs, errors.New("SEARCH_LIMIT must be positive"))
	}
	if cc.MessagePageSize <= 0 || cc.MessagePageSize > 100 {
		errs = append(errs, errors.New("MESSAGE_PAGE_SIZE must be within 1..100"))
	}
	if cc.MessagePages < 0 || cc.MinMembers < 0 || cc.MentionResolves < 0 || cc.FallbackThreshold < 0 {
		errs = append(errs, errors.New("extraction tunables must not be negative"))
	}
	if cc.SearchDelayMin < 0 || cc.SearchDelayMax < cc.SearchDelayMin {
		errs = append(errs, errors.New("SEARCH_DELAY_MAX must be >= SEARCH_DELAY_MIN >= 0"))
	}
	if cc.StrategyBudget < 0 {
		errs = append(errs, errors.New("STRATEGY_BUDGET must not be negative"))
	}
	if cc.RateRPS < 0 || cc.RateBurst < 1 {
		errs = append(errs, errors.New("RATE_RPS must be >= 0 and RATE_BURST >= 1"))
	}
	if len(cc.Strategies) == 0 {
		errs = append(errs, errors.New("STRATEGIES must name at least one strategy"))
	}
	for _, name := range cc.Strategies {
		if !slices.Contains(DefaultStrategies, name) {
			errs = append(errs, fmt.Errorf("STRATEGIES: unknown strategy %q", name))
		}
	}
	if err := c.Keywords.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
