// Package config is the process boundary for environment and file based
// configuration. Core packages receive the typed structs built here and
// never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration handed to the orchestrator.
type Config struct {
	Database DatabaseConfig
	LLM      LLMConfig
	Forum    ForumConfig
	Redis    RedisConfig
	Tuning   Tuning
}

// DatabaseConfig holds postgres connection settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	PoolSize    int
	MaxOverflow int
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// MaxOpenConns is the pool ceiling: base pool plus overflow.
func (d DatabaseConfig) MaxOpenConns() int {
	return d.PoolSize + d.MaxOverflow
}

// LLMConfig holds analyzer credentials and model selection.
type LLMConfig struct {
	APIKey string
	Model  string
}

// ForumConfig holds forum API OAuth credentials.
type ForumConfig struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
}

// RedisConfig holds the optional pair-sentiment cache address.
// An empty Addr disables the cache.
type RedisConfig struct {
	Addr     string
	Password string
}

// Tuning is the optional YAML-file layer: behavioral knobs with defaults
// that apply when no file is present. The on-disk schema lives in
// tuningFile; these structs are what core packages consume.
type Tuning struct {
	Scraper  ScraperTuning
	Analyzer AnalyzerTuning
	Monitor  MonitorTuning
	Backfill BackfillTuning
	Pairs    PairsTuning
}

// ScraperTuning controls calendar scraper politeness and rendering.
type ScraperTuning struct {
	BaseURL         string
	MinDelay        time.Duration
	MaxJitter       time.Duration
	NavTimeout      time.Duration
	MaxRetries      int
	Headless        bool
	UserAgent       string
	BreakerFailures int
}

// AnalyzerTuning controls LLM retry and batch behavior.
type AnalyzerTuning struct {
	MaxRetries   int
	BaseDelay    time.Duration
	Workers      int
	ImageTimeout time.Duration
	ImageRetries int
	// StaleModelPatterns mark raw_response errors that justify a rescore,
	// e.g. replies from a since-retired model version.
	StaleModelPatterns []string
}

// MonitorTuning controls the periodic monitor loop.
type MonitorTuning struct {
	Interval  time.Duration
	Pair      string
	Channels  []string
	PostLimit int
}

// BackfillTuning controls the historical week driver.
type BackfillTuning struct {
	CheckpointPath     string
	MinWeekDelay       time.Duration
	MaxWeekDelay       time.Duration
	WeekRetries        int
	MaxConsecutiveFail int
}

// PairsTuning controls the aggregation layer.
type PairsTuning struct {
	Lookback time.Duration
	CacheTTL time.Duration
}

// DefaultTuning returns the built-in tuning used when no YAML file exists.
func DefaultTuning() Tuning {
	return Tuning{
		Scraper: ScraperTuning{
			BaseURL:         "https://www.forexfactory.com/calendar",
			MinDelay:        2 * time.Second,
			MaxJitter:       1500 * time.Millisecond,
			NavTimeout:      45 * time.Second,
			MaxRetries:      3,
			Headless:        true,
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			BreakerFailures: 4,
		},
		Analyzer: AnalyzerTuning{
			MaxRetries:   3,
			BaseDelay:    time.Second,
			Workers:      4,
			ImageTimeout: 10 * time.Second,
			ImageRetries: 3,
			StaleModelPatterns: []string{
				"is not found for API version",
				"models/gemini-pro",
				"deprecated",
			},
		},
		Monitor: MonitorTuning{
			Interval:  30 * time.Minute,
			Pair:      "EURUSD",
			Channels:  []string{"Forex", "forex_trades", "Economics", "wallstreetbets"},
			PostLimit: 10,
		},
		Backfill: BackfillTuning{
			CheckpointPath:     "backfill_checkpoint.json",
			MinWeekDelay:       8 * time.Second,
			MaxWeekDelay:       15 * time.Second,
			WeekRetries:        3,
			MaxConsecutiveFail: 5,
		},
		Pairs: PairsTuning{
			Lookback: 168 * time.Hour,
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load builds the full configuration: optional .env file, then environment
// variables, then the optional YAML tuning file named by MARKETMOOD_CONFIG.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:        envOr("DB_HOST", "localhost"),
			Port:        envInt("DB_PORT", 5432),
			Name:        envOr("DB_NAME", "marketmood"),
			User:        envOr("DB_USER", "postgres"),
			Password:    envOr("DB_PASSWORD", ""),
			PoolSize:    envInt("DB_POOL_SIZE", 5),
			MaxOverflow: envInt("DB_MAX_OVERFLOW", 10),
		},
		LLM: LLMConfig{
			APIKey: os.Getenv("LLM_API_KEY"),
			Model:  envOr("LLM_MODEL", "gemini-2.0-flash"),
		},
		Forum: ForumConfig{
			ClientID:     os.Getenv("FORUM_CLIENT_ID"),
			ClientSecret: os.Getenv("FORUM_CLIENT_SECRET"),
			UserAgent:    envOr("FORUM_USER_AGENT", "marketmood/0.1"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Tuning: DefaultTuning(),
	}

	if path := os.Getenv("MARKETMOOD_CONFIG"); path != "" {
		tuning, err := LoadTuning(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.Tuning = tuning
	}
	return cfg, nil
}

// tuningFile is the on-disk YAML schema. Durations are strings so the
// file can say "30m"; ints and bools are pointers so an absent key
// keeps its default instead of zeroing it.
type tuningFile struct {
	Scraper struct {
		BaseURL         string `yaml:"base_url"`
		MinDelay        string `yaml:"min_delay"`
		MaxJitter       string `yaml:"max_jitter"`
		NavTimeout      string `yaml:"nav_timeout"`
		MaxRetries      *int   `yaml:"max_retries"`
		Headless        *bool  `yaml:"headless"`
		UserAgent       string `yaml:"user_agent"`
		BreakerFailures *int   `yaml:"breaker_failures"`
	} `yaml:"scraper"`
	Analyzer struct {
		MaxRetries         *int     `yaml:"max_retries"`
		BaseDelay          string   `yaml:"base_delay"`
		Workers            *int     `yaml:"workers"`
		ImageTimeout       string   `yaml:"image_timeout"`
		ImageRetries       *int     `yaml:"image_retries"`
		StaleModelPatterns []string `yaml:"stale_model_patterns"`
	} `yaml:"analyzer"`
	Monitor struct {
		Interval  string   `yaml:"interval"`
		Pair      string   `yaml:"pair"`
		Channels  []string `yaml:"channels"`
		PostLimit *int     `yaml:"post_limit"`
	} `yaml:"monitor"`
	Backfill struct {
		CheckpointPath     string `yaml:"checkpoint_path"`
		MinWeekDelay       string `yaml:"min_week_delay"`
		MaxWeekDelay       string `yaml:"max_week_delay"`
		WeekRetries        *int   `yaml:"week_retries"`
		MaxConsecutiveFail *int   `yaml:"max_consecutive_fail"`
	} `yaml:"backfill"`
	Pairs struct {
		Lookback string `yaml:"lookback"`
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"pairs"`
}

// LoadTuning reads the YAML tuning file at path, layering it over defaults.
// A missing file returns defaults without error.
func LoadTuning(path string) (Tuning, error) {
	tuning := DefaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("no tuning file, using defaults")
			return tuning, nil
		}
		return tuning, fmt.Errorf("read tuning file: %w", err)
	}
	var file tuningFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return tuning, fmt.Errorf("parse tuning file: %w", err)
	}
	if err := file.apply(&tuning); err != nil {
		return tuning, err
	}
	return tuning, nil
}

// apply layers the file's set keys over t.
func (f *tuningFile) apply(t *Tuning) error {
	durations := []struct {
		dst *time.Duration
		val string
		key string
	}{
		{&t.Scraper.MinDelay, f.Scraper.MinDelay, "scraper.min_delay"},
		{&t.Scraper.MaxJitter, f.Scraper.MaxJitter, "scraper.max_jitter"},
		{&t.Scraper.NavTimeout, f.Scraper.NavTimeout, "scraper.nav_timeout"},
		{&t.Analyzer.BaseDelay, f.Analyzer.BaseDelay, "analyzer.base_delay"},
		{&t.Analyzer.ImageTimeout, f.Analyzer.ImageTimeout, "analyzer.image_timeout"},
		{&t.Monitor.Interval, f.Monitor.Interval, "monitor.interval"},
		{&t.Backfill.MinWeekDelay, f.Backfill.MinWeekDelay, "backfill.min_week_delay"},
		{&t.Backfill.MaxWeekDelay, f.Backfill.MaxWeekDelay, "backfill.max_week_delay"},
		{&t.Pairs.Lookback, f.Pairs.Lookback, "pairs.lookback"},
		{&t.Pairs.CacheTTL, f.Pairs.CacheTTL, "pairs.cache_ttl"},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	setString(&t.Scraper.BaseURL, f.Scraper.BaseURL)
	setString(&t.Scraper.UserAgent, f.Scraper.UserAgent)
	setInt(&t.Scraper.MaxRetries, f.Scraper.MaxRetries)
	setInt(&t.Scraper.BreakerFailures, f.Scraper.BreakerFailures)
	setBool(&t.Scraper.Headless, f.Scraper.Headless)

	setInt(&t.Analyzer.MaxRetries, f.Analyzer.MaxRetries)
	setInt(&t.Analyzer.Workers, f.Analyzer.Workers)
	setInt(&t.Analyzer.ImageRetries, f.Analyzer.ImageRetries)
	if f.Analyzer.StaleModelPatterns != nil {
		t.Analyzer.StaleModelPatterns = f.Analyzer.StaleModelPatterns
	}

	setString(&t.Monitor.Pair, f.Monitor.Pair)
	setInt(&t.Monitor.PostLimit, f.Monitor.PostLimit)
	if f.Monitor.Channels != nil {
		t.Monitor.Channels = f.Monitor.Channels
	}

	setString(&t.Backfill.CheckpointPath, f.Backfill.CheckpointPath)
	setInt(&t.Backfill.WeekRetries, f.Backfill.WeekRetries)
	setInt(&t.Backfill.MaxConsecutiveFail, f.Backfill.MaxConsecutiveFail)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("not an integer, using default")
		return fallback
	}
	return n
}
