package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gitpulse/gitpulse/internal/processors"
)

// Config holds every runtime setting. Values come from defaults, then a
// .env file if one is found, then process environment, in that order of
// increasing precedence.
type Config struct {
	// Environment tag ("development", "production"). Affects log
	// verbosity, nothing else.
	Environment string `mapstructure:"environment"`

	// Port the collocated control surface listens on.
	Port int `mapstructure:"port"`

	DBPath string `mapstructure:"db_path"`

	GitHub    GitHubConfig    `mapstructure:"github"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ranking   RankingConfig   `mapstructure:"ranking"`
	Sitemap   SitemapConfig   `mapstructure:"sitemap"`
}

type GitHubConfig struct {
	// Tokens rotate through a pool; a single GITHUB_TOKEN also works.
	Tokens       []string `mapstructure:"tokens"`
	BaseURL      string   `mapstructure:"base_url"`
	PerTokenRPS  float64  `mapstructure:"per_token_rps"`
	SafetyMargin int      `mapstructure:"safety_margin"`
	MaxRetries   int      `mapstructure:"max_retries"`
	PageSize     int      `mapstructure:"page_size"`
}

type FetchConfig struct {
	// Targets are "owner/name" repositories to ingest.
	Targets   []string `mapstructure:"targets"`
	PRState   string   `mapstructure:"pr_state"`
	MaxPages  int      `mapstructure:"max_pages"`
	HighWater int      `mapstructure:"high_water"`
	LowWater  int      `mapstructure:"low_water"`
}

type PipelineConfig struct {
	BatchSize        int     `mapstructure:"batch_size"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	FailureThreshold float64 `mapstructure:"failure_threshold"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RankingConfig struct {
	Weights processors.RankingWeights `mapstructure:"weights"`
}

type SitemapConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Port:        8080,
		DBPath:      filepath.Join("db", "gitpulse.db"),
		GitHub: GitHubConfig{
			PerTokenRPS:  1.2,
			SafetyMargin: 50,
			MaxRetries:   4,
			PageSize:     100,
		},
		Fetch: FetchConfig{
			PRState:   "all",
			MaxPages:  10,
			HighWater: 5000,
			LowWater:  500,
		},
		Pipeline: PipelineConfig{
			BatchSize:        50,
			MaxAttempts:      3,
			FailureThreshold: 0.5,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 15 * time.Second,
		},
		Ranking: RankingConfig{
			Weights: processors.DefaultRankingWeights(),
		},
		Sitemap: SitemapConfig{
			PageSize: 1000,
		},
	}
}

// Load builds the runtime configuration. A missing .env file is fine;
// a present but unreadable one is not.
func Load() (*Config, error) {
	if envPath, ok := findEnvFile(); ok {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	setDefaults(v, Default())
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.GitHub.Tokens = splitList(v.GetString("github.tokens"))
	if len(cfg.GitHub.Tokens) == 0 {
		if token, err := tokenFromKeyring(); err == nil && token != "" {
			cfg.GitHub.Tokens = []string{token}
		}
	}
	cfg.Fetch.Targets = splitList(v.GetString("fetch.targets"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path must not be empty")
	}
	if c.Fetch.LowWater > c.Fetch.HighWater {
		return fmt.Errorf("fetch low water %d exceeds high water %d", c.Fetch.LowWater, c.Fetch.HighWater)
	}
	if sum := c.Ranking.Weights.Sum(); sum <= 0 {
		return fmt.Errorf("ranking weights sum to %v, need > 0", sum)
	}
	return nil
}

// Production reports whether the environment tag asks for quiet logs.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("environment", d.Environment)
	v.SetDefault("port", d.Port)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("github.base_url", d.GitHub.BaseURL)
	v.SetDefault("github.per_token_rps", d.GitHub.PerTokenRPS)
	v.SetDefault("github.safety_margin", d.GitHub.SafetyMargin)
	v.SetDefault("github.max_retries", d.GitHub.MaxRetries)
	v.SetDefault("github.page_size", d.GitHub.PageSize)
	v.SetDefault("fetch.pr_state", d.Fetch.PRState)
	v.SetDefault("fetch.max_pages", d.Fetch.MaxPages)
	v.SetDefault("fetch.high_water", d.Fetch.HighWater)
	v.SetDefault("fetch.low_water", d.Fetch.LowWater)
	v.SetDefault("pipeline.batch_size", d.Pipeline.BatchSize)
	v.SetDefault("pipeline.max_attempts", d.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.failure_threshold", d.Pipeline.FailureThreshold)
	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("sitemap.page_size", d.Sitemap.PageSize)
	v.SetDefault("ranking.weights.code_volume", d.Ranking.Weights.CodeVolume)
	v.SetDefault("ranking.weights.code_efficiency", d.Ranking.Weights.CodeEfficiency)
	v.SetDefault("ranking.weights.commit_impact", d.Ranking.Weights.CommitImpact)
	v.SetDefault("ranking.weights.collaboration", d.Ranking.Weights.Collaboration)
	v.SetDefault("ranking.weights.repo_popularity", d.Ranking.Weights.RepoPopularity)
	v.SetDefault("ranking.weights.repo_influence", d.Ranking.Weights.RepoInfluence)
	v.SetDefault("ranking.weights.followers", d.Ranking.Weights.Followers)
	v.SetDefault("ranking.weights.profile_completeness", d.Ranking.Weights.ProfileCompleteness)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("environment", "APP_ENV")
	v.BindEnv("port", "PORT")
	v.BindEnv("db_path", "DB_PATH")
	v.BindEnv("github.tokens", "GITHUB_TOKENS", "GITHUB_TOKEN")
	v.BindEnv("github.base_url", "GITHUB_BASE_URL")
	v.BindEnv("github.per_token_rps", "GITHUB_PER_TOKEN_RPS")
	v.BindEnv("github.safety_margin", "GITHUB_SAFETY_MARGIN")
	v.BindEnv("github.max_retries", "GITHUB_MAX_RETRIES")
	v.BindEnv("github.page_size", "GITHUB_PAGE_SIZE")
	v.BindEnv("fetch.targets", "FETCH_TARGETS")
	v.BindEnv("fetch.pr_state", "FETCH_PR_STATE")
	v.BindEnv("fetch.max_pages", "FETCH_MAX_PAGES")
	v.BindEnv("fetch.high_water", "FETCH_HIGH_WATER")
	v.BindEnv("fetch.low_water", "FETCH_LOW_WATER")
	v.BindEnv("pipeline.batch_size", "PIPELINE_BATCH_SIZE")
	v.BindEnv("pipeline.max_attempts", "PIPELINE_MAX_ATTEMPTS")
	v.BindEnv("pipeline.failure_threshold", "PIPELINE_FAILURE_THRESHOLD")
	v.BindEnv("scheduler.poll_interval", "SCHEDULER_POLL_INTERVAL")
	v.BindEnv("sitemap.page_size", "SITEMAP_PAGE_SIZE")
}

// findEnvFile searches the working directory and up to five parents for
// a .env file.
func findEnvFile() (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	searchPath := cwd
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(searchPath, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		parent := filepath.Dir(searchPath)
		if parent == searchPath {
			break
		}
		searchPath = parent
	}
	return "", false
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
