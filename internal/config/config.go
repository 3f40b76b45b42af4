package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration derived from the config file and environment variables.
type Config struct {
	HTTPPort         string
	DataDir          string
	DBPath           string
	RawDir           string
	RosterDir        string
	ReferenceDir     string
	Debug            bool
	StrictConfig     bool
	EnableWatcher    bool
	JobQueueSize     int
	JobTimeoutSec    int
	VersionsRetained int
	RunLockTTL       time.Duration
	// RunSchedule is a seconds-first cron spec for the daily run in serve mode; empty disables it.
	RunSchedule      string
	NotifyURL        string
	NatsURL          string
	Recurrence       RecurrenceConfig
	Roster           RosterConfig
	GapFill          GapFillConfig
	Report           ReportConfig
	Ingest           IngestConfig

	// Warnings collects soft failures seen while loading; callers log them once a logger exists.
	Warnings []string
}

// RecurrenceConfig controls chain detection.
type RecurrenceConfig struct {
	WindowHours int
}

// Window returns the recurrence window as a duration.
func (r RecurrenceConfig) Window() time.Duration {
	return time.Duration(r.WindowHours) * time.Hour
}

// RosterConfig captures interval staleness policy.
type RosterConfig struct {
	MaxLagDays        int
	UnmappedThreshold float64
	LookbackDays      int
}

// GapFillConfig bounds how many missing dates a run tries to extract.
type GapFillConfig struct {
	MaxGaps int
}

// ReportConfig holds report defaults.
type ReportConfig struct {
	WeekAnchor       time.Time
	WeekAnchorNumber int
	DefaultRangeDays int
}

// IngestConfig holds raw row filtering and mapping tables.
type IngestConfig struct {
	ValidGroups    []string          `json:"valid_groups" yaml:"valid_groups"`
	ExcludedQueues []string          `json:"excluded_queues" yaml:"excluded_queues"`
	GroupPrefixes  map[string]string `json:"group_prefixes" yaml:"group_prefixes"`
	Motives        map[string]string `json:"motives" yaml:"motives"`
}

type fileConfig struct {
	HTTPPort     string               `json:"http_port" yaml:"http_port"`
	DataDir      string               `json:"data_dir" yaml:"data_dir"`
	DBPath       string               `json:"db_path" yaml:"db_path"`
	RawDir       string               `json:"raw_dir" yaml:"raw_dir"`
	RosterDir    string               `json:"roster_dir" yaml:"roster_dir"`
	ReferenceDir string               `json:"reference_dir" yaml:"reference_dir"`
	Debug        *bool                `json:"debug" yaml:"debug"`
	RunSchedule  *string              `json:"run_schedule" yaml:"run_schedule"`
	NotifyURL    string               `json:"notify_url" yaml:"notify_url"`
	NatsURL      string               `json:"nats_url" yaml:"nats_url"`
	Recurrence   recurrenceFileConfig `json:"recurrence" yaml:"recurrence"`
	Roster       rosterFileConfig     `json:"roster" yaml:"roster"`
	GapFill      gapFillFileConfig    `json:"gap_fill" yaml:"gap_fill"`
	Report       reportFileConfig     `json:"report" yaml:"report"`
	Ingest       IngestConfig         `json:"ingest" yaml:"ingest"`
}

type recurrenceFileConfig struct {
	WindowHours *int `json:"window_hours" yaml:"window_hours"`
}

type rosterFileConfig struct {
	MaxLagDays        *int     `json:"max_lag_days" yaml:"max_lag_days"`
	UnmappedThreshold *float64 `json:"unmapped_threshold" yaml:"unmapped_threshold"`
	LookbackDays      *int     `json:"lookback_days" yaml:"lookback_days"`
}

type gapFillFileConfig struct {
	MaxGaps *int `json:"max_gaps" yaml:"max_gaps"`
}

type reportFileConfig struct {
	WeekAnchor       string `json:"week_anchor" yaml:"week_anchor"`
	WeekAnchorNumber *int   `json:"week_anchor_number" yaml:"week_anchor_number"`
	DefaultRangeDays *int   `json:"default_range_days" yaml:"default_range_days"`
}

const (
	defaultPort             = ":8000"
	defaultDataDir          = "runtime"
	defaultDBFile           = "recall.db"
	defaultQueueSize        = 16
	maxQueueSize            = 256
	defaultJobTimeoutSec    = 1800
	defaultVersionsRetained = 3
	defaultRunLockTTL       = 2 * time.Hour
	defaultRunSchedule      = "0 30 6 * * *"
	dateLayout              = "2006-01-02"
)

func defaultRecurrenceConfig() RecurrenceConfig {
	return RecurrenceConfig{WindowHours: 24}
}

func defaultRosterConfig() RosterConfig {
	return RosterConfig{MaxLagDays: 2, UnmappedThreshold: 0.3, LookbackDays: 7}
}

func defaultReportConfig() ReportConfig {
	return ReportConfig{
		WeekAnchor:       time.Date(2025, time.June, 13, 0, 0, 0, 0, time.UTC),
		WeekAnchorNumber: 25,
		DefaultRangeDays: 6,
	}
}

// Load reads .env files, the YAML config file and environment variables, applying defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		JobQueueSize:     defaultQueueSize,
		JobTimeoutSec:    defaultJobTimeoutSec,
		VersionsRetained: defaultVersionsRetained,
		RunLockTTL:       defaultRunLockTTL,
		Debug:            parseBoolEnv("DEBUG"),
		StrictConfig:     parseBoolEnv("STRICT_CONFIG"),
		EnableWatcher:    parseBoolEnvDefault("ENABLE_WATCHER", true),
		Recurrence:       defaultRecurrenceConfig(),
		Roster:           defaultRosterConfig(),
		GapFill:          GapFillConfig{MaxGaps: 3},
		Report:           defaultReportConfig(),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		cfg.warnf("config load failed (%s): %v (using defaults)", configPath, fileErr)
	}

	cfg.DataDir = firstNonEmpty(os.Getenv("DATA_DIR"), fileCfg.DataDir, defaultDataDir)
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, filepath.Join(cfg.DataDir, defaultDBFile))
	cfg.RawDir = firstNonEmpty(os.Getenv("RAW_DIR"), fileCfg.RawDir, filepath.Join(cfg.DataDir, "raw"))
	cfg.RosterDir = firstNonEmpty(os.Getenv("ROSTER_DIR"), fileCfg.RosterDir, filepath.Join(cfg.DataDir, "roster"))
	cfg.ReferenceDir = firstNonEmpty(os.Getenv("REFERENCE_DIR"), fileCfg.ReferenceDir, filepath.Join(cfg.DataDir, "reference"))

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	if fileCfg.Debug != nil && os.Getenv("DEBUG") == "" {
		cfg.Debug = *fileCfg.Debug
	}
	cfg.RunSchedule = defaultRunSchedule
	if fileCfg.RunSchedule != nil {
		cfg.RunSchedule = strings.TrimSpace(*fileCfg.RunSchedule)
	}
	if v, ok := os.LookupEnv("RUN_SCHEDULE"); ok {
		cfg.RunSchedule = strings.TrimSpace(v)
	}
	cfg.NotifyURL = firstNonEmpty(os.Getenv("NOTIFY_WEBHOOK_URL"), fileCfg.NotifyURL)
	cfg.NatsURL = firstNonEmpty(os.Getenv("NATS_URL"), fileCfg.NatsURL)

	cfg.Recurrence = applyRecurrenceOverrides(cfg.Recurrence, fileCfg.Recurrence)
	cfg.Roster = applyRosterOverrides(cfg.Roster, fileCfg.Roster)
	if fileCfg.GapFill.MaxGaps != nil && *fileCfg.GapFill.MaxGaps >= 0 {
		cfg.GapFill.MaxGaps = *fileCfg.GapFill.MaxGaps
	}
	report, err := applyReportOverrides(cfg.Report, fileCfg.Report)
	if err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		cfg.warnf("%v (using default week anchor)", err)
	}
	cfg.Report = report
	cfg.Ingest = applyIngestDefaults(fileCfg.Ingest)

	if v, ok, err := parseIntEnv("RECURRENCE_WINDOW_HOURS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid RECURRENCE_WINDOW_HOURS: %w", err)
		}
		cfg.warnf("invalid RECURRENCE_WINDOW_HOURS: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.Recurrence.WindowHours = v
	}
	if v, ok, err := parseIntEnv("ROSTER_MAX_LAG_DAYS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid ROSTER_MAX_LAG_DAYS: %w", err)
		}
		cfg.warnf("invalid ROSTER_MAX_LAG_DAYS: %v (using default)", err)
	} else if ok && v >= 0 {
		cfg.Roster.MaxLagDays = v
	}
	if v, ok, err := parseFloatEnv("ROSTER_UNMAPPED_THRESHOLD"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid ROSTER_UNMAPPED_THRESHOLD: %w", err)
		}
		cfg.warnf("invalid ROSTER_UNMAPPED_THRESHOLD: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.Roster.UnmappedThreshold = v
	}
	if v, ok, err := parseIntEnv("GAP_FILL_MAX_GAPS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid GAP_FILL_MAX_GAPS: %w", err)
		}
		cfg.warnf("invalid GAP_FILL_MAX_GAPS: %v (using default)", err)
	} else if ok && v >= 0 {
		cfg.GapFill.MaxGaps = v
	}

	if v, ok, err := parseIntEnv("JOB_QUEUE_SIZE"); err != nil {
		cfg.warnf("invalid JOB_QUEUE_SIZE: %v (using default %d)", err, defaultQueueSize)
	} else if ok {
		cfg.JobQueueSize = clampInt(v, 1, maxQueueSize)
	}
	if v, ok, err := parseIntEnv("JOB_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid JOB_TIMEOUT_SEC: %w", err)
	} else if ok {
		if v <= 0 {
			return cfg, errors.New("JOB_TIMEOUT_SEC must be positive")
		}
		cfg.JobTimeoutSec = v
	}
	if v, ok, err := parseIntEnv("VERSIONS_RETAINED"); err == nil && ok && v > 0 {
		cfg.VersionsRetained = v
	}
	if v, ok, err := parseIntEnv("RUN_LOCK_TTL_MIN"); err != nil {
		cfg.warnf("invalid RUN_LOCK_TTL_MIN: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.RunLockTTL = time.Duration(v) * time.Minute
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		cfg.warnf("config validation failed: %v (continuing)", err)
	}
	return cfg, nil
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH is required")
	}
	if cfg.Recurrence.WindowHours <= 0 {
		return errors.New("recurrence window hours must be positive")
	}
	if cfg.Roster.UnmappedThreshold <= 0 || cfg.Roster.UnmappedThreshold > 1 {
		return fmt.Errorf("roster unmapped threshold must be in (0,1], got %v", cfg.Roster.UnmappedThreshold)
	}
	if cfg.Roster.LookbackDays <= 0 {
		return errors.New("roster lookback days must be positive")
	}
	if cfg.Report.DefaultRangeDays < 0 {
		return errors.New("report default range days must not be negative")
	}
	return nil
}

func applyRecurrenceOverrides(base RecurrenceConfig, override recurrenceFileConfig) RecurrenceConfig {
	if override.WindowHours != nil && *override.WindowHours > 0 {
		base.WindowHours = *override.WindowHours
	}
	return base
}

func applyRosterOverrides(base RosterConfig, override rosterFileConfig) RosterConfig {
	if override.MaxLagDays != nil && *override.MaxLagDays >= 0 {
		base.MaxLagDays = *override.MaxLagDays
	}
	if override.UnmappedThreshold != nil && *override.UnmappedThreshold > 0 {
		base.UnmappedThreshold = *override.UnmappedThreshold
	}
	if override.LookbackDays != nil && *override.LookbackDays > 0 {
		base.LookbackDays = *override.LookbackDays
	}
	return base
}

func applyReportOverrides(base ReportConfig, override reportFileConfig) (ReportConfig, error) {
	if override.WeekAnchorNumber != nil {
		base.WeekAnchorNumber = *override.WeekAnchorNumber
	}
	if override.DefaultRangeDays != nil && *override.DefaultRangeDays >= 0 {
		base.DefaultRangeDays = *override.DefaultRangeDays
	}
	if raw := strings.TrimSpace(override.WeekAnchor); raw != "" {
		anchor, err := time.Parse(dateLayout, raw)
		if err != nil {
			return base, fmt.Errorf("invalid report.week_anchor %q: %w", raw, err)
		}
		base.WeekAnchor = anchor
	}
	return base, nil
}

func applyIngestDefaults(in IngestConfig) IngestConfig {
	if in.GroupPrefixes == nil {
		in.GroupPrefixes = map[string]string{}
	}
	if in.Motives == nil {
		in.Motives = map[string]string{}
	}
	return in
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func parseFloatEnv(key string) (float64, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	return val, true, err
}

// Now returns a UTC timestamp truncated to seconds.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
