package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration.
type Config struct {
	DatabaseURL string         `yaml:"database_url"`
	Log         LogConfig      `yaml:"log"`
	SFTP        SFTPConfig     `yaml:"sftp"`
	Dropbox     DropboxConfig  `yaml:"dropbox"`
	Reports     ReportsConfig  `yaml:"reports"`
	Vestr       VestrConfig    `yaml:"vestr"`
	Sync        SyncConfig     `yaml:"sync"`
	Cache       CacheConfig    `yaml:"cache"`
	HTTP        HTTPConfig     `yaml:"http"`
	Redis       RedisConfig    `yaml:"redis"`
	Schedule    ScheduleConfig `yaml:"schedule"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// SFTPConfig configures the counterparty file-transfer endpoint.
type SFTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	PrivateKey     string        `yaml:"private_key"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	Timeout        time.Duration `yaml:"timeout"`
	FetchAttempts  int           `yaml:"fetch_attempts"`
}

// DropboxConfig configures the cloud file-sync destination.
type DropboxConfig struct {
	AppKey          string        `yaml:"app_key"`
	AppSecret       string        `yaml:"app_secret"`
	RefreshToken    string        `yaml:"refresh_token"`
	CredentialsFile string        `yaml:"credentials_file"`
	TargetFolder    string        `yaml:"target_folder"`
	Timeout         time.Duration `yaml:"timeout"`
	UploadInterval  time.Duration `yaml:"upload_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// ReportsConfig configures the report mirror job.
type ReportsConfig struct {
	RemoteDir           string `yaml:"remote_dir"`
	DownloadDir         string `yaml:"download_dir"`
	DeleteAfterUpload   bool   `yaml:"delete_after_upload"`
	DownloadWorkers     int    `yaml:"download_workers"`
	RetryRounds         int    `yaml:"retry_rounds"`
	MaxCategorySkewDays int    `yaml:"max_category_skew_days"`
	MaxFrontierLagDays  int    `yaml:"max_frontier_lag_days"`
}

// VestrConfig configures the partner fee query API.
type VestrConfig struct {
	GraphQLURL string        `yaml:"graphql_url"`
	FeesURL    string        `yaml:"fees_url"`
	Cookie     string        `yaml:"cookie"`
	CSRFToken  string        `yaml:"csrf_token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SyncConfig configures fee ingestion.
type SyncConfig struct {
	PageSize            int           `yaml:"page_size"`
	MaxPages            int           `yaml:"max_pages"`
	MaxIncrementalPages int           `yaml:"max_incremental_pages"`
	LookbackDays        int           `yaml:"lookback_days"`
	BatchSize           int           `yaml:"batch_size"`
	RetryMax            int           `yaml:"retry_max"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	AggregateDates      int           `yaml:"aggregate_dates"`
	StaleDays           int           `yaml:"stale_days"`
	SnapshotAfterSync   bool          `yaml:"snapshot_after_sync"`
}

// CacheConfig configures query caches.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	DiskPath   string        `yaml:"disk_path"`
	DiskMaxAge time.Duration `yaml:"disk_max_age"`
}

// HTTPConfig configures the ops API.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RedisConfig enables the distributed ingestion lease when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// ScheduleConfig holds cron specs for the batch jobs. Empty disables a job.
type ScheduleConfig struct {
	MirrorReports    string `yaml:"mirror_reports"`
	SyncFees         string `yaml:"sync_fees"`
	RefreshSnapshots string `yaml:"refresh_snapshots"`
}

// Load builds configuration from defaults, .env, the YAML file in FEESYNC_CONFIG and env overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("FEESYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	cfg.clamp()

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("config: DATABASE_URL is required")
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Encoding: "json"},
		SFTP: SFTPConfig{
			Port:          22,
			Timeout:       60 * time.Second,
			FetchAttempts: 3,
		},
		Dropbox: DropboxConfig{
			CredentialsFile: "dropbox_credentials.json",
			TargetFolder:    "/cred",
			Timeout:         60 * time.Second,
			UploadInterval:  500 * time.Millisecond,
			MaxAttempts:     3,
		},
		Reports: ReportsConfig{
			RemoteDir:           ".",
			DownloadDir:         filepath.FromSlash("var/download"),
			DownloadWorkers:     2,
			RetryRounds:         3,
			MaxCategorySkewDays: 1,
			MaxFrontierLagDays:  3,
		},
		Vestr: VestrConfig{
			Timeout: 60 * time.Second,
		},
		Sync: SyncConfig{
			PageSize:            5000,
			MaxPages:            1000,
			MaxIncrementalPages: 25,
			LookbackDays:        30,
			BatchSize:           1000,
			RetryMax:            5,
			RetryMaxDelay:       30 * time.Second,
			AggregateDates:      3,
			StaleDays:           1,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 64,
			DiskPath:   filepath.FromSlash("var/cache/fees_cache.json"),
			DiskMaxAge: 24 * time.Hour,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Redis: RedisConfig{
			LockKey: "feesync:ingestion",
			LockTTL: 30 * time.Minute,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Encoding = getenvDefault("LOG_ENCODING", cfg.Log.Encoding)

	cfg.SFTP.Host = getenvDefault("SFTP_HOST", cfg.SFTP.Host)
	cfg.SFTP.Port = getenvIntDefault("SFTP_PORT", cfg.SFTP.Port)
	cfg.SFTP.Username = getenvDefault("SFTP_USERNAME", cfg.SFTP.Username)
	cfg.SFTP.Password = getenvDefault("SFTP_PASSWORD", cfg.SFTP.Password)
	cfg.SFTP.PrivateKey = getenvDefault("SFTP_PRIVATE_KEY", cfg.SFTP.PrivateKey)
	cfg.SFTP.KnownHostsFile = getenvDefault("SFTP_KNOWN_HOSTS", cfg.SFTP.KnownHostsFile)

	cfg.Dropbox.AppKey = getenvDefault("DROPBOX_APP_KEY", cfg.Dropbox.AppKey)
	cfg.Dropbox.AppSecret = getenvDefault("DROPBOX_APP_SECRET", cfg.Dropbox.AppSecret)
	cfg.Dropbox.RefreshToken = getenvDefault("DROPBOX_REFRESH_TOKEN", cfg.Dropbox.RefreshToken)
	cfg.Dropbox.CredentialsFile = getenvDefault("DROPBOX_CREDENTIALS_FILE", cfg.Dropbox.CredentialsFile)
	cfg.Dropbox.TargetFolder = getenvDefault("DROPBOX_TARGET_FOLDER", cfg.Dropbox.TargetFolder)

	cfg.Reports.RemoteDir = getenvDefault("REPORTS_REMOTE_DIR", cfg.Reports.RemoteDir)
	cfg.Reports.DownloadDir = getenvDefault("REPORTS_DOWNLOAD_DIR", cfg.Reports.DownloadDir)
	cfg.Reports.DeleteAfterUpload = getenvBoolDefault("REPORTS_DELETE_AFTER_UPLOAD", cfg.Reports.DeleteAfterUpload)

	cfg.Vestr.GraphQLURL = getenvDefault("VESTR_GRAPHQL_URL", cfg.Vestr.GraphQLURL)
	cfg.Vestr.FeesURL = getenvDefault("VESTR_FEES_URL", cfg.Vestr.FeesURL)
	cfg.Vestr.Cookie = getenvDefault("VESTR_COOKIE", cfg.Vestr.Cookie)
	cfg.Vestr.CSRFToken = getenvDefault("VESTR_CSRF_TOKEN", cfg.Vestr.CSRFToken)

	cfg.Sync.PageSize = getenvIntDefault("FEE_SYNC_PAGE_SIZE", cfg.Sync.PageSize)
	cfg.Sync.MaxIncrementalPages = getenvIntDefault("FEE_SYNC_MAX_INCREMENTAL_PAGES", cfg.Sync.MaxIncrementalPages)
	cfg.Sync.LookbackDays = getenvIntDefault("FEE_SYNC_LOOKBACK_DAYS", cfg.Sync.LookbackDays)
	cfg.Sync.BatchSize = getenvIntDefault("FEE_SYNC_INSERT_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.RetryMax = getenvIntDefault("FEE_SYNC_INSERT_RETRY_MAX", cfg.Sync.RetryMax)
	cfg.Sync.SnapshotAfterSync = getenvBoolDefault("FEE_SYNC_SNAPSHOT_AFTER_SYNC", cfg.Sync.SnapshotAfterSync)

	cfg.Cache.DiskPath = getenvDefault("FEES_CACHE_FILE", cfg.Cache.DiskPath)

	cfg.HTTP.Addr = getenvDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.HTTP.JWTSecret))
	if origins := splitCSV(os.Getenv("HTTP_ALLOWED_ORIGINS")); len(origins) > 0 {
		cfg.HTTP.AllowedOrigins = origins
	}

	cfg.Redis.Addr = getenvDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvIntDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Schedule.MirrorReports = getenvDefault("SCHEDULE_MIRROR_REPORTS", cfg.Schedule.MirrorReports)
	cfg.Schedule.SyncFees = getenvDefault("SCHEDULE_SYNC_FEES", cfg.Schedule.SyncFees)
	cfg.Schedule.RefreshSnapshots = getenvDefault("SCHEDULE_REFRESH_SNAPSHOTS", cfg.Schedule.RefreshSnapshots)
}

func (c *Config) clamp() {
	c.Sync.MaxIncrementalPages = maxInt(1, c.Sync.MaxIncrementalPages)
	c.Sync.MaxPages = maxInt(1, c.Sync.MaxPages)
	c.Sync.LookbackDays = maxInt(1, c.Sync.LookbackDays)
	c.Sync.PageSize = maxInt(500, c.Sync.PageSize)
	c.Sync.BatchSize = maxInt(100, c.Sync.BatchSize)
	c.Sync.RetryMax = maxInt(1, c.Sync.RetryMax)
	c.Sync.AggregateDates = maxInt(1, c.Sync.AggregateDates)
	c.Sync.StaleDays = maxInt(1, c.Sync.StaleDays)
	c.SFTP.FetchAttempts = maxInt(1, c.SFTP.FetchAttempts)
	c.Dropbox.MaxAttempts = maxInt(1, c.Dropbox.MaxAttempts)
	c.Reports.DownloadWorkers = maxInt(1, c.Reports.DownloadWorkers)
	if c.Reports.RetryRounds < 0 {
		c.Reports.RetryRounds = 0
	}
}

func maxInt(floor, value int) int {
	if value < floor {
		return floor
	}
	return value
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
