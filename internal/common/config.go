package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	gormlogger "gorm.io/gorm/logger"
)

// Config는 애플리케이션의 모든 설정을 관리합니다.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Discord   DiscordConfig   `yaml:"discord"`
	Directory DirectoryConfig `yaml:"directory"`
}

// AppConfig는 애플리케이션 기본 설정입니다.
type AppConfig struct {
	// ENV는 실행 환경입니다 (development, production)
	ENV string `yaml:"env"`
	// LogLevel은 애플리케이션 로그 레벨입니다 (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig는 데이터베이스 설정입니다.
type DatabaseConfig struct {
	// DSN은 데이터베이스 연결 문자열입니다. postgres:// 접두사면 PostgreSQL,
	// 그 외에는 SQLite 파일 경로로 해석됩니다.
	DSN string `yaml:"dsn"`
	// LogLevel은 GORM 로그 레벨입니다
	LogLevel gormlogger.LogLevel `yaml:"log_level"`
	// MaxIdleConns는 연결 풀의 idle 연결 개수입니다
	MaxIdleConns int `yaml:"max_idle_conns"`
	// MaxOpenConns는 연결 풀의 최대 연결 개수입니다
	MaxOpenConns int `yaml:"max_open_conns"`
	// ConnMaxLifetime은 연결의 최대 수명입니다
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// SkipDefaultTxn은 기본 트랜잭션을 스킵할지 여부입니다
	SkipDefaultTxn bool `yaml:"skip_default_txn"`
}

// ServerConfig는 에이전트 API 서버 설정입니다.
type ServerConfig struct {
	// BaseURL은 에이전트 API 서버 주소입니다
	BaseURL string `yaml:"base_url"`
	// AuthToken은 요청에 첨부할 Bearer 토큰입니다
	AuthToken string `yaml:"auth_token"`
}

// SyncConfig는 동기화 엔진 튜닝 값입니다.
type SyncConfig struct {
	// MaxReconnectAttempts는 SSE 재연결 최대 횟수입니다
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// ReconnectBase는 SSE 재연결 초기 백오프입니다
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	// ReconnectMax는 SSE 재연결 최대 백오프입니다
	ReconnectMax time.Duration `yaml:"reconnect_max"`
	// PollInterval은 폴링 시작 주기입니다
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollMaxInterval은 폴링 최대 주기입니다
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`
	// PollMaxRetries는 폴링 연속 실패 허용 횟수입니다
	PollMaxRetries int `yaml:"poll_max_retries"`
	// DisableSSE가 true이면 처음부터 폴링만 사용합니다
	DisableSSE bool `yaml:"disable_sse"`
	// ClearGrace는 전체 삭제 후 재수화 차단 유예 기간입니다
	ClearGrace time.Duration `yaml:"clear_grace"`
}

// DiscordConfig는 완료 알림용 Discord 설정입니다. 토큰이 비어 있으면 비활성입니다.
type DiscordConfig struct {
	// Token은 Discord 봇 토큰입니다
	Token string `yaml:"token"`
	// ChannelID는 알림을 보낼 채널입니다
	ChannelID string `yaml:"channel_id"`
}

// DirectoryConfig는 디렉토리 경로 설정입니다.
type DirectoryConfig struct {
	// DataDir은 기본 데이터 디렉토리입니다 (환경 변수 RUNSYNC_DIR로만 설정 가능, 기본값: $HOME/.runsync)
	DataDir string `yaml:"-"`
	// SQLiteDatabase는 SQLite 데이터베이스 파일 경로입니다
	SQLiteDatabase string `yaml:"sqlite_database"`
}

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// InitConfig는 설정을 초기화합니다.
// configPath가 비어있으면 ${RUNSYNC_DIR}/config.yaml에서 로드를 시도하고,
// 파일이 없으면 환경 변수에서 로드합니다. 파일에서 로드한 후 환경 변수로
// 오버라이드됩니다.
func InitConfig(configPath string) error {
	var err error
	once.Do(func() {
		if configPath == "" {
			configPath = filepath.Join(getDataDir(), "config.yaml")
		}

		if _, statErr := os.Stat(configPath); statErr == nil {
			instance, err = LoadConfigFromFile(configPath)
		} else {
			instance, err = LoadConfigFromEnv()
		}
	})
	return err
}

// GetConfig는 싱글톤 Config 인스턴스를 반환합니다.
// InitConfig가 먼저 호출되지 않았으면 환경 변수에서 초기화합니다.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		_ = InitConfig("")
	}
	return instance
}

// LoadConfig는 중앙화된 설정을 반환합니다.
func LoadConfig() (*Config, error) {
	return GetConfig(), nil
}

// LoadConfigFromFile은 YAML 파일에서 설정을 로드합니다.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("설정 파일 읽기 실패: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("설정 파일 파싱 실패: %w", err)
	}

	// YAML에서 로드한 후 환경 변수로 오버라이드
	return mergeWithEnv(cfg), nil
}

// LoadConfigFromEnv는 환경 변수에서 설정을 로드합니다.
func LoadConfigFromEnv() (*Config, error) {
	return &Config{
		App:       loadAppConfig(),
		Database:  loadDatabaseConfig(),
		Server:    loadServerConfig(),
		Sync:      loadSyncConfig(),
		Discord:   loadDiscordConfig(),
		Directory: loadDirectoryConfig(),
	}, nil
}

// mergeWithEnv는 YAML 설정을 환경 변수로 오버라이드합니다.
func mergeWithEnv(cfg *Config) *Config {
	// App
	if env := os.Getenv("RUNSYNC_ENV"); env != "" {
		cfg.App.ENV = env
	}
	if logLevel := os.Getenv("RUNSYNC_LOG_LEVEL"); logLevel != "" {
		cfg.App.LogLevel = logLevel
	}

	// Database
	if dsn := os.Getenv("RUNSYNC_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if logLevel := os.Getenv("RUNSYNC_DB_LOG_LEVEL"); logLevel != "" {
		cfg.Database.LogLevel = parseLogLevel(logLevel)
	}
	if maxIdle := os.Getenv("RUNSYNC_DB_MAX_IDLE"); maxIdle != "" {
		cfg.Database.MaxIdleConns = parseIntWithDefault(maxIdle, cfg.Database.MaxIdleConns)
	}
	if maxOpen := os.Getenv("RUNSYNC_DB_MAX_OPEN"); maxOpen != "" {
		cfg.Database.MaxOpenConns = parseIntWithDefault(maxOpen, cfg.Database.MaxOpenConns)
	}
	if lifetime := os.Getenv("RUNSYNC_DB_CONN_LIFETIME"); lifetime != "" {
		cfg.Database.ConnMaxLifetime = parseDurationWithDefault(lifetime, cfg.Database.ConnMaxLifetime)
	}

	// Server
	if baseURL := os.Getenv("RUNSYNC_SERVER_URL"); baseURL != "" {
		cfg.Server.BaseURL = baseURL
	}
	if token := os.Getenv("RUNSYNC_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}

	// Sync
	if v := os.Getenv("RUNSYNC_MAX_RECONNECT"); v != "" {
		cfg.Sync.MaxReconnectAttempts = parseIntWithDefault(v, cfg.Sync.MaxReconnectAttempts)
	}
	if v := os.Getenv("RUNSYNC_POLL_INTERVAL"); v != "" {
		cfg.Sync.PollInterval = parseDurationWithDefault(v, cfg.Sync.PollInterval)
	}
	if v := os.Getenv("RUNSYNC_POLL_MAX_RETRIES"); v != "" {
		cfg.Sync.PollMaxRetries = parseIntWithDefault(v, cfg.Sync.PollMaxRetries)
	}
	if v := os.Getenv("RUNSYNC_DISABLE_SSE"); v != "" {
		cfg.Sync.DisableSSE = parseBoolWithDefault(v, cfg.Sync.DisableSSE)
	}
	if v := os.Getenv("RUNSYNC_CLEAR_GRACE"); v != "" {
		cfg.Sync.ClearGrace = parseDurationWithDefault(v, cfg.Sync.ClearGrace)
	}

	// Discord
	if token := os.Getenv("RUNSYNC_DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if channel := os.Getenv("RUNSYNC_DISCORD_CHANNEL"); channel != "" {
		cfg.Discord.ChannelID = channel
	}

	// Directory
	if dataDir := os.Getenv("RUNSYNC_DIR"); dataDir != "" {
		cfg.Directory.DataDir = dataDir
	}
	if sqliteDB := os.Getenv("RUNSYNC_SQLITE_DATABASE"); sqliteDB != "" {
		cfg.Directory.SQLiteDatabase = sqliteDB
	}

	return cfg
}

func loadAppConfig() AppConfig {
	return AppConfig{
		ENV:      getEnvOrDefault("RUNSYNC_ENV", "production"),
		LogLevel: getEnvOrDefault("RUNSYNC_LOG_LEVEL", "info"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	dsn := os.Getenv("RUNSYNC_DB_DSN")
	if dsn == "" {
		// RUNSYNC_DB_DSN이 없으면 SQLite 기본값 사용 (로컬용)
		sqliteDB := os.Getenv("RUNSYNC_SQLITE_DATABASE")
		if sqliteDB == "" {
			sqliteDB = filepath.Join(getDataDir(), "runsync.db")
		}
		dsn = sqliteDB
	}

	return DatabaseConfig{
		DSN:             dsn,
		LogLevel:        parseLogLevel(os.Getenv("RUNSYNC_DB_LOG_LEVEL")),
		MaxIdleConns:    parseIntWithDefault(os.Getenv("RUNSYNC_DB_MAX_IDLE"), 5),
		MaxOpenConns:    parseIntWithDefault(os.Getenv("RUNSYNC_DB_MAX_OPEN"), 20),
		ConnMaxLifetime: parseDurationWithDefault(os.Getenv("RUNSYNC_DB_CONN_LIFETIME"), 30*time.Minute),
		SkipDefaultTxn:  parseBoolWithDefault(os.Getenv("RUNSYNC_DB_SKIP_DEFAULT_TXN"), true),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		BaseURL:   getEnvOrDefault("RUNSYNC_SERVER_URL", "http://localhost:8080"),
		AuthToken: os.Getenv("RUNSYNC_AUTH_TOKEN"),
	}
}

func loadSyncConfig() SyncConfig {
	return SyncConfig{
		MaxReconnectAttempts: parseIntWithDefault(os.Getenv("RUNSYNC_MAX_RECONNECT"), 5),
		ReconnectBase:        parseDurationWithDefault(os.Getenv("RUNSYNC_RECONNECT_BASE"), 1*time.Second),
		ReconnectMax:         parseDurationWithDefault(os.Getenv("RUNSYNC_RECONNECT_MAX"), 30*time.Second),
		PollInterval:         parseDurationWithDefault(os.Getenv("RUNSYNC_POLL_INTERVAL"), 2*time.Second),
		PollMaxInterval:      parseDurationWithDefault(os.Getenv("RUNSYNC_POLL_MAX_INTERVAL"), 30*time.Second),
		PollMaxRetries:       parseIntWithDefault(os.Getenv("RUNSYNC_POLL_MAX_RETRIES"), 5),
		DisableSSE:           parseBoolWithDefault(os.Getenv("RUNSYNC_DISABLE_SSE"), false),
		ClearGrace:           parseDurationWithDefault(os.Getenv("RUNSYNC_CLEAR_GRACE"), 10*time.Second),
	}
}

func loadDiscordConfig() DiscordConfig {
	return DiscordConfig{
		Token:     os.Getenv("RUNSYNC_DISCORD_TOKEN"),
		ChannelID: os.Getenv("RUNSYNC_DISCORD_CHANNEL"),
	}
}

func loadDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		DataDir:        getDataDir(),
		SQLiteDatabase: os.Getenv("RUNSYNC_SQLITE_DATABASE"),
	}
}

// getDataDir은 RUNSYNC_DIR 환경 변수를 반환하거나 기본값을 계산합니다.
// 설정 로드 도중에도 호출되므로 Config 인스턴스에 의존하지 않습니다.
func getDataDir() string {
	dataDir := os.Getenv("RUNSYNC_DIR")
	if dataDir != "" {
		return dataDir
	}

	// RUNSYNC_DIR이 없으면 $HOME/.runsync 사용
	if homeDir := os.Getenv("HOME"); homeDir != "" {
		return filepath.Join(homeDir, ".runsync")
	}

	// Fallback: ./data
	return "./data"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLogLevel(value string) gormlogger.LogLevel {
	switch value {
	case "silent", "SILENT":
		return gormlogger.Silent
	case "error", "ERROR":
		return gormlogger.Error
	case "warn", "WARN":
		return gormlogger.Warn
	case "info", "INFO":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func parseIntWithDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseDurationWithDefault(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func parseBoolWithDefault(value string, def bool) bool {
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

// Validate는 필수 설정 값들을 검증합니다.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("RUNSYNC_SERVER_URL is required")
	}
	return nil
}
