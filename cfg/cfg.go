package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"

	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Empty() bool {
	return len(s.value) == 0
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port             string
	Environment      string
	LogLevel         string
	StoreBackend     string
	SQLiteDriver     string
	DatabasePath     string
	PostgresDSN      Secret
	MongoURI         Secret
	MongoDatabase    string
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	DBQueryTimeout   time.Duration
	RedisURL         string
	RedisTLS         bool
	RedisHostname    string
	RedisCACert      string
	RedisUsername    string
	RedisPassword    Secret
	RedisTimeout     time.Duration
	GraceCacheSize   int
	MaxPasteSize     int64
	TTLPresets       []time.Duration
	MinTTL           time.Duration
	MaxTTL           time.Duration
	ReaperInterval   time.Duration
	ReaperBatchSize  int
	ReaperWorkers    int
	OptimizeInterval time.Duration
	IDMaxAttempts    int
	Argon2Time       uint32
	Argon2Memory     uint32
	Argon2Threads    uint8
	CryptWorkerCount int
	RateLimit        RateLimitCfg
	TrustedProxies   []string
	AllowedOrigins   []string
	ContextTimeout   time.Duration
	MetricsUser      string
	MetricsPass      Secret
	AdminJWTSecret   Secret
	AdminFromKMS     bool
	AtRestEncryption bool
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// Load reads the process environment. A .env file in the working directory
// is merged first; variables already set in the environment win.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite))
	c.SQLiteDriver = getEnv("SQLITE_DRIVER", DriverMattn)
	c.DatabasePath = getEnv("DATABASE_PATH", "pasteir.db")
	c.PostgresDSN = NewSecret(getEnv("POSTGRES_DSN", ""))
	c.MongoURI = NewSecret(getEnv("MONGO_URI", ""))
	c.MongoDatabase = getEnv("MONGO_DATABASE", "pasteir")
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS")
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if c.GraceCacheSize, err = getInt("GRACE_CACHE_SIZE", 10000); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024); err != nil {
		return nil, err
	}
	presets := getSlice("TTL_PRESETS", []string{"10m", "1h", "24h", "168h", "720h"})
	for _, s := range presets {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid TTL preset %q: %w", s, err)
		}
		c.TTLPresets = append(c.TTLPresets, d)
	}
	if c.MinTTL, err = getDuration("MIN_TTL", time.Minute); err != nil {
		return nil, err
	}
	if c.MaxTTL, err = getDuration("MAX_TTL", 365*24*time.Hour); err != nil {
		return nil, err
	}
	if c.ReaperInterval, err = getDuration("REAPER_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.ReaperBatchSize, err = getInt("REAPER_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if c.ReaperWorkers, err = getInt("REAPER_WORKERS", 4); err != nil {
		return nil, err
	}
	if c.OptimizeInterval, err = getDuration("OPTIMIZE_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.IDMaxAttempts, err = getInt("ID_MAX_ATTEMPTS", 16); err != nil {
		return nil, err
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	threads, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if threads > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Threads = uint8(threads)
	if c.CryptWorkerCount, err = getInt("CRYPT_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 120); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 30); err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AdminJWTSecret = NewSecret(getEnv("ADMIN_JWT_SECRET", ""))
	c.AdminFromKMS = getBool("ADMIN_SECRET_FROM_KMS")
	c.AtRestEncryption = getBool("AT_REST_ENCRYPTION")
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if err := validateSQLite(c); err != nil {
			return err
		}
	case BackendPostgres:
		if c.PostgresDSN.Empty() {
			return errors.New("POSTGRES_DSN is required for STORE_BACKEND=postgres")
		}
	case BackendMongo:
		if c.MongoURI.Empty() {
			return errors.New("MONGO_URI is required for STORE_BACKEND=mongo")
		}
		if c.MongoDatabase == "" {
			return errors.New("MONGO_DATABASE is required for STORE_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisTLS && c.RedisHostname == "" {
			return errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
		}
	}
	if c.GraceCacheSize <= 0 || c.GraceCacheSize > 1000000 {
		return errors.New("GRACE_CACHE_SIZE must be between 1 and 1000000")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.MinTTL <= 0 || c.MaxTTL < c.MinTTL {
		return errors.New("MIN_TTL must be positive and not exceed MAX_TTL")
	}
	for _, d := range c.TTLPresets {
		if d < c.MinTTL || d > c.MaxTTL {
			return fmt.Errorf("TTL preset %s outside [%s, %s]", d, c.MinTTL, c.MaxTTL)
		}
	}
	if c.ReaperInterval < time.Second {
		return errors.New("REAPER_INTERVAL must be at least 1s")
	}
	if c.ReaperBatchSize <= 0 || c.ReaperBatchSize > 10000 {
		return errors.New("REAPER_BATCH_SIZE must be between 1 and 10000")
	}
	if c.ReaperWorkers <= 0 {
		return errors.New("REAPER_WORKERS must be positive")
	}
	if c.IDMaxAttempts <= 0 || c.IDMaxAttempts > 1000 {
		return errors.New("ID_MAX_ATTEMPTS must be between 1 and 1000")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Threads < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if !c.AdminJWTSecret.Empty() && len(c.AdminJWTSecret.Value()) < 32 {
		return errors.New("ADMIN_JWT_SECRET must be at least 32 bytes")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Empty() {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required in production")
		}
	}
	return nil
}

func validateSQLite(c *Cfg) error {
	if c.SQLiteDriver != DriverMattn && c.SQLiteDriver != DriverModernc {
		return fmt.Errorf("SQLITE_DRIVER must be %q or %q", DriverMattn, DriverModernc)
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DatabasePath == ":memory:" || strings.HasPrefix(c.DatabasePath, "file:") {
		return nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.PostgresDSN.Wipe()
	c.MongoURI.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.AdminJWTSecret.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
func getBool(key string) bool {
	return strings.EqualFold(getEnv(key, "false"), "true")
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
