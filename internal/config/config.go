package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/codec"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Log      LogConfig
	Metrics  MetricsConfig
	CORS     CORSConfig
	Auth     AuthConfig
	Archive  ArchiveConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
	MaxConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

type CacheConfig struct {
	Enabled bool
	Type    string // memory or redis
	TTL     time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// AuthConfig configures bearer token validation. An empty secret disables
// authentication and the access control predicate.
type AuthConfig struct {
	JWTSecret string
}

// ArchiveConfig configures the query and store engines.
type ArchiveConfig struct {
	// StorageBackend is postgres or memory. The memory backend keeps the
	// archive in process and scans tables on lookup; it is meant for tests
	// and small embedded archives.
	StorageBackend         string
	QueryLevels            []string
	FuzzyAlgorithm         string
	MatchUnknown           bool
	CombinedDateTime       bool
	DefaultPatientIssuer   string
	DefaultAccessionIssuer string
	StoreRetries           int
	MaxResults             int
	CustomAttributes       map[archive.Level][]string
}

// Load reads the configuration from the environment, after loading an
// optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("SERVER_HOST"),
			Port:         v.GetInt("SERVER_PORT"),
			ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
			LogLevel: v.GetString("DB_LOG_LEVEL"),
			MaxConns: v.GetInt("DB_MAX_CONNS"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Prefix:   v.GetString("REDIS_PREFIX"),
		},
		Cache: CacheConfig{
			Enabled: v.GetBool("CACHE_ENABLED"),
			Type:    v.GetString("CACHE_TYPE"),
			TTL:     v.GetDuration("CACHE_TTL"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("METRICS_ENABLED"),
		},
		CORS: CORSConfig{
			AllowedOrigins: list(v.GetString("CORS_ALLOWED_ORIGINS")),
			AllowedMethods: list(v.GetString("CORS_ALLOWED_METHODS")),
			AllowedHeaders: list(v.GetString("CORS_ALLOWED_HEADERS")),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Archive: ArchiveConfig{
			StorageBackend:         strings.ToLower(v.GetString("ARCHIVE_STORAGE_BACKEND")),
			QueryLevels:            list(v.GetString("ARCHIVE_QUERY_LEVELS")),
			FuzzyAlgorithm:         strings.ToLower(v.GetString("ARCHIVE_FUZZY_ALGORITHM")),
			MatchUnknown:           v.GetBool("ARCHIVE_MATCH_UNKNOWN"),
			CombinedDateTime:       v.GetBool("ARCHIVE_COMBINED_DATETIME"),
			DefaultPatientIssuer:   v.GetString("ARCHIVE_DEFAULT_ISSUER_OF_PATIENT_ID"),
			DefaultAccessionIssuer: v.GetString("ARCHIVE_DEFAULT_ISSUER_OF_ACCESSION_NUMBER"),
			StoreRetries:           v.GetInt("ARCHIVE_STORE_RETRIES"),
			MaxResults:             v.GetInt("ARCHIVE_MAX_RESULTS"),
			CustomAttributes: map[archive.Level][]string{
				archive.Patient: list(v.GetString("ARCHIVE_PATIENT_CUSTOM_ATTRIBUTES")),
				archive.Study:   list(v.GetString("ARCHIVE_STUDY_CUSTOM_ATTRIBUTES")),
				archive.Series:  list(v.GetString("ARCHIVE_SERIES_CUSTOM_ATTRIBUTES")),
				archive.Image:   list(v.GetString("ARCHIVE_INSTANCE_CUSTOM_ATTRIBUTES")),
			},
		},
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "60s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "dicom_archive")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_LOG_LEVEL", "warn")
	v.SetDefault("DB_MAX_CONNS", 25)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "dicom-archive:")

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TYPE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("METRICS_ENABLED", true)

	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")
	v.SetDefault("CORS_ALLOWED_HEADERS", "Accept,Authorization,Content-Type")

	v.SetDefault("ARCHIVE_STORAGE_BACKEND", "postgres")
	v.SetDefault("ARCHIVE_QUERY_LEVELS", "PATIENT,STUDY,SERIES,IMAGE")
	v.SetDefault("ARCHIVE_FUZZY_ALGORITHM", "esoundex")
	v.SetDefault("ARCHIVE_MATCH_UNKNOWN", false)
	v.SetDefault("ARCHIVE_COMBINED_DATETIME", true)
	v.SetDefault("ARCHIVE_STORE_RETRIES", 3)
	v.SetDefault("ARCHIVE_MAX_RESULTS", 1000)
}

func list(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Archive.StorageBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Archive.StorageBackend)
	}
	if c.Cache.Enabled && c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("invalid cache type: %q", c.Cache.Type)
	}
	if _, err := c.Archive.Levels(); err != nil {
		return err
	}
	if _, err := fuzzy.ByName(c.Archive.FuzzyAlgorithm); err != nil {
		return err
	}
	if c.Archive.StoreRetries < 1 {
		return fmt.Errorf("store retries must be at least 1, got %d", c.Archive.StoreRetries)
	}
	if _, err := c.Archive.Filters(); err != nil {
		return err
	}
	return nil
}

// Levels parses the supported query levels.
func (a ArchiveConfig) Levels() ([]archive.Level, error) {
	if len(a.QueryLevels) == 0 {
		return nil, fmt.Errorf("at least one query level must be supported")
	}
	levels := make([]archive.Level, 0, len(a.QueryLevels))
	for _, s := range a.QueryLevels {
		l, err := archive.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("invalid query level %q", s)
		}
		levels = append(levels, l)
	}
	return levels, nil
}

// Filters returns the stock attribute filters with the configured custom
// attributes.
func (a ArchiveConfig) Filters() (codec.Filters, error) {
	fs := codec.DefaultFilters()
	for l, names := range a.CustomAttributes {
		tags := make([]dcm.Tag, 0, len(names))
		for _, name := range names {
			tg, err := dcm.ParseTag(name)
			if err != nil {
				return fs, fmt.Errorf("%s custom attribute: %w", l, err)
			}
			tags = append(tags, tg)
		}
		if err := fs.SetCustom(l, tags); err != nil {
			return fs, err
		}
	}
	return fs, nil
}

// PatientIssuer parses the default issuer of patient IDs, or returns nil.
func (a ArchiveConfig) PatientIssuer() *archive.Issuer {
	return archive.ParseIssuer(a.DefaultPatientIssuer)
}

// AccessionIssuer parses the default issuer of accession numbers, or
// returns nil.
func (a ArchiveConfig) AccessionIssuer() *archive.Issuer {
	return archive.ParseIssuer(a.DefaultAccessionIssuer)
}
