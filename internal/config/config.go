package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "ROJGAR"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "rojgar.db"
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultAuthIssuer          = "rojgar-auth"
	defaultCookieName          = "rojgar_session"
	defaultAuthLeeway          = 30 * time.Second
	defaultRedisChannelPrefix  = "notifications:"
	defaultReadBatchLimit      = 500
	DatabaseDriverSQLite       = "sqlite"
	DatabaseDriverPostgres     = "postgres"
	keyHTTPAddress             = "http.address"
	keyHTTPAllowedOrigins      = "http.allowed_origins"
	keyDatabaseDriver          = "database.driver"
	keyDatabasePath            = "database.path"
	keyDatabaseDSN             = "database.dsn"
	keyLogLevel                = "log.level"
	keyLogEncoding             = "log.encoding"
	keyAuthSigningSecret       = "auth.signing_secret"
	keyAuthIssuer              = "auth.issuer"
	keyAuthCookieName          = "auth.cookie_name"
	keyAuthLeeway              = "auth.leeway"
	keyRedisAddress            = "redis.address"
	keyRedisPassword           = "redis.password"
	keyRedisDB                 = "redis.db"
	keyRedisChannelPrefix      = "redis.channel_prefix"
	keyMessagingReadBatchLimit = "messaging.read_batch_limit"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	LogEncoding        string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	AuthLeeway         time.Duration
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string
	ReadBatchLimit     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(keyHTTPAllowedOrigins, []string{})
	configViper.SetDefault(keyDatabaseDriver, defaultDatabaseDriver)
	configViper.SetDefault(keyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(keyDatabaseDSN, "")
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keyLogEncoding, defaultLogEncoding)
	configViper.SetDefault(keyAuthSigningSecret, "")
	configViper.SetDefault(keyAuthIssuer, defaultAuthIssuer)
	configViper.SetDefault(keyAuthCookieName, defaultCookieName)
	configViper.SetDefault(keyAuthLeeway, defaultAuthLeeway)
	configViper.SetDefault(keyRedisAddress, "")
	configViper.SetDefault(keyRedisPassword, "")
	configViper.SetDefault(keyRedisDB, 0)
	configViper.SetDefault(keyRedisChannelPrefix, defaultRedisChannelPrefix)
	configViper.SetDefault(keyMessagingReadBatchLimit, defaultReadBatchLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString(keyHTTPAddress),
		AllowedOrigins:     parseOrigins(configViper.GetStringSlice(keyHTTPAllowedOrigins)),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString(keyDatabaseDriver))),
		DatabasePath:       configViper.GetString(keyDatabasePath),
		DatabaseDSN:        configViper.GetString(keyDatabaseDSN),
		LogLevel:           configViper.GetString(keyLogLevel),
		LogEncoding:        configViper.GetString(keyLogEncoding),
		AuthSigningSecret:  configViper.GetString(keyAuthSigningSecret),
		AuthIssuer:         configViper.GetString(keyAuthIssuer),
		AuthCookieName:     configViper.GetString(keyAuthCookieName),
		AuthLeeway:         configViper.GetDuration(keyAuthLeeway),
		RedisAddress:       strings.TrimSpace(configViper.GetString(keyRedisAddress)),
		RedisPassword:      configViper.GetString(keyRedisPassword),
		RedisDB:            configViper.GetInt(keyRedisDB),
		RedisChannelPrefix: configViper.GetString(keyRedisChannelPrefix),
		ReadBatchLimit:     configViper.GetInt(keyMessagingReadBatchLimit),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RedisEnabled reports whether notification fan-out over Redis is configured.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("%s is required", keyAuthSigningSecret)
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("%s is required for the sqlite driver", keyDatabasePath)
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("%s is required for the postgres driver", keyDatabaseDSN)
		}
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", keyDatabaseDriver, DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("%s is required", keyAuthCookieName)
	}
	if c.AuthLeeway < 0 {
		return fmt.Errorf("%s must not be negative", keyAuthLeeway)
	}
	if c.ReadBatchLimit <= 0 {
		return fmt.Errorf("%s must be positive", keyMessagingReadBatchLimit)
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("%s must list explicit origins, not %q", keyHTTPAllowedOrigins, origin)
		}
	}
	return nil
}

// parseOrigins accepts both list values and a comma separated environment string.
func parseOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
