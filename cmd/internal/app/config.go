package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr enables the Redis-backed change feed when set.
	// Empty means the in-process broker is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RosterDebounce is the trailing-edge delay before the conversation list
	// recomputes after a burst of feed events.
	RosterDebounce time.Duration

	// CORS policy for browser clients hitting the HTTP surface.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PROCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PROCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("PROCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PROCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PROCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PROCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PROCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PROCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PROCHAT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PROCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PROCHAT_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("PROCHAT_REDIS_ADDR", ""),
		RedisPassword: EnvString("PROCHAT_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntAllowZero("PROCHAT_REDIS_DB", 0),

		RosterDebounce: EnvDuration("PROCHAT_ROSTER_DEBOUNCE", 250*time.Millisecond),

		CORSAllowedOrigins:   EnvCSV("PROCHAT_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("PROCHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PROCHAT_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("PROCHAT_READINESS_REQUIRE_DB", false),
	}
}
