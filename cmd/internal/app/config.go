package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | text | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Check every access token against the account service's sessions table.
	AuthCheckSessions bool
	// Generate a throwaway signing key when none is configured. Dev only.
	AuthDevEphemeralKey bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	RedisURL    string
	NodeID      string
	PresenceTTL time.Duration

	UploadDir string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TANDEM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TANDEM_LOG_LEVEL", "info"),
		LogFormat: EnvString("TANDEM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TANDEM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TANDEM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TANDEM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TANDEM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TANDEM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("TANDEM_DATABASE_URL", ""),
		DBSchema:      EnvString("TANDEM_DB_SCHEMA", "tandem"),
		DBMaxConns:    EnvInt32("TANDEM_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("TANDEM_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("TANDEM_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("TANDEM_READINESS_REQUIRE_DB", false),

		AuthCheckSessions:   EnvBool("TANDEM_AUTH_CHECK_SESSIONS", false),
		AuthDevEphemeralKey: EnvBool("TANDEM_AUTH_DEV_EPHEMERAL_KEY", false),

		CORSAllowedOrigins:   EnvCSV("TANDEM_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("TANDEM_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("TANDEM_CORS_MAX_AGE", 600),

		RedisURL:    EnvString("TANDEM_REDIS_URL", ""),
		NodeID:      EnvString("TANDEM_NODE_ID", ""),
		PresenceTTL: EnvDuration("TANDEM_PRESENCE_TTL", 2*time.Minute),

		UploadDir: EnvString("TANDEM_UPLOAD_DIR", "./data/uploads/chat"),
	}
}
