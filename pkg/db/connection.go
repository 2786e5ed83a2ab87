package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/code-sleuth/ragledger/pkg/util"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/rs/zerolog"
	"github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite" // SQLite driver
)

const (
	defaultDatabaseURL = "file:ragledger.db"
	defaultMaxConns    = 10
	sqliteBusyTimeout  = 5000
)

var (
	ErrAuthTokenRequired      = errors.New("DATABASE_AUTH_TOKEN environment variable is required for libsql URLs")
	ErrUnsupportedDatabaseURL = errors.New("unsupported database URL scheme")
)

// Config describes where the ledger store lives.
type Config struct {
	URL       string
	AuthToken string
	MaxConns  int
}

// ConfigFromEnv reads DATABASE_URL, DATABASE_AUTH_TOKEN and DATABASE_MAX_CONNS.
func ConfigFromEnv() Config {
	cfg := Config{
		URL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AuthToken: strings.TrimSpace(os.Getenv("DATABASE_AUTH_TOKEN")),
		MaxConns:  defaultMaxConns,
	}
	if cfg.URL == "" {
		cfg.URL = defaultDatabaseURL
	}
	if raw := os.Getenv("DATABASE_MAX_CONNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxConns = n
		}
	}
	return cfg
}

// DB is a database handle that knows which SQL dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
	logger  zerolog.Logger
}

// Wrap binds an already opened *sql.DB to a dialect.
func Wrap(database *sql.DB, dialect Dialect) *DB {
	return &DB{
		DB:      database,
		Dialect: dialect,
		logger:  util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// NewConnection opens the store described by the environment.
func NewConnection() (*DB, error) {
	return Open(ConfigFromEnv())
}

// Open opens and pings the store described by cfg.
func Open(cfg Config) (*DB, error) {
	logger := util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel))

	dialect, err := DialectForURL(cfg.URL)
	if err != nil {
		logger.Error().Str("database_url", redact(cfg.URL)).Msg("Unsupported database URL")
		return nil, err
	}

	var database *sql.DB
	switch dialect {
	case DialectLibSQL:
		if cfg.AuthToken == "" && requiresAuthToken(cfg.URL) {
			logger.Error().Msg("DATABASE_AUTH_TOKEN env variable not set")
			return nil, ErrAuthTokenRequired
		}
		var opts []libsql.Option
		if cfg.AuthToken != "" {
			opts = append(opts, libsql.WithAuthToken(cfg.AuthToken))
		}
		connector, err := libsql.NewConnector(cfg.URL, opts...)
		if err != nil {
			logger.Err(err).Msg("failed to create connector")
			return nil, err
		}
		database = sql.OpenDB(connector)
		database.SetMaxOpenConns(cfg.MaxConns)
	case DialectPostgres:
		database, err = sql.Open("pgx", cfg.URL)
		if err != nil {
			logger.Err(err).Msg("failed to open postgres")
			return nil, err
		}
		database.SetMaxOpenConns(cfg.MaxConns)
	default:
		database, err = sql.Open("sqlite", sqliteDSN(cfg.URL))
		if err != nil {
			logger.Err(err).Msg("failed to open sqlite")
			return nil, err
		}
		// One connection: writers queue on the pool instead of failing with SQLITE_BUSY.
		database.SetMaxOpenConns(1)
	}

	if err := database.Ping(); err != nil {
		logger.Err(err).Str("dialect", string(dialect)).Msg("failed to ping database")
		database.Close()
		return nil, err
	}

	logger.Debug().Str("dialect", string(dialect)).Msg("Database connection established")
	return &DB{DB: database, Dialect: dialect, logger: logger}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Rebind rewrites ? placeholders for the handle's dialect.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

// DialectForURL picks the engine from the URL scheme.
func DialectForURL(raw string) (Dialect, error) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case lower == "":
		return "", ErrUnsupportedDatabaseURL
	case hasAnyPrefix(lower, "libsql://", "https://", "http://", "wss://", "ws://"):
		return DialectLibSQL, nil
	case hasAnyPrefix(lower, "postgres://", "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"), lower == ":memory:", !strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDatabaseURL, redact(raw))
	}
}

func sqliteDSN(raw string) string {
	pragmas := fmt.Sprintf("_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", sqliteBusyTimeout)
	if strings.Contains(raw, "?") {
		return raw + "&" + pragmas
	}
	return raw + "?" + pragmas
}

func requiresAuthToken(raw string) bool {
	lower := strings.ToLower(raw)
	return hasAnyPrefix(lower, "libsql://", "https://")
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// redact drops credentials and query parameters before a URL is logged.
func redact(raw string) string {
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i]
	}
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
			return raw[:scheme+3] + "***" + raw[at:]
		}
	}
	return raw
}
