package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// DB wraps sql.DB with additional functionality
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the catalogue database
func Connect(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	// Verify connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection established")

	return &DB{DB: db}, nil
}

// ResolveDSN builds the Postgres connection string from SUPABASE_URL and
// SUPABASE_SERVICE_ROLE_KEY. The URL may carry a ${SUPABASE_SERVICE_ROLE_KEY}
// placeholder or omit the password entirely; the key fills either form.
func ResolveDSN(supabaseURL, serviceRoleKey string) (string, error) {
	dsn := strings.ReplaceAll(supabaseURL, "${SUPABASE_SERVICE_ROLE_KEY}", serviceRoleKey)

	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid SUPABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("SUPABASE_URL must be a postgres:// URL, got scheme %q", u.Scheme)
	}
	if u.User != nil && serviceRoleKey != "" {
		if _, hasPassword := u.User.Password(); !hasPassword {
			u.User = url.UserPassword(u.User.Username(), serviceRoleKey)
		}
	}
	return u.String(), nil
}

// Close closes the database connection
func (db *DB) Close() error {
	log.Info().Msg("Closing database connection")
	return db.DB.Close()
}

// Health checks if the database is healthy
func (db *DB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const storeAttempts = 3

// withRetry reruns a store call on connection errors, up to three attempts
// with delays doubling from one second. Non-connection errors return as-is.
func withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(storeAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.RetryIf(isConnError),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().
				Str("op", op).
				Uint("attempt", attempt+1).
				Err(err).
				Msg("Store call failed on connection error, retrying")
		}),
	)
}

// isConnError reports whether err is a connection-level failure worth
// retrying, as opposed to a SQL or application error.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection exceptions; 57P01 is admin shutdown.
		return strings.HasPrefix(string(pqErr.Code), "08") || pqErr.Code == "57P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
