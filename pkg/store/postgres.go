package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgConnectAttempts = 30
	pgRetryDelay      = 2 * time.Second
	pgPingTimeout     = 2 * time.Second
)

var newPool = pgxpool.NewWithConfig

// NewPostgresPool connects using DATABASE_URL (or DATABASE_HOST/PORT/USER/
// NAME parts), retrying while the database comes up so the gateway can start
// alongside it.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := databaseURL()
	if boolEnv("DATABASE_REQUIRE_TLS") {
		if err := checkSSLMode(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = int32(intEnv("DATABASE_MAX_CONNS", 10))
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for attempt := 0; attempt < pgConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pgRetryDelay):
			}
		}
		pool, err := newPool(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pgPingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", pgConnectAttempts, lastErr)
}

func databaseURL() string {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		return dsn
	}
	port := envDefault("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := url.URL{
		Scheme: "postgres",
		Host:   envDefault("DATABASE_HOST", "localhost") + ":" + port,
		Path:   "/" + envDefault("DATABASE_NAME", "discard"),
	}
	user := envDefault("DATABASE_USER", "discard")
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", envDefault("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

// checkSSLMode enforces an encrypted sslmode when DATABASE_REQUIRE_TLS is
// set, so a production deploy cannot silently fall back to plaintext.
func checkSSLMode(dsn string) error {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch mode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS needs an explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS is set but sslmode=%q is insecure", mode)
	}
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
