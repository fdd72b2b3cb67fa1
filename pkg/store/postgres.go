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

// Seams for startup tests.
var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresRetryDelay   = 2 * time.Second
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

const defaultConnectRetries = 5

// NewPostgresPool opens the shared pool for job rows and audit records.
// DATABASE_URL wins; otherwise the URL is assembled from the DATABASE_*
// parts. Connectivity is verified with ping retries so the caller can fall
// back to in-memory stores on a dead database without hanging forever.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	retries := defaultConnectRetries
	if raw := strings.TrimSpace(os.Getenv("DATABASE_CONNECT_RETRIES")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			retries = n
		}
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			postgresSleep(postgresRetryDelay)
		}
		pool, err := connectPostgres(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func connectPostgres(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxPoolNewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func defaultPostgresURL() string {
	user := envOr("DATABASE_USER", "gatekeeper")
	host := envOr("DATABASE_HOST", "localhost")
	dbName := envOr("DATABASE_NAME", "gatekeeper")
	sslmode := envOr("DATABASE_SSLMODE", "disable")
	port := strings.TrimSpace(os.Getenv("DATABASE_PORT"))
	if _, err := strconv.Atoi(port); err != nil || port == "" {
		port = "5432"
	}

	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + dbName,
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

// validatePostgresTLS rejects DSNs whose sslmode would let the driver fall
// back to cleartext when TLS is mandated.
func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
