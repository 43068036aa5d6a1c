package main

import (
	"flag"
	"fmt"
	"strconv"
	"time"
)

type flags struct {
	serverAddr    string
	dbDriver      string
	postgresDSN   string
	logLevel      string
	singleSession bool

	sessionBackend string
	cacheDir       string
	redisAddr      string
	validateKey    string
	sessionMaxAge  time.Duration

	forwardAuthHeader string

	oidcIssuer       string
	oidcClientID     string
	oidcClientSecret string
	oidcRedirectURL  string

	adminLogin    string
	adminEmail    string
	adminPassword string
}

// Session backends accepted by -session-backend.
const (
	backendFile  = "file"
	backendRedis = "redis"
)

// parseFlags reads command-line flags, then lets any environment variable
// returned by lookupEnv override them.
func parseFlags(args []string, lookupEnv func(string) (string, bool)) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("stalker", flag.ContinueOnError)
	fs.StringVar(&f.serverAddr, "a", ":8080", "The address to bind the server to")
	fs.StringVar(&f.dbDriver, "db-driver", "postgres", "database/sql driver: postgres or pgx")
	fs.StringVar(&f.postgresDSN, "d", "", "Postgres DSN")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level")
	fs.BoolVar(&f.singleSession, "single-session", false, "Share one session among all clients")
	fs.StringVar(&f.sessionBackend, "session-backend", backendFile, "Session store: file or redis")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "Session directory for the file backend")
	fs.StringVar(&f.redisAddr, "redis", "localhost:6379", "Redis address for the redis backend")
	fs.StringVar(&f.forwardAuthHeader, "forward-auth-header", "", "Trusted proxy header carrying the login, e.g. Remote-User")
	fs.DurationVar(&f.sessionMaxAge, "session-max-age", 0, "Session lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}

	strVars := []struct {
		key string
		dst *string
	}{
		{"ADDR", &f.serverAddr},
		{"DB_DRIVER", &f.dbDriver},
		{"DATABASE_URL", &f.postgresDSN},
		{"LOG_LEVEL", &f.logLevel},
		{"SESSION_BACKEND", &f.sessionBackend},
		{"STALKER_CACHE_DIR", &f.cacheDir},
		{"REDIS_ADDR", &f.redisAddr},
		{"SESSION_VALIDATE_KEY", &f.validateKey},
		{"FORWARD_AUTH_HEADER", &f.forwardAuthHeader},
		{"OIDC_ISSUER", &f.oidcIssuer},
		{"OIDC_CLIENT_ID", &f.oidcClientID},
		{"OIDC_CLIENT_SECRET", &f.oidcClientSecret},
		{"OIDC_REDIRECT_URL", &f.oidcRedirectURL},
		{"ADMIN_LOGIN", &f.adminLogin},
		{"ADMIN_EMAIL", &f.adminEmail},
		{"ADMIN_PASSWORD", &f.adminPassword},
	}
	for _, v := range strVars {
		if value, ok := lookupEnv(v.key); ok && value != "" {
			*v.dst = value
		}
	}

	if value, ok := lookupEnv("SINGLE_SESSION"); ok && value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return flags{}, fmt.Errorf("SINGLE_SESSION: %w", err)
		}
		f.singleSession = b
	}
	if value, ok := lookupEnv("SESSION_MAX_AGE"); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return flags{}, fmt.Errorf("SESSION_MAX_AGE: %w", err)
		}
		f.sessionMaxAge = d
	}

	if f.postgresDSN == "" {
		return flags{}, fmt.Errorf("DATABASE_URL is required")
	}
	if f.sessionBackend != backendFile && f.sessionBackend != backendRedis {
		return flags{}, fmt.Errorf("unknown session backend %q", f.sessionBackend)
	}
	if f.singleSession && f.validateKey == "" {
		return flags{}, fmt.Errorf("single session requires SESSION_VALIDATE_KEY")
	}
	if f.sessionMaxAge < 0 {
		return flags{}, fmt.Errorf("invalid session max age: %s", f.sessionMaxAge)
	}
	return f, nil
}

func (f flags) oidcEnabled() bool {
	return f.oidcIssuer != "" && f.oidcClientID != ""
}
