package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stalker/internal/adapter/filestore"
	adapthttp "stalker/internal/adapter/http"
	"stalker/internal/adapter/postgres"
	"stalker/internal/adapter/redisstore"
	"stalker/internal/adapter/sessionblob"
	"stalker/internal/app"
	"stalker/internal/domain"
	"stalker/internal/pkg/logger"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

func main() {
	f, err := parseFlags(os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.New(f.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(f, log); err != nil {
		log.Fatalw("stalker stopped", "error", err)
	}
}

func run(f flags, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.ToContext(ctx, log)

	db, err := postgres.Open(f.dbDriver, f.postgresDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() { _ = db.Close() }()

	sessions, closeSessions, err := openSessionStore(ctx, f, log)
	if err != nil {
		return err
	}
	defer closeSessions()

	key := []byte(f.validateKey)
	if len(key) == 0 {
		log.Warn("SESSION_VALIDATE_KEY not set, sessions will not survive a restart")
	}
	authSvc := app.NewAuthService(db, sessions, app.Options{
		ValidationKey: key,
		SingleSession: f.singleSession,
	})

	if f.adminLogin != "" && f.adminPassword != "" {
		_, err := authSvc.CreateInitialPrincipal(ctx, f.adminLogin, f.adminEmail, f.adminPassword)
		switch {
		case errors.Is(err, app.ErrPrincipalsExist):
		case err != nil:
			return fmt.Errorf("create initial principal: %w", err)
		default:
			log.Infow("initial principal created", "login", f.adminLogin)
		}
	}

	srv := adapthttp.New(authSvc, log).WithCookieTTL(f.sessionMaxAge)
	if f.forwardAuthHeader != "" {
		srv = srv.WithForwardAuth(f.forwardAuthHeader)
		log.Infow("forward auth enabled", "header", f.forwardAuthHeader)
	}
	if f.oidcEnabled() {
		provider, err := oidc.NewProvider(ctx, f.oidcIssuer)
		if err != nil {
			return fmt.Errorf("oidc provider: %w", err)
		}
		srv = srv.WithOIDC(adapthttp.OIDCConfig{
			Enabled:  true,
			Provider: provider,
			OAuth2Config: oauth2.Config{
				ClientID:     f.oidcClientID,
				ClientSecret: f.oidcClientSecret,
				RedirectURL:  f.oidcRedirectURL,
				Endpoint:     provider.Endpoint(),
				Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
			},
		})
		log.Infow("sso enabled", "issuer", f.oidcIssuer)
	}

	httpSrv := &http.Server{
		Addr:              f.serverAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infow("listening", "addr", f.serverAddr, "sessions", f.sessionBackend, "single_session", f.singleSession)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openSessionStore(ctx context.Context, f flags, log *zap.SugaredLogger) (domain.SessionStore, func(), error) {
	codec := sessionblob.Codec{MaxAge: f.sessionMaxAge}

	switch f.sessionBackend {
	case backendRedis:
		client := redis.NewClient(&redis.Options{Addr: f.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", f.redisAddr, err)
		}
		log.Infow("session store", "backend", backendRedis, "addr", f.redisAddr)
		store := redisstore.New(client, codec, redisstore.Options{MaxAge: f.sessionMaxAge})
		return store, func() { _ = client.Close() }, nil

	default:
		dir := f.cacheDir
		if dir == "" {
			dir = filestore.DefaultBaseDir()
		}
		store, err := filestore.New(dir, codec)
		if err != nil {
			return nil, nil, fmt.Errorf("session dir: %w", err)
		}
		log.Infow("session store", "backend", backendFile, "dir", dir)
		return store, func() {}, nil
	}
}
