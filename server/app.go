package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"openidrp/account"
	"openidrp/openid"
	"openidrp/openid/ext"
	"openidrp/session"
	"openidrp/store/redisstore"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Consumer *openid.Consumer
	Auth     *session.Authenticator
	Accounts *account.Mapper
	Sessions *SessionManager
	Metrics  *Metrics
	Sweeper  *Sweeper
	Filter   *IdentifierFilter
	Redis    *redisstore.Client

	publicURL string
	finishURL string
	closers   []func() error
}

// Option adjusts NewApp.
type Option func(*appOptions)

type appOptions struct {
	httpClient *http.Client
	now        func() time.Time
}

// WithHTTPClient sets the client used for discovery and provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *appOptions) { o.httpClient = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *appOptions) { o.now = now }
}

// BuildConsumer assembles the relying-party core from configuration.
func BuildConsumer(cfg Config, nonces openid.NonceStore, client *http.Client, now func() time.Time, logger *slog.Logger) (*openid.Consumer, error) {
	extensions := []openid.Extension{ext.NewUserInfo()}
	if cfg.Realm.Teams.Enabled {
		extensions = append(extensions, ext.NewTeams(cfg.Realm.Teams.Query))
	}
	policy, tenant := cfg.Realm.claimPolicy()
	return openid.NewConsumer(openid.Config{
		Realm:              strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/",
		AssociationType:    cfg.OpenID.Association,
		HTTPTimeout:        cfg.OpenID.HTTPTimeout,
		MaxRedirects:       cfg.OpenID.MaxRedirects,
		AssociationTTL:     cfg.OpenID.AssociationDefaultTTL,
		NonceMaxAge:        cfg.OpenID.NonceMaxAge,
		DiscoveryCacheSize: cfg.OpenID.DiscoveryCacheSize,
		DiscoveryCacheTTL:  cfg.OpenID.DiscoveryCacheTTL,
		ClaimPolicy:        policy,
		TenantDomain:       tenant,
		TenantDiscoveryURL: cfg.Realm.TenantDiscoveryURL,
		HTTPClient:         client,
		NonceStore:         nonces,
		Extensions:         extensions,
		Now:                now,
	}, logger)
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	keys, err := NewKeyManager(cfg.Server.SecretsPath, logger)
	if err != nil {
		return nil, err
	}
	tokenKey, err := keys.Derive("pending login token")
	if err != nil {
		return nil, err
	}
	sealKey, err := keys.Derive("identifier sealing")
	if err != nil {
		return nil, err
	}

	filter, err := cfg.Realm.identifierFilter()
	if err != nil {
		return nil, err
	}

	publicURL := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   NewMetrics(),
		Filter:    filter,
		publicURL: publicURL,
	}
	if cfg.Realm.Mode == ModeSSO {
		app.finishURL = publicURL + cfg.Realm.SSOBasePath + "/finishLogin"
	} else {
		app.finishURL = publicURL + cfg.Realm.LoginServiceBasePath + "/finish"
	}

	var (
		nonces  openid.NonceStore    = openid.NewMemoryNonceStore()
		pending session.PendingStore = session.NewMemoryPendingStore()
	)
	app.Redis, err = redisstore.New(ctx, cfg.Storage.RedisURL, cfg.OpenID.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	if app.Redis != nil {
		nonces = redisstore.NewNonceStore(app.Redis.Client)
		pending = redisstore.NewPendingStore(app.Redis.Client, cfg.OpenID.PendingTTL)
		app.closers = append(app.closers, app.Redis.Close)
		logger.Info("using redis for nonces and pending logins")
	}

	var accounts account.Store = account.NewMemoryStore()
	if cfg.Storage.AccountsDB != "" {
		db, err := account.NewSQLiteStore(cfg.Storage.AccountsDB)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		accounts = db
		app.closers = append(app.closers, db.Close)
	}
	sealer, err := account.NewSealer(sealKey)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Accounts = account.NewMapper(accounts, sealer, o.now, logger)

	app.Consumer, err = BuildConsumer(cfg, nonces, o.httpClient, o.now, logger)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("init openid consumer: %w", err)
	}

	tokens, err := session.NewTokenCodec(tokenKey, publicURL, o.now)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	authCfg := session.Config{
		ReturnURL:  app.finishURL,
		PendingTTL: cfg.OpenID.PendingTTL,
		Now:        o.now,
	}
	continuations := map[session.Purpose]session.Continuation{}
	if cfg.Realm.Mode == ModeSSO {
		authCfg.FixedIdentifier = cfg.Realm.ProviderIdentifier()
		continuations[session.PurposeSSOLogin] = session.ContinuationFunc(app.completeSSO)
	} else {
		continuations[session.PurposeFederatedLogin] = session.ContinuationFunc(app.completeFederatedLogin)
		continuations[session.PurposeAssociate] = session.ContinuationFunc(app.completeAssociate)
	}
	app.Auth, err = session.NewAuthenticator(app.Consumer, pending, tokens, continuations, authCfg, app.Metrics, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Sessions = NewSessionManager(cfg, NewInMemoryStore(), o.now, logger)

	app.Sweeper = NewSweeper(cfg.OpenID.SweepInterval, o.now, app.Metrics, logger)
	sweeps := []struct {
		name string
		fn   SweepFunc
	}{
		{"nonces", app.Consumer.Nonces.Sweep},
		{"associations", func(_ context.Context, now time.Time) (int, error) {
			return app.Consumer.Associations.Store().Sweep(now), nil
		}},
		{"pending_logins", app.Auth.Pending().Sweep},
		{"sessions", func(_ context.Context, now time.Time) (int, error) {
			return app.Sessions.Sweep(now), nil
		}},
	}
	for _, s := range sweeps {
		if err := app.Sweeper.Register(s.name, s.fn); err != nil {
			_ = app.Close()
			return nil, err
		}
	}

	logger.Info("relying party ready",
		"mode", cfg.Realm.Mode,
		"return_url", app.finishURL,
		"association", cfg.OpenID.Association,
		"accounts_db", cfg.Storage.AccountsDB != "",
		"redis", app.Redis != nil)
	return app, nil
}

// Close releases stores opened by NewApp.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
