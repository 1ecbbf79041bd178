package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"openidrp/openid"
	"openidrp/server"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	configPath := flag.String("config", os.Getenv("OPENIDRP_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "discover" {
		command = "discover"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "discover" {
		identifier := cfg.Realm.ProviderIdentifier()
		if len(commandArgs) > 0 {
			identifier = commandArgs[0]
		}
		if identifier == "" {
			log.Fatalf("usage: %s [--config path] discover <identifier>", os.Args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runDiscover(ctx, cfg, logger, identifier, nil); err != nil {
			logger.Error("discovery failed", "identifier", identifier, "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	checkProvider(ctx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close stores", "error", err)
		}
	}()

	application.Sweeper.Start()

	handler := application.Routes()

	shutdownFns := []func(context.Context) error{application.Sweeper.Stop}

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for i := len(shutdownFns) - 1; i >= 0; i-- {
		_ = shutdownFns[i](shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runDiscover resolves identifier the way a login would and, unless the
// realm runs stateless, establishes an association with the endpoint.
func runDiscover(ctx context.Context, cfg server.Config, logger *slog.Logger, identifier string, client *http.Client) error {
	if identifier == "" {
		return errors.New("identifier required")
	}
	normalized, err := openid.NormalizeIdentifier(identifier)
	if err != nil {
		return err
	}

	consumer, err := server.BuildConsumer(cfg, openid.NewMemoryNonceStore(), client, time.Now, logger)
	if err != nil {
		return fmt.Errorf("build consumer: %w", err)
	}

	logger.Info("discover.start", "identifier", normalized)
	ep, err := consumer.Discoverer.DiscoverEndpoint(ctx, normalized)
	if err != nil {
		return err
	}
	logger.Info("discover.endpoint",
		"endpoint", ep.URL,
		"version", ep.Version,
		"claimed_id", ep.ClaimedID,
		"local_id", ep.LocalID,
		"op_identifier", ep.IsOPIdentifier(),
		"types", ep.Types)

	if consumer.Associations.Stateless() {
		logger.Info("discover.success", "message", "association disabled, logins will use check_authentication")
		return nil
	}
	assoc, err := consumer.Associations.Associate(ctx, ep)
	if err != nil {
		return err
	}
	logger.Info("discover.association",
		"handle", assoc.Handle,
		"type", assoc.Type,
		"expires_at", assoc.ExpiresAt.Format(time.RFC3339))
	logger.Info("discover.success", "endpoint", ep.URL)
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(newPrompter(os.Stdin, os.Stdout), path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating provider discovery...")
	checkProvider(ctx, cfg, logger)
	logger.Info("configuration validation complete")
	return nil
}

// checkProvider runs discovery against the sso provider. Failures are only
// logged: the provider may come up after the relying party.
func checkProvider(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	if cfg.Realm.Mode != server.ModeSSO {
		return
	}
	identifier := cfg.Realm.ProviderIdentifier()
	consumer, err := server.BuildConsumer(cfg, openid.NewMemoryNonceStore(), nil, time.Now, logger)
	if err != nil {
		logger.Warn("cannot build consumer", "error", err)
		return
	}
	ep, err := consumer.Discoverer.DiscoverEndpoint(ctx, identifier)
	if err != nil {
		logger.Warn("provider may not be reachable",
			"identifier", identifier,
			"error", err,
			"note", "server will continue but logins will fail until discovery succeeds")
		return
	}
	logger.Info("provider is reachable", "identifier", identifier, "endpoint", ep.URL)
}

func runSetup(p *prompter, path string, logger *slog.Logger) (server.Config, error) {
	p.say("No configuration file found at %s.", path)
	p.say("Starting guided setup for an OpenID relying party. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.yesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	defaultURL := cfg.Server.PublicURL
	if !devMode {
		defaultURL = "https://login.example.com"
	}
	publicURL := strings.TrimSuffix(p.ask("Public URL of this service", defaultURL), "/")
	if publicURL == "" {
		publicURL = defaultURL
	}
	cfg.Server.PublicURL = publicURL

	if devMode {
		cfg.Server.DevListenAddr = p.ask("Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := p.required("Primary public domain (e.g. login.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	if p.yesNo("Log everyone in through a single provider (sso)?", true) {
		cfg.Realm.Mode = server.ModeSSO
		if p.yesNo("Is the provider a Google Apps domain?", false) {
			cfg.Realm.GoogleAppsDomain = p.required("Google Apps domain (e.g. example.com)")
			cfg.Realm.Endpoint = ""
		} else {
			cfg.Realm.Endpoint = p.ask("Provider OpenID endpoint or identifier", cfg.Realm.Endpoint)
		}
	} else {
		cfg.Realm.Mode = server.ModeLoginService
		cfg.Realm.AllowSignup = p.yesNo("Create accounts for unknown OpenIDs?", cfg.Realm.AllowSignup)
	}

	teams := p.ask("Teams to request (comma separated, empty for none)", "")
	cfg.Realm.Teams.Query = normalizeList(teams, nil)
	cfg.Realm.Teams.Enabled = len(cfg.Realm.Teams.Query) > 0

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

// prompter asks setup questions on out and reads answers from in. Once in
// is exhausted every question takes its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) say(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// line reads one trimmed answer. ok is false once input is exhausted.
func (p *prompter) line() (answer string, ok bool) {
	input, err := p.in.ReadString('\n')
	return strings.TrimSpace(input), err == nil || input != ""
}

func (p *prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	if answer, _ := p.line(); answer != "" {
		return answer
	}
	return strings.TrimSpace(def)
}

func (p *prompter) required(prompt string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", prompt)
		answer, ok := p.line()
		if answer != "" || !ok {
			return answer
		}
		p.say("This value is required. Please enter a value.")
	}
}

func (p *prompter) yesNo(prompt string, def bool) bool {
	label := "y/N"
	if def {
		label = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, label)
		answer, ok := p.line()
		switch strings.ToLower(answer) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !ok {
			return def
		}
		p.say("Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
