// Command mockop runs an in-memory OpenID 2.0 provider that approves every
// request for a single configured user. It exists for local development
// against the relying party.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"openidrp/openid/openidtest"
	"openidrp/server"
)

type options struct {
	addr      string
	publicURL string
	user      openidtest.User
	provider  openidtest.Options
}

func main() {
	var (
		o     options
		teams string
	)
	flag.StringVar(&o.addr, "addr", "127.0.0.1:9090", "Listen address")
	flag.StringVar(&o.publicURL, "public-url", "", "Base URL the provider is reached at (defaults to http://<addr>)")
	flag.StringVar(&o.user.Name, "user", "alice", "User name, used in the claimed identifier")
	flag.StringVar(&o.user.Nickname, "nickname", "", "SReg nickname (defaults to the user name)")
	flag.StringVar(&o.user.FullName, "fullname", "Alice Example", "SReg full name")
	flag.StringVar(&o.user.Email, "email", "alice@example.com", "SReg email")
	flag.StringVar(&teams, "teams", "", "Comma separated teams the user belongs to")
	flag.StringVar(&o.provider.Decline, "decline", "", "Answer checkid with 'cancel' or 'setup_needed'")
	flag.StringVar(&o.provider.AssocType, "assoc-type", "", "Force the association type the provider offers")
	flag.Parse()

	if o.user.Nickname == "" {
		o.user.Nickname = o.user.Name
	}
	o.user.Teams = splitList(teams)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler, base, err := newHandler(o, logger)
	if err != nil {
		log.Fatalf("init provider: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         o.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	logger.Info("mock provider listening",
		"addr", o.addr,
		"op_identifier", base+"/",
		"claimed_id", base+"/id/"+o.user.Name)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newHandler builds the provider with request logging.
func newHandler(o options, logger *slog.Logger) (http.Handler, string, error) {
	base := strings.TrimSuffix(o.publicURL, "/")
	if base == "" {
		base = "http://" + o.addr
	}
	switch o.provider.Decline {
	case "", "cancel", "setup_needed":
	default:
		return nil, "", fmt.Errorf("unknown decline mode %q", o.provider.Decline)
	}

	op := openidtest.NewHandler(base, o.user, o.provider)
	var h http.Handler = op
	h = server.LoggingMiddleware(logger)(h)
	h = server.RequestIDMiddleware(h)
	return h, base, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
