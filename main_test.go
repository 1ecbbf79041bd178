package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"openidrp/openid"
	"openidrp/openid/openidtest"
	"openidrp/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunDiscoverSuccess(t *testing.T) {
	op := openidtest.NewProvider(openidtest.User{Name: "alice"}, openidtest.Options{})
	defer op.Close()

	cfg := server.DefaultConfig()
	if err := runDiscover(context.Background(), cfg, discardLogger(), op.ClaimedID(), nil); err != nil {
		t.Fatalf("runDiscover returned error: %v", err)
	}
	if op.AssociateCount() != 1 {
		t.Fatalf("expected one association request, got %d", op.AssociateCount())
	}
}

func TestRunDiscoverStateless(t *testing.T) {
	op := openidtest.NewProvider(openidtest.User{Name: "alice"}, openidtest.Options{})
	defer op.Close()

	cfg := server.DefaultConfig()
	cfg.OpenID.Association = openid.AssocNone
	if err := runDiscover(context.Background(), cfg, discardLogger(), op.URL(), nil); err != nil {
		t.Fatalf("runDiscover returned error: %v", err)
	}
	if op.AssociateCount() != 0 {
		t.Fatalf("stateless discovery must not associate, got %d", op.AssociateCount())
	}
}

func TestRunDiscoverUnreachable(t *testing.T) {
	cfg := server.DefaultConfig()
	if err := runDiscover(context.Background(), cfg, discardLogger(), "http://127.0.0.1:1/", nil); err == nil {
		t.Fatalf("expected error for unreachable identifier")
	}
}

func TestRunDiscoverMissingIdentifier(t *testing.T) {
	if err := runDiscover(context.Background(), server.DefaultConfig(), discardLogger(), "", nil); err == nil {
		t.Fatalf("expected error for missing identifier")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	answers := strings.Join([]string{
		"y",                      // dev mode
		"http://127.0.0.1:8080/", // public url
		"",                       // dev listen address
		"n",                      // sso
		"n",                      // signup
		"devs, admins",           // teams
	}, "\n") + "\n"

	var out strings.Builder
	cfg, err := runSetup(newPrompter(strings.NewReader(answers), &out), path, discardLogger())
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:8080" {
		t.Fatalf("public url mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Realm.Mode != server.ModeLoginService || cfg.Realm.AllowSignup {
		t.Fatalf("realm mismatch: mode=%q signup=%v", cfg.Realm.Mode, cfg.Realm.AllowSignup)
	}
	if strings.Join(cfg.Realm.Teams.Query, ",") != "devs,admins" || !cfg.Realm.Teams.Enabled {
		t.Fatalf("teams mismatch: %+v", cfg.Realm.Teams)
	}
	if cfg.OpenID.NonceMaxAge != openid.DefaultNonceMaxAge {
		t.Fatalf("durations should survive the round trip, got %s", cfg.OpenID.NonceMaxAge)
	}
}

func TestPrompterDefaultsOnExhaustedInput(t *testing.T) {
	var out strings.Builder
	p := newPrompter(strings.NewReader("maybe\n"), &out)

	if !p.yesNo("Continue?", true) {
		t.Fatalf("exhausted input should take the default")
	}
	if !strings.Contains(out.String(), "Please enter 'y' or 'n'.") {
		t.Fatalf("invalid answer should be reported, got %q", out.String())
	}
	if got := p.ask("Name", "alice"); got != "alice" {
		t.Fatalf("expected default, got %q", got)
	}
	if got := p.required("Domain"); got != "" {
		t.Fatalf("required should give up on exhausted input, got %q", got)
	}
}

func TestNormalizeList(t *testing.T) {
	if got := normalizeList(" , ", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := normalizeList("a, b", nil); strings.Join(got, "|") != "a|b" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
