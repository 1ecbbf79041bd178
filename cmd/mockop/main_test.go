package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"openidrp/openid/openidtest"
)

func TestNewHandlerServesXRDS(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, base, err := newHandler(options{
		addr: "127.0.0.1:9090",
		user: openidtest.User{Name: "bob"},
	}, logger)
	if err != nil {
		t.Fatalf("newHandler returned error: %v", err)
	}
	if base != "http://127.0.0.1:9090" {
		t.Fatalf("unexpected base %q", base)
	}

	req := httptest.NewRequest(http.MethodGet, "/id/bob", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), base+"/endpoint") {
		t.Fatalf("XRDS should advertise the endpoint, got %s", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestNewHandlerRejectsUnknownDecline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, _, err := newHandler(options{addr: "x", provider: openidtest.Options{Decline: "maybe"}}, logger)
	if err == nil {
		t.Fatalf("expected error for unknown decline mode")
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(" a, ,b "); strings.Join(got, "|") != "a|b" {
		t.Fatalf("unexpected list %v", got)
	}
	if got := splitList(""); len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}
