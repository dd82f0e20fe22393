package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/bus/server/bus"
)

func TestLoadConfig(t *testing.T) {
	config, err := loadConfig("bus.conf")
	if err != nil {
		t.Fatal(err)
	}
	if config.Listen != ":6070" || config.GrpcListen != ":16070" {
		t.Errorf("unexpected listen addresses %q %q", config.Listen, config.GrpcListen)
	}
	if config.Bus.PubrTimeout != 5000 || !config.Docs.Enabled || config.Docs.UseAdapter != "memory" {
		t.Errorf("unexpected sections %+v %+v", config.Bus, config.Docs)
	}
	if len(config.Auth) == 0 {
		t.Error("auth_config is missing")
	}

	_, params, err := parseTLSConfig(false, config.TLS)
	if err != nil {
		t.Fatal(err)
	}
	if params.Enabled || params.StrictMaxAge != 604800 {
		t.Errorf("unexpected tls params %+v", params)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Error("missing file must fail")
	}
}

func TestParseTLSConfig(t *testing.T) {
	conf, _, err := parseTLSConfig(false, nil)
	if err != nil || conf != nil {
		t.Errorf("expected TLS disabled, got %v %v", conf, err)
	}

	conf, _, err = parseTLSConfig(true, json.RawMessage(`{"autocert":{"domains":["example.com"],"cache":"`+t.TempDir()+`"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if conf == nil || conf.GetCertificate == nil {
		t.Error("autocert must provide GetCertificate")
	}

	if _, _, err = parseTLSConfig(true, json.RawMessage(`{}`)); err == nil {
		t.Error("TLS without certificates must fail")
	}
	if _, _, err = parseTLSConfig(false, json.RawMessage(`{"enabled":true,"cert_file":"nope.pem","key_file":"nope.key"}`)); err == nil {
		t.Error("missing certificate files must fail")
	}
	if _, _, err = parseTLSConfig(false, json.RawMessage(`[`)); err == nil {
		t.Error("malformed config must fail")
	}
}

func TestTlsRedirect(t *testing.T) {
	cases := []struct {
		port, url, want string
	}{
		{":443", "http://example.com/v0/bus?x=1", "https://example.com/v0/bus?x=1"},
		{":https", "http://example.com:80", "https://example.com/"},
		{":8443", "http://example.com:8080/a", "https://example.com:8443/a"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tlsRedirect(tc.port)(rec, httptest.NewRequest(http.MethodGet, tc.url, nil))
		if rec.Code != http.StatusTemporaryRedirect {
			t.Errorf("%s: expected redirect, got %d", tc.url, rec.Code)
		}
		if got := rec.Header().Get("Location"); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.url, tc.want, got)
		}
	}
}

func TestHstsHandler(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	hstsHandler(next, 100).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=100" {
		t.Errorf("unexpected header %q", got)
	}

	rec = httptest.NewRecorder()
	hstsHandler(next, 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("header must not be set, got %q", got)
	}
}

func TestServeStatus(t *testing.T) {
	b := bus.New()
	handler := serveStatus(b)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/v0/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before init, got %d", rec.Code)
	}

	pt := bus.NewPipeTransport()
	if err := b.Init(context.Background(), bus.Cfg{Transports: []bus.Transport{pt}}); err != nil {
		t.Fatal(err)
	}
	defer b.Destroy()
	con, err := pt.Dial()
	if err != nil {
		t.Fatal(err)
	}
	defer con.Close()
	// Welcome.
	if _, err := con.Recv(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/v0/status?cons=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Live != 1 || len(resp.Cons) != 1 {
		t.Errorf("expected one live connection, got %+v", resp)
	}
	if diff := cmp.Diff([]string{"welcome_evt", "ok_evt", "err_evt", "rpc_send", "rpc_recv"}, resp.Codes); diff != "" {
		t.Errorf("codes mismatch (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/v0/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestOpenLockStore(t *testing.T) {
	store, err := openLockStore(context.Background(), &docsConfig{UseAdapter: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	if _, err := openLockStore(context.Background(), &docsConfig{UseAdapter: "redis"}); err == nil {
		t.Error("unknown adapter must fail")
	}
}

func TestToAbsolutePath(t *testing.T) {
	if got := toAbsolutePath("/opt/bus", "bus.conf"); got != "/opt/bus/bus.conf" {
		t.Errorf("unexpected path %q", got)
	}
	abs := filepath.Join(os.TempDir(), "x.conf")
	if got := toAbsolutePath("/opt/bus", abs); got != abs {
		t.Errorf("absolute path must be kept, got %q", got)
	}
}

func TestServePprof(t *testing.T) {
	mux := http.NewServeMux()
	servePprof(mux, "debug/pprof")

	cases := []struct {
		url    string
		status int
	}{
		{"/debug/pprof/", http.StatusOK},
		{"/debug/pprof/goroutine", http.StatusOK},
		{"/debug/pprof/goroutine?debug=1", http.StatusOK},
		{"/debug/pprof/goroutine?debug=x", http.StatusBadRequest},
		{"/debug/pprof/nonexistent", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.url, nil))
		if rec.Code != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.url, tc.status, rec.Code)
		}
	}

	// Disabled.
	mux = http.NewServeMux()
	servePprof(mux, "-")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when disabled, got %d", rec.Code)
	}
}
