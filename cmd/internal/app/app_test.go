package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"tandem/cmd/internal/auth/session"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type appHarness struct {
	app    *App
	srv    *httptest.Server
	tokens session.AccessTokenManager
}

func newAppHarness(t *testing.T, mutate func(*Config)) *appHarness {
	t.Helper()

	key := session.NewEphemeralKeyHex()
	t.Setenv("TANDEM_PASETO_V4_SECRET_KEY_HEX", key)
	t.Setenv("TANDEM_WS_ORIGIN_REQUIRED", "false")

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.UploadDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = key
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	return &appHarness{app: a, srv: srv, tokens: tokens}
}

func (h *appHarness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(userID, "sess-"+userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func mustGet(t *testing.T, url string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), resp.Header
}

func TestApp_HealthReadyAndMetrics(t *testing.T) {
	h := newAppHarness(t, nil)

	code, body, hdr := mustGet(t, h.srv.URL+"/healthz")
	if code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz=%d %q", code, body)
	}
	if hdr.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}

	if code, _, _ := mustGet(t, h.srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz=%d", code)
	}

	code, body, _ = mustGet(t, h.srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics=%d", code)
	}
	for _, want := range []string{"tandem_ws_connections", "tandem_presence_online_users", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestApp_ReadyRequiresDB(t *testing.T) {
	h := newAppHarness(t, func(c *Config) { c.ReadinessRequireDB = true })

	if code, _, _ := mustGet(t, h.srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want 503", code)
	}
}

func TestApp_ChatAPIMounted(t *testing.T) {
	h := newAppHarness(t, nil)

	if code, _, _ := mustGet(t, h.srv.URL+"/api/chat/conversations"); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list=%d want 401", code)
	}

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/chat/conversations", strings.NewReader(`{"partner_id":"bob"}`))
	req.Header.Set("Authorization", "Bearer "+h.token(t, "alice"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create=%d want 201", resp.StatusCode)
	}
	var conv v1.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(conv.Participants) != 2 {
		t.Fatalf("participants=%+v", conv.Participants)
	}
}

func TestApp_WebsocketThroughMiddleware(t *testing.T) {
	h := newAppHarness(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+h.token(t, "alice"))
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	hello, err := v1.NewEnvelope(v1.TypeHello, "h1", time.Now(), v1.HelloPayload{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, _ := json.Marshal(hello)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != v1.TypeHelloAck {
			continue
		}
		var ack v1.HelloAckPayload
		if err := env.Decode(&ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		if ack.UserID != "alice" {
			t.Fatalf("ack=%+v", ack)
		}
		return
	}
}

func TestApp_MissingSigningKeyFails(t *testing.T) {
	t.Setenv("TANDEM_PASETO_V4_SECRET_KEY_HEX", "")

	cfg := LoadConfig()
	cfg.DatabaseURL, cfg.RedisURL, cfg.UploadDir = "", "", t.TempDir()

	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error without a signing key")
	}

	cfg.AuthDevEphemeralKey = true
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("dev ephemeral key: %v", err)
	}
	a.Close()
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("TANDEM_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("TANDEM_DB_MAX_CONNS", "25")
	t.Setenv("TANDEM_DB_AUTO_MIGRATE", "true")
	t.Setenv("TANDEM_CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("TANDEM_PRESENCE_TTL", "not-a-duration")
	t.Setenv("TANDEM_HTTP_MAX_HEADER_BYTES", "-5")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" || cfg.DBMaxConns != 25 || !cfg.DBAutoMigrate {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("cors=%v", cfg.CORSAllowedOrigins)
	}
	if cfg.PresenceTTL != 2*time.Minute {
		t.Fatalf("bad duration should fall back, got %v", cfg.PresenceTTL)
	}
	if cfg.MaxHeaderBytes != 1<<20 {
		t.Fatalf("negative int should fall back, got %d", cfg.MaxHeaderBytes)
	}
	if cfg.DBSchema != "tandem" || cfg.LogFormat != "json" {
		t.Fatalf("defaults: schema=%q format=%q", cfg.DBSchema, cfg.LogFormat)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.env"
	if err := os.WriteFile(path, []byte("TANDEM_TEST_FROM_FILE=yes\nTANDEM_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TANDEM_TEST_PRESET", "process")
	t.Setenv("TANDEM_TEST_FROM_FILE", "")
	_ = os.Unsetenv("TANDEM_TEST_FROM_FILE")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := EnvString("TANDEM_TEST_FROM_FILE", ""); got != "yes" {
		t.Fatalf("file value not loaded, got %q", got)
	}
	if got := EnvString("TANDEM_TEST_PRESET", ""); got != "process" {
		t.Fatalf("process env must win, got %q", got)
	}
	if err := LoadDotEnv(dir + "/missing.env"); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}
