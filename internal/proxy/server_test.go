package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgeproxy/internal/testutil/testlog"
)

func startTestServer(t *testing.T, cfg Config) (*Server, *Handle) {
	t.Helper()
	cfg.Port = 0
	srv := NewServer(cfg)
	h, err := srv.Start()
	if err != nil {
		t.Fatalf("start proxy: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, h
}

func get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestServerRootAnswers(t *testing.T) {
	testlog.Start(t)

	_, h := startTestServer(t, DefaultConfig())
	resp, body := get(t, h.URL())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body != rootBody {
		t.Fatalf("unexpected body: %q", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		// cors only answers requests carrying an Origin header
		t.Fatalf("unexpected cors header without origin")
	}
}

func TestServerStartIsIdempotent(t *testing.T) {
	testlog.Start(t)

	srv, h := startTestServer(t, DefaultConfig())
	again, err := srv.Start()
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if again != h {
		t.Fatalf("expected same handle, got %s and %s", h, again)
	}
	if !strings.HasPrefix(h.Address(), loopbackHost+":") {
		t.Fatalf("unexpected address: %q", h.Address())
	}
	if h.StatusLine() != "Proxy running @ "+h.Address() {
		t.Fatalf("unexpected status line: %q", h.StatusLine())
	}
}

func TestServerStopInvalidatesHandle(t *testing.T) {
	testlog.Start(t)

	srv := NewServer(Config{Port: 0})
	h, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.Valid() {
		t.Fatalf("expected handle invalid after stop")
	}
	if srv.Started() {
		t.Fatalf("expected server stopped")
	}
	if _, err := h.ProxyURL("http://example.com/a.ts", nil); !errors.Is(err, ErrHandleInvalid) {
		t.Fatalf("expected ErrHandleInvalid, got %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	h2, err := srv.Start()
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer srv.Stop(ctx)
	if h2.ID() == h.ID() {
		t.Fatalf("expected distinct handle per run")
	}
}

func TestServerRejectsInvalidPort(t *testing.T) {
	testlog.Start(t)

	srv := NewServer(Config{Port: 70000})
	if _, err := srv.Start(); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
}

func TestServerForwardsWithHeaders(t *testing.T) {
	testlog.Start(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://site.example/" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = io.WriteString(w, "segment-bytes")
	}))
	defer upstream.Close()

	_, h := startTestServer(t, DefaultConfig())
	proxied, err := h.ProxyURL(upstream.URL+"/media/seg1.ts", map[string]string{"Referer": "https://site.example/"})
	if err != nil {
		t.Fatalf("proxy url: %v", err)
	}
	if !strings.HasPrefix(proxied, h.URL()+"seg1.ts?q=") {
		t.Fatalf("unexpected proxy url: %q", proxied)
	}
	resp, body := get(t, proxied)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body != "segment-bytes" {
		t.Fatalf("unexpected body: %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp2t" {
		t.Fatalf("unexpected content type: %q", ct)
	}
}

func TestServerPassesUpstreamStatus(t *testing.T) {
	testlog.Start(t)

	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	_, h := startTestServer(t, DefaultConfig())
	proxied, err := h.ProxyURL(upstream.URL+"/missing.ts", nil)
	if err != nil {
		t.Fatalf("proxy url: %v", err)
	}
	resp, _ := get(t, proxied)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected upstream 404, got %d", resp.StatusCode)
	}
}

func TestServerRewritesPlaylist(t *testing.T) {
	testlog.Start(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n")
	}))
	defer upstream.Close()

	_, h := startTestServer(t, DefaultConfig())
	proxied, err := h.ProxyURL(upstream.URL+"/live/index.m3u8", map[string]string{"Origin": "https://site.example"})
	if err != nil {
		t.Fatalf("proxy url: %v", err)
	}
	resp, body := get(t, proxied)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != playlistContentType {
		t.Fatalf("unexpected content type: %q", ct)
	}
	lines := strings.Split(strings.TrimRight(body, "\r\n"), "\r\n")
	if len(lines) != 3 || lines[0] != "#EXTM3U" {
		t.Fatalf("unexpected playlist: %q", body)
	}
	if !strings.HasPrefix(lines[2], "seg1.ts?q=") {
		t.Fatalf("unexpected media line: %q", lines[2])
	}
	q, err := url.ParseQuery(strings.SplitN(lines[2], "?", 2)[1])
	if err != nil {
		t.Fatalf("parse media query: %v", err)
	}
	remote, headers, err := DecodeQuery(q.Get("q"))
	if err != nil {
		t.Fatalf("decode media query: %v", err)
	}
	if remote != upstream.URL+"/live/seg1.ts" {
		t.Fatalf("unexpected resolved remote: %q", remote)
	}
	if headers["Origin"] != "https://site.example" {
		t.Fatalf("headers not carried: %+v", headers)
	}
}

func TestServerRejectsBadPlaylist(t *testing.T) {
	testlog.Start(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>not a playlist</html>")
	}))
	defer upstream.Close()

	_, h := startTestServer(t, DefaultConfig())
	proxied, err := h.ProxyURL(upstream.URL+"/index.m3u8", nil)
	if err != nil {
		t.Fatalf("proxy url: %v", err)
	}
	resp, _ := get(t, proxied)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestServerRejectsBadQuery(t *testing.T) {
	testlog.Start(t)

	_, h := startTestServer(t, DefaultConfig())
	for _, q := range []string{"", "%%%", "bm90LWpzb24"} {
		resp, _ := get(t, h.URL()+"seg.ts?q="+url.QueryEscape(q))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("q=%q: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestServerRejectsNonGetForward(t *testing.T) {
	testlog.Start(t)

	srv := NewServer(DefaultConfig())
	req := httptest.NewRequest(http.MethodPost, "/seg.ts?q=abc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestServerFileTargets(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "clip.txt")
	if err := os.WriteFile(file, []byte("local-bytes"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	q, err := EncodeQuery("file://"+filepath.ToSlash(file), nil)
	if err != nil {
		t.Fatalf("encode query: %v", err)
	}
	target := "/clip.txt?" + url.Values{"q": {q}}.Encode()

	denied := NewServer(DefaultConfig())
	rec := httptest.NewRecorder()
	denied.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with file targets disabled, got %d", rec.Code)
	}

	cfg := DefaultConfig()
	cfg.AllowFileTargets = true
	allowed := NewServer(cfg)
	rec = httptest.NewRecorder()
	allowed.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "local-bytes" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestServerHealth(t *testing.T) {
	testlog.Start(t)

	_, h := startTestServer(t, Config{ID: "proxy.test"})
	resp, body := get(t, h.URL()+"_proxy/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"proxy":"proxy.test"`) || !strings.Contains(body, h.Address()) {
		t.Fatalf("unexpected health body: %s", body)
	}
}

func TestCorsConfig(t *testing.T) {
	testlog.Start(t)

	if cfg := corsConfig(nil); !cfg.AllowAllOrigins {
		t.Fatalf("expected allow-all with no origins")
	}
	if cfg := corsConfig([]string{"https://a.example", "*"}); !cfg.AllowAllOrigins || len(cfg.AllowOrigins) != 0 {
		t.Fatalf("expected wildcard to allow all: %+v", cfg)
	}
	cfg := corsConfig([]string{" https://a.example ", ""})
	if cfg.AllowAllOrigins || len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://a.example" {
		t.Fatalf("unexpected cors config: %+v", cfg)
	}
}

func TestAdvertiseHost(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"":          loopbackHost,
		"0.0.0.0":   loopbackHost,
		"localhost": loopbackHost,
		"10.1.2.3":  "10.1.2.3",
	}
	for host, want := range cases {
		if got := advertiseHost(Config{Host: host}); got != want {
			t.Fatalf("host %q: got %q want %q", host, got, want)
		}
	}
}
