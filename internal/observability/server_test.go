package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chanpost/pkg/logx"
)

func newRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "chanpost_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return reg
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Config{}, newRegistry(t), nil, logx.Nop())
	rec := get(t, s.Handler(Config{}), "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chanpost_test_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestHealthReflectsHealthFunc(t *testing.T) {
	healthy := true
	s := New(Config{}, newRegistry(t), func() (any, error) {
		if healthy {
			return map[string]int{"goroutines": 3}, nil
		}
		return nil, errors.New("storage down")
	}, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"goroutines":3`) {
		t.Fatalf("healthy: code=%d body=%s", rec.Code, rec.Body.String())
	}

	healthy = false
	rec = get(t, h, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "storage down") {
		t.Fatalf("degraded: code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestTokenAuth(t *testing.T) {
	cfg := Config{Token: "s3cret"}
	h := New(cfg, newRegistry(t), nil, logx.Nop()).Handler(cfg)

	if rec := get(t, h, "/metrics", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code=%d", rec.Code)
	}
	if rec := get(t, h, "/metrics", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code=%d", rec.Code)
	}
	if rec := get(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer: code=%d", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token: code=%d", rec.Code)
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s := New(Config{}, newRegistry(t), nil, logx.Nop())
	if rec := get(t, s.Handler(Config{}), "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code=%d", rec.Code)
	}
	if rec := get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/cmdline", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: code=%d", rec.Code)
	}
}

func TestServeAndStop(t *testing.T) {
	s := New(Config{}, newRegistry(t), nil, logx.Nop())
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("code=%d body=%s", resp.StatusCode, body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" || s.Supervisor() != nil {
		t.Fatalf("server still registered after disable")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("expected connection error after stop")
	}
}

func TestRefusesInsecurePublicBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, newRegistry(t), nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatalf("expected refusal")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:9090":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
