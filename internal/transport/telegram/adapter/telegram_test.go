package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	kit "chanpost/internal/transport"
	"chanpost/pkg/logx"
)

// stallingAPI answers getMe and holds every other method until release is closed.
func stallingAPI(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"chanpost","username":"chanpost_bot"}}`))
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func newTestAdapter(t *testing.T, apiURL string) *Adapter {
	t.Helper()
	a, err := New(Config{Token: "123:abc", APIURL: apiURL}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestCallsHonourContextDeadline(t *testing.T) {
	a := newTestAdapter(t, stallingAPI(t).URL)
	if a.bot.Me == nil || a.bot.Me.Username != "chanpost_bot" {
		t.Fatalf("me=%+v", a.bot.Me)
	}
	to := kit.ChatTarget{ChatID: -1001}

	calls := map[string]func(ctx context.Context) error{
		"send_text": func(ctx context.Context) error {
			_, err := a.SendText(ctx, to, "hello", nil)
			return err
		},
		"send_media": func(ctx context.Context) error {
			_, err := a.SendMedia(ctx, to, kit.Media{Kind: kit.MediaPhoto, FileID: "f"}, "cap", nil)
			return err
		},
		"admin_status": func(ctx context.Context) error {
			_, err := a.AdminStatus(ctx, to)
			return err
		},
		"download": func(ctx context.Context) error {
			_, err := a.DownloadFile(ctx, "f")
			return err
		},
	}
	for name, fn := range calls {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			start := time.Now()
			err := fn(ctx)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("err=%v want deadline exceeded", err)
			}
			if took := time.Since(start); took > 2*time.Second {
				t.Fatalf("call took %v after a 100ms deadline", took)
			}
		})
	}
}

func TestCallSkipsWorkOnDoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, err := call(ctx, func() (int, error) { ran = true; return 1, nil })
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("err=%v ran=%v", err, ran)
	}
}

func TestCallRecoversPanic(t *testing.T) {
	_, err := call(context.Background(), func() (int, error) { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v", err)
	}
}

func TestRequestTimeoutStaysAbovePoll(t *testing.T) {
	srv := stallingAPI(t)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, PollTimeout: 40 * time.Second, RequestTimeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.cfg.RequestTimeout != 50*time.Second {
		t.Fatalf("request timeout=%v", a.cfg.RequestTimeout)
	}

	a = newTestAdapter(t, srv.URL)
	if a.cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("default request timeout=%v", a.cfg.RequestTimeout)
	}
}
