package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chanpost/internal/transport"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored")
}

func TestWithFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf, "info").With(String("comp", "scheduler"))
	l.Debug("hidden")
	l.Info("tick done", Int("posted", 2), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "scheduler" || m["message"] != "tick done" || m["posted"] != float64(2) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["err"] != "boom" {
		t.Fatalf("err field = %v", m["err"])
	}
	if !strings.HasPrefix(m["caller"].(string), "logx_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()

	got := formatTelegramJSON([]byte(`{"level":"warn","time":"x","message":"delivery failed","dest":"-100","attempt":1}`))
	want := "[WARN] delivery failed\n- attempt=1\n- dest=-100"
	if got != want {
		t.Fatalf("formatTelegramJSON() = %q, want %q", got, want)
	}
	if got := formatTelegramJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-JSON passthrough = %q", got)
	}
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
	done  chan struct{}
}

func (c *captureSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
	return transport.MessageRef{}, nil
}

func (c *captureSender) SendMedia(context.Context, transport.ChatTarget, transport.Media, string, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func TestServiceTelegramSinkRespectsMinLevel(t *testing.T) {
	t.Parallel()

	sender := &captureSender{done: make(chan struct{}, 1)}
	svc, log := NewService(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("forwarded", String("dest", "-100"))

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("telegram sink never delivered")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.texts) != 1 || !strings.HasPrefix(sender.texts[0], "[WARN] forwarded") {
		t.Fatalf("texts = %q", sender.texts)
	}
}

func TestServiceFileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}}, nil)
	log.Info("written to file")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !log.Enabled(LevelInfo) || log.Enabled(LevelDebug) {
		t.Fatalf("level gating mismatch")
	}
}
