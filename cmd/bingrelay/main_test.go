package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/bingrelay/internal/client"
	"github.com/clawinfra/bingrelay/internal/config"
	"github.com/clawinfra/bingrelay/internal/credentials"
	"github.com/clawinfra/bingrelay/internal/upstream"
)

func writeTestConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()

	cookies := filepath.Join(dir, "cookies.yaml")
	if err := os.WriteFile(cookies, []byte("cookies:\n  - cookie-one\n  - cookie-two\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Credentials.File = cookies
	cfg.Upstream.Provider = "echo"
	cfg.Upstream.EchoDelayMs = 5
	cfg.Server.LogLevel = "error"
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "bingrelay.json")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bingrelay.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := loadConfig(path, logger)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("default config not written: %v", err)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bingrelay.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":-1}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSetupRequiresCredentials(t *testing.T) {
	path := writeTestConfig(t, func(c *config.Config) {
		c.Credentials.File = filepath.Join(filepath.Dir(c.Credentials.File), "missing.yaml")
	})
	if _, err := setup(path); err == nil {
		t.Fatal("expected error for missing credentials file")
	}

	empty := writeTestConfig(t, nil)
	cfg, err := config.Load(empty)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Credentials.File, []byte("cookies: []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := setup(empty); !errors.Is(err, credentials.ErrEmptyPool) {
		t.Errorf("expected ErrEmptyPool, got %v", err)
	}
}

func TestSetupBuildsApp(t *testing.T) {
	path := writeTestConfig(t, func(c *config.Config) {
		c.Upstream.Provider = "bing"
		c.Events.MQTT.Enabled = true
	})

	app, err := setup(path)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if app.Pool.Len() != 2 {
		t.Errorf("expected 2 cookies, got %d", app.Pool.Len())
	}
	if app.Events == nil {
		t.Error("expected mqtt publisher when events are enabled")
	}
	if app.APIServer == nil || app.Janitor == nil || app.Coordinator == nil {
		t.Error("app not fully wired")
	}
}

func TestNewAdapterUnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Upstream.Provider = "gpt"
	if _, err := newAdapter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestServeEndToEnd(t *testing.T) {
	app, err := setup(writeTestConfig(t, nil))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, app, ln) }()

	c := client.New("http://"+ln.Addr().String(), client.WithPollInterval(10*time.Millisecond))

	streamCtx, streamCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer streamCancel()

	var updates int
	reply, err := c.Stream(streamCtx, "hello from the relay", nil, "", func(client.Reply) { updates++ })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !reply.Answer.Done || reply.Answer.Text != "hello from the relay" {
		t.Errorf("unexpected final answer %+v", reply.Answer)
	}
	if reply.Cookie != "cookie-one" && reply.Cookie != "cookie-two" {
		t.Errorf("cookie not from the pool: %q", reply.Cookie)
	}
	if updates < 2 {
		t.Errorf("expected at least a fragment and a final update, got %d", updates)
	}

	// The final answer was collected, so polling it again is an error.
	_, err = c.Progress(streamCtx, "", &upstream.Turn{ID: reply.Answer.ID}, "")
	var serr *client.ServerError
	if !errors.As(err, &serr) {
		t.Errorf("expected not-found after collection, got %v", err)
	}

	next, err := c.Continue(streamCtx, "and again", client.ForContinuation(reply.Answer), reply.Cookie)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if next.Answer.ConversationID != reply.Answer.ConversationID || next.Answer.InvocationID != reply.Answer.InvocationID+1 {
		t.Errorf("conversation not continued: %+v", next.Answer)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
