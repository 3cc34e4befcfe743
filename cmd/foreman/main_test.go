package main

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cayde/foreman/internal/config"
	"github.com/cayde/foreman/internal/orchestrator"
)

func newTestService(t *testing.T) (*orchestrator.Service, config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.Worker.PollInterval = config.Duration{Duration: 10 * time.Millisecond}

	service, err := orchestrator.NewService(t.TempDir(), cfg, newLogger("panic"))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { service.Close() })
	return service, cfg
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	if level := newLogger("debug").GetLevel(); level != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", level)
	}
	if level := newLogger("not-a-level").GetLevel(); level != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", level)
	}
}

func TestServeLoopStopsOnCancel(t *testing.T) {
	service, cfg := newTestService(t)
	dispatcher := buildDispatcher(service, cfg, newLogger("panic"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not stop after cancellation")
	}
}
