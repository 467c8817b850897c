package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	handler := NewAsyncHandler(dir, slog.LevelInfo)
	log := slog.New(handler).With("client", "c1").WithGroup("session")

	log.Info("connected", "expiry", 60)
	log.Debug("filtered out")
	if err := handler.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "connected") {
		t.Errorf("expected message in log, got %q", content)
	}
	if !strings.Contains(content, "client=c1") {
		t.Errorf("expected inherited attribute in log, got %q", content)
	}
	if strings.Contains(content, "filtered out") {
		t.Errorf("debug record should not be written at info level")
	}
}

func TestShutdownCallbackIsIdempotent(t *testing.T) {
	handler := NewAsyncHandler("", slog.LevelDebug)
	cb := &ShutdownCallback{handler: handler}
	if err := cb.Invoke(context.Background()); err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
	if err := cb.Invoke(context.Background()); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}
	// 关闭后写入不应 panic
	handler.Write([]byte("late line\n"))
}
