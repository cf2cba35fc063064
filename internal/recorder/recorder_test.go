package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deriflow/config"
	"deriflow/models"
)

func TestNewRecorderDisabled(t *testing.T) {
	r, err := NewRecorder(config.RecorderConfig{Enabled: false}, config.S3Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != nil {
		t.Fatal("disabled recorder must return nil")
	}
}

func TestLocalFlush(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(config.RecorderConfig{
		Enabled:       true,
		FlushInterval: time.Hour,
		Directory:     dir,
	}, config.S3Config{})
	if err != nil {
		t.Fatalf("recorder construction failed: %v", err)
	}
	r.ctx = context.Background()

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r.Record(models.MarketEvent{
			Channel:   "book.BTC-PERPETUAL.100ms",
			Symbol:    "BTC-PERPETUAL",
			Data:      json.RawMessage(`{"bids":[[50000,10]]}`),
			Timestamp: ts,
		})
	}
	r.flushBuffers("test")

	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 1 {
		t.Fatalf("expected one batch file, got %v", files)
	}
	if filepath.Ext(files[0]) != ".parquet" {
		t.Fatalf("unexpected file name %s", files[0])
	}
	info, err := os.Stat(files[0])
	if err != nil || info.Size() == 0 {
		t.Fatalf("empty batch file: %v", err)
	}
}

func TestRecordIgnoresEventsWithoutSymbol(t *testing.T) {
	r, err := NewRecorder(config.RecorderConfig{
		Enabled:       true,
		FlushInterval: time.Hour,
		Directory:     t.TempDir(),
	}, config.S3Config{})
	if err != nil {
		t.Fatalf("recorder construction failed: %v", err)
	}

	r.Record(models.MarketEvent{Channel: "platform_state", Data: json.RawMessage(`{}`)})
	r.mu.Lock()
	n := len(r.buffer)
	r.mu.Unlock()
	if n != 0 {
		t.Fatalf("event without symbol buffered: %d", n)
	}
}

func TestStartStop(t *testing.T) {
	r, err := NewRecorder(config.RecorderConfig{
		Enabled:       true,
		FlushInterval: 10 * time.Millisecond,
		Directory:     t.TempDir(),
	}, config.S3Config{})
	if err != nil {
		t.Fatalf("recorder construction failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}
	cancel()
	r.Stop()
}

func TestStopWithoutContextCancel(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(config.RecorderConfig{
		Enabled:       true,
		FlushInterval: time.Hour,
		Directory:     dir,
	}, config.S3Config{})
	if err != nil {
		t.Fatalf("recorder construction failed: %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	r.Record(models.MarketEvent{
		Channel:   "book.BTC-PERPETUAL.100ms",
		Symbol:    "BTC-PERPETUAL",
		Data:      json.RawMessage(`{"bids":[]}`),
		Timestamp: time.Now().UTC(),
	})

	// Stop must return on its own and flush what is buffered, even though
	// the start context is still live.
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 1 {
		t.Fatalf("expected one flushed batch, got %v", files)
	}

	// A second stop is a no-op.
	r.Stop()
}
