package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log %q: %v", buf.String(), err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("debug", &buf)
	log.Warn("low balance")

	entry := decodeLine(t, &buf)
	for _, field := range []string{"timestamp", "level", "message"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("JSON log missing required field %q", field)
		}
	}
	if entry["level"] != "warning" {
		t.Errorf("level = %v, want warning", entry["level"])
	}
	if entry["message"] != "low balance" {
		t.Errorf("message = %v, want %q", entry["message"], "low balance")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %s", buf.String())
	}
}

func TestLogger_Fields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)
	log.WithModule("colorize").
		WithRequestID("req-1").
		WithError(errors.New("boom")).
		WithFields(map[string]any{"balance": 7}).
		Info("charged", "points", 3)

	entry := decodeLine(t, &buf)
	if entry["module"] != "colorize" {
		t.Errorf("module = %v", entry["module"])
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["balance"] != float64(7) {
		t.Errorf("balance = %v", entry["balance"])
	}
	if entry["points"] != float64(3) {
		t.Errorf("points = %v", entry["points"])
	}
	if entry["message"] != "charged" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestLogger_ContextValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)

	ctx := ctxutil.WithUserID(context.Background(), "U123")
	ctx = ctxutil.WithFeature(ctx, "edit")
	ctx = ctxutil.WithJobID(ctx, "job-9")
	log.InfoContext(ctx, "job started")

	out := buf.String()
	for _, want := range []string{`"user_id":"U123"`, `"feature":"edit"`, `"job_id":"job-9"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, `"chat_id"`) {
		t.Errorf("unexpected chat_id in %s", out)
	}
}

func TestLogger_ShutdownWithoutRemote(t *testing.T) {
	t.Parallel()

	log := New("info")
	if err := log.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
	var nilLogger *Logger
	if err := nilLogger.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown() = %v, want nil", err)
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	level   slog.Level
	records []slog.Record
	err     error
}

func (h *recordingHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return h.err
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func TestMultiHandler(t *testing.T) {
	t.Parallel()

	debug := &recordingHandler{level: slog.LevelDebug}
	errOnly := &recordingHandler{level: slog.LevelError, err: errors.New("sink down")}
	mh := NewMultiHandler(nil, debug, errOnly)

	if len(mh.handlers) != 2 {
		t.Fatalf("expected nil handlers to be skipped, got %d", len(mh.handlers))
	}
	if !mh.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be enabled by at least one handler")
	}

	log := slog.New(mh)
	log.Info("info only reaches debug sink")
	if debug.count() != 1 || errOnly.count() != 0 {
		t.Errorf("counts = %d/%d, want 1/0", debug.count(), errOnly.count())
	}

	err := mh.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelError, "x", 0))
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Errorf("expected joined sink error, got %v", err)
	}
}

func TestAsyncHandler_FlushOnShutdown(t *testing.T) {
	t.Parallel()

	sink := &recordingHandler{level: slog.LevelDebug}
	async := NewAsyncHandler(sink, AsyncOptions{BufferSize: 16})
	log := slog.New(async)

	for range 5 {
		log.Info("queued")
	}
	if err := async.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if sink.count() != 5 {
		t.Errorf("flushed %d records, want 5", sink.count())
	}

	// Records after shutdown are ignored, and a second shutdown is a no-op.
	log.Info("late")
	if err := async.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
	if sink.count() != 5 {
		t.Errorf("late record was handled")
	}
}
