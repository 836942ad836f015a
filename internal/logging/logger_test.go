package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"swarmview/mirror/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, InfoLevel).With(String("component", "reconcile"))

	logger.Debug("hidden")
	logger.Warn("unregistered agent", Int("agent_id", 9), Duration("elapsed", 1500*time.Millisecond), Error(errors.New("boom")))

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["level"] != "warn" || entry["message"] != "unregistered agent" {
		t.Fatalf("unexpected entry header: %#v", entry)
	}
	if entry["component"] != "reconcile" {
		t.Fatalf("expected inherited component field, got %#v", entry["component"])
	}
	if entry["agent_id"] != float64(9) || entry["elapsed"] != "1.5s" || entry["error"] != "boom" {
		t.Fatalf("unexpected fields: %#v", entry)
	}
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(&buf, DebugLevel)
	_ = parent.With(String("child", "yes"))

	parent.Info("parent entry")
	entries := decodeLines(t, &buf)
	if _, ok := entries[0]["child"]; ok {
		t.Fatalf("child field leaked into parent: %#v", entries[0])
	}
}

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, InfoLevel)
	code := -1
	logger.exit = func(c int) { code = c }

	logger.Fatal("cannot continue")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(buf.String(), "cannot continue") {
		t.Fatalf("expected fatal entry to be written before exit")
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("WARNING"); err != nil || lvl != WarnLevel {
		t.Fatalf("expected warn level, got %v (%v)", lvl, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestContextLoggerFallsBackToGlobal(t *testing.T) {
	if LoggerFromContext(context.Background()) != L() {
		t.Fatalf("expected global logger fallback")
	}
	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatalf("expected context logger")
	}
}

func TestHTTPTraceMiddlewarePropagatesTraceID(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "abc123" {
		t.Fatalf("expected trace id to reach handler, got %q", seen)
	}
	if rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("expected trace id echoed in response")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if generated := rec.Header().Get(TraceIDHeader); len(generated) != 32 {
		t.Fatalf("expected generated 32 character trace id, got %q", generated)
	}
}

func TestRotatingWriterCompressesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirror.log")
	w, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 700<<10)
	for i := 0; i < 2; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	matches, err := filepath.Glob(path + ".*.zst")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one compressed backup, got %v (%v)", matches, err)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("decode backup: %v", err)
	}
	if !bytes.Equal(plain, chunk) {
		t.Fatalf("backup content mismatch: %d bytes", len(plain))
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() != int64(len(chunk)) {
		t.Fatalf("expected active file to hold the second chunk, got %v (%v)", info, err)
	}
}

func TestRotatingWriterPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirror.log")
	w, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	chunk := bytes.Repeat([]byte("y"), 600<<10)
	for i := 0; i < 4; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	matches, _ := filepath.Glob(path + ".*")
	if len(matches) != 1 {
		t.Fatalf("expected a single retained backup, got %v", matches)
	}
}
