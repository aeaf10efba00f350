package modelstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, cfg config.ModelConfig) *Manager {
	t.Helper()
	m := New(context.Background(), cfg, newLogger())
	t.Cleanup(m.Close)
	return m
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func waitSettled(t *testing.T, m *Manager) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := m.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("gate never settled")
	}
	return err
}

func TestEmptyPathOpensGate(t *testing.T) {
	m := newManager(t, config.ModelConfig{})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := waitSettled(t, m); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := m.Current().State; got != StateDownloaded {
		t.Fatalf("state = %s, want DOWNLOADED", got)
	}
}

func TestExistingArtifactShortCircuits(t *testing.T) {
	content := []byte("weights weights weights")
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	m := newManager(t, config.ModelConfig{Path: path, SHA256: checksum(content)})
	m.Start()
	if err := waitSettled(t, m); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := m.Current(); got.State != StateDownloaded || got.Percent != 100 {
		t.Fatalf("current = %+v", got)
	}
}

func TestDownloadVerifiesAndRenames(t *testing.T) {
	content := bytes.Repeat([]byte("layer "), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "models", "model.bin")
	m := newManager(t, config.ModelConfig{URL: srv.URL, Path: path, SHA256: checksum(content), Required: true})
	m.Start()
	if err := waitSettled(t, m); err != nil {
		t.Fatalf("wait: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("artifact content differs, %d bytes vs %d", len(got), len(content))
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind")
	}

	sawDownloading, sawDownloaded := false, false
	for done := false; !done; {
		select {
		case ev := <-m.Events():
			switch ev.State {
			case StateDownloading:
				sawDownloading = true
			case StateDownloaded:
				sawDownloaded = true
				done = true
			case StateFailed:
				t.Fatalf("unexpected failure event: %s", ev.Err)
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !sawDownloading || !sawDownloaded {
		t.Fatalf("event stream incomplete: downloading=%v downloaded=%v", sawDownloading, sawDownloaded)
	}
}

func TestChecksumMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not the advertised bytes"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "model.bin")
	m := newManager(t, config.ModelConfig{URL: srv.URL, Path: path, SHA256: strings.Repeat("ab", 32), Required: true})
	m.Start()

	err := waitSettled(t, m)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("wait error = %v", err)
	}
	if got := m.Current().State; got != StateFailed {
		t.Fatalf("state = %s, want FAILED", got)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("corrupt artifact kept on disk")
	}
}

func TestStaleArtifactRedownloaded(t *testing.T) {
	fresh := []byte("fresh weights")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fresh)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("stale weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := newManager(t, config.ModelConfig{URL: srv.URL, Path: path, SHA256: checksum(fresh)})
	m.Start()
	if err := waitSettled(t, m); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, fresh) {
		t.Fatalf("artifact not replaced, got %q", got)
	}
}

func TestMissingArtifactWithoutURL(t *testing.T) {
	t.Run("required", func(t *testing.T) {
		m := newManager(t, config.ModelConfig{Path: filepath.Join(t.TempDir(), "none.bin"), Required: true})
		m.Start()
		if err := waitSettled(t, m); err == nil {
			t.Fatal("expected gate error for required missing artifact")
		}
		if got := m.Current().State; got != StateFailed {
			t.Fatalf("state = %s, want FAILED", got)
		}
	})
	t.Run("optional", func(t *testing.T) {
		m := newManager(t, config.ModelConfig{Path: filepath.Join(t.TempDir(), "none.bin")})
		m.Start()
		if err := waitSettled(t, m); err != nil {
			t.Fatalf("optional artifact blocked the gate: %v", err)
		}
		if got := m.Current().State; got != StateNotDownloaded {
			t.Fatalf("state = %s, want NOT_DOWNLOADED", got)
		}
	})
}

func TestCancelAbortsDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "model.bin")
	m := newManager(t, config.ModelConfig{URL: srv.URL, Path: path, Required: true})
	m.Start()

	deadline := time.After(3 * time.Second)
	for m.Current().State != StateDownloading {
		select {
		case <-deadline:
			t.Fatal("download never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Cancel()
	err := waitSettled(t, m)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("wait error = %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("artifact present after cancelled download")
	}
}
