package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
)

// State of the model artifact on local disk.
type State string

const (
	StateChecking      State = "CHECKING"
	StateNotDownloaded State = "NOT_DOWNLOADED"
	StateDownloading   State = "DOWNLOADING"
	StateDownloaded    State = "DOWNLOADED"
	StateFailed        State = "FAILED"
)

// Event is one observable status change. Percent is meaningful while
// DOWNLOADING and reaches 100 on DOWNLOADED.
type Event struct {
	State   State
	Percent float64
	Err     string
	At      time.Time
}

// Manager fetches the model artifact and gates startup on its presence.
// The artifact itself is opaque: the manager checks, downloads, and
// verifies bytes, nothing more. An empty configured path means no
// artifact is managed and the gate opens immediately.
type Manager struct {
	cfg    config.ModelConfig
	client *http.Client
	logger *slog.Logger
	clock  func() time.Time

	base       context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	state   State
	percent float64
	errMsg  string
	started bool
	closed  bool

	events     chan Event
	done       chan struct{}
	settleErr  error
	settleOnce sync.Once
	wg         sync.WaitGroup
	once       sync.Once
}

// New builds a manager in CHECKING state. Nothing runs until Start.
func New(parent context.Context, cfg config.ModelConfig, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:        cfg,
		client:     &http.Client{},
		logger:     logger.With(slog.String("component", "modelstore")),
		clock:      func() time.Time { return time.Now().UTC() },
		base:       ctx,
		baseCancel: cancel,
		state:      StateChecking,
		events:     make(chan Event, 16),
		done:       make(chan struct{}),
	}
}

// Start kicks off the check-then-download sequence. Idempotent.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	return nil
}

// Events returns the status stream. Under backpressure stale progress
// events are replaced so the latest state always lands.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Current returns the latest observed status.
func (m *Manager) Current() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Event{State: m.state, Percent: m.percent, Err: m.errMsg, At: m.clock()}
}

// Wait blocks until the gate settles: nil once the artifact is available
// (or not required), an error when the download failed or was cancelled.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.settleErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts an in-flight download. The gate settles with an error,
// so a daemon that requires the artifact will refuse to come up.
func (m *Manager) Cancel() {
	m.baseCancel()
}

// Close stops any transfer and releases the status stream. Idempotent.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.baseCancel()
		m.settle(errors.New("model manager closed"))
		m.wg.Wait()
		close(m.events)
	})
}

func (m *Manager) run() {
	defer m.wg.Done()

	if m.cfg.Path == "" {
		m.setState(StateDownloaded, 100, "")
		m.settle(nil)
		return
	}

	m.setState(StateChecking, 0, "")
	ok, err := m.verifyExisting()
	if err != nil {
		m.fail(fmt.Errorf("checking model artifact: %w", err))
		return
	}
	if ok {
		m.logger.Info("model artifact present", slog.String("path", m.cfg.Path))
		m.setState(StateDownloaded, 100, "")
		m.settle(nil)
		return
	}

	m.setState(StateNotDownloaded, 0, "")
	if m.cfg.URL == "" {
		if m.cfg.Required {
			m.fail(fmt.Errorf("model artifact %s missing and no url configured", m.cfg.Path))
			return
		}
		m.logger.Warn("model artifact missing, continuing without it", slog.String("path", m.cfg.Path))
		m.settle(nil)
		return
	}

	m.setState(StateDownloading, 0, "")
	if err := m.download(m.base); err != nil {
		if m.base.Err() != nil {
			m.fail(errors.New("model download cancelled"))
			return
		}
		m.fail(fmt.Errorf("downloading model: %w", err))
		return
	}
	m.logger.Info("model artifact downloaded", slog.String("path", m.cfg.Path))
	m.setState(StateDownloaded, 100, "")
	m.settle(nil)
}

// verifyExisting reports whether a usable artifact is already on disk.
// A checksum mismatch counts as absent so the download replaces it.
func (m *Manager) verifyExisting() (bool, error) {
	info, err := os.Stat(m.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("model path %s is a directory", m.cfg.Path)
	}
	if m.cfg.SHA256 == "" {
		return true, nil
	}

	f, err := os.Open(m.cfg.Path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, err
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(sum, m.cfg.SHA256) {
		m.logger.Warn("model artifact checksum mismatch, re-downloading",
			slog.String("path", m.cfg.Path),
			slog.String("got", sum))
		return false, nil
	}
	return true, nil
}

func (m *Manager) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.URL, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server returned %s", resp.Status)
	}

	if dir := filepath.Dir(m.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	partPath := m.cfg.Path + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return err
	}

	hasher := sha256.New()
	total := resp.ContentLength
	var written int64
	lastPercent := -1
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				os.Remove(partPath)
				return err
			}
			hasher.Write(buf[:n])
			written += int64(n)
			if total > 0 {
				if pct := int(float64(written) / float64(total) * 100); pct > lastPercent {
					lastPercent = pct
					m.setState(StateDownloading, float64(pct), "")
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(partPath)
			return readErr
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return err
	}

	if m.cfg.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(sum, m.cfg.SHA256) {
			os.Remove(partPath)
			return fmt.Errorf("checksum mismatch: got %s", sum)
		}
	}
	return os.Rename(partPath, m.cfg.Path)
}

func (m *Manager) fail(err error) {
	m.logger.Warn("model artifact unavailable", slogError(err))
	m.setState(StateFailed, 0, err.Error())
	m.settle(err)
}

func (m *Manager) settle(err error) {
	m.settleOnce.Do(func() {
		m.settleErr = err
		close(m.done)
	})
}

func (m *Manager) setState(state State, percent float64, errMsg string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.percent = percent
	m.errMsg = errMsg
	ev := Event{State: state, Percent: percent, Err: errMsg, At: m.clock()}
	m.mu.Unlock()

	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events:
		default:
		}
		select {
		case m.events <- ev:
		default:
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
