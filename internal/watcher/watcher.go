package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/chatgate/internal/config"
	log "github.com/sirupsen/logrus"
)

// defaultPollInterval controls how often the config file is re-read.
const defaultPollInterval = 2 * time.Second

// ReloadFunc receives a freshly loaded config.
type ReloadFunc func(cfg config.GateConfig)

// ConfigWatcher polls the config file and calls reload when its contents change.
type ConfigWatcher struct {
	configPath   string
	reload       ReloadFunc
	pollInterval time.Duration

	mu      sync.Mutex
	cfgHash string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a watcher for configPath. A zero interval uses the default.
func New(configPath string, interval time.Duration, reload ReloadFunc) *ConfigWatcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &ConfigWatcher{
		configPath:   strings.TrimSpace(configPath),
		reload:       reload,
		pollInterval: interval,
	}
}

// Prime records the current file hash so the first poll does not reload a
// config the caller has already applied.
func (w *ConfigWatcher) Prime() {
	if w == nil {
		return
	}
	data, errRead := os.ReadFile(w.configPath)
	if errRead != nil {
		return
	}
	w.mu.Lock()
	w.cfgHash = hashBytes(data)
	w.mu.Unlock()
}

// Start launches the polling goroutine.
func (w *ConfigWatcher) Start(ctx context.Context) {
	if w == nil || w.configPath == "" || w.reload == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()
	log.Infof("config watcher started (path=%s poll_interval=%s)", w.configPath, w.pollInterval)
}

// Stop cancels the polling goroutine and waits for it to exit.
func (w *ConfigWatcher) Stop() {
	if w == nil || w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
}

func (w *ConfigWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll re-reads the config file once and reloads it when the contents changed.
// It reports whether a reload happened.
func (w *ConfigWatcher) Poll() bool {
	if w == nil || w.configPath == "" {
		return false
	}
	data, errRead := os.ReadFile(w.configPath)
	if errRead != nil || len(data) == 0 {
		return false
	}
	hash := hashBytes(data)

	w.mu.Lock()
	prevHash := w.cfgHash
	w.mu.Unlock()
	if prevHash == hash {
		return false
	}

	cfg, errLoad := config.LoadGateConfig(w.configPath)
	if errLoad != nil {
		// Keep the previous hash so the broken file is retried after the next edit.
		log.WithError(errLoad).Warn("config watcher: load config failed")
		return false
	}

	w.mu.Lock()
	w.cfgHash = hash
	w.mu.Unlock()

	if w.reload != nil {
		w.reload(cfg)
	}
	log.Info("config watcher: config reloaded")
	return true
}

// hashBytes returns the SHA-256 hex digest of the input bytes.
func hashBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
