// Package connwatch tracks whether mailroom's upstream services (each
// account's IMAP server and the MQTT broker) are reachable.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with ready/down transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Pinger is anything with a liveness check, such as an IMAP client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger to a ProbeFunc.
func PingProbe(p Pinger) ProbeFunc {
	return p.Ping
}

// BackoffConfig controls the startup backoff and background polling.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of startup attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 15s). IMAP probes
	// may have to reconnect and log in, so this sits above the
	// account's connect and auth timeouts.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped) with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 15 * time.Second,
	}
}

// withDefaults fills zero-valued fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status, e.g. "imap:work".
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady runs in its own goroutine when the service becomes
	// reachable. Optional.
	OnReady func()

	// OnDown runs in its own goroutine when a reachable service stops
	// responding. Optional.
	OnDown func(err error)

	// Logger defaults to the Manager's logger.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service as reported by
// the /health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe(w.probe(ctx))
		}
	}
}

// startup probes with exponential backoff until the service answers
// or the retries run out. Returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)
		if err == nil {
			w.ready.Store(true)
			logger.Info("service connected", "service", w.config.Name, "after_attempts", attempt)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			return true
		}

		if attempt >= cfg.MaxRetries {
			logger.Warn("startup connection failed, entering background polling",
				"service", w.config.Name, "attempts", attempt, "error", err)
			return true
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
}

// observe records a background probe result and fires transition
// callbacks.
func (w *Watcher) observe(err error) {
	w.recordResult(err)
	logger := w.config.Logger
	wasReady := w.ready.Load()

	switch {
	case wasReady && err != nil:
		w.ready.Store(false)
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case !wasReady && err == nil:
		w.ready.Store(true)
		logger.Info("service recovered", "service", w.config.Name)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil:
		logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers for all services.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called. Registering a name twice replaces the earlier
// watcher.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every service's health, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		status = append(status, w.Status())
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
