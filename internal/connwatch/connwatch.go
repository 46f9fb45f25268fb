// Package connwatch tracks the reachability of the services Aerie
// depends on: the model endpoint and the sensor database.
//
// A failed request already degrades a single run. connwatch exists so
// an outage shows up on /health and in metrics before a user asks a
// question, and so recovery is logged once instead of on every call.
//
// Each Watcher probes one dependency. While the dependency is down it
// retries with exponential backoff up to the poll interval; once up it
// polls at the interval and reports transitions.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures a single watcher.
type Config struct {
	// Name identifies the dependency in logs, metrics and /health.
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes while healthy (default 60s). It also caps
	// the retry backoff while unhealthy.
	Interval time.Duration

	// RetryDelay is the first retry delay after a failure (default 2s).
	RetryDelay time.Duration

	// Timeout bounds each probe (default 10s).
	Timeout time.Duration

	// OnChange is called synchronously on every transition, and once
	// for the first probe result. Optional.
	OnChange func(name string, up bool)
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RetryDelay > c.Interval {
		c.RetryDelay = c.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Status is the health of one dependency, as reported on /health.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	up     atomic.Bool
	probed chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Up reports whether the last probe succeeded.
func (w *Watcher) Up() bool {
	return w.up.Load()
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{Name: w.cfg.Name, Up: w.up.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Probed is closed once the first probe has completed, or the watcher
// stopped before one could.
func (w *Watcher) Probed() <-chan struct{} {
	return w.probed
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	first := true
	defer func() {
		if first {
			close(w.probed)
		}
		close(w.done)
	}()

	delay := w.cfg.RetryDelay
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		w.transition(err, first)
		if first {
			close(w.probed)
			first = false
		}

		wait := w.cfg.Interval
		if err != nil {
			wait = delay
			delay = min(delay*2, w.cfg.Interval)
		} else {
			delay = w.cfg.RetryDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	err := w.cfg.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// transition records the probe outcome and logs state changes.
func (w *Watcher) transition(err error, first bool) {
	up := err == nil
	was := w.up.Swap(up)

	switch {
	case first && up:
		w.logger.Info("dependency reachable", "dependency", w.cfg.Name)
	case first:
		w.logger.Warn("dependency unreachable", "dependency", w.cfg.Name, "error", err)
	case was && !up:
		w.logger.Warn("dependency became unreachable", "dependency", w.cfg.Name, "error", err)
	case !was && up:
		w.logger.Info("dependency recovered", "dependency", w.cfg.Name)
	case !up:
		w.logger.Debug("dependency still unreachable", "dependency", w.cfg.Name, "error", err)
		return
	default:
		return
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(w.cfg.Name, up)
	}
}

// Monitor runs a set of watchers.
type Monitor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher that runs until ctx ends or Stop is called.
// A watcher registered under an existing name replaces it.
//
// Panics if Name is empty or Probe is nil.
func (m *Monitor) Watch(ctx context.Context, cfg Config) *Watcher {
	if strings.TrimSpace(cfg.Name) == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: m.logger,
		probed: make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(ctx)
	return w
}

// Status returns every dependency's health, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether every watched dependency is up. A nil or
// empty monitor is healthy.
func (m *Monitor) Healthy() bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Up() {
			return false
		}
	}
	return true
}

// Stop shuts down every watcher and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
