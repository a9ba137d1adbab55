// Package connwatch keeps an eye on the services the relay talks to
// but does not own, such as the LLM backend.
//
// A Watcher probes one service forever. While the service is down the
// probes back off exponentially (2s, 4s, 8s, ... capped at 60s); once
// it answers, the watcher settles into a steady poll. Every up/down
// transition is reported through OnChange.
//
// This is separate from httpkit's transport retry, which absorbs
// sub-second dial errors on a single request.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// levelTrace matches config.LevelTrace.
const levelTrace = slog.Level(-8)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the wait after the first failed probe.
	InitialDelay time.Duration
	// MaxDelay caps the growth of the failure delay.
	MaxDelay time.Duration
	// PollInterval is the wait between probes while healthy.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s while down, a 60s poll
// while up, and a 10s probe timeout.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = max(d.MaxDelay, b.InitialDelay)
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Service describes one thing to watch.
type Service struct {
	// Name identifies the service in logs and status reports.
	Name string
	// Probe must be safe to call from the watcher goroutine.
	Probe   ProbeFunc
	Backoff Backoff
	// OnChange is called from the watcher goroutine after the first
	// probe and on every transition. It must not block.
	OnChange func(Status)
}

// Status is the last known health of a service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	svc    Service
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	checked bool
}

// Status returns a snapshot of the service's health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.svc.Backoff
	delay := b.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := b.PollInterval
		if err != nil {
			wait = delay
			delay = min(delay*2, b.MaxDelay)
		} else {
			delay = b.InitialDelay
		}
		w.record(err)

		if !sleep(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.svc.Backoff.ProbeTimeout)
	defer cancel()
	return w.svc.Probe(ctx)
}

// record stores the probe outcome and fires OnChange on the first
// result and on transitions.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	wasReady, first := w.status.Ready, !w.checked
	w.checked = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Failures = 0
	}
	snap := w.status
	w.mu.Unlock()

	changed := first || wasReady != snap.Ready
	switch {
	case changed && snap.Ready:
		w.logger.Info("service ready", "service", snap.Name)
	case changed:
		w.logger.Warn("service unreachable", "service", snap.Name, "error", err)
	default:
		w.logger.Log(context.Background(), levelTrace, "service probed",
			"service", snap.Name, "ready", snap.Ready, "failures", snap.Failures)
	}
	if changed && w.svc.OnChange != nil {
		w.svc.OnChange(snap)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing svc in the background until ctx is cancelled or
// Stop is called. Watching a name twice replaces the earlier watcher.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, svc Service) *Watcher {
	if svc.Name == "" {
		panic("connwatch: Service.Name must not be empty")
	}
	if svc.Probe == nil {
		panic("connwatch: Service.Probe must not be nil")
	}
	svc.Backoff = svc.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		svc:    svc,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: svc.Name},
	}

	m.mu.Lock()
	old := m.watchers[svc.Name]
	m.watchers[svc.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(ctx)
	return w
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}
