package providers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/mcp"
)

// CatalogEntry is a discovered tool and the provider advertising it.
type CatalogEntry struct {
	ProviderID   string   `json:"provider_id"`
	ProviderName string   `json:"provider"`
	Tool         mcp.Tool `json:"tool"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithFactory replaces [NewToolClient].
func WithFactory(f Factory) Option {
	return func(a *Aggregator) { a.factory = f }
}

// WithBus publishes provider failures and conflicts.
func WithBus(b *events.Bus) Option {
	return func(a *Aggregator) { a.bus = b }
}

// WithLogger sets the aggregator logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// cached is a client with the number of operations using it. A
// retired client is closed once users drops to zero.
type cached struct {
	client  ToolClient
	spec    string
	users   int
	retired bool
}

// Aggregator fans tool discovery out across active providers and
// routes calls with fallback. It owns one client per provider,
// created on first use and reused until [Aggregator.ClearCache] or a
// change to that provider's definition.
type Aggregator struct {
	source  Source
	opts    ClientOptions
	factory Factory
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*cached
	retired map[*cached]struct{}
	closed  bool
}

// NewAggregator creates an aggregator reading providers from source.
func NewAggregator(source Source, opts ClientOptions, options ...Option) *Aggregator {
	a := &Aggregator{
		source:  source,
		opts:    opts,
		factory: NewToolClient,
		clients: make(map[string]*cached),
		retired: make(map[*cached]struct{}),
	}
	for _, o := range options {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.opts.Logger == nil {
		a.opts.Logger = a.logger
	}
	return a
}

func providerKey(p Provider) string {
	if p.ID != "" {
		return p.ID
	}
	return p.Label()
}

func fingerprint(p Provider) string {
	b, _ := json.Marshal(p)
	return string(b)
}

// acquire returns the cached client for p, creating it if needed, and
// counts the caller as a user until release. A cached client built
// from a different definition of p is retired and replaced.
func (a *Aggregator) acquire(p Provider) (*cached, error) {
	key, spec := providerKey(p), fingerprint(p)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, mcp.ErrNotRunning
	}
	var idle []*cached
	if c, ok := a.clients[key]; ok {
		if c.spec == spec {
			c.users++
			a.mu.Unlock()
			return c, nil
		}
		a.logger.Info("provider definition changed, replacing client", "provider", p.Label())
		delete(a.clients, key)
		idle = a.retireLocked(c, idle)
	}

	tc, err := a.factory(p, a.opts)
	var c *cached
	if err == nil {
		c = &cached{client: tc, spec: spec, users: 1}
		a.clients[key] = c
	}
	a.mu.Unlock()

	a.stop(idle)
	return c, err
}

// release ends one use of c and stops it if it was retired meanwhile.
func (a *Aggregator) release(c *cached) {
	a.mu.Lock()
	c.users--
	var idle []*cached
	if c.retired && c.users == 0 {
		if _, ok := a.retired[c]; ok {
			delete(a.retired, c)
			idle = append(idle, c)
		}
	}
	a.mu.Unlock()
	a.stop(idle)
}

// retireLocked marks c retired. An idle c is appended to idle for the
// caller to stop after unlocking; a busy one waits in a.retired.
func (a *Aggregator) retireLocked(c *cached, idle []*cached) []*cached {
	c.retired = true
	if c.users == 0 {
		return append(idle, c)
	}
	a.retired[c] = struct{}{}
	return idle
}

func (a *Aggregator) stop(list []*cached) {
	for _, c := range list {
		if err := c.client.Close(); err != nil {
			a.logger.Warn("stopping retired provider client", "error", err)
		}
	}
}

// active reads the source and keeps the active providers in order.
func (a *Aggregator) active(ctx context.Context) ([]Provider, error) {
	all, err := a.source.Providers(ctx)
	if err != nil {
		return nil, err
	}
	return Active(all), nil
}

// Catalog lists tools from every active provider concurrently and
// concatenates the results in provider order. A provider that fails is
// logged and skipped. Only a failure to read the provider source is
// returned as an error.
func (a *Aggregator) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	provs, err := a.active(ctx)
	if err != nil {
		return nil, err
	}

	results := make([][]CatalogEntry, len(provs))
	var wg sync.WaitGroup
	for i, p := range provs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = a.list(ctx, p)
		}()
	}
	wg.Wait()

	var out []CatalogEntry
	for _, r := range results {
		out = append(out, r...)
	}
	for name, owners := range Conflicts(out) {
		a.logger.Warn("tool advertised by multiple providers, first wins",
			"tool", name, "winner", owners[0], "shadowed", owners[1:])
		a.bus.Emit(events.SourceProviders, events.KindToolConflict, map[string]any{
			"tool": name, "winner": owners[0], "shadowed": owners[1:],
		})
	}
	return out, nil
}

func (a *Aggregator) list(ctx context.Context, p Provider) []CatalogEntry {
	c, err := a.acquire(p)
	if err == nil {
		var tools []mcp.Tool
		tools, err = c.client.ListTools(ctx)
		a.release(c)
		if err == nil {
			entries := make([]CatalogEntry, 0, len(tools))
			for _, t := range tools {
				entries = append(entries, CatalogEntry{ProviderID: providerKey(p), ProviderName: p.Label(), Tool: t})
			}
			a.logger.Debug("provider tools listed", "provider", p.Label(), "count", len(tools))
			return entries
		}
	}
	a.providerFailed(p, "list", err)
	return nil
}

// GetAllTools returns the tools of every active provider in provider
// order. Failing providers contribute nothing.
func (a *Aggregator) GetAllTools(ctx context.Context) ([]mcp.Tool, error) {
	entries, err := a.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.Tool)
	}
	return tools, nil
}

// CallTool tries each active provider in order and returns the first
// success. When every provider fails, including when there are none,
// it returns a *ToolNotFoundError carrying each provider's failure.
// Cancellation of ctx stops the fallback and is returned as is.
func (a *Aggregator) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	provs, err := a.active(ctx)
	if err != nil {
		return "", err
	}

	notFound := &ToolNotFoundError{Name: name}
	for _, p := range provs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		c, err := a.acquire(p)
		if err == nil {
			var out string
			out, err = c.client.CallTool(ctx, name, args)
			a.release(c)
			if err == nil {
				a.logger.Debug("tool call routed", "tool", name, "provider", p.Label(), "attempts", len(notFound.Attempts)+1)
				return out, nil
			}
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		a.logger.Debug("provider could not run tool, trying next", "tool", name, "provider", p.Label(), "error", err)
		notFound.Attempts = append(notFound.Attempts, Attempt{Provider: p.Label(), Err: err})
	}
	a.logger.Warn("no provider could run tool", "tool", name, "attempts", len(notFound.Attempts))
	return "", notFound
}

// ClearCache forgets every cached client so the next operation builds
// fresh ones from the current provider definitions. Idle clients are
// stopped now; busy ones stop when their last operation returns. It
// returns the number of clients dropped.
func (a *Aggregator) ClearCache() int {
	a.mu.Lock()
	n := len(a.clients)
	var idle []*cached
	for _, c := range a.clients {
		idle = a.retireLocked(c, idle)
	}
	a.clients = make(map[string]*cached)
	busy := len(a.retired)
	a.mu.Unlock()

	a.stop(idle)
	a.logger.Info("provider client cache cleared", "retired", n, "stopped", len(idle))
	if busy > 0 {
		a.logger.Warn("retired provider clients still serving calls", "count", busy)
	}
	a.bus.Emit(events.SourceProviders, events.KindCacheCleared, map[string]any{"retired": n})
	return n
}

// Close stops every client, cached or retired, without waiting for
// operations in flight. The aggregator is not usable afterwards.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	var all []ToolClient
	for c := range a.retired {
		all = append(all, c.client)
	}
	for _, c := range a.clients {
		all = append(all, c.client)
	}
	a.clients = nil
	a.retired = nil
	a.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Aggregator) providerFailed(p Provider, op string, err error) {
	a.logger.Warn("provider failed", "provider", p.Label(), "op", op, "error", err)
	a.bus.Emit(events.SourceProviders, events.KindProviderFailed, map[string]any{
		"provider": p.Label(), "op": op, "error": err.Error(),
	})
}

// Conflicts maps each tool name advertised more than once to the
// providers advertising it, in precedence order.
func Conflicts(entries []CatalogEntry) map[string][]string {
	owners := make(map[string][]string)
	for _, e := range entries {
		owners[e.Tool.Name] = append(owners[e.Tool.Name], e.ProviderName)
	}
	for name, list := range owners {
		if len(list) < 2 {
			delete(owners, name)
		}
	}
	return owners
}
