package providers

import (
	"context"
	"slices"
)

// Source supplies the configured providers in precedence order. The
// aggregator reads it on every operation, so the configuration may
// change between calls.
type Source interface {
	Providers(ctx context.Context) ([]Provider, error)
}

// StaticSource is a fixed provider list, typically from the config file.
type StaticSource []Provider

// Providers returns a copy of the list.
func (s StaticSource) Providers(context.Context) ([]Provider, error) {
	return slices.Clone(s), nil
}
