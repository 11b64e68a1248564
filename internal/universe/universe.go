// Package universe resolves named ticker universes to symbol lists. The pool
// consults a Resolver only at connection-configuration time.
package universe

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownUniverse is returned when a universe key has no definition.
var ErrUnknownUniverse = errors.New("unknown universe")

// Resolver looks up the symbols belonging to a named universe.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]string, error)
}

// StaticResolver serves universes defined directly in the config file.
type StaticResolver struct {
	sets map[string][]string
}

// NewStaticResolver creates a resolver over config-defined universes.
func NewStaticResolver(sets map[string][]string) *StaticResolver {
	copied := make(map[string][]string, len(sets))
	for k, v := range sets {
		symbols := append([]string(nil), v...)
		sort.Strings(symbols)
		copied[k] = symbols
	}
	return &StaticResolver{sets: copied}
}

// Resolve returns a copy of the universe's symbol list.
func (r *StaticResolver) Resolve(_ context.Context, key string) ([]string, error) {
	symbols, ok := r.sets[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, key)
	}
	return append([]string(nil), symbols...), nil
}

// Chain tries resolvers in order, falling through on ErrUnknownUniverse.
type Chain []Resolver

// Resolve returns the first successful resolution.
func (c Chain) Resolve(ctx context.Context, key string) ([]string, error) {
	for _, r := range c {
		symbols, err := r.Resolve(ctx, key)
		if err == nil {
			return symbols, nil
		}
		if !errors.Is(err, ErrUnknownUniverse) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, key)
}
