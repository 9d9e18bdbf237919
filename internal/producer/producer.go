// Package producer defines the Asset Producer interface and the producers
// that ship with Vahti.
package producer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Producer is the interface every asset source must implement.
type Producer interface {
	// Name returns the producer identifier (e.g., "file", "aws")
	Name() string

	// Produce returns every envelope of the current inventory.
	Produce(ctx context.Context) ([]resource.Envelope, error)
}

// Registry holds registered producers.
var (
	registry = make(map[string]Producer)
	mu       sync.RWMutex
)

// Register adds a producer to the registry.
func Register(p Producer) {
	mu.Lock()
	defer mu.Unlock()
	registry[p.Name()] = p
}

// Get returns a producer by name.
func Get(name string) (Producer, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// All returns all registered producers sorted by name.
func All() []Producer {
	mu.RLock()
	defer mu.RUnlock()
	producers := make([]Producer, 0, len(registry))
	for _, p := range registry {
		producers = append(producers, p)
	}
	sort.Slice(producers, func(i, j int) bool { return producers[i].Name() < producers[j].Name() })
	return producers
}

// Names returns all registered producer names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all producers from the registry. Used for testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Producer)
}

// RunAll runs producers concurrently and returns one result per producer
// in the order given. A failing producer does not stop the others.
func RunAll(ctx context.Context, producers []Producer) []resource.ProduceResult {
	results := make([]resource.ProduceResult, len(producers))
	var wg sync.WaitGroup
	for i, p := range producers {
		wg.Add(1)
		go func(i int, p Producer) {
			defer wg.Done()
			start := time.Now()
			envs, err := p.Produce(ctx)
			results[i] = resource.ProduceResult{
				Producer:  p.Name(),
				Envelopes: envs,
				Duration:  time.Since(start),
				Error:     err,
			}
		}(i, p)
	}
	wg.Wait()
	return results
}
