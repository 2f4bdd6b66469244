package payer

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds the client used for a remote host.
type Factory func(host string) (*Client, error)

// Registry owns one payer client per remote host. It replaces ambient
// per-host globals with an explicit object whose lifecycle belongs to
// whoever composes the payer side.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	clients map[string]*Client
}

// NewRegistry builds an empty registry around a client factory.
func NewRegistry(factory Factory) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("payer: registry factory is required")
	}
	return &Registry{
		factory: factory,
		clients: make(map[string]*Client),
	}, nil
}

// GetOrCreate returns the client for a host, building it on first use.
// Factory failures are not cached; the next call retries.
func (r *Registry) GetOrCreate(host string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[host]; ok {
		return c, nil
	}
	c, err := r.factory(host)
	if err != nil {
		return nil, fmt.Errorf("payer: build client for %s: %w", host, err)
	}
	r.clients[host] = c
	return c, nil
}

// Get returns the client for a host without creating one.
func (r *Registry) Get(host string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[host]
	return c, ok
}

// Reset drops the client for one host. The next GetOrCreate rebuilds it.
func (r *Registry) Reset(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, host)
}

// Clear drops every client.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]*Client)
}

// Hosts lists the hosts with a live client, sorted.
func (r *Registry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.clients))
	for h := range r.clients {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
