// Package connectivity reports whether the sync server is reachable and
// notifies subscribers on online/offline transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/routesync/internal/logging"
)

// Source is a subscribable online/offline signal.
type Source interface {
	Online() bool
	// Subscribe registers fn for transitions. The returned func unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Source whose state is set explicitly.
type Manual struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

// NewManual creates a Manual source in the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, listeners: make(map[int]func(bool))}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for transitions.
func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set changes the state. Listeners run synchronously, outside the lock, only
// when the state actually flips.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, fn := range fns {
		fn(online)
	}
}

// Prober polls a health endpoint and drives a Manual source from the result.
type Prober struct {
	*Manual
	client   *http.Client
	url      string
	interval time.Duration
}

// NewProber creates a Prober for healthURL. It starts offline until the
// first successful probe.
func NewProber(client *http.Client, healthURL string, interval time.Duration) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Prober{
		Manual:   NewManual(false),
		client:   client,
		url:      healthURL,
		interval: interval,
	}
}

// Probe performs one health check and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err == nil {
		resp, err := p.client.Do(req)
		if err == nil {
			online = resp.StatusCode == http.StatusOK
			resp.Body.Close()
		}
	}
	p.Set(online)
	return online
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
