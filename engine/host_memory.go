package engine

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// hostEntry marks a host that served an anti-bot challenge.
type hostEntry struct {
	challenges int
	expiresAt  time.Time
}

// HostMemory remembers hosts whose pages served Cloudflare challenges so
// later sessions against them start with stealth enabled. Entries expire
// after the configured TTL. It is safe for concurrent use.
type HostMemory struct {
	mu    sync.Mutex
	hosts map[string]*hostEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewHostMemory creates a HostMemory with the given TTL.
func NewHostMemory(ttl time.Duration) *HostMemory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &HostMemory{hosts: make(map[string]*hostEntry), ttl: ttl, now: time.Now}
}

// NeedsStealth reports whether rawURL's host recently served a challenge.
func (m *HostMemory) NeedsStealth(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hosts[host]
	if !ok {
		return false
	}
	if m.now().After(e.expiresAt) {
		delete(m.hosts, host)
		return false
	}
	return true
}

// RecordChallenges notes that a session against rawURL saw n challenge
// responses. n <= 0 is ignored; a clean session does not clear the entry
// because stealth is usually why it was clean.
func (m *HostMemory) RecordChallenges(rawURL string, n int) {
	host := hostOf(rawURL)
	if host == "" || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hosts[host]
	if !ok {
		e = &hostEntry{}
		m.hosts[host] = e
	}
	e.challenges += n
	e.expiresAt = m.now().Add(m.ttl)
}

// Forget removes the memory for rawURL's host.
func (m *HostMemory) Forget(rawURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, hostOf(rawURL))
}

// Len returns the number of remembered hosts, expired ones included.
func (m *HostMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hosts)
}

// prune deletes expired entries.
func (m *HostMemory) prune() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for host, e := range m.hosts {
		if now.After(e.expiresAt) {
			delete(m.hosts, host)
		}
	}
}

// RunCleanup prunes expired entries every interval until ctx is done.
func (m *HostMemory) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
