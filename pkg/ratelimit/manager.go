// Package ratelimit throttles individual clients before their queries reach
// the admission gate.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"domainlens/pkg/config"
	"domainlens/pkg/logging"

	"golang.org/x/time/rate"
)

// globalLabel names the default bucket settings.
const globalLabel = "global"

// Manager enforces simple per-client rate limiting using token buckets.
type Manager struct {
	cfg        *config.RateLimitConfig
	logger     *logging.Logger
	overrides  []overrideMatcher
	ipOverride map[string]int

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	label    string
}

type overrideMatcher struct {
	name  string
	cidrs []netip.Prefix
	limit rate.Limit
	burst int
}

// NewManager creates a rate limit manager when rate limiting is enabled. It
// returns nil otherwise; a nil *Manager allows everything.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[string]*clientLimiter, 128),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		ipOverride: make(map[string]int),
	}

	m.parseOverrides()

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}

	return m
}

// Allow reports whether the client may proceed and which settings applied
// ("global" or the override name).
func (m *Manager) Allow(clientIP string) (allowed bool, label string) {
	if m == nil || clientIP == "" {
		return true, globalLabel
	}

	entry := m.getLimiter(clientIP)
	allowed = entry.limiter.AllowN(m.now(), 1)
	m.touch(entry)

	if !allowed && m.cfg.LogViolations && m.logger != nil {
		m.logger.Debug("Rate limit exceeded", "client", clientIP, "limit", entry.label)
	}
	return allowed, entry.label
}

// TrackedClients returns how many client buckets are held.
func (m *Manager) TrackedClients() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop terminates background cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > m.cfg.CleanupInterval {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) getLimiter(clientIP string) *clientLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.clients[clientIP]; ok {
		return entry
	}

	if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
		m.evictOldestLocked()
	}

	limit, burst, label := rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst, globalLabel
	if override := m.overrideForIP(clientIP); override != nil {
		limit, burst, label = override.limit, override.burst, override.name
	}

	entry := &clientLimiter{
		limiter:  rate.NewLimiter(limit, burst),
		lastSeen: m.now(),
		label:    label,
	}
	m.clients[clientIP] = entry
	return entry
}

func (m *Manager) touch(entry *clientLimiter) {
	m.mu.Lock()
	entry.lastSeen = m.now()
	m.mu.Unlock()
}

func (m *Manager) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true

	for ip, entry := range m.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
			first = false
		}
	}

	if oldestIP != "" {
		delete(m.clients, oldestIP)
	}
}

func (m *Manager) overrideForIP(clientIP string) *overrideMatcher {
	if idx, ok := m.ipOverride[clientIP]; ok && idx < len(m.overrides) {
		return &m.overrides[idx]
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return nil
	}
	addr = addr.Unmap()

	for i := range m.overrides {
		for _, prefix := range m.overrides[i].cidrs {
			if prefix.Contains(addr) {
				return &m.overrides[i]
			}
		}
	}

	return nil
}

func (m *Manager) parseOverrides() {
	for idx, ov := range m.cfg.Overrides {
		settings := overrideMatcher{
			name:  ov.Name,
			limit: rate.Limit(m.cfg.RequestsPerSecond),
			burst: m.cfg.Burst,
		}

		if ov.RequestsPerSecond != nil {
			settings.limit = rate.Limit(*ov.RequestsPerSecond)
		}
		if ov.Burst != nil {
			settings.burst = *ov.Burst
		}

		for _, cidr := range ov.CIDRs {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				if m.logger != nil {
					m.logger.Warn("Invalid rate limit override CIDR",
						"override", ov.Name,
						"value", cidr,
						"index", idx,
						"error", err)
				}
				continue
			}
			settings.cidrs = append(settings.cidrs, prefix)
		}

		if len(ov.Clients) == 0 && len(settings.cidrs) == 0 {
			continue
		}

		for _, ip := range ov.Clients {
			m.ipOverride[ip] = len(m.overrides)
		}
		m.overrides = append(m.overrides, settings)
	}
}
