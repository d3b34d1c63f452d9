// Package gateway pools one exchange.Gateway per follower, with idle
// eviction and periodic health checks. Adapted from the teacher's
// multi-tenant, per-connection GatewayManager (LRU cache, circuit breaker,
// background cleanup/health goroutines) down to this spec's one-gateway-
// per-follower-id model: there's no per-user ownership check left to make
// since each follower id already uniquely owns its credentials.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/mexc"
	"copytrade-relay/pkg/crypto"
	"copytrade-relay/pkg/db"
)

var (
	ErrFollowerNotFound = errors.New("follower not found")
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
)

// CachedGateway holds a Gateway with metadata for lifecycle management.
type CachedGateway struct {
	Gateway    exchange.Gateway
	FollowerID int
	CreatedAt  time.Time
	LastUsed   time.Time
	HealthyAt  time.Time
	Failures   int
}

// Config holds configuration for the Manager.
type Config struct {
	IdleTimeout      time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
	APIBaseURL       string
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages one Gateway per follower id, with idle eviction and
// health checks.
type Manager struct {
	mu       sync.RWMutex
	gateways map[int]*CachedGateway

	config  Config
	keys    *crypto.KeyManager
	store   *db.Database
	factory Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(store *db.Database, keys *crypto.KeyManager, factory Factory, cfg Config) *Manager {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Manager{
		gateways: make(map[int]*CachedGateway),
		config:   cfg,
		keys:     keys,
		store:    store,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background idle-cleanup and health-check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways = make(map[int]*CachedGateway)
}

// GetOrCreate returns the cached Gateway for a follower, building it from
// the follower's stored (encrypted) credentials on first use.
func (m *Manager) GetOrCreate(ctx context.Context, followerID int) (exchange.Gateway, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[followerID]; ok {
		if cached.Failures >= m.config.FailureThreshold && time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrGatewayUnhealthy
		}
		m.mu.RUnlock()
		m.touchLRU(followerID)
		return cached.Gateway, nil
	}
	m.mu.RUnlock()
	return m.createGateway(ctx, followerID)
}

func (m *Manager) createGateway(ctx context.Context, followerID int) (exchange.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[followerID]; ok {
		cached.LastUsed = time.Now()
		return cached.Gateway, nil
	}

	followers, err := m.store.ListFollowers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	var row *db.FollowerRow
	for i := range followers {
		if followers[i].ID == followerID {
			row = &followers[i]
			break
		}
	}
	if row == nil {
		return nil, ErrFollowerNotFound
	}

	apiKey, apiSecret, err := m.keys.DecryptCredentials(row.APIKeyEncrypted, row.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt follower %d credentials: %w", followerID, err)
	}

	gw, err := m.factory(mexc.Config{
		APIKey:    apiKey,
		APISecret: apiSecret,
		ProxyURL:  row.Proxy,
		BaseURL:   m.config.APIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[followerID] = &CachedGateway{
		Gateway: gw, FollowerID: followerID,
		CreatedAt: now, LastUsed: now, HealthyAt: now,
	}
	return gw, nil
}

// Recreate drops a follower's cached gateway and rebuilds it from its
// stored credentials, for use as a netsession.Factory on ping degradation.
func (m *Manager) Recreate(ctx context.Context, followerID int) (exchange.Gateway, error) {
	m.Remove(followerID)
	return m.createGateway(ctx, followerID)
}

// Remove evicts a follower's cached gateway, e.g. after credential rotation.
func (m *Manager) Remove(followerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gateways, followerID)
}

// RecordFailure tallies an execution failure against the circuit breaker.
func (m *Manager) RecordFailure(followerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[followerID]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(followerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[followerID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := PoolStats{TotalGateways: len(m.gateways)}
	for _, cached := range m.gateways {
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int
	UnhealthyCount int
}

func (m *Manager) touchLRU(followerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[followerID]; ok {
		cached.LastUsed = time.Now()
	}
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			delete(m.gateways, id)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.healthCheck(ctx, id)
	}
}

func (m *Manager) healthCheck(ctx context.Context, followerID int) {
	m.mu.RLock()
	cached, ok := m.gateways[followerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := cached.Gateway.Ping(pingCtx)
	cancel()
	if err != nil {
		m.RecordFailure(followerID)
	} else {
		m.RecordSuccess(followerID)
	}
}
