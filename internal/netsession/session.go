// Package netsession owns one follower's long-lived exchange session (spec
// §4.1): it pings the gateway on a timer, flags the follower's runtime
// network_ready when the session is healthy, and recreates the gateway
// after sustained ping failure. Modeled on the ping/degrade lifecycle of
// the original Python CopyState (_init_copy_runtime / ensure_copy_state /
// shutdown_runtime) and on this repo's own gateway.Manager health-check
// ticker, generalized from a shared pool into one goroutine per follower.
package netsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
)

const (
	// PingInterval is the steady-state health-check cadence.
	PingInterval = 10 * time.Second
	// PingRetryDelay is the fast retry after a single ping failure.
	PingRetryDelay = 150 * time.Millisecond
	// PingFailThreshold is the number of failures, without an intervening
	// success, that flags the session degraded.
	PingFailThreshold = 3
	// SessionTTL bounds how long WaitReady polls for initialization.
	SessionTTL = 30 * time.Second
	// waitReadyPoll is WaitReady's polling granularity.
	waitReadyPoll = 10 * time.Millisecond
	// recreateCloseBound caps how long a recreate's rebuild call may take.
	recreateCloseBound = 3 * time.Second
)

// Factory builds (or rebuilds) the exchange.Gateway backing a session, e.g.
// gateway.Manager.GetOrCreate/Recreate bound to a follower id.
type Factory func(ctx context.Context) (exchange.Gateway, error)

// Session is one follower's NetworkSession: it owns the ping loop that
// keeps rt.NetworkReady in sync with the gateway's actual reachability.
type Session struct {
	rt      *follower.Runtime
	build   Factory
	rebuild Factory
	log     func(format string, args ...any)

	sf       singleflight.Group
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Session for rt. build creates the initial gateway; rebuild
// recreates it after degradation (pass the same Factory if there's no
// distinction, e.g. gateway.Manager.GetOrCreate for both call sites).
func New(rt *follower.Runtime, build, rebuild Factory, log func(format string, args ...any)) *Session {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Session{
		rt:      rt,
		build:   build,
		rebuild: rebuild,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Initialize builds the gateway, installs it on the runtime, and flips
// init_state/network_ready once it's reachable. Mirrors
// CopyState._init_copy_runtime: build session, then only flip ready flags
// once the session has proven itself live.
func (s *Session) Initialize(ctx context.Context) error {
	s.rt.SetInitState(follower.Init)

	gw, err := s.build(ctx)
	if err != nil {
		s.rt.SetInitState(follower.Failed)
		return fmt.Errorf("initialize session: %w", err)
	}
	s.rt.SetGateway(gw)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := gw.Ping(pingCtx); err != nil {
		s.rt.SetInitState(follower.Failed)
		return fmt.Errorf("initial ping failed: %w", err)
	}

	s.rt.SetNetworkReady(true)
	s.rt.SetInitState(follower.Ready)
	return nil
}

// WaitReady polls until the runtime is network-ready, up to SessionTTL,
// returning false on timeout or global stop.
func (s *Session) WaitReady(ctx context.Context) bool {
	deadline := time.Now().Add(SessionTTL)
	ticker := time.NewTicker(waitReadyPoll)
	defer ticker.Stop()
	for {
		if s.rt.Ready() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case <-ticker.C:
		}
	}
}

// StartPingLoop runs the ping/degrade/recreate loop until ctx is cancelled
// or Shutdown is called. Intended to run in its own goroutine.
func (s *Session) StartPingLoop(ctx context.Context) {
	failures := 0
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.ping(ctx) {
				failures = 0
				continue
			}
			failures++
			for failures < PingFailThreshold {
				select {
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				case <-time.After(PingRetryDelay):
				}
				if s.ping(ctx) {
					failures = 0
					break
				}
				failures++
			}
			if failures >= PingFailThreshold {
				failures = 0
				s.NotifyFailure(ctx, "ping_degradation")
			}
		}
	}
}

func (s *Session) ping(ctx context.Context) bool {
	gw := s.rt.GatewaySnapshot()
	if gw == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return gw.Ping(pingCtx) == nil
}

// NotifyFailure flags the session degraded and triggers a serialized
// recreate. Safe to call concurrently: overlapping callers collapse onto
// one in-flight recreate via singleflight, mirroring spec §4.1's
// single-flight recreate lock.
func (s *Session) NotifyFailure(ctx context.Context, reason string) {
	s.rt.SetNetworkReady(false)
	s.log("follower %d: network session degraded (%s), recreating", s.rt.ID, reason)
	s.recreate(ctx)
}

func (s *Session) recreate(ctx context.Context) {
	_, _, _ = s.sf.Do("recreate", func() (any, error) {
		// The gateway interface has no explicit Close; recreateCloseBound
		// bounds the rebuild call itself instead of an old-session teardown.
		buildCtx, cancel := context.WithTimeout(ctx, recreateCloseBound)
		defer cancel()

		gw, err := s.rebuild(buildCtx)
		if err != nil {
			s.log("follower %d: recreate failed: %v", s.rt.ID, err)
			return nil, err
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
		defer pingCancel()
		if err := gw.Ping(pingCtx); err != nil {
			s.log("follower %d: recreated session failed initial ping: %v", s.rt.ID, err)
			return nil, err
		}

		s.rt.SetGateway(gw)
		s.rt.SetNetworkReady(true)
		return gw, nil
	})
}

// Shutdown stops the ping loop and flags the session not-ready.
func (s *Session) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.rt.SetNetworkReady(false)
}
