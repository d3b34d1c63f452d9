package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"copytrade-relay/internal/command"
	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/executor"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/intent"
	"copytrade-relay/internal/masterevent"
	"copytrade-relay/internal/masterstream"
	"copytrade-relay/internal/position"
	"copytrade-relay/internal/reconcile"
	"copytrade-relay/internal/signal"
	"copytrade-relay/internal/translator"
)

const translatorOutBuf = 256

func newTranslatorFor(cache *signal.Cache) *translator.Translator {
	return translator.New(cache, translatorOutBuf)
}

const (
	pollInterval   = 50 * time.Millisecond
	reloadAwait    = 15 * time.Second
	reloadRetryGap = 500 * time.Millisecond
)

// SpecFetcher resolves a symbol's contract grid for the clamp formula.
type SpecFetcher func(ctx context.Context, symbol string) (exchange.SymbolSpec, error)

// Supervisor is the outer SignalFSM: it owns the master stream/translator
// pair, fans translated and manual-close events out to every enabled
// follower, and hot-reloads the stream when master credentials change.
type Supervisor struct {
	mu             sync.RWMutex
	tradingEnabled bool
	creds          Creds
	state          State
	lastHash       string

	hardStop bool

	wsURL        string
	quoteAsset   string
	blackSymbols []string

	followers map[int]*follower.Runtime
	monitors  map[int]*position.Monitor
	specs     SpecFetcher

	exec       *executor.Executor
	coord      *reconcile.Coordinator
	cmdBus     *command.Bus
	manualCh   chan command.ManualClose
	logSink    func(cid int, line string)

	runCancel context.CancelFunc
	stream    *masterstream.Stream
	streamCtx context.Context
}

func New(wsURL, quoteAsset string, logSink func(cid int, line string)) *Supervisor {
	if logSink == nil {
		logSink = func(int, string) {}
	}
	s := &Supervisor{
		wsURL:      wsURL,
		quoteAsset: quoteAsset,
		followers:  make(map[int]*follower.Runtime),
		monitors:   make(map[int]*position.Monitor),
		manualCh:   make(chan command.ManualClose, 16),
		logSink:    logSink,
		state:      Reload,
	}
	s.exec = executor.New(func(line string) { logSink(0, line) })
	s.coord = reconcile.New(s.handleStable)
	s.cmdBus = command.New(s.manualCh, logSink, func() int64 { return time.Now().UnixMilli() }, func() bool { return s.IsHardStopped() })
	return s
}

// SetSpecFetcher wires the symbol-spec source used for clamp math.
func (s *Supervisor) SetSpecFetcher(f SpecFetcher) { s.specs = f }

// SetBlackSymbols configures the master-stream symbol blacklist (spec
// §4.3); takes effect on the next stream reload.
func (s *Supervisor) SetBlackSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackSymbols = symbols
}

// RegisterFollower attaches a follower runtime and its position monitor.
func (s *Supervisor) RegisterFollower(rt *follower.Runtime, mon *position.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followers[rt.ID] = rt
	s.monitors[rt.ID] = mon
	s.coord.Register(rt.ID, rt, mon)
}

// SetTradingEnabled toggles the PAUSED/RUNNING gate.
func (s *Supervisor) SetTradingEnabled(enabled bool) {
	s.mu.Lock()
	s.tradingEnabled = enabled
	s.mu.Unlock()
}

// SetCreds updates the master credentials; a changed hash triggers RELOAD
// on the next poll tick.
func (s *Supervisor) SetCreds(c Creds) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
}

// HardStop requests full teardown; idempotent.
func (s *Supervisor) HardStop() {
	s.mu.Lock()
	s.hardStop = true
	s.mu.Unlock()
}

func (s *Supervisor) IsHardStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardStop
}

// ManualClose queues a manual close-all for the given follower ids.
func (s *Supervisor) ManualClose(ids []int) { s.cmdBus.OnClose(ids) }

// Run polls the SignalFSM every 50ms until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.mu.RLock()
	hardStop := s.hardStop
	tradingEnabled := s.tradingEnabled
	creds := s.creds
	lastHash := s.lastHash
	streamAlive := s.stream != nil && s.stream.State() != masterstream.ClosedState
	s.mu.RUnlock()

	next := transition(hardStop, tradingEnabled, creds, lastHash, streamAlive)

	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	switch next {
	case HardStop:
		if prev != HardStop {
			s.teardown()
		}
	case Paused, NoCreds:
		if prev == Running || prev == Reload {
			s.stopStream()
		}
	case Reload:
		s.reload(ctx, creds)
	case Running:
		// steady state, nothing to do until hash/trading flags change
	}
}

func (s *Supervisor) reload(ctx context.Context, creds Creds) {
	s.stopStream()

	s.mu.RLock()
	black := s.blackSymbols
	s.mu.RUnlock()

	cache := signal.NewCache()
	stream := masterstream.New(creds.APIKey, creds.APISecret, s.wsURL, s.quoteAsset, cache, black)

	streamCtx, cancel := context.WithCancel(ctx)
	go stream.Run(streamCtx)

	deadline := time.Now().Add(reloadAwait)
	for stream.State() != masterstream.ReadyState {
		if time.Now().After(deadline) {
			cancel()
			time.Sleep(reloadRetryGap)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	tr := newTranslatorFor(cache)
	go tr.Run(streamCtx.Done())
	go s.dispatchLoop(streamCtx, tr)

	s.mu.Lock()
	s.stream = stream
	s.streamCtx = streamCtx
	s.runCancel = cancel
	s.lastHash = creds.Hash()
	s.mu.Unlock()
}

func (s *Supervisor) stopStream() {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.stream = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) teardown() {
	s.stopStream()
	s.mu.Lock()
	s.lastHash = ""
	s.mu.Unlock()
}

func (s *Supervisor) dispatchLoop(ctx context.Context, tr translatorOut) {
	for {
		select {
		case <-ctx.Done():
			return
		case mev, ok := <-tr.Out():
			if !ok {
				return
			}
			s.fanOut(ctx, mev)
		case cmd := <-s.manualCh:
			s.mu.RLock()
			followers := cloneFollowers(s.followers)
			s.mu.RUnlock()
			for _, mev := range command.ExpandManualClose(cmd, followers) {
				s.fanOut(ctx, mev)
			}
		}
	}
}

func cloneFollowers(m map[int]*follower.Runtime) map[int]*follower.Runtime {
	out := make(map[int]*follower.Runtime, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Supervisor) fanOut(ctx context.Context, mev masterevent.Event) {
	s.mu.RLock()
	followers := cloneFollowers(s.followers)
	s.mu.RUnlock()

	targets := followers
	if mev.HasCID {
		if rt, ok := followers[mev.CID]; ok {
			targets = map[int]*follower.Runtime{mev.CID: rt}
		} else {
			return
		}
	}

	var stableIDs []int
	for id, rt := range targets {
		if !rt.Config.Enabled {
			continue
		}
		go s.dispatchOne(ctx, rt, mev)
		stableIDs = append(stableIDs, id)
	}
	if len(stableIDs) > 0 {
		go s.coord.Trigger(ctx, stableIDs)
	}
}

func (s *Supervisor) dispatchOne(ctx context.Context, rt *follower.Runtime, mev masterevent.Event) {
	if mev.Event == masterevent.Canceled {
		if err := s.exec.Dispatch(ctx, rt, mev, nil); err != nil {
			log.Printf("supervisor: cancel dispatch follower=%d: %v", rt.ID, err)
		}
		return
	}

	spec := exchange.SymbolSpec{}
	if s.specs != nil {
		if got, err := s.specs(ctx, mev.Symbol); err == nil {
			spec = got
		}
	}

	pv := rt.PV(mev.Symbol, mev.PosSide)
	in, err := (intent.Factory{}).Build(rt.Config, mev, *pv, spec)
	if err != nil {
		s.logSink(rt.ID, "INTENT DROP :: "+err.Error())
		return
	}

	if err := s.exec.Dispatch(ctx, rt, mev, in); err != nil {
		log.Printf("supervisor: dispatch follower=%d: %v", rt.ID, err)
	}
}

func (s *Supervisor) handleStable(reports []reconcile.Report) {
	for _, r := range reports {
		s.logSink(r.FollowerID, "PNL REPORT "+r.Symbol+" "+string(r.PosSide))
	}
}

// translatorOut is the minimal surface dispatchLoop needs from a
// translator.Translator, kept narrow so tests can substitute a fake.
type translatorOut interface {
	Out() <-chan masterevent.Event
}
