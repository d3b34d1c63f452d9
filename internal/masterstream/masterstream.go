// Package masterstream is the authenticated WS client that classifies raw
// exchange push messages into the normalized signal.Event taxonomy.
// Grounded on the original implementation's MasterSignalStream
// (original_source/MASTER/stream_.go) and the teacher's reconnect/ping
// idioms in pkg/market/binance/websocket.go and
// internal/order/user_stream_futures.go.
package masterstream

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/signal"
)

// State is the MasterStream connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	LoggedIn     State = "LOGGED_IN"
	ReadyState   State = "READY"
	Degraded     State = "DEGRADED"
	ClosedState  State = "CLOSED"
)

const (
	loginTimeout    = 10 * time.Second
	pingInterval    = 12 * time.Second
	readDeadline    = 1 * time.Second
	reconnectLoMs   = 800
	reconnectHiMs   = 1500
	clockSkewMs     = 1000
)

// Stream is the authenticated WS client.
type Stream struct {
	APIKey    string
	APISecret string
	WSURL     string
	QuoteAsset string

	Cache *signal.Cache

	BlackSymbols map[string]struct{}

	dialer *websocket.Dialer

	state   atomic.Value // State
	stopped atomic.Bool
}

// New builds a Stream bound to cache.
func New(apiKey, apiSecret, wsURL, quoteAsset string, cache *signal.Cache, blackSymbols []string) *Stream {
	black := make(map[string]struct{}, len(blackSymbols))
	for _, s := range blackSymbols {
		s = strings.TrimSpace(strings.ToUpper(s))
		if s != "" {
			black[s] = struct{}{}
		}
	}
	s := &Stream{
		APIKey:       apiKey,
		APISecret:    apiSecret,
		WSURL:        wsURL,
		QuoteAsset:   quoteAsset,
		Cache:        cache,
		BlackSymbols: black,
		dialer:       websocket.DefaultDialer,
	}
	s.state.Store(Disconnected)
	return s
}

// State returns the current lifecycle state.
func (s *Stream) State() State { return s.state.Load().(State) }

// Stop requests shutdown; Run returns once the in-flight connection
// notices the stop flag.
func (s *Stream) Stop() { s.stopped.Store(true) }

// Run connects, logs in, and classifies messages until Stop is called or
// ctx is canceled. On any terminal error it reconnects with jittered
// backoff; reconnects are not bounded.
func (s *Stream) Run(ctx context.Context) {
	for {
		if s.stopped.Load() || ctx.Err() != nil {
			s.state.Store(ClosedState)
			return
		}

		s.state.Store(Connecting)
		conn, err := s.connect(ctx)
		if err != nil {
			log.Printf("masterstream: connect failed: %v", err)
			s.sleepBackoff(ctx)
			continue
		}

		if err := s.login(conn); err != nil {
			log.Printf("masterstream: login failed: %v", err)
			conn.Close()
			s.sleepBackoff(ctx)
			continue
		}
		s.state.Store(LoggedIn)

		pingStop := make(chan struct{})
		go s.pingLoop(conn, pingStop)

		s.state.Store(ReadyState)
		s.readLoop(ctx, conn)

		close(pingStop)
		conn.Close()
		s.state.Store(Degraded)

		if s.stopped.Load() || ctx.Err() != nil {
			s.state.Store(ClosedState)
			return
		}
		s.sleepBackoff(ctx)
	}
}

func (s *Stream) sleepBackoff(ctx context.Context) {
	d := time.Duration(reconnectLoMs+rand.Intn(reconnectHiMs-reconnectLoMs)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (s *Stream) signature(reqTimeMs int64) string {
	payload := fmt.Sprintf("%s%d", s.APIKey, reqTimeMs)
	mac := hmac.New(sha256.New, []byte(s.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Stream) login(conn *websocket.Conn) error {
	reqTime := time.Now().UnixMilli() - clockSkewMs
	req := map[string]any{
		"method": "login",
		"param": map[string]any{
			"apiKey":    s.APIKey,
			"reqTime":   reqTime,
			"signature": s.signature(reqTime),
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(loginTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}
	var resp struct {
		Channel string `json:"channel"`
		Data    any    `json:"data"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		return fmt.Errorf("parse login response: %w", err)
	}
	if resp.Channel != "rs.login" {
		return fmt.Errorf("unexpected login response channel %q", resp.Channel)
	}
	if s, ok := resp.Data.(string); !ok || s != "success" {
		return fmt.Errorf("login rejected: %v", resp.Data)
	}
	return nil
}

func (s *Stream) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Stream) dispatch(msg []byte) {
	var frame struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	var data map[string]any
	_ = json.Unmarshal(frame.Data, &data)
	if data == nil {
		return
	}

	switch frame.Channel {
	case "push.personal.order":
		s.handleOrder(data)
	case "push.personal.order.deal":
		s.handleOrderDeal(data)
	case "push.personal.position":
		s.handlePosition(data)
	case "push.personal.plan.order":
		s.handlePlanOrder(data)
	case "push.personal.stop.order":
		s.handleStopOrder(data)
	}
}

func intOf(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var i int
		fmt.Sscanf(n, "%d", &i)
		return i
	}
	return 0
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	}
	return 0
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func (s *Stream) emit(rawSymbol string, posSide signal.PosSide, etype signal.EventType, raw map[string]any) {
	symbol := exchange.NormalizeSymbol(rawSymbol, s.QuoteAsset)
	if symbol == "" {
		return
	}
	if _, blocked := s.BlackSymbols[strings.ToUpper(symbol)]; blocked {
		return
	}
	s.Cache.Push(signal.Event{
		Symbol:    symbol,
		PosSide:   posSide,
		EventType: etype,
		TsMs:      time.Now().UnixMilli(),
		Raw:       raw,
	})
}

func posSideFromOrderSide(code int) signal.PosSide {
	side, ok := exchange.SideFromOrderSide(code)
	if !ok {
		return ""
	}
	if side == "LONG" {
		return signal.Long
	}
	return signal.Short
}

func posSideFromPositionType(code int) signal.PosSide {
	side, ok := exchange.SideFromPositionType(code)
	if !ok {
		return ""
	}
	if side == "LONG" {
		return signal.Long
	}
	return signal.Short
}

func (s *Stream) handleOrder(data map[string]any) {
	symbol := strOf(data["symbol"])
	sideCode := intOf(data["side"])
	posSide := posSideFromOrderSide(sideCode)

	state := intOf(data["state"])
	orderType := intOf(data["orderType"])

	switch state {
	case 4:
		s.emit(symbol, posSide, signal.OrderCanceled, data)
		return
	case 5:
		s.emit(symbol, posSide, signal.OrderInvalid, data)
		return
	}

	if state == 3 {
		switch orderType {
		case 1:
			s.emit(symbol, posSide, signal.LimitFilled, data)
		case 5:
			s.emit(symbol, posSide, signal.MarketFilled, data)
		default:
			s.emit(symbol, posSide, signal.TriggerFilled, data)
		}
		return
	}

	if orderType == 1 && state == 2 {
		s.emit(symbol, posSide, signal.LimitPlaced, data)
	}
}

func (s *Stream) handleOrderDeal(data map[string]any) {
	symbol := strOf(data["symbol"])
	posSide := posSideFromOrderSide(intOf(data["side"]))
	s.emit(symbol, posSide, signal.Deal, data)
}

func (s *Stream) handlePosition(data map[string]any) {
	symbol := strOf(data["symbol"])
	posSide := posSideFromPositionType(intOf(data["positionType"]))
	holdVol := floatOf(data["holdVol"])
	state := intOf(data["state"])

	etype := signal.PositionClose
	if (state == 1 || state == 2) && holdVol > 0 {
		etype = signal.PositionOpen
	}
	s.emit(symbol, posSide, etype, data)
}

func (s *Stream) handlePlanOrder(data map[string]any) {
	symbol := strOf(data["symbol"])
	posSide := posSideFromOrderSide(intOf(data["side"]))
	state := intOf(data["state"])

	var etype signal.EventType
	switch state {
	case 1:
		etype = signal.PlanOrder
	case 3:
		etype = signal.PlanExecuted
	default:
		etype = signal.PlanCancelled
	}
	s.emit(symbol, posSide, etype, data)
}

func (s *Stream) handleStopOrder(data map[string]any) {
	symbol := strOf(data["symbol"])
	posSide := posSideFromOrderSide(intOf(data["side"]))
	s.emit(symbol, posSide, signal.OCOAttached, map[string]any{
		"tp": floatOf(data["takeProfitPrice"]),
		"sl": floatOf(data["stopLossPrice"]),
	})
}
