// Package feed maintains the websocket subscription to the market-data
// endpoint and feeds snapshots and deltas into the order-book replicas.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/book"
	"github.com/hivetrade/swarmbot/internal/domain"
)

// State is the connection lifecycle phase of the stream.
type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateSubscribed State = "SUBSCRIBED"
	StateStreaming  State = "STREAMING"
	StateResyncing  State = "RESYNCING"
	StateClosed     State = "CLOSED"
)

// Publisher is the bus surface the stream needs.
type Publisher interface {
	Publish(sig domain.Signal) error
}

// Options configure a Stream.
type Options struct {
	URL           string
	Assets        []string
	MaxAssets     int
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        *slog.Logger
}

// Stream owns one websocket connection to the market-data endpoint. It
// reconnects with jittered exponential backoff, requests fresh snapshots
// after every reconnect, and discards deltas for an asset until that asset's
// snapshot arrives.
type Stream struct {
	opts     Options
	registry *book.Registry
	bus      Publisher
	logger   *slog.Logger
	dialer   *websocket.Dialer

	mu         sync.Mutex
	state      State
	synced     map[string]bool // asset has a post-(re)connect snapshot
	violations int64
}

// subscribeMessage is the initial frame sent after connecting.
type subscribeMessage struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// event is one market-data message. The endpoint sends both single objects
// and batched arrays of this shape. Deltas arrive either as a changes array
// or as flat side/price/size fields; both are accepted.
type event struct {
	EventType string   `json:"event_type"`
	Type      string   `json:"type"`
	AssetID   string   `json:"asset_id"`
	Market    string   `json:"market"`
	Bids      []level  `json:"bids"`
	Asks      []level  `json:"asks"`
	Side      string   `json:"side"`
	Price     string   `json:"price"`
	Size      string   `json:"size"`
	Changes   []change `json:"changes"`
}

type change struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

func (e event) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.Type
}

func (e event) deltas() []change {
	if len(e.Changes) > 0 {
		return e.Changes
	}
	if e.Price == "" {
		return nil
	}
	return []change{{Price: e.Price, Side: e.Side, Size: e.Size}}
}

type level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// New creates a Stream. It does not connect until Run.
func New(opts Options, registry *book.Registry, bus Publisher) (*Stream, error) {
	if len(opts.Assets) == 0 {
		return nil, fmt.Errorf("feed: no assets to subscribe")
	}
	if opts.MaxAssets > 0 && len(opts.Assets) > opts.MaxAssets {
		return nil, fmt.Errorf("feed: %d assets exceeds subscription limit %d", len(opts.Assets), opts.MaxAssets)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stream{
		opts:     opts,
		registry: registry,
		bus:      bus,
		logger:   opts.Logger.With(slog.String("component", "market_feed")),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:    StateIdle,
		synced:   make(map[string]bool),
	}, nil
}

// State returns the current lifecycle phase.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("feed state change",
			slog.String("from", string(prev)),
			slog.String("to", string(st)))
	}
}

// Run connects and processes market data until ctx is cancelled. Connection
// failures trigger reconnects with jittered exponential backoff; book
// replicas are resynced from fresh snapshots after every reconnect.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.opts.ReconnectBase
	for {
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return ctx.Err()
		}

		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return ctx.Err()
		}
		s.logger.Warn("feed connection lost",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > s.opts.ReconnectMax {
			backoff = s.opts.ReconnectMax
		}
	}
}

// runConnection performs one dial/subscribe/read cycle.
func (s *Stream) runConnection(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", s.opts.URL, err)
	}
	defer conn.Close()

	// Every reconnect invalidates the replicas until a fresh snapshot per
	// asset arrives; deltas for unsynced assets are dropped.
	s.mu.Lock()
	s.synced = make(map[string]bool, len(s.opts.Assets))
	s.mu.Unlock()

	sub := subscribeMessage{Type: "market", AssetsIDs: s.opts.Assets}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	s.setState(StateSubscribed)
	s.logger.Info("feed subscribed",
		slog.Int("assets", len(s.opts.Assets)),
		slog.String("url", s.opts.URL))

	pongWait := 2 * s.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}
		if err := s.handleRaw(raw); err != nil {
			s.reportViolation(err)
			return err
		}
	}
}

// reportViolation flags a malformed peer frame. The connection is reset by
// the caller; subscribers learn about the fault through the bus.
func (s *Stream) reportViolation(err error) {
	s.mu.Lock()
	s.violations++
	n := s.violations
	s.mu.Unlock()
	s.logger.Error("feed: protocol violation",
		slog.String("error", err.Error()),
		slog.Int64("total", n))
	_ = s.bus.Publish(domain.Signal{
		Kind:     domain.SignalRiskAlert,
		Priority: domain.PriorityHigh,
		Source:   "market_feed",
		Payload: domain.RiskAlert{
			Severity: domain.SeverityHigh,
			Scope:    domain.ScopeAgent,
			Reason:   "malformed market-data frame: " + err.Error(),
		},
	})
}

// pingLoop sends protocol pings so dead connections fail the read deadline.
func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		case <-ticker.C:
			// Application-level ping for the endpoint, protocol ping for the
			// read deadline.
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// handleRaw decodes a frame that may hold one event or a batch of events. An
// undecodable frame is a protocol violation and fails the connection.
func (s *Stream) handleRaw(raw []byte) error {
	raw = jsonTrim(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '[' {
		var evs []event
		if err := json.Unmarshal(raw, &evs); err != nil {
			return fmt.Errorf("feed: decode batch: %w", err)
		}
		for _, ev := range evs {
			s.handleEvent(ev)
		}
		return nil
	}
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("feed: decode event: %w", err)
	}
	s.handleEvent(ev)
	return nil
}

func (s *Stream) handleEvent(ev event) {
	switch ev.kind() {
	case "book":
		s.applySnapshot(ev)
	case "price_change":
		s.applyDeltas(ev)
	default:
		// Unknown event types are ignored; the endpoint adds types over time.
	}
}

// applySnapshot replaces the asset's replica and marks it synced.
func (s *Stream) applySnapshot(ev event) {
	if ev.AssetID == "" {
		return
	}
	replica := s.registry.GetOrCreate(ev.AssetID)
	replica.ApplySnapshot(parseLevels(ev.Bids), parseLevels(ev.Asks))

	s.mu.Lock()
	s.synced[ev.AssetID] = true
	allSynced := len(s.synced) >= len(s.opts.Assets)
	s.mu.Unlock()

	if allSynced {
		s.setState(StateStreaming)
	} else if s.State() == StateSubscribed {
		s.setState(StateResyncing)
	}
	s.publishState(ev.AssetID, replica)
}

// applyDeltas applies incremental level updates. Deltas for an asset without
// a post-connect snapshot are discarded: applying them to a stale replica
// would corrupt it.
func (s *Stream) applyDeltas(ev event) {
	if ev.AssetID == "" {
		return
	}
	s.mu.Lock()
	synced := s.synced[ev.AssetID]
	s.mu.Unlock()
	if !synced {
		return
	}

	replica, ok := s.registry.Get(ev.AssetID)
	if !ok {
		return
	}
	for _, ch := range ev.deltas() {
		price, err := decimal.NewFromString(ch.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(ch.Size)
		if err != nil {
			continue
		}
		side := book.SideAsk
		switch ch.Side {
		case "BUY", "buy", "bid", "BID":
			side = book.SideBid
		}
		replica.ApplyDelta(side, price, size)
	}
	s.publishState(ev.AssetID, replica)
}

// publishState emits the derived top-of-book view for consumers that do not
// read replicas directly.
func (s *Stream) publishState(assetID string, replica *book.Replica) {
	bid, hasBid := replica.BestBid()
	ask, hasAsk := replica.BestAsk()
	if !hasBid && !hasAsk {
		return
	}
	mid, _ := replica.Mid()
	_, depth := replica.Depth(5)

	err := s.bus.Publish(domain.Signal{
		Kind:     domain.SignalMarketState,
		Priority: domain.PriorityLow,
		Source:   "market_feed",
		TTL:      30 * time.Second,
		Payload: domain.MarketState{
			TokenID:     assetID,
			BestBid:     bid,
			BestAsk:     ask,
			Mid:         mid,
			DepthSample: depth,
		},
	})
	if err != nil {
		s.logger.Warn("feed: publish market state", slog.String("error", err.Error()))
	}
}

func parseLevels(in []level) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// jitter spreads reconnect attempts so a fleet does not thundering-herd the
// endpoint.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func jsonTrim(raw []byte) []byte {
	for len(raw) > 0 && (raw[0] == ' ' || raw[0] == '\n' || raw[0] == '\t' || raw[0] == '\r') {
		raw = raw[1:]
	}
	return raw
}
