package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignalKind identifies the variant of a Signal. The set is closed: the bus
// rejects kinds it does not know about.
type SignalKind string

const (
	SignalGlobalSentiment   SignalKind = "GLOBAL_SENTIMENT"
	SignalHotToken          SignalKind = "HOT_TOKEN"
	SignalWhaleMove         SignalKind = "WHALE_MOVE"
	SignalNewsEvent         SignalKind = "NEWS_EVENT"
	SignalMarketOpportunity SignalKind = "MARKET_OPPORTUNITY"
	SignalRiskAlert         SignalKind = "RISK_ALERT"
	SignalPositionUpdate    SignalKind = "POSITION_UPDATE"
	SignalMarketState       SignalKind = "MARKET_STATE"
)

// AllSignalKinds lists every valid kind in a stable order.
var AllSignalKinds = []SignalKind{
	SignalGlobalSentiment,
	SignalHotToken,
	SignalWhaleMove,
	SignalNewsEvent,
	SignalMarketOpportunity,
	SignalRiskAlert,
	SignalPositionUpdate,
	SignalMarketState,
}

// Valid reports whether k is a member of the closed kind set.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalGlobalSentiment, SignalHotToken, SignalWhaleMove,
		SignalNewsEvent, SignalMarketOpportunity, SignalRiskAlert,
		SignalPositionUpdate, SignalMarketState:
		return true
	}
	return false
}

// SignalPriority orders signals by urgency. Values are spaced so that
// intermediate priorities can be introduced without renumbering.
type SignalPriority int

const (
	PriorityLow      SignalPriority = 25
	PriorityMedium   SignalPriority = 50
	PriorityHigh     SignalPriority = 75
	PriorityCritical SignalPriority = 100
)

// Signal is an immutable record carrying one datum from a producing agent to
// zero or more consumers. Signals are never mutated after publication; the
// bus retains them in a bounded per-kind history until evicted or expired.
type Signal struct {
	ID        string
	Kind      SignalKind
	Priority  SignalPriority
	Source    string // producing agent id
	CreatedAt time.Time
	TTL       time.Duration // 0 means no expiry
	Payload   any
}

// Expired reports whether the signal's TTL has elapsed at now. Signals
// without a TTL never expire.
func (s Signal) Expired(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return now.Sub(s.CreatedAt) > s.TTL
}

// Age returns how long ago the signal was created.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Validate checks the bus invariants: a known kind, a non-zero priority and
// a source agent id.
func (s Signal) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("signal: unknown kind %q", s.Kind)
	}
	if s.Priority <= 0 {
		return fmt.Errorf("signal: priority must be positive, got %d", s.Priority)
	}
	if s.Source == "" {
		return fmt.Errorf("signal: source agent id is required")
	}
	return nil
}

// --------------------------------------------------------------------------
// Typed payloads, one per kind.
// --------------------------------------------------------------------------

// GlobalSentiment summarizes market-wide news mood.
type GlobalSentiment struct {
	Score             float64 // -1 (bearish) .. +1 (bullish)
	Confidence        float64 // 0 .. 1
	DominantTopic     string
	TopEntities       []string
	NewsCountLastHour int
}

// HotTokenReason explains why a token is flagged as hot.
type HotTokenReason string

const (
	HotReasonWhaleBuy  HotTokenReason = "whale_buy"
	HotReasonNewsSpike HotTokenReason = "news_spike"
	HotReasonStatArb   HotTokenReason = "stat_arb"
)

// HotToken marks a token with unusual activity.
type HotToken struct {
	TokenID        string
	MarketID       string
	MarketName     string
	Volume1h       decimal.Decimal
	VelocityPerMin float64
	Volatility     float64
	Reason         HotTokenReason
}

// WhaleMove reports a large tracked-wallet trade.
type WhaleMove struct {
	WalletID    string
	WalletLabel string
	MarketID    string
	TokenID     string
	Side        OrderSide
	USDAmount   decimal.Decimal
	Price       decimal.Decimal
	Entity      string
}

// NewsImpact grades the expected market impact of a news event.
type NewsImpact string

const (
	ImpactLow    NewsImpact = "low"
	ImpactMedium NewsImpact = "medium"
	ImpactHigh   NewsImpact = "high"
)

// NewsEvent is a scored headline from the news pipeline.
type NewsEvent struct {
	Headline       string
	Entities       []string
	Sentiment      float64 // -1 .. +1
	Confidence     float64 // 0 .. 1
	Impact         NewsImpact
	Source         string
	RelatedMarkets []string
}

// OpportunityKind classifies a detected trading opportunity.
type OpportunityKind string

const (
	OppPureArb OpportunityKind = "pure_arb"
	OppStatArb OpportunityKind = "stat_arb"
	OppNewsArb OpportunityKind = "news_arb"
)

// MarketOpportunity advertises a detected opportunity on the bus. ClaimedBy
// is empty until an agent wins the claim.
type MarketOpportunity struct {
	OpportunityID     string
	Kind              OpportunityKind
	MarketIDs         []string
	TokenIDs          []string
	ExpectedProfitUSD decimal.Decimal
	Confidence        float64
	ClaimedBy         string
}

// AlertSeverity grades a risk alert.
type AlertSeverity string

const (
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertScope identifies what a risk alert applies to.
type AlertScope string

const (
	ScopeAgent     AlertScope = "agent"
	ScopePortfolio AlertScope = "portfolio"
)

// RiskAlert is published by the risk controller or by agents reporting
// faults.
type RiskAlert struct {
	Severity AlertSeverity
	Scope    AlertScope
	Reason   string
}

// PositionUpdate reports a fill, mark, close, or denial. A denial carries
// Size zero and a DenyReason so denials stay observable on the bus.
type PositionUpdate struct {
	Agent         string
	TokenID       string
	Side          OrderSide
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	DenyReason    string
}

// MarketState is the derived top-of-book view the data stream publishes for
// each replica update.
type MarketState struct {
	TokenID     string
	BestBid     PriceLevel
	BestAsk     PriceLevel
	Mid         decimal.Decimal
	DepthSample []PriceLevel
}
