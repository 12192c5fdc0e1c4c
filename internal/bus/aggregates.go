package bus

import (
	"strings"
	"time"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// Aggregate windows. News sentiment looks back an hour, whale flow half an
// hour, matching the weighting contract of SignalStrength.
const (
	newsWindow      = 60 * time.Minute
	whaleWindow     = 30 * time.Minute
	highImpactFresh = 15 * time.Minute
)

// GlobalSentiment returns the latest unexpired GLOBAL_SENTIMENT payload.
// When none has been published it derives one from the recent news history,
// so consumers always see a defined mood.
func (b *Bus) GlobalSentiment() domain.GlobalSentiment {
	hist := b.Recent(domain.SignalGlobalSentiment, newsWindow)
	if len(hist) > 0 {
		if gs, ok := hist[len(hist)-1].Payload.(domain.GlobalSentiment); ok {
			return gs
		}
	}

	news := b.newsEvents(newsWindow)
	if len(news) == 0 {
		return domain.GlobalSentiment{}
	}
	var sum, conf float64
	for _, n := range news {
		sum += n.Sentiment * n.Confidence
		conf += n.Confidence
	}
	return domain.GlobalSentiment{
		Score:             clamp(sum/float64(len(news)), -1, 1),
		Confidence:        clamp(conf/float64(len(news)), 0, 1),
		NewsCountLastHour: len(news),
	}
}

// HotTokens returns up to n current hot tokens, most recent first.
func (b *Bus) HotTokens(n int) []domain.HotToken {
	hist := b.Recent(domain.SignalHotToken, newsWindow)
	out := make([]domain.HotToken, 0, len(hist))
	for i := len(hist) - 1; i >= 0 && len(out) < n; i-- {
		if ht, ok := hist[i].Payload.(domain.HotToken); ok {
			out = append(out, ht)
		}
	}
	return out
}

// WhaleMoves returns whale trades within the window, oldest first.
func (b *Bus) WhaleMoves(window time.Duration) []domain.WhaleMove {
	var out []domain.WhaleMove
	for _, sig := range b.Recent(domain.SignalWhaleMove, window) {
		if wm, ok := sig.Payload.(domain.WhaleMove); ok {
			out = append(out, wm)
		}
	}
	return out
}

// NewsEvents returns news events within the window, oldest first.
func (b *Bus) NewsEvents(window time.Duration) []domain.NewsEvent {
	return b.newsEvents(window)
}

func (b *Bus) newsEvents(window time.Duration) []domain.NewsEvent {
	var out []domain.NewsEvent
	for _, sig := range b.Recent(domain.SignalNewsEvent, window) {
		if ne, ok := sig.Payload.(domain.NewsEvent); ok {
			out = append(out, ne)
		}
	}
	return out
}

// SignalStrength scores an entity in [-1, 1] from the recent histories:
// 40% average news sentiment x confidence, 30% whale buy/sell imbalance,
// 20% global sentiment, 10% hot-token presence.
func (b *Bus) SignalStrength(entity string) float64 {
	var score float64

	news := b.newsEvents(newsWindow)
	var newsSum float64
	var newsCount int
	for _, n := range news {
		if mentionsEntity(n.Entities, entity) {
			newsSum += n.Sentiment * n.Confidence
			newsCount++
		}
	}
	if newsCount > 0 {
		score += 0.4 * clamp(newsSum/float64(newsCount), -1, 1)
	}

	var buyUSD, sellUSD float64
	for _, wm := range b.WhaleMoves(whaleWindow) {
		if !strings.EqualFold(wm.Entity, entity) {
			continue
		}
		usd, _ := wm.USDAmount.Float64()
		if wm.Side == domain.OrderSideBuy {
			buyUSD += usd
		} else {
			sellUSD += usd
		}
	}
	if total := buyUSD + sellUSD; total > 0 {
		score += 0.3 * ((buyUSD - sellUSD) / total)
	}

	score += 0.2 * b.GlobalSentiment().Score

	if b.entityIsHot(entity) {
		score += 0.1
	}

	return clamp(score, -1, 1)
}

// PositionMultiplier maps signal strength to an advisory sizing multiplier
// in [0.5, 2.0]: strong conviction scales up, weak conviction scales down,
// the middle band stays at 1.
func (b *Bus) PositionMultiplier(entity string) float64 {
	abs := b.SignalStrength(entity)
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 0.7:
		return clamp(1.5+(abs-0.7)*1.667, 0.5, 2.0)
	case abs < 0.3:
		return clamp(0.5+(abs/0.3)*0.5, 0.5, 2.0)
	default:
		return 1.0
	}
}

// ShouldIncreaseScanFrequency reports whether recent activity around the
// entity justifies a faster scan cadence: a fresh high-impact headline, a
// recent whale trade, or hot-token membership.
func (b *Bus) ShouldIncreaseScanFrequency(entity string) bool {
	for _, n := range b.newsEvents(highImpactFresh) {
		if n.Impact == domain.ImpactHigh && mentionsEntity(n.Entities, entity) {
			return true
		}
	}
	for _, wm := range b.WhaleMoves(whaleWindow) {
		if strings.EqualFold(wm.Entity, entity) {
			return true
		}
	}
	return b.entityIsHot(entity)
}

// entityIsHot matches the entity against the current hot-token set by market
// name or id, case-insensitively.
func (b *Bus) entityIsHot(entity string) bool {
	for _, ht := range b.HotTokens(b.historyLimit) {
		if strings.EqualFold(ht.MarketName, entity) ||
			strings.EqualFold(ht.MarketID, entity) ||
			strings.Contains(strings.ToLower(ht.MarketName), strings.ToLower(entity)) {
			return true
		}
	}
	return false
}

func mentionsEntity(entities []string, entity string) bool {
	for _, e := range entities {
		if strings.EqualFold(e, entity) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
