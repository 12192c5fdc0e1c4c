// Package gateway wraps the external HTTP services: the market catalog and
// the order endpoint. Both are guarded by circuit breakers so a failing
// upstream degrades into fast errors instead of piled-up timeouts.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// CatalogClient fetches tradable market descriptors. Catalog data is
// advisory; only token ids are trusted for trading.
type CatalogClient struct {
	host    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// catalogMarket is the wire shape of one catalog entry.
type catalogMarket struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	EndDate  string `json:"endDate"`
	Volume   string `json:"volume"`
	Tokens   []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

// NewCatalogClient creates a catalog client with the given request timeout.
func NewCatalogClient(host string, timeout time.Duration) *CatalogClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CatalogClient{
		host: host,
		http: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "catalog",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// ActiveMarkets fetches up to limit open binary markets. Markets missing a
// YES or NO token are filtered out.
func (c *CatalogClient) ActiveMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, limit)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("gateway: catalog: %w", domain.ErrCircuitOpen)
		}
		return nil, err
	}

	raw := result.([]catalogMarket)
	markets := make([]domain.Market, 0, len(raw))
	for _, cm := range raw {
		m := toDomainMarket(cm)
		if m.Binary() {
			markets = append(markets, m)
		}
	}
	return markets, nil
}

func (c *CatalogClient) fetch(ctx context.Context, limit int) ([]catalogMarket, error) {
	q := url.Values{}
	q.Set("closed", "false")
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.host + "/markets?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: catalog request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway: catalog: status %d: %s", resp.StatusCode, body)
	}

	var raw []catalogMarket
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("gateway: catalog decode: %w", err)
	}
	return raw, nil
}

func toDomainMarket(cm catalogMarket) domain.Market {
	m := domain.Market{
		ID:       cm.ID,
		Question: cm.Question,
	}
	if t, err := time.Parse(time.RFC3339, cm.EndDate); err == nil {
		m.EndDate = t
	}
	if v, err := decimal.NewFromString(cm.Volume); err == nil {
		m.Volume = v
	}
	for _, tok := range cm.Tokens {
		m.Tokens = append(m.Tokens, domain.MarketToken{
			TokenID: tok.TokenID,
			Outcome: domain.Outcome(tok.Outcome),
		})
	}
	return m
}
