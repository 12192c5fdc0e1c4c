package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/book"
	"github.com/hivetrade/swarmbot/internal/domain"
)

// DryRunOrderClient simulates IOC fills against the local book replicas
// instead of sending real orders. A buy walks the ask side up to the limit
// price, a sell walks the bids down; liquidity consumed is not removed from
// the replica, so simulated fills are optimistic.
type DryRunOrderClient struct {
	books  *book.Registry
	logger *slog.Logger
}

// NewDryRunOrderClient creates the simulator.
func NewDryRunOrderClient(books *book.Registry, logger *slog.Logger) *DryRunOrderClient {
	return &DryRunOrderClient{
		books:  books,
		logger: logger.With(slog.String("component", "order_gateway"), slog.Bool("dry_run", true)),
	}
}

// SubmitOrder fills the request against current replica depth.
func (c *DryRunOrderClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	replica, ok := c.books.Get(req.TokenID)
	if !ok {
		return reject(domain.RejectPermanent), fmt.Errorf("gateway: dry-run: no book for token %s", req.TokenID)
	}

	var levels []domain.PriceLevel
	if req.Side == domain.OrderSideBuy {
		_, levels = replica.Depth(50)
	} else {
		levels, _ = replica.Depth(50)
	}

	filled := decimal.Zero
	cost := decimal.Zero
	for _, lvl := range levels {
		if req.Side == domain.OrderSideBuy && lvl.Price.GreaterThan(req.LimitPrice) {
			break
		}
		if req.Side == domain.OrderSideSell && lvl.Price.LessThan(req.LimitPrice) {
			break
		}
		take := decimal.Min(lvl.Size, req.Size.Sub(filled))
		filled = filled.Add(take)
		cost = cost.Add(take.Mul(lvl.Price))
		if filled.GreaterThanOrEqual(req.Size) {
			break
		}
	}

	if !filled.IsPositive() {
		c.logger.Debug("dry-run order unfilled",
			slog.String("token", req.TokenID),
			slog.String("side", string(req.Side)),
			slog.String("limit", req.LimitPrice.String()))
		return reject(domain.RejectTemporary), nil
	}

	avg := cost.DivRound(filled, 6)
	status := domain.OrderStatusFilled
	if filled.LessThan(req.Size) {
		status = domain.OrderStatusPartiallyFilled
	}
	result := domain.OrderResult{
		OrderID:     "dry-" + uuid.New().String(),
		Status:      status,
		FilledSize:  filled,
		AvgPrice:    avg,
		SubmittedAt: time.Now().UTC(),
	}
	c.logger.Info("dry-run fill",
		slog.String("token", req.TokenID),
		slog.String("side", string(req.Side)),
		slog.String("size", filled.String()),
		slog.String("avg_price", avg.String()))
	return result, nil
}

// CancelOrder is a no-op: simulated IOC orders never rest.
func (c *DryRunOrderClient) CancelOrder(ctx context.Context, orderID string) error {
	return nil
}

func reject(reason domain.RejectReason) domain.OrderResult {
	return domain.OrderResult{
		Status:       domain.OrderStatusRejected,
		RejectReason: reason,
		SubmittedAt:  time.Now().UTC(),
	}
}

// Compile-time interface check.
var _ OrderClient = (*DryRunOrderClient)(nil)
