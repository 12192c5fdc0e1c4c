package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// OrderClient submits and cancels orders. Implementations must never return
// OPEN for an IOC order: an IOC that does not fill is reported REJECTED.
type OrderClient interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// HTTPOrderClient talks to the order endpoint over HTTP with a circuit
// breaker and bounded retries for TEMPORARY rejects.
type HTTPOrderClient struct {
	host          string
	http          *http.Client
	breaker       *gobreaker.CircuitBreaker
	retryAttempts int
	logger        *slog.Logger
}

// NewHTTPOrderClient creates an order client.
func NewHTTPOrderClient(host string, timeout time.Duration, retryAttempts int, logger *slog.Logger) *HTTPOrderClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	return &HTTPOrderClient{
		host:          host,
		http:          &http.Client{Timeout: timeout},
		retryAttempts: retryAttempts,
		logger:        logger.With(slog.String("component", "order_gateway")),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "orders",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// orderPayload is the wire shape of a submission.
type orderPayload struct {
	TokenID     string `json:"token_id"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	TimeInForce string `json:"time_in_force"`
}

// orderResponse is the wire shape of the endpoint's answer.
type orderResponse struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	FilledSize   string `json:"filled_size"`
	AvgPrice     string `json:"avg_price"`
	RejectReason string `json:"reject_reason"`
}

// SubmitOrder posts the order and normalizes the response. TEMPORARY rejects
// are retried up to the configured attempt count with jittered backoff;
// PERMANENT rejects and fills return immediately.
func (c *HTTPOrderClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	var last domain.OrderResult
	var lastErr error

	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(100*(1<<uint(attempt-1)))*time.Millisecond +
				time.Duration(rand.Int63n(int64(50*time.Millisecond)))
			select {
			case <-ctx.Done():
				return last, fmt.Errorf("gateway: submit: %w", ctx.Err())
			case <-time.After(delay):
			}
			c.logger.Debug("retrying order submit",
				slog.Int("attempt", attempt),
				slog.String("token", req.TokenID))
		}

		last, lastErr = c.submitOnce(ctx, req)
		if lastErr != nil {
			if errors.Is(lastErr, domain.ErrCircuitOpen) || errors.Is(lastErr, domain.ErrGatewayTimeout) {
				continue
			}
			return last, lastErr
		}
		if !last.Retryable() {
			return last, nil
		}
	}

	if lastErr != nil {
		return last, lastErr
	}
	return last, nil
}

func (c *HTTPOrderClient) submitOnce(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	payload := orderPayload{
		TokenID:     req.TokenID,
		Side:        string(req.Side),
		Price:       req.LimitPrice.String(),
		Size:        req.Size.String(),
		TimeInForce: string(req.TimeInForce),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("gateway: encode order: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, "/orders", body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.OrderResult{}, fmt.Errorf("gateway: orders: %w", domain.ErrCircuitOpen)
		}
		return domain.OrderResult{}, err
	}

	return normalizeResult(result.(orderResponse), req), nil
}

func (c *HTTPOrderClient) post(ctx context.Context, path string, body []byte) (orderResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(body))
	if err != nil {
		return orderResponse{}, fmt.Errorf("gateway: order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return orderResponse{}, fmt.Errorf("gateway: orders: %w", domain.ErrGatewayTimeout)
		}
		return orderResponse{}, fmt.Errorf("gateway: orders: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return orderResponse{}, fmt.Errorf("gateway: orders: status %d: %w", resp.StatusCode, domain.ErrGatewayTimeout)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return orderResponse{
			Status:       string(domain.OrderStatusRejected),
			RejectReason: string(domain.RejectPermanent),
		}, fmt.Errorf("gateway: orders: status %d: %s", resp.StatusCode, body)
	}

	var or orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return orderResponse{}, fmt.Errorf("gateway: decode order response: %w", err)
	}
	return or, nil
}

// normalizeResult maps the wire response to the domain result and enforces
// the IOC contract: no fill means REJECTED, never OPEN.
func normalizeResult(or orderResponse, req domain.OrderRequest) domain.OrderResult {
	result := domain.OrderResult{
		OrderID:      or.OrderID,
		Status:       domain.OrderStatus(or.Status),
		RejectReason: domain.RejectReason(or.RejectReason),
		SubmittedAt:  time.Now().UTC(),
	}
	if d, err := decimal.NewFromString(or.FilledSize); err == nil {
		result.FilledSize = d
	}
	if d, err := decimal.NewFromString(or.AvgPrice); err == nil {
		result.AvgPrice = d
	}

	if req.TimeInForce == domain.TIFImmediateOrCancel &&
		result.Status == domain.OrderStatusOpen && !result.Filled() {
		result.Status = domain.OrderStatusRejected
		if result.RejectReason == "" {
			result.RejectReason = domain.RejectTemporary
		}
	}
	return result
}

// CancelOrder cancels a resting order by id.
func (c *HTTPOrderClient) CancelOrder(ctx context.Context, orderID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.host+"/orders/"+orderID, nil)
	if err != nil {
		return fmt.Errorf("gateway: cancel request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway: cancel %s: %w", orderID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("gateway: cancel %s: status %d", orderID, resp.StatusCode)
	}
	return nil
}

// Compile-time interface check.
var _ OrderClient = (*HTTPOrderClient)(nil)
