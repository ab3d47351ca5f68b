package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/retry"
)

const breakerKey = "custody"

// HTTPClient calls a REST custody backend:
//
//	POST {base}/v1/custody/{lock|release|refund}
//	Idempotency-Key: <token>:<leg>
//
// 2xx is success (a replayed key returns the original result). 409 means
// the same key is still in flight and is retried. Other 4xx responses are
// permanent rejections.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewHTTPClient creates a client with a 10s timeout and a breaker that
// opens after 5 consecutive transport or 5xx failures.
func NewHTTPClient(baseURL, apiKey string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := circuitbreaker.New(5, 30*time.Second).WithName("custody").
		WithFailureClassifier(func(err error) bool { return errors.Is(err, ErrUnavailable) })
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *HTTPClient) WithBreaker(b *circuitbreaker.Breaker) *HTTPClient {
	c.breaker = b
	return c
}

func (c *HTTPClient) Lock(ctx context.Context, req Request) error {
	return c.call(ctx, LegLock, req)
}

func (c *HTTPClient) Release(ctx context.Context, req Request) error {
	return c.call(ctx, LegRelease, req)
}

func (c *HTTPClient) Refund(ctx context.Context, req Request) error {
	return c.call(ctx, LegRefund, req)
}

type callBody struct {
	TradeID string `json:"tradeId"`
	Party   string `json:"party"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func (c *HTTPClient) call(ctx context.Context, leg Leg, req Request) error {
	if req.IdempotencyKey == "" {
		return retry.Permanent(fmt.Errorf("%w: missing idempotency key", ErrRejected))
	}

	err := c.breaker.Execute(breakerKey, func() error {
		return c.do(ctx, leg, req)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w: %v", ErrUnavailable, ErrNotSent, err)
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, leg Leg, req Request) error {
	body, err := json.Marshal(callBody{
		TradeID: req.TradeID,
		Party:   req.Party,
		Asset:   req.Asset,
		Amount:  req.Amount.String(),
	})
	if err != nil {
		return retry.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/custody/"+string(leg), bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w: %w: %s %s: %v", ErrUnavailable, ErrNotSent, leg, req.TradeID, err)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, leg, req.TradeID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Info("custody request in flight, will retry",
			"leg", leg, "trade_id", req.TradeID, "key", req.IdempotencyKey)
		return fmt.Errorf("%w: %s in flight", ErrUnavailable, req.IdempotencyKey)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("%w: %s %s: status %d: %s",
			ErrRejected, leg, req.TradeID, resp.StatusCode, strings.TrimSpace(string(msg))))
	default:
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, leg, req.TradeID, resp.StatusCode)
	}
}
