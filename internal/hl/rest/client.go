package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hl-basis-rebalancer/internal/errdefs"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     log,
	}
}

// SetRateLimit bounds /info requests; perSec <= 0 disables the limit.
func (c *Client) SetRateLimit(perSec float64, burst int) {
	if perSec <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
}

func (c *Client) Info(ctx context.Context, req interface{}) (map[string]any, error) {
	var data map[string]any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) InfoAny(ctx context.Context, req interface{}) (any, error) {
	var data any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, req interface{}, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: http %d: %s", errdefs.ErrRequestFailed, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	if c.log != nil {
		c.log.Debug("info request", zap.String("path", path), zap.Any("request", req))
	}
	return nil
}
