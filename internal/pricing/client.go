package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Prediction is the response of the price prediction service.
type Prediction struct {
	T7PriceMean decimal.Decimal `json:"t7_price_mean"`
	T7Low       decimal.Decimal `json:"t7_low"`
	T7High      decimal.Decimal `json:"t7_high"`
	Confidence  float64         `json:"confidence"`
	Version     string          `json:"model_version"`
}

// Client reads fair prices from the ML prediction service
// (GET {base}/api/predict/{bond}).
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Predict fetches the prediction of a bond and its raw response body.
func (c *Client) Predict(ctx context.Context, bondID string) (*Prediction, json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/predict/"+url.PathEscape(bondID), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("pricing: predict %s: %w", bondID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("pricing: predict %s: %w", bondID, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fmt.Errorf("%w: %s", ErrNoPrice, bondID)
	case resp.StatusCode != http.StatusOK:
		return nil, nil, fmt.Errorf("pricing: predict %s: status %d", bondID, resp.StatusCode)
	}

	var p Prediction
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil, fmt.Errorf("pricing: decode prediction: %w", err)
	}
	if !p.T7PriceMean.IsPositive() {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoPrice, bondID)
	}
	return &p, body, nil
}

func (c *Client) FairPrice(ctx context.Context, bondID string) (decimal.Decimal, error) {
	p, _, err := c.Predict(ctx, bondID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.T7PriceMean, nil
}

// Receipt returns the prediction served at execution time.
func (c *Client) Receipt(ctx context.Context, bondID string) (json.RawMessage, error) {
	_, body, err := c.Predict(ctx, bondID)
	return body, err
}
