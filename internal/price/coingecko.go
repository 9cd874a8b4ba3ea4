package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"resty.dev/v3"

	"volumeflex/internal/retry"
)

// DefaultCoinGeckoURL is the public API root.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGeckoConfig holds the history client settings.
type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string
	// RatePerMinute bounds outgoing requests; zero disables limiting.
	RatePerMinute int
	Timeout       time.Duration
	Retry         retry.Policy
}

type historyResponse struct {
	MarketData *struct {
		CurrentPrice map[string]*decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

var errNotFound = errors.New("not found")

// CoinGeckoClient fetches daily historical USD prices.
type CoinGeckoClient struct {
	client  *resty.Client
	limiter *rate.Limiter
	retry   retry.Policy
	logger  *zap.Logger
}

func NewCoinGeckoClient(cfg CoinGeckoConfig, logger *zap.Logger) *CoinGeckoClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCoinGeckoURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("x-cg-demo-api-key", cfg.APIKey)
	}

	return &CoinGeckoClient{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		retry:   cfg.Retry,
		logger:  logger,
	}
}

// Close releases the underlying HTTP client.
func (c *CoinGeckoClient) Close() error {
	return c.client.Close()
}

// PriceOn returns the USD price of an asset on a UTC day. found is false when
// the service has no data for that asset and day.
func (c *CoinGeckoClient) PriceOn(ctx context.Context, assetID string, day time.Time) (decimal.Decimal, bool, error) {
	date := day.UTC().Format("02-01-2006")

	var payload historyResponse
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		err := c.fetch(ctx, assetID, date, &payload)
		if errors.Is(err, errNotFound) {
			return nil
		}
		if err != nil {
			c.logger.Warn("coingecko history request failed",
				zap.String("asset", assetID),
				zap.String("date", date),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("coingecko %s %s: %w", assetID, date, err)
	}

	if payload.MarketData == nil {
		return decimal.Zero, false, nil
	}
	usd := payload.MarketData.CurrentPrice["usd"]
	if usd == nil {
		return decimal.Zero, false, nil
	}
	return *usd, true, nil
}

func (c *CoinGeckoClient) fetch(ctx context.Context, assetID, date string, out *historyResponse) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	*out = historyResponse{}
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", assetID).
		SetQueryParam("date", date).
		SetQueryParam("localization", "false").
		SetResult(out).
		Get("/coins/{id}/history")
	if err != nil {
		return err
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusNotFound:
		return errNotFound
	case status >= 400:
		return fmt.Errorf("non-2xx status code: %d", status)
	}
	return nil
}
