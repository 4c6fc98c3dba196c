package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL      = "https://api.coingecko.com/api/v3"
	DefaultAPIKeyHeader = "x-cg-demo-api-key"
	marketsPath         = "/coins/markets"
	vsCurrency          = "usd"
	marketOrder         = "market_cap_asc"
	PageSize            = 250
	firstPage           = 1
	priceChangeWindow   = "1h"
	maxBodyBytes        = 8 << 20
	priceField          = "current_price"
	changeField         = "price_change_percentage_1h_in_currency"
)

var (
	ErrNetwork           = errors.New("market data request failed")
	ErrMalformedResponse = errors.New("malformed market data response")
)

type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	// RequestsPerMinute caps outbound calls. Zero means no cap.
	RequestsPerMinute int
}

// Client fetches one page of the markets listing. It never retries.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

func NewClient(config Config, httpClient *http.Client) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}

	if config.APIKeyHeader == "" {
		config.APIKeyHeader = DefaultAPIKeyHeader
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	client := &Client{
		config:     config,
		httpClient: httpClient,
		now:        time.Now,
	}

	if config.RequestsPerMinute > 0 {
		client.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), 1)
	}

	return client
}

func (c *Client) marketsURL() string {
	params := url.Values{}
	params.Set("vs_currency", vsCurrency)
	params.Set("order", marketOrder)
	params.Set("per_page", strconv.Itoa(PageSize))
	params.Set("page", strconv.Itoa(firstPage))
	params.Set("price_change_percentage", priceChangeWindow)

	return c.config.BaseURL + marketsPath + "?" + params.Encode()
}

// Fetch returns the current snapshot. Failures wrap ErrNetwork or ErrMalformedResponse.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Snapshot{}, fmt.Errorf("[Fetch] : %w: %w", ErrNetwork, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.marketsURL(), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("[Fetch] : %w: %w", ErrNetwork, err)
	}

	req.Header.Set("Accept", "application/json")

	if c.config.APIKey != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("[Fetch] : %w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Snapshot{}, fmt.Errorf("[Fetch] : %w: status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Snapshot{}, fmt.Errorf("[Fetch] : %w: %w", ErrNetwork, err)
	}

	coins, err := parseMarkets(body)
	if err != nil {
		return Snapshot{}, err
	}

	log.Info().Int("coins", len(coins)).Msg("fetched market snapshot")

	return Snapshot{Coins: coins, RetrievedAt: c.now().UTC()}, nil
}

// parseMarkets decodes the markets array. A missing id makes an element malformed.
// Absent numeric fields are left null for the detector to reject, unless no
// element in the page carries them at all.
func parseMarkets(body []byte) ([]Coin, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("[parseMarkets] : %w: body is not JSON", ErrMalformedResponse)
	}

	result := gjson.ParseBytes(body)
	if !result.IsArray() {
		return nil, fmt.Errorf("[parseMarkets] : %w: expected an array, got %s", ErrMalformedResponse, result.Type)
	}

	elements := result.Array()
	coins := make([]Coin, 0, len(elements))
	seen := make(map[string]struct{}, len(elements))
	hasPrice, hasChange := false, false

	for index, element := range elements {
		id := element.Get("id")
		if id.Type != gjson.String || id.String() == "" {
			return nil, fmt.Errorf("[parseMarkets] : %w: element %d has no id", ErrMalformedResponse, index)
		}

		hasPrice = hasPrice || element.Get(priceField).Exists()
		hasChange = hasChange || element.Get(changeField).Exists()

		var coin Coin

		if err := json.Unmarshal([]byte(element.Raw), &coin); err != nil {
			return nil, fmt.Errorf("[parseMarkets] : %w: element %d: %w", ErrMalformedResponse, index, err)
		}

		if _, dup := seen[coin.ID]; dup {
			log.Warn().Str("id", coin.ID).Msg("dropping duplicate coin in snapshot")

			continue
		}

		seen[coin.ID] = struct{}{}
		coins = append(coins, coin)
	}

	if len(elements) > 0 && !hasPrice {
		return nil, fmt.Errorf("[parseMarkets] : %w: no element carries %s", ErrMalformedResponse, priceField)
	}

	if len(elements) > 0 && !hasChange {
		return nil, fmt.Errorf("[parseMarkets] : %w: no element carries %s", ErrMalformedResponse, changeField)
	}

	return coins, nil
}
