package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const pythLatestPath = "/v2/updates/price/latest"

// PythOptions parameterise the pull-oracle HTTP fetcher.
type PythOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Feeds maps canonical symbols to hex feed identifiers.
	Feeds map[string]string
}

// Pyth fetches signed price updates from a Hermes-style endpoint.
type Pyth struct {
	opts    PythOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPyth constructs a pull-oracle provider.
func NewPyth(opts PythOptions, logger zerolog.Logger) *Pyth {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}

	return &Pyth{
		opts:    opts,
		logger:  logger.With().Str("component", "pyth_provider").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the provider.
func (p *Pyth) Name() Source { return SourcePyth }

// GetPrice retrieves and validates the latest published price for symbol.
func (p *Pyth) GetPrice(ctx context.Context, symbol string, maxAgeSeconds int, maxDeviationBps int64) (Price, error) {
	feedID, ok := p.opts.Feeds[symbol]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s has no pyth feed", ErrUnsupportedSymbol, symbol)
	}

	endpoint := p.baseURL + pythLatestPath + "?" + url.Values{
		"ids[]":  {feedID},
		"parsed": {"true"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Price{}, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, parsePythError(resp.StatusCode, payload))
	}

	var decoded pythLatestResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Price{}, fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)
	}
	if len(decoded.Parsed) == 0 {
		return Price{}, fmt.Errorf("%w: empty update for feed %s", ErrProviderUnavailable, feedID)
	}

	update := decoded.Parsed[0].Price

	raw, ok := new(big.Int).SetString(update.Price, 10)
	if !ok {
		return Price{}, fmt.Errorf("%w: malformed price %q", ErrProviderUnavailable, update.Price)
	}
	if raw.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: feed %s reported non-positive price %s", ErrProviderUnavailable, feedID, update.Price)
	}
	conf, ok := new(big.Int).SetString(update.Conf, 10)
	if !ok {
		return Price{}, fmt.Errorf("%w: malformed conf %q", ErrProviderUnavailable, update.Conf)
	}

	// Hermes reports price*10^expo; expo is negative for fiat pairs.
	fixed, err := FixedFromBigInt(raw, -update.Expo)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	now := time.Now().UTC()
	age := now.Unix() - update.PublishTime
	if maxAgeSeconds > 0 && age > int64(maxAgeSeconds) {
		return Price{}, fmt.Errorf("%w: %s published %ds ago (max %ds)", ErrStalePrice, symbol, age, maxAgeSeconds)
	}

	confBps := confidenceBps(conf, raw)
	if maxDeviationBps > 0 && confBps > maxDeviationBps {
		return Price{}, fmt.Errorf("%w: %s confidence %d bps exceeds %d bps", ErrExcessiveDeviation, symbol, confBps, maxDeviationBps)
	}

	return Price{
		Symbol:     symbol,
		Price:      fixed,
		ConfBps:    confBps,
		ObservedAt: update.PublishTime,
		Source:     SourcePyth,
	}, nil
}

type pythLatestResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func parsePythError(status int, payload []byte) error {
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("hermes error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("hermes error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("hermes error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("hermes error (%d)", status)
}

var _ PriceProvider = (*Pyth)(nil)
