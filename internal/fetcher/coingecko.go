package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"cryptotracker/internal/version"
)

const (
	simplePricePath      = "/simple/price"
	marketChartRangePath = "/coins/%s/market_chart/range"
)

// CoinGeckoOptions parameterise the CoinGecko client.
type CoinGeckoOptions struct {
	BaseURL           string
	VsCurrency        string
	IDs               []string
	APIKey            string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerMinute float64
}

// CoinGecko fetches spot prices from the CoinGecko simple-price endpoint.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewCoinGecko constructs a CoinGecko client.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "inr"
	}
	opts.VsCurrency = strings.ToLower(opts.VsCurrency)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60), 1)
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
	}
}

// FetchPrices performs one request for every tracked currency.
func (c *CoinGecko) FetchPrices(ctx context.Context) ([]Quote, error) {
	if len(c.opts.IDs) == 0 {
		return nil, errors.New("no currency ids configured")
	}
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("ids", strings.Join(c.opts.IDs, ","))
	params.Set("vs_currencies", c.opts.VsCurrency)

	payload, err := c.get(ctx, simplePricePath, params)
	if err != nil {
		return nil, err
	}
	return c.parseQuotes(payload)
}

// FetchHistory returns the upstream price series for one currency between
// from and to, oldest first.
func (c *CoinGecko) FetchHistory(ctx context.Context, currencyID string, from, to time.Time) ([]HistoricalQuote, error) {
	if currencyID == "" {
		return nil, errors.New("currency id is required")
	}
	if !from.Before(to) {
		return nil, errors.New("history range is empty")
	}
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("vs_currency", c.opts.VsCurrency)
	params.Set("from", strconv.FormatInt(from.Unix(), 10))
	params.Set("to", strconv.FormatInt(to.Unix(), 10))

	payload, err := c.get(ctx, fmt.Sprintf(marketChartRangePath, url.PathEscape(currencyID)), params)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(payload) {
		return nil, &TransportError{Op: "decode", Err: errors.New("malformed json payload")}
	}

	points := gjson.GetBytes(payload, "prices").Array()
	out := make([]HistoricalQuote, 0, len(points))
	for _, p := range points {
		pair := p.Array()
		if len(pair) != 2 || pair[0].Type != gjson.Number || pair[1].Type != gjson.Number {
			continue
		}
		out = append(out, HistoricalQuote{
			CurrencyID: currencyID,
			Price:      pair[1].Float(),
			Timestamp:  time.UnixMilli(pair[0].Int()).UTC(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *CoinGecko) pace(ctx context.Context) error {
	if isRetry(ctx) {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Op: "rate limit wait", Err: err}
	}
	return nil
}

func (c *CoinGecko) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	if c.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *CoinGecko) parseQuotes(payload []byte) ([]Quote, error) {
	if !gjson.ValidBytes(payload) {
		return nil, &TransportError{Op: "decode", Err: errors.New("malformed json payload")}
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return nil, &TransportError{Op: "decode", Err: errors.New("payload is not a json object")}
	}

	quotes := make([]Quote, 0, len(c.opts.IDs))
	doc.ForEach(func(key, value gjson.Result) bool {
		price := value.Get(gjson.Escape(c.opts.VsCurrency))
		if !price.Exists() || price.Type != gjson.Number {
			c.logger.Debug().Str("currency", key.String()).Msg("quote field missing, skipping")
			return true
		}
		quotes = append(quotes, Quote{CurrencyID: key.String(), Price: price.Float()})
		return true
	})

	sort.Slice(quotes, func(i, j int) bool { return quotes[i].CurrencyID < quotes[j].CurrencyID })
	return quotes, nil
}

func parseHTTPError(status int, payload []byte) error {
	msg := ""
	if gjson.ValidBytes(payload) {
		doc := gjson.ParseBytes(payload)
		for _, path := range []string{"error", "status.error_message", "message"} {
			if v := doc.Get(path); v.Exists() && v.String() != "" {
				msg = v.String()
				break
			}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
	}
	return &UpstreamError{StatusCode: status, Message: msg}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// String identifies the source in logs.
func (c *CoinGecko) String() string {
	return fmt.Sprintf("coingecko(%s, %d ids)", c.opts.VsCurrency, len(c.opts.IDs))
}

var (
	_ PriceSource   = (*CoinGecko)(nil)
	_ HistorySource = (*CoinGecko)(nil)
)
