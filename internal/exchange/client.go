package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// timeCacheTTL is how long a fetched server time (and the derived clock
// skew) stays valid before signed requests trigger a re-sync (spec §4.A:
// cached for 60 s).
const timeCacheTTL = 60 * time.Second

// Client is a signed REST client against a Binance-futures-compatible API
// (spec §4.A, §6). It owns connection pooling and retry/backoff and
// exposes the three operations the Exchange Client contract requires:
// GetServerTime, GetBalance, and PlaceMarketOrder.
type Client struct {
	apiKey, apiSecret, baseURL string
	rest                       *resty.Client
	maxRetries                 int
	timeout                    time.Duration
	recvWindowMs               int64

	// onRetry, when set, is invoked before each order retry attempt so the
	// caller can count retries without the client importing its metrics.
	onRetry func(attempt int)

	mu          sync.Mutex
	clockSkew   time.Duration
	skewFetched time.Time
	stepSizes   map[string]float64
}

// NewClient builds a REST client with the teacher's connection-pooling
// transport settings (MaxIdleConnsPerHost, ForceAttemptHTTP2) tuned for a
// high-frequency signed API rather than a public market-data endpoint.
func NewClient(apiKey, apiSecret, baseURL string, timeout time.Duration, maxRetries int, recvWindowMs int64) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if recvWindowMs <= 0 {
		recvWindowMs = 5000
	}

	r := resty.New()
	r.SetTransport(transport)

	return &Client{
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		baseURL:      strings.TrimRight(baseURL, "/"),
		rest:         r,
		maxRetries:   maxRetries,
		timeout:      timeout,
		recvWindowMs: recvWindowMs,
		stepSizes:    make(map[string]float64),
	}
}

// SetRetryHook registers a callback invoked before each order retry.
func (c *Client) SetRetryHook(fn func(attempt int)) {
	c.onRetry = fn
}

func (c *Client) signedRequest(ctx context.Context, params map[string]string) *resty.Request {
	params["timestamp"] = strconv.FormatInt(time.Now().Add(c.skew()).UnixMilli(), 10)
	params["recvWindow"] = strconv.FormatInt(c.recvWindowMs, 10)

	query := buildCanonicalQuery(params)
	signature := Sign(c.apiSecret, query)
	params["signature"] = signature

	return c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParams(params)
}

func buildCanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	// Binance does not require sorted params, but a deterministic order
	// keeps the signed query reproducible for logging/debugging.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func (c *Client) skew() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockSkew
}

// ensureFreshTime re-syncs server time when the cached value is older than
// timeCacheTTL. A failed refresh is logged and the stale skew reused; the
// -1021 handler in PlaceMarketOrder covers the case where it has drifted
// too far.
func (c *Client) ensureFreshTime(ctx context.Context) {
	c.mu.Lock()
	stale := time.Since(c.skewFetched) > timeCacheTTL
	c.mu.Unlock()
	if !stale {
		return
	}
	if err := c.SyncServerTime(ctx); err != nil {
		log.Warn().Err(err).Msg("exchange: server time refresh failed, reusing cached skew")
	}
}

// SyncServerTime fetches the exchange's server time and records the local
// clock skew so subsequent signed requests fall inside recvWindow even if
// the host clock has drifted (spec §4.A recv-window skew handling).
func (c *Client) SyncServerTime(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.rest.R().SetContext(reqCtx).SetResult(&body).Get(c.baseURL + "/fapi/v1/time")
	if err != nil {
		return fmt.Errorf("exchange: fetching server time: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("exchange: server time status %d", resp.StatusCode())
	}
	serverTime := time.UnixMilli(body.ServerTime)
	c.mu.Lock()
	c.clockSkew = time.Until(serverTime)
	c.skewFetched = time.Now()
	c.mu.Unlock()
	return nil
}

// LoadExchangeInfo seeds per-symbol stepSize from the exchange's
// exchangeInfo endpoint (spec §4.A "SHOULD fetch exchange info once").
func (c *Client) LoadExchangeInfo(ctx context.Context, symbols []string) error {
	var body struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.rest.R().SetContext(reqCtx).SetResult(&body).Get(c.baseURL + "/fapi/v1/exchangeInfo")
	if err != nil {
		return fmt.Errorf("exchange: fetching exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("exchange: exchange info status %d", resp.StatusCode())
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range body.Symbols {
		if !wanted[sym.Symbol] {
			continue
		}
		for _, f := range sym.Filters {
			if f.FilterType != "LOT_SIZE" {
				continue
			}
			step, perr := strconv.ParseFloat(f.StepSize, 64)
			if perr == nil && step > 0 {
				c.stepSizes[sym.Symbol] = step
			}
		}
	}
	return nil
}

// RoundQuantity rounds qty down to the symbol's LOT_SIZE stepSize if known.
// The fallback rule when exchange info is unavailable: pairs on a 3-decimal
// base precision (BTC, ETH) round to 3 decimals, everything else to 2
// (spec §4.A fallback).
func (c *Client) RoundQuantity(symbol string, qty float64) float64 {
	c.mu.Lock()
	step, ok := c.stepSizes[symbol]
	c.mu.Unlock()
	if !ok || step <= 0 {
		scale := 100.0
		if strings.HasPrefix(symbol, "BTC") || strings.HasPrefix(symbol, "ETH") {
			scale = 1000.0
		}
		return float64(int64(qty*scale)) / scale
	}
	steps := float64(int64(qty / step))
	return steps * step
}

// GetBalance returns the USDT-margined futures wallet balance.
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	c.ensureFreshTime(ctx)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	resp, err := c.signedRequest(reqCtx, map[string]string{}).SetResult(&body).Get(c.baseURL + "/fapi/v2/balance")
	if err != nil {
		return Balance{}, fmt.Errorf("exchange: get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Balance{}, fmt.Errorf("exchange: get balance status %d: %s", resp.StatusCode(), resp.String())
	}
	for _, b := range body {
		if b.Asset == "USDT" {
			bal, _ := strconv.ParseFloat(b.Balance, 64)
			return Balance{Asset: b.Asset, Balance: bal}, nil
		}
	}
	return Balance{}, fmt.Errorf("exchange: no USDT balance entry found")
}

type orderAPIResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
}

// codePercentPrice is Binance's PERCENT_PRICE filter rejection (spec §6,
// §7): the order is skipped, not an error, and never retried.
const codePercentPrice = -4131

// codeTimeSkew is Binance's "timestamp outside recvWindow" rejection (spec
// §6: -1021) — triggers a single server-time re-sync and one retry.
const codeTimeSkew = -1021

// codeAuthRejected is Binance's "invalid API-key, IP, or permissions for
// action" rejection (-2015). Keys that are actually valid can draw it when
// the signed timestamp has drifted, so it shares the time-skew class: one
// re-sync, one retry (spec §7 auth/time-skew handling).
const codeAuthRejected = -2015

// PlaceMarketOrder places a signed MARKET order and retries transient
// failures with the spec's fixed attempt*1s backoff (§4.A retry policy).
// PERCENT_PRICE rejections return OutcomeSkipped with no retry. LOT_SIZE
// and MIN_NOTIONAL rejections fail fast with ErrFilterRejected, also with
// no retry. Any other 4xx fails fast without retry. 5xx and
// connection/timeout errors retry up to maxRetries times.
func (c *Client) PlaceMarketOrder(ctx context.Context, req OrderRequest) OrderResult {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	c.ensureFreshTime(ctx)

	resynced := false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if c.onRetry != nil {
				c.onRetry(attempt)
			}
			select {
			case <-ctx.Done():
				return OrderResult{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		result, classification, err := c.placeOnce(ctx, req, attempt)
		if err == nil {
			return result
		}
		lastErr = err

		switch classification {
		case classPercentPrice:
			log.Warn().Err(err).Str("symbol", req.Symbol).Msg("exchange: order skipped by PERCENT_PRICE filter")
			return OrderResult{Outcome: OutcomeSkipped, ClientOrderID: req.ClientOrderID, Err: err}
		case classLotOrNotional:
			log.Warn().Err(err).Str("symbol", req.Symbol).Msg("exchange: order rejected by LOT_SIZE/MIN_NOTIONAL filter")
			return OrderResult{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID, Err: fmt.Errorf("%w: %v", ErrFilterRejected, err)}
		case classTimeSkew:
			if resynced {
				return OrderResult{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID, Err: err}
			}
			resynced = true
			if serr := c.SyncServerTime(ctx); serr != nil {
				log.Warn().Err(serr).Msg("exchange: server time re-sync after -1021 failed")
			}
			continue
		case classOtherClientError:
			return OrderResult{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID, Err: err}
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("symbol", req.Symbol).Msg("exchange: order attempt failed, retrying")
	}
	return OrderResult{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID, Err: lastErr}
}

type errorClass int

const (
	classTransient errorClass = iota
	classPercentPrice
	classLotOrNotional
	classTimeSkew
	classOtherClientError
)

func (c *Client) placeOnce(ctx context.Context, req OrderRequest, attempt int) (OrderResult, errorClass, error) {
	// First attempt uses the base timeout; retries get double (spec §5:
	// 10 s, 20 s on retry).
	timeout := c.timeout
	if attempt > 0 {
		timeout = 2 * c.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"newClientOrderId": req.ClientOrderID,
	}

	httpResp, err := c.signedRequest(reqCtx, params).Post(c.baseURL + "/fapi/v1/order")
	if err != nil {
		return OrderResult{}, classTransient, fmt.Errorf("exchange: order request: %w", err)
	}

	status := httpResp.StatusCode()

	// Decode the body regardless of status: rejections carry their
	// {code, msg} payload on 4xx responses, and 5xx HTML error pages
	// simply leave resp zeroed and classify by status below.
	var resp orderAPIResponse
	if uerr := json.Unmarshal(httpResp.Body(), &resp); uerr != nil && status == http.StatusOK {
		return OrderResult{}, classTransient, fmt.Errorf("exchange: parsing order response: %w", uerr)
	}
	if status == http.StatusOK && resp.Code >= 0 {
		fillPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
		fillQty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
		return OrderResult{
			Outcome:       OutcomeFilled,
			OrderID:       resp.OrderID,
			ClientOrderID: req.ClientOrderID,
			FillPrice:     fillPrice,
			FillQuantity:  fillQty,
		}, classTransient, nil
	}

	rejectErr := fmt.Errorf("exchange: order rejected, code=%d msg=%s status=%d", resp.Code, resp.Msg, status)

	if status >= 500 {
		return OrderResult{}, classTransient, rejectErr
	}
	if status == http.StatusTooManyRequests || status == 418 {
		return OrderResult{}, classTransient, fmt.Errorf("%w: %v", ErrRateLimited, rejectErr)
	}
	switch resp.Code {
	case codePercentPrice:
		return OrderResult{}, classPercentPrice, rejectErr
	case codeTimeSkew:
		return OrderResult{}, classTimeSkew, fmt.Errorf("%w: %v", ErrTimeSkew, rejectErr)
	case codeAuthRejected:
		return OrderResult{}, classTimeSkew, rejectErr
	}
	if containsAny(resp.Msg, "LOT_SIZE", "MIN_NOTIONAL") {
		return OrderResult{}, classLotOrNotional, rejectErr
	}
	if status >= 400 {
		return OrderResult{}, classOtherClientError, rejectErr
	}
	return OrderResult{}, classTransient, rejectErr
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
