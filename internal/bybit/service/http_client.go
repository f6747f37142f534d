package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"tradepilot/internal/bybit/entity"
	"tradepilot/internal/metrics"
)

const (
	BybitBaseURL    = "https://api.bybit.com"
	BybitTestnetURL = "https://api-testnet.bybit.com"
	BybitAPIVersion = "/v5"

	CategoryLinear = "linear"
	recvWindow     = "5000"
)

type ClientOptions struct {
	BaseURL   string
	ProxyAddr string
	RPS       float64
	Timeout   time.Duration
}

// BybitHTTPClient клиент для работы с Bybit REST API v5.
// Ключи передаются в каждый вызов: один клиент обслуживает всех пользователей.
type BybitHTTPClient struct {
	baseURL    string
	HTTPClient *http.Client
	cb         *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

// apiEnvelope общий формат ответа Bybit
type apiEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// NewBybitHTTPClient создает клиент с circuit breaker, лимитером и опциональным SOCKS5 прокси
func NewBybitHTTPClient(opts ClientOptions, logger zerolog.Logger) *BybitHTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = BybitBaseURL
	}
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := &BybitHTTPClient{
		baseURL: opts.BaseURL,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), int(opts.RPS*2)),
		logger:  logger.With().Str("component", "BybitHTTPClient").Logger(),
		now:     time.Now,
	}

	client.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bybit-api",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		IsSuccessful: func(err error) bool {
			var se *httpStatusError
			return err == nil || asStatusError(err, &se)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			client.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	client.HTTPClient = newHTTPClient(opts.ProxyAddr, opts.Timeout, client.logger)
	return client
}

func newHTTPClient(proxyAddr string, timeout time.Duration, logger zerolog.Logger) *http.Client {
	if proxyAddr == "" {
		return &http.Client{Timeout: timeout}
	}

	proxyURL := &url.URL{Scheme: "socks5h", Host: proxyAddr}
	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create SOCKS5 dialer, using direct connection")
		return &http.Client{Timeout: timeout}
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// sign создает HMAC SHA256 подпись: timestamp + apiKey + recvWindow + payload
func sign(creds *entity.Credentials, timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(creds.SecretKey))
	h.Write([]byte(timestamp + creds.APIKey + recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *BybitHTTPClient) get(ctx context.Context, path string, params map[string]string, creds *entity.Credentials) (json.RawMessage, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return c.doRequest(ctx, http.MethodGet, path, values.Encode(), nil, creds)
}

func (c *BybitHTTPClient) post(ctx context.Context, path string, body map[string]any, creds *entity.Credentials) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, path, "", raw, creds)
}

// doRequest выполняет запрос и разворачивает конверт retCode/result.
// Ошибки API не учитываются circuit breaker'ом, только транспортные и 5xx.
func (c *BybitHTTPClient) doRequest(ctx context.Context, method, path, query string, body []byte, creds *entity.Credentials) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	endpoint := path

	raw, err := c.cb.Execute(func() (interface{}, error) {
		reqURL := c.baseURL + path
		if query != "" {
			reqURL += "?" + query
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		if creds != nil {
			if !creds.Valid() {
				return nil, ErrNoCredentials
			}
			timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
			payload := query
			if method == http.MethodPost {
				payload = string(body)
			}
			req.Header.Set("X-BAPI-API-KEY", creds.APIKey)
			req.Header.Set("X-BAPI-SIGN", sign(creds, timestamp, payload))
			req.Header.Set("X-BAPI-SIGN-TYPE", "2")
			req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
			req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode != http.StatusOK {
			// 4xx не должны открывать breaker
			return respBody, &httpStatusError{code: resp.StatusCode, body: string(respBody)}
		}
		return respBody, nil
	})

	metrics.BybitAPIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	var statusErr *httpStatusError
	if err != nil && !asStatusError(err, &statusErr) {
		metrics.BybitAPIRequestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return nil, err
	}
	if statusErr != nil {
		metrics.BybitAPIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(statusErr.code)).Inc()
		return nil, statusErr
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw.([]byte), &env); err != nil {
		metrics.BybitAPIRequestsTotal.WithLabelValues(endpoint, "decode_error").Inc()
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if env.RetCode != retOK {
		metrics.BybitAPIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(env.RetCode)).Inc()
		return nil, newAPIError(env.RetCode, env.RetMsg)
	}

	metrics.BybitAPIRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return env.Result, nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.code, e.body)
}

func asStatusError(err error, target **httpStatusError) bool {
	se, ok := err.(*httpStatusError)
	if ok {
		*target = se
	}
	return ok
}

// Ping проверяет доступность API
func (c *BybitHTTPClient) Ping(ctx context.Context) error {
	_, err := c.get(ctx, BybitAPIVersion+"/market/time", nil, nil)
	return err
}

// ValidateAPIKey проверяет валидность ключей запросом баланса
func (c *BybitHTTPClient) ValidateAPIKey(ctx context.Context, creds *entity.Credentials) error {
	if !creds.Valid() {
		return ErrNoCredentials
	}
	_, err := c.get(ctx, BybitAPIVersion+"/account/wallet-balance", map[string]string{"accountType": "UNIFIED"}, creds)
	if err != nil {
		return fmt.Errorf("API key validation failed: %w", err)
	}
	return nil
}

// CircuitState текущее состояние breaker'а
func (c *BybitHTTPClient) CircuitState() gobreaker.State {
	return c.cb.State()
}
