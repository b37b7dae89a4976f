// Package paypal PayPal REST 适配器：token 缓存、订单、webhook 管理和签名校验
package paypal

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"coinledger/internal/config"
	"coinledger/internal/gateway"
	"coinledger/internal/metrics"
)

const (
	providerID = "paypal"

	maxResponseBytes = 1 << 20
)

// Client PayPal 网关适配器，实现 gateway.Gateway
type Client struct {
	cfg        config.PayPalConfig
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	now        func() time.Time

	tokenMu   sync.RWMutex
	token     string
	expiresAt time.Time
	group     singleflight.Group

	certMu sync.RWMutex
	certs  map[string]*x509.Certificate
}

var _ gateway.Gateway = (*Client)(nil)

// NewClient 缺少 client_id 或 client_secret 时返回错误，调用方应直接退出
func NewClient(cfg config.PayPalConfig, cbCfg config.CircuitBreakerConfig, m *metrics.Metrics) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("PayPal client_id/client_secret 未配置")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("PayPal base_url 未配置")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}

	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		metrics:    m,
		now:        time.Now,
		certs:      make(map[string]*x509.Certificate),
	}

	if cbCfg.Enabled {
		c.breaker = gobreaker.NewCircuitBreaker(breakerSettings(cbCfg))
	}
	return c, nil
}

func breakerSettings(cfg config.CircuitBreakerConfig) gobreaker.Settings {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	return gobreaker.Settings{
		Name:        "paypal_api",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// 参数错误、认证失败是调用方的问题，不应打开断路器
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, gateway.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("断路器状态变化")
		},
	}
}

func (c *Client) ProviderID() string {
	return providerID
}

// paypalError PayPal 错误响应，同时兼容 oauth 的 error/error_description
type paypalError struct {
	Name             string `json:"name"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Details          []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// doJSON 发送带 bearer token 的 JSON 请求
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := c.GetAccessCredential(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &gateway.Error{Op: op, Kind: gateway.ErrInvalidRequest, Message: "请求序列化失败", Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &gateway.Error{Op: op, Kind: gateway.ErrInvalidRequest, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	respBody, err := c.send(ctx, op, req)
	if err != nil {
		var ge *gateway.Error
		if errors.As(err, &ge) && ge.StatusCode == http.StatusUnauthorized {
			// token 被吊销或提前失效，下次调用重新获取
			c.invalidateToken(token)
		}
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &gateway.Error{Op: op, Kind: gateway.ErrUnavailable, Message: "响应解析失败", Err: err}
		}
	}
	return nil
}

// send 经过断路器发送请求，返回 2xx 响应体，其他情况统一转成 *gateway.Error
func (c *Client) send(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	start := c.now()

	call := func() (interface{}, error) {
		return c.roundTrip(op, req)
	}

	var (
		res interface{}
		err error
	)
	if c.breaker != nil {
		res, err = c.breaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &gateway.Error{Op: op, Kind: gateway.ErrUnavailable, Message: "断路器打开", Err: err}
		}
	} else {
		res, err = call()
	}

	c.metrics.ObserveGatewayCall(op, outcomeOf(err), c.now().Sub(start))
	if err != nil {
		log.Warn().Err(err).Str("op", op).Msg("PayPal 请求失败")
		return nil, err
	}

	body, _ := res.([]byte)
	return body, nil
}

func (c *Client) roundTrip(op string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode, body)
	}
	return body, nil
}

func transportError(op string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &gateway.Error{Op: op, Kind: gateway.ErrUnavailable, Timeout: timeout, Err: err}
}

func statusError(op string, status int, body []byte) error {
	ge := &gateway.Error{Op: op, StatusCode: status}

	var pe paypalError
	if json.Unmarshal(body, &pe) == nil {
		ge.Message = pe.Message
		if ge.Message == "" {
			ge.Message = pe.ErrorDescription
		}
		if len(pe.Details) > 0 {
			ge.Issue = pe.Details[0].Issue
		} else if pe.Error != "" {
			ge.Issue = pe.Error
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ge.Kind = gateway.ErrUnauthenticated
	case status == http.StatusNotFound:
		ge.Kind = gateway.ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		ge.Kind = gateway.ErrUnavailable
	default:
		ge.Kind = gateway.ErrInvalidRequest
	}
	return ge
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case gateway.IsTimeout(err):
		return "timeout"
	case errors.Is(err, gateway.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, gateway.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found"
	default:
		return "unavailable"
	}
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
