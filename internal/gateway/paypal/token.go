package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"coinledger/internal/gateway"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// GetAccessCredential 返回缓存的 bearer token
// 在过期前 TokenRefreshMargin 刷新，并发调用只会触发一次刷新
func (c *Client) GetAccessCredential(ctx context.Context) (string, error) {
	if token, ok := c.cachedToken(); ok {
		return token, nil
	}

	ch := c.group.DoChan("access_token", func() (interface{}, error) {
		if token, ok := c.cachedToken(); ok {
			return token, nil
		}
		// 刷新结果是共享的，不能因为第一个调用方取消而失败
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.fetchToken(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return "", &gateway.Error{
			Op:      "get_access_token",
			Kind:    gateway.ErrUnavailable,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) cachedToken() (string, bool) {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, true
	}
	return "", false
}

// invalidateToken 只清掉仍是 token 的缓存，避免覆盖并发刷新得到的新 token
func (c *Client) invalidateToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token == token {
		c.token = ""
		c.expiresAt = time.Time{}
	}
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	const op = "get_access_token"

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &gateway.Error{Op: op, Kind: gateway.ErrInvalidRequest, Err: err}
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.send(ctx, op, req)
	if err != nil {
		return "", err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", &gateway.Error{Op: op, Kind: gateway.ErrUnavailable, Message: "token 响应无效", Err: err}
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	ttl := lifetime - c.cfg.TokenRefreshMargin
	if ttl <= 0 {
		ttl = lifetime / 2
	}

	c.tokenMu.Lock()
	c.token = tr.AccessToken
	c.expiresAt = c.now().Add(ttl)
	c.tokenMu.Unlock()

	log.Info().Dur("ttl", ttl).Msg("PayPal access token 已刷新")
	return tr.AccessToken, nil
}
