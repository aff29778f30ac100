package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultAPIBaseURL is the WeCom enterprise API root.
const DefaultAPIBaseURL = "https://qyapi.weixin.qq.com/cgi-bin"

// tokenRefreshMargin renews the cached access token before it actually
// expires so in-flight sends never race the deadline.
const tokenRefreshMargin = 5 * time.Minute

// WeCom errcodes that mean the cached access token is no longer usable.
const (
	errcodeInvalidToken = 40014
	errcodeTokenExpired = 42001
)

// ErrTokenExchange is returned when WeCom refuses to issue an access token.
var ErrTokenExchange = errors.New("access token exchange failed")

// ClientConfig configures the outbound API client.
type ClientConfig struct {
	CorpID         string
	CorpSecret     string
	AgentID        int64
	BaseURL        string
	RequestTimeout time.Duration
	RateLimit      rate.Limit
	RateBurst      int
}

// Client sends messages through the WeCom message API. It caches the access
// token and paces outbound sends with a rate limiter. It satisfies the
// pipeline's delivery interface.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates the API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Limit(5)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     logger.With("component", "wecom-client"),
	}
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type sendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// token returns a cached access token, fetching a fresh one when the cache
// is empty or close to expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.accessToken, nil
	}

	endpoint := fmt.Sprintf("%s/gettoken?corpid=%s&corpsecret=%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"),
		url.QueryEscape(c.cfg.CorpID),
		url.QueryEscape(c.cfg.CorpSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.ErrCode != 0 || tr.AccessToken == "" {
		return "", fmt.Errorf("%w: errcode=%d errmsg=%s", ErrTokenExchange, tr.ErrCode, tr.ErrMsg)
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	c.logger.Debug("access token refreshed", "expires_in", tr.ExpiresIn)
	return c.accessToken, nil
}

// invalidateToken drops the cached token so the next call fetches a new one.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// SendText sends a plain text message to a user. An invalid or expired token
// is refreshed and the send retried once.
func (c *Client) SendText(ctx context.Context, userID, content string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	errcode, err := c.sendOnce(ctx, userID, content)
	if err == nil {
		return nil
	}
	if errcode == errcodeInvalidToken || errcode == errcodeTokenExpired {
		c.logger.Debug("access token rejected, refreshing and retrying", "errcode", errcode)
		c.invalidateToken()
		_, err = c.sendOnce(ctx, userID, content)
	}
	return err
}

func (c *Client) sendOnce(ctx context.Context, userID, content string) (int, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, err
	}

	payload := map[string]any{
		"touser":  userID,
		"msgtype": "text",
		"agentid": c.cfg.AgentID,
		"text":    map[string]string{"content": content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode send payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message/send?access_token=%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("decode send response: %w", err)
	}
	if sr.ErrCode != 0 {
		return sr.ErrCode, fmt.Errorf("message send rejected: errcode=%d errmsg=%s", sr.ErrCode, sr.ErrMsg)
	}
	return 0, nil
}

// DeliverSegment sends one reply segment to a user.
func (c *Client) DeliverSegment(ctx context.Context, userID, text string) error {
	return c.SendText(ctx, userID, text)
}

// Ping verifies the credentials by fetching an access token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}
