package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// HeaderUserID 调用方身份
const HeaderUserID = "X-User-Id"

// Client 服务端协作接口（授时、凭证、报名）的 HTTP 客户端
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New baseURL 形如 http://127.0.0.1:8090
func New(baseURL, userID string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ out.TokenIssuer   = (*Client)(nil)
	_ out.TimeAuthority = (*Client)(nil)
	_ out.EntryGateway  = (*Client)(nil)
)

type timeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var resp timeResponse
	if err := c.do(ctx, "time.get", http.MethodGet, "/v1/time", nil, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

type tokenRequest struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

func (c *Client) GetToken(ctx context.Context, channel string, uid uint32, role out.Role) (string, error) {
	var resp tokenResponse
	req := tokenRequest{Channel: channel, UID: uid, Role: role.String()}
	if err := c.do(ctx, "token.get", http.MethodPost, "/v1/token", req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errkind.E(errkind.Unavailable, "token.get", errors.New("empty token"))
	}
	return resp.Token, nil
}

type entryBody struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

func (c *Client) EnterEvent(ctx context.Context, req entity.EntryRequest) (*entity.EntryResponse, error) {
	var resp entity.EntryResponse
	path := "/v1/events/" + url.PathEscape(req.EventID) + "/entries"
	if err := c.do(ctx, "entry.enter", http.MethodPost, path, entryBody{IdempotencyKey: req.IdempotencyKey}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PrizePool 读取奖池
func (c *Client) PrizePool(ctx context.Context, eventID string) (*entity.PrizePoolInfo, error) {
	var resp entity.PrizePoolInfo
	if err := c.do(ctx, "entry.pool", http.MethodGet, "/v1/events/"+url.PathEscape(eventID)+"/pool", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, dst interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errkind.E(errkind.Validation, op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errkind.E(errkind.Validation, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set(HeaderUserID, c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errkind.E(errkind.Of(ctxErr), op, err)
		}
		return errkind.E(errkind.Unavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errkind.E(KindForStatus(resp.StatusCode), op,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return errkind.E(errkind.Unavailable, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// KindForStatus HTTP 状态码到错误类别
func KindForStatus(status int) errkind.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errkind.PermissionDenied
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errkind.Validation
	case http.StatusNotFound:
		return errkind.NotFound
	case http.StatusConflict:
		return errkind.Conflict
	case http.StatusGone:
		return errkind.Expired
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errkind.Timeout
	default:
		return errkind.Unavailable
	}
}
