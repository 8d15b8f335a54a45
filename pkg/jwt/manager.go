package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrTokenExpired = errors.New("channel token expired")
	ErrTokenInvalid = errors.New("channel token invalid")
)

// ChannelClaims 频道凭证载荷，绑定 (channel, uid, role)，Subject 为业务用户 ID
type ChannelClaims struct {
	Channel string `json:"ch"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// UserID 业务用户 ID，签发时未提供则为 uid 的十进制
func (c *ChannelClaims) UserID() string { return c.Subject }

// Grant 一次签发的参数
type Grant struct {
	UserID  string
	Channel string
	UID     uint32
	Role    string
}

// Manager 负责频道凭证的签发与解析
type Manager interface {
	Generate(g Grant) (string, error)
	Parse(tokenStr string) (*ChannelClaims, error)
	TTL() time.Duration
}

type manager struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewManager 用给定的 secret 和有效期构造 Manager，clock 为 nil 时用真实时钟
func NewManager(secret string, ttl time.Duration, clock clockwork.Clock) Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &manager{secret: []byte(secret), ttl: ttl, clock: clock}
}

func (m *manager) TTL() time.Duration { return m.ttl }

// Generate 生成频道凭证
func (m *manager) Generate(g Grant) (string, error) {
	if g.Channel == "" || g.UID == 0 {
		return "", fmt.Errorf("%w: channel and uid are required", ErrTokenInvalid)
	}
	subject := g.UserID
	if subject == "" {
		subject = fmt.Sprintf("%d", g.UID)
	}
	now := m.clock.Now()
	claims := ChannelClaims{
		Channel: g.Channel,
		UID:     g.UID,
		Role:    g.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Parse 验签并解析凭证，过期返回 ErrTokenExpired，其余失败返回 ErrTokenInvalid
func (m *manager) Parse(tokenStr string) (*ChannelClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &ChannelClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := tok.Claims.(*ChannelClaims)
	if !ok || !tok.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
