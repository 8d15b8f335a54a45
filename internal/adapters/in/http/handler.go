package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/cycle"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/identity"
	"github.com/EthanQC/liveroom/internal/ports/in"
	"github.com/EthanQC/liveroom/internal/ports/out"
	"github.com/EthanQC/liveroom/pkg/jwt"
	"github.com/EthanQC/liveroom/pkg/zlog"
)

// HeaderUserID 调用方身份，由网关注入
const HeaderUserID = "X-User-Id"

// Pinger 健康检查探针
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 函数形式的探针
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler 协作方 HTTP 接口：授时、频道凭证、报名、奖池
type Handler struct {
	events in.EventService
	tokens jwt.Manager
	checks map[string]Pinger
	logger *zap.Logger
}

// NewHandler checks 为 /health 依赖探针
func NewHandler(events in.EventService, tokens jwt.Manager, checks map[string]Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{events: events, tokens: tokens, checks: checks, logger: logger}
}

// log 优先用中间件挂在请求上的 logger
func (h *Handler) log(c *gin.Context) *zap.Logger {
	if l, ok := zlog.Lookup(c.Request.Context()); ok {
		return l
	}
	return h.logger
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.GET("/time", h.ServerTime)
		v1.POST("/token", h.IssueToken)
		v1.POST("/events/:id/entries", h.EnterEvent)
		v1.GET("/events/:id/pool", h.PrizePool)
	}
}

// ServerTime 服务端 epoch 毫秒
func (h *Handler) ServerTime(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"serverTime": h.events.Now().UnixMilli()})
}

// TokenRequest 申请频道凭证
type TokenRequest struct {
	Channel string `json:"channel" binding:"required"`
	UID     uint32 `json:"uid" binding:"required"`
	Role    string `json:"role"`
}

// IssueToken uid 必须是调用方用户 ID 的数字映射
func (h *Handler) IssueToken(c *gin.Context) {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, ok := out.ParseRole(req.Role)
	if req.Role == "" {
		role, ok = out.RoleAudience, true
	}
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if identity.NumericID(userID) != req.UID {
		c.JSON(http.StatusForbidden, gin.H{"error": "uid does not belong to caller"})
		return
	}

	token, err := h.tokens.Generate(jwt.Grant{UserID: userID, Channel: req.Channel, UID: req.UID, Role: role.String()})
	if err != nil {
		h.log(c).Error("issue channel token failed", zap.String("channel", req.Channel), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": h.events.Now().Add(h.tokens.TTL()).UnixMilli(),
	})
}

// EntryBody 报名请求体
type EntryBody struct {
	IdempotencyKey string `json:"idempotencyKey" binding:"required"`
}

// EnterEvent 业务结果都以 200 返回，失败原因在 error 字段
func (h *Handler) EnterEvent(c *gin.Context) {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var body EntryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := h.events.Enter(c.Request.Context(), userID, entity.EntryRequest{
		EventID:        c.Param("id"),
		IdempotencyKey: body.IdempotencyKey,
	})
	c.JSON(http.StatusOK, resp)
}

// PrizePool 奖池信息
func (h *Handler) PrizePool(c *gin.Context) {
	info, err := h.events.PrizePool(c.Request.Context(), c.Param("id"))
	if err != nil {
		if _, perr := cycle.Parse(c.Param("id")); perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}
		h.log(c).Error("read prize pool failed", zap.String("event_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "prize pool unavailable"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Health 逐个探测依赖
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "deps": deps})
}
