package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/pkg/zlog"
)

// RouterDeps 路由依赖，nil 的端点不注册
type RouterDeps struct {
	Handler  *Handler
	RTC      http.Handler
	Presence http.Handler
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter 组装 gin 引擎
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if d.Logger != nil {
		r.Use(zlog.GinLogger(d.Logger))
	}

	if d.Handler != nil {
		d.Handler.RegisterRoutes(r)
	}
	if d.RTC != nil {
		r.GET("/ws/rtc", gin.WrapH(d.RTC))
	}
	if d.Presence != nil {
		r.GET("/ws/presence", gin.WrapH(d.Presence))
	}
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	r.Any("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))
	return r
}
