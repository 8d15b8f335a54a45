package zlog

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 全局可变级别，所有 New 出来的 core 共享
var dynamicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// allowedLevels 运行期允许切换到的级别
var allowedLevels = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

func lookupLevel(lvl string) (zapcore.Level, bool) {
	l, ok := allowedLevels[strings.ToLower(strings.TrimSpace(lvl))]
	return l, ok
}

// initLevel 启动时设置级别，未知值按 info 处理
func initLevel(lvl string) {
	if !SetLevel(lvl) {
		dynamicLevel.SetLevel(zap.InfoLevel)
	}
}

// SetLevel 热更新日志级别，未知级别返回 false 且不生效
func SetLevel(lvl string) bool {
	l, ok := lookupLevel(lvl)
	if ok {
		dynamicLevel.SetLevel(l)
	}
	return ok
}

// GetLevel 返回当前级别字符串
func GetLevel() string { return dynamicLevel.Level().String() }

// LevelHTTPHandler 挂到 /log/level：GET 查询，PUT ?v=debug|info|warn|error 修改
func LevelHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(GetLevel()))
		case http.MethodPut, http.MethodPost:
			lvl := r.URL.Query().Get("v")
			if lvl == "" {
				lvl = r.FormValue("v")
			}
			if !SetLevel(lvl) {
				http.Error(w, "invalid level", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(GetLevel()))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}
