package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/application/presence"
)

// maxWatchedUsers 单连接最多订阅的用户数
const maxWatchedUsers = 100

// PresenceFrame 推送给订阅方的快照
type PresenceFrame struct {
	Type string            `json:"type"`
	Data presence.Snapshot `json:"data"`
	Ts   int64             `json:"ts"`
}

// PresenceHandler /ws/presence?users=a,b,c 推送聚合在线状态
type PresenceHandler struct {
	watcher  *presence.Watcher
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewPresenceHandler 创建在线状态推送端点
func NewPresenceHandler(watcher *presence.Watcher, logger *zap.Logger) *PresenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceHandler{
		watcher: watcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "presence_ws")),
	}
}

func parseUsers(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ids := parseUsers(r.URL.Query().Get("users"))
	if len(ids) == 0 || len(ids) > maxWatchedUsers {
		http.Error(w, "users must list 1..100 ids", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch, err := h.watcher.OnMultipleUsersPresence(ctx, ids)
	if err != nil {
		h.logger.Warn("subscribe presence failed", zap.Int("users", len(ids)), zap.Error(err))
		http.Error(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}
	defer watch.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 读循环只用来感知断开
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-watch.Updates():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(PresenceFrame{Type: "presence", Data: snap, Ts: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
