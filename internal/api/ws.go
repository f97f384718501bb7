package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// wsInbound 是聊天前端推送的消息格式。
type wsInbound struct {
	Text   string `json:"text"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type wsError struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	IsUser bool   `json:"isUser"`
	Error  string `json:"error"`
}

// 单条消息的编排处理上限。链上提交要等待打包，给足余量。
const wsTurnTimeout = 3 * time.Minute

// handleWebSocket 升级连接并进入逐条消息的应答循环。一个连接服务
// 一个聊天会话，消息按到达顺序处理。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.log.Warn("WebSocket 升级失败", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	ctx := r.Context()
	s.log.Info("WebSocket 连接建立", "remote", r.RemoteAddr)

	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.log.Warn("WebSocket 读取失败", "error", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		if kind != websocket.MessageText {
			continue
		}

		var inbound wsInbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			s.writeWS(ctx, conn, wsError{Text: "Message must be JSON.", Error: "bad_payload"})
			continue
		}
		userID := strings.TrimSpace(inbound.UserID)
		if userID == "" {
			userID = strings.TrimSpace(inbound.RoomID)
		}
		if userID == "" || strings.TrimSpace(inbound.Text) == "" {
			s.writeWS(ctx, conn, wsError{Text: "userId and text are required.", Error: "bad_payload"})
			continue
		}

		turnCtx, cancel := context.WithTimeout(ctx, wsTurnTimeout)
		resp := s.orchestrator.HandleMessage(turnCtx, userID, inbound.Text)
		cancel()

		s.writeWS(ctx, conn, resp)
	}
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("WebSocket 应答编码失败", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Warn("WebSocket 写入失败", "error", err)
	}
}

// originPatterns 把允许的来源转换成 websocket 库期望的主机模式。
func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.allowedOrigins))
	for _, origin := range s.allowedOrigins {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		if trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return patterns
}
