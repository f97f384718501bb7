// Package api 暴露 REST 与 WebSocket 两套入口。WebSocket 是聊天前端的
// 主通道，REST 覆盖健康检查、交易日志与任务活动接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
	"github.com/cmdhema/lootpang-agent-llm/internal/loan"
	"github.com/cmdhema/lootpang-agent-llm/internal/quest"
	"github.com/cmdhema/lootpang-agent-llm/internal/session"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

// Chat 是聊天入口依赖的编排能力。
type Chat interface {
	HandleMessage(ctx context.Context, userID, text string) *loan.Response
	Transactions(userID string) []session.TransactionRecord
}

// Server 负责对外服务。
type Server struct {
	addr           string
	allowedOrigins []string
	orchestrator   Chat
	quests         *quest.Service
	notifier       loan.Notifier
	limiter        Limiter
	log            *slog.Logger
}

// NewServer 构造服务实例。quests、notifier 与 limiter 可为 nil。
func NewServer(addr string, allowedOrigins []string, orchestrator Chat, quests *quest.Service, notifier loan.Notifier, limiter Limiter) *Server {
	return &Server{
		addr:           addr,
		allowedOrigins: allowedOrigins,
		orchestrator:   orchestrator,
		quests:         quests,
		notifier:       notifier,
		limiter:        limiter,
		log:            logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// 请求上下文派生自服务上下文，连接断开仍按请求各自取消。
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 组装全部路由，独立出来方便测试。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/v1/chat", s.handleChat)
	mux.HandleFunc("/api/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/api/v1/quests", s.handleQuests)
	mux.HandleFunc("/api/v1/quests/complete", s.handleQuestComplete)
	mux.HandleFunc("/api/v1/quests/claim", s.handleQuestClaim)
	mux.HandleFunc("/api/v1/completions", s.handleCompletions)
	mux.HandleFunc("/api/v1/notifications", s.handleNotify)
	return s.withCORS(s.withRateLimit(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	UserID  string `json:"userId"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// handleChat 是 WebSocket 聊天的 REST 等价入口。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体不是合法 JSON", http.StatusBadRequest)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = strings.TrimSpace(req.RoomID)
	}
	if userID == "" || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "userId 和 message 不能为空", http.StatusBadRequest)
		return
	}

	resp := s.orchestrator.HandleMessage(r.Context(), userID, req.Message)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		http.Error(w, "user 参数不能为空", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.orchestrator.Transactions(userID))
}

func (s *Server) handleQuests(w http.ResponseWriter, r *http.Request) {
	if s.quests == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	onlyActive := r.URL.Query().Get("all") == ""
	list, err := s.quests.Quests(r.Context(), onlyActive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type questCompleteRequest struct {
	QuestID string `json:"questId"`
	UserID  string `json:"userId"`
}

func (s *Server) handleQuestComplete(w http.ResponseWriter, r *http.Request) {
	if s.quests == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req questCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestID == "" || req.UserID == "" {
		http.Error(w, "questId 和 userId 不能为空", http.StatusBadRequest)
		return
	}
	c, err := s.quests.Complete(r.Context(), req.QuestID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type questClaimRequest struct {
	CompletionID string `json:"completionId"`
}

func (s *Server) handleQuestClaim(w http.ResponseWriter, r *http.Request) {
	if s.quests == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req questClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CompletionID == "" {
		http.Error(w, "completionId 不能为空", http.StatusBadRequest)
		return
	}
	c, err := s.quests.Claim(r.Context(), req.CompletionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if s.quests == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		http.Error(w, "user 参数不能为空", http.StatusBadRequest)
		return
	}
	list, err := s.quests.Completions(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type notifyRequest struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// handleNotify 把运营侧事件（如新任务上线）交给通知链路转发。
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		http.Error(w, "通知服务未启用", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name 不能为空", http.StatusBadRequest)
		return
	}
	s.notifier.Notify(r.Context(), req.Name, req.Fields)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// writeError 把领域错误映射到 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, quest.ErrQuestNotFound), errors.Is(err, quest.ErrCompletionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, quest.ErrAlreadyCompleted), errors.Is(err, quest.ErrAlreadyClaimed), errors.Is(err, quest.ErrQuestConflict):
		status = http.StatusConflict
	default:
		if coded, ok := xerrors.From(err); ok && coded.Code() == xerrors.CodeInvalidArgument {
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusInternalServerError {
		s.log.Error("请求处理失败", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// withRateLimit 对 /api/ 与 /ws 前缀套用限流，健康检查不计数。
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := clientIP(r)
		allowed, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.log.Warn("限流查询失败，放行", "error", err)
		}
		if !allowed {
			http.Error(w, "请求过于频繁，请稍后再试", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS 按配置的来源白名单应答跨域请求。
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
