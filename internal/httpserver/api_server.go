package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"CallScreenGuard/internal/archive"
	"CallScreenGuard/internal/audit"
	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/logger"
	"CallScreenGuard/internal/screening"
)

// APIServer 观察方HTTP API服务器
// 提供活跃会话快照查询、实时事件流订阅、归档与录制审计查询
type APIServer struct {
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader

	manager  *screening.SessionManager
	bus      *eventbus.Bus
	archive  *archive.Store  // 可选，未配置归档库时为nil
	recorder *audit.Recorder // 可选

	// 统计信息
	requestCount int64
	responseTime []time.Duration
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ServerOption API服务器选项
type ServerOption func(*APIServer)

// WithArchive 启用归档查询端点
func WithArchive(store *archive.Store) ServerOption {
	return func(s *APIServer) {
		s.archive = store
	}
}

// WithRecorder 启用录制审计端点
func WithRecorder(recorder *audit.Recorder) ServerOption {
	return func(s *APIServer) {
		s.recorder = recorder
	}
}

// NewAPIServer 创建观察方API服务器
func NewAPIServer(addr string, manager *screening.SessionManager, bus *eventbus.Bus, opts ...ServerOption) *APIServer {
	server := &APIServer{
		router:  mux.NewRouter(),
		manager: manager,
		bus:     bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(server)
	}

	server.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	// 添加中间件
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// API路由
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 活跃会话
	api.HandleFunc("/sessions", s.getSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{call_id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/sessions/{call_id}/events", s.sessionEventsHandler).Methods("GET")

	// 全量事件流
	api.HandleFunc("/events", s.allEventsHandler).Methods("GET")

	// 归档查询
	api.HandleFunc("/archive", s.getArchiveListHandler).Methods("GET")
	api.HandleFunc("/archive/{session_id}", s.getArchivedSessionHandler).Methods("GET")

	// 录制审计
	api.HandleFunc("/records", s.getRecordsHandler).Methods("GET")
	api.HandleFunc("/records/{session_id}", s.getRecordHandler).Methods("GET")
	api.HandleFunc("/records/{session_id}/timeline", s.getTimelineHandler).Methods("GET")

	// 实时日志流
	api.HandleFunc("/logs", s.logsHandler).Methods("GET")

	// 健康检查和监控
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
}

// logsHandler 订阅服务日志流（WebSocket）
func (s *APIServer) logsHandler(w http.ResponseWriter, r *http.Request) {
	if logger.GlobalLogger == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "logs_disabled", "Log stream is not initialized")
		return
	}
	logger.GlobalLogger.HandleWebSocket(w, r)
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

// getSessionsHandler 列出活跃会话快照
func (s *APIServer) getSessionsHandler(w http.ResponseWriter, r *http.Request) {
	snapshots := s.manager.Store().List()

	// 按创建时间排序，保证输出稳定
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})

	// 状态过滤
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := snapshots[:0]
		for _, snap := range snapshots {
			if snap.State == state {
				filtered = append(filtered, snap)
			}
		}
		snapshots = filtered
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"sessions": snapshots,
		"count":    len(snapshots),
	})
}

// getSessionHandler 查询单个会话快照
func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	callID := vars["call_id"]

	snap, ok := s.manager.Store().Get(callID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "session_not_found", "No active session for call")
		return
	}

	s.writeSuccessResponse(w, snap)
}

// sessionEventsHandler 订阅单个会话的实时事件流（WebSocket）
// 先推送当前快照作为补齐基线，再转发后续事件
func (s *APIServer) sessionEventsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	callID := vars["call_id"]

	snap, ok := s.manager.Store().Get(callID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "session_not_found", "No active session for call")
		return
	}

	// 先订阅再读快照，避免订阅间隙丢事件；重复事件靠序列号去重
	sub := s.bus.Subscribe(snap.SessionID)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[httpserver] Event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	baseline, _ := s.manager.Store().Get(callID)
	if err := conn.WriteJSON(map[string]interface{}{"type": "snapshot", "data": baseline}); err != nil {
		return
	}

	s.streamEvents(conn, sub)
}

// allEventsHandler 订阅全部会话的实时事件流（WebSocket）
func (s *APIServer) allEventsHandler(w http.ResponseWriter, r *http.Request) {
	sub := s.bus.SubscribeAll()
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[httpserver] Event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.streamEvents(conn, sub)
}

// streamEvents 把订阅到的事件写入WebSocket连接直到任一端关闭
func (s *APIServer) streamEvents(conn *websocket.Conn, sub *eventbus.Subscription) {
	// 读取协程只为感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(map[string]interface{}{"type": "event", "data": ev}); err != nil {
				return
			}
		}
	}
}

// getArchiveListHandler 列出已归档的会话
func (s *APIServer) getArchiveListHandler(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "archive_disabled", "Archive store is not configured")
		return
	}

	state := r.URL.Query().Get("state")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sessions, err := s.archive.List(ctx, state, limit)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "archive_query_failed", err.Error())
		return
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// getArchivedSessionHandler 查询单个归档会话
func (s *APIServer) getArchivedSessionHandler(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "archive_disabled", "Archive store is not configured")
		return
	}

	vars := mux.Vars(r)
	sessionID := vars["session_id"]

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	session, err := s.archive.Get(ctx, sessionID)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "archive_not_found", err.Error())
		return
	}

	s.writeSuccessResponse(w, session)
}

// getRecordsHandler 列出已完成的呼叫录制
func (s *APIServer) getRecordsHandler(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "recorder_disabled", "Call recorder is not configured")
		return
	}

	records := s.recorder.CompletedRecords()

	type recordSummary struct {
		SessionID  string    `json:"session_id"`
		CallID     string    `json:"call_id"`
		FinalState string    `json:"final_state"`
		StartTime  time.Time `json:"start_time"`
		EndTime    time.Time `json:"end_time"`
		EventCount int       `json:"event_count"`
	}

	summaries := make([]recordSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, recordSummary{
			SessionID:  rec.SessionID,
			CallID:     rec.CallID,
			FinalState: rec.FinalState,
			StartTime:  rec.StartTime,
			EndTime:    rec.EndTime,
			EventCount: len(rec.Events),
		})
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"records": summaries,
		"count":   len(summaries),
	})
}

// getRecordHandler 查询单个呼叫录制的完整事件流
func (s *APIServer) getRecordHandler(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "recorder_disabled", "Call recorder is not configured")
		return
	}

	vars := mux.Vars(r)
	sessionID := vars["session_id"]

	rec, ok := s.recorder.GetRecord(sessionID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "record_not_found", "No record for session")
		return
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"record": rec,
		"stats":  rec.Stats(),
	})
}

// getTimelineHandler 查询呼叫录制的时间线分析
func (s *APIServer) getTimelineHandler(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "recorder_disabled", "Call recorder is not configured")
		return
	}

	vars := mux.Vars(r)
	sessionID := vars["session_id"]

	rec, ok := s.recorder.GetRecord(sessionID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "record_not_found", "No record for session")
		return
	}

	report := audit.NewTimelineAnalyzer(rec).Analyze()
	s.writeSuccessResponse(w, report)
}

// healthCheckHandler 健康检查
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// statsHandler 服务统计
func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6 // ms
	}
	requestCount := s.requestCount
	errorCount := s.errorCount
	s.mu.RUnlock()

	stats := map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       requestCount,
		"error_count":          errorCount,
		"avg_response_time_ms": avgResponseTime,
		"active_sessions":      s.manager.ActiveSessions(),
		"bus":                  s.bus.Stats(),
	}

	s.writeSuccessResponse(w, stats)
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器
func (s *APIServer) Start() error {
	log.Printf("Starting observer API server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop 停止服务器
func (s *APIServer) Stop(ctx context.Context) error {
	log.Printf("Stopping observer API server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
	}
}
