package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/screening"
)

// ServerConfig 网关服务器配置
type ServerConfig struct {
	Addr              string
	MaxConnections    int           // 最大连接数
	HandshakeTimeout  time.Duration // 握手超时
	ReadTimeout       time.Duration // 读超时（需在超时内有心跳或信令）
	WriteTimeout      time.Duration // 写超时
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		MaxConnections:    1000,
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: true,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
}

// Connection 表示一个协作方WebSocket连接
type Connection struct {
	ID             string
	Conn           *websocket.Conn
	CollaboratorID string
	Role           protocol.CollaboratorRole
	Stats          *ConnectionStats

	// 控制标志
	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// role 读取连接角色（握手完成前为空）
func (c *Connection) role() protocol.CollaboratorRole {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Role
}

// Server 协作方接入网关
// 电话承载方与对话AI通过它上报信令，会话指令与事件流从它推回
type Server struct {
	config   *ServerConfig
	server   *http.Server
	upgrader websocket.Upgrader

	manager *screening.SessionManager
	bus     *eventbus.Bus

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup // 等待所有连接goroutine退出

	// 后台任务管理
	bgWg   sync.WaitGroup // 等待后台goroutine退出
	stopCh chan struct{}  // 停止信号

	// 控制标志
	isRunning atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	totalSignals     atomic.Uint64
	totalDirectives  atomic.Uint64
	startTime        time.Time
}

// New 创建网关服务器
func New(config *ServerConfig, manager *screening.SessionManager, bus *eventbus.Bus) *Server {
	if config == nil {
		config = DefaultServerConfig(":8080")
	}

	server := &Server{
		config:  config,
		manager: manager,
		bus:     bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 协作方走内网，源检查交给部署层
			},
		},
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.handleWebSocket)
	mux.HandleFunc("/stats", server.handleStats)

	server.server = &http.Server{
		Addr:    config.Addr,
		Handler: mux,
	}

	return server
}

// Start 启动网关
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway is already running")
	}

	log.Printf("[gateway] Starting on %s", s.config.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] Server error: %v", err)
		}
	}()

	// 给监听器足够的启动时间
	time.Sleep(200 * time.Millisecond)

	// 启动观察方事件推送
	s.bgWg.Add(1)
	go s.eventPushLoop()

	return nil
}

// StartTLS 启动TLS网关
func (s *Server) StartTLS(cert tls.Certificate) error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway is already running")
	}

	s.server.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	log.Printf("[gateway] Starting TLS on %s", s.config.Addr)

	go func() {
		if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] Server error: %v", err)
		}
	}()

	time.Sleep(200 * time.Millisecond)

	s.bgWg.Add(1)
	go s.eventPushLoop()

	return nil
}

// Shutdown 关闭网关
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("[gateway] Shutting down...")

	// 发送停止信号给后台任务
	close(s.stopCh)

	// 关闭所有连接
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Gateway shutdown")
		return true
	})

	// 等待所有连接处理goroutine退出
	s.connWg.Wait()

	// 等待所有后台goroutine退出
	s.bgWg.Wait()

	return s.server.Shutdown(ctx)
}

// DispatchDirective 把会话指令推送给所有电话承载方连接
// 作为会话管理器的指令出口接入（见 screening.WithDirectiveSink）
func (s *Server) DispatchDirective(d protocol.Directive) {
	s.totalDirectives.Add(1)
	s.broadcastToRole(protocol.RoleTelephony, protocol.OpDirective, &d)
}

// handleWebSocket 处理WebSocket升级
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		Conn:     wsConn,
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connections.Store(connID, conn)
	s.connCount.Add(1)

	log.Printf("[gateway] New connection: %s from %s", connID, r.RemoteAddr)

	s.handleConnection(conn)
}

// handleConnection 处理单个连接的生命周期
func (s *Server) handleConnection(conn *Connection) {
	s.connWg.Add(1)
	defer func() {
		s.closeConnection(conn, "Connection ended")
		s.connWg.Done()
	}()

	// 等待握手
	if !s.handleHello(conn) {
		return
	}

	s.messageReadLoop(conn)
}

// handleHello 处理协作方握手
// 第一帧必须是HelloReq，角色非法则拒绝接入
func (s *Server) handleHello(conn *Connection) bool {
	conn.Conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))

	messageType, rawData, err := conn.Conn.ReadMessage()
	if err != nil {
		log.Printf("[gateway] Read hello message failed: %v", err)
		return false
	}

	if messageType != websocket.BinaryMessage {
		log.Printf("[gateway] Expected binary message for hello")
		return false
	}

	var hello protocol.HelloReq
	opcode, err := protocol.DecodeMessage(rawData, &hello)
	if err != nil {
		log.Printf("[gateway] Decode hello frame failed: %v", err)
		return false
	}

	if opcode != protocol.OpHelloReq {
		log.Printf("[gateway] Expected hello request, got opcode: %d", opcode)
		return false
	}

	if !hello.Role.IsValid() {
		s.sendMessage(conn, protocol.OpHelloResp, &protocol.HelloResp{
			Ok:      false,
			Message: fmt.Sprintf("unknown role: %s", hello.Role),
		})
		return false
	}

	collaboratorID := hello.CollaboratorID
	if collaboratorID == "" {
		collaboratorID = fmt.Sprintf("%s_%d", hello.Role, time.Now().Unix())
	}

	// 握手字段的写入加锁，避免与广播侧的角色读取产生数据竞争
	conn.mu.Lock()
	conn.CollaboratorID = collaboratorID
	conn.Role = hello.Role
	conn.mu.Unlock()

	resp := &protocol.HelloResp{
		Ok:           true,
		ConnectionID: conn.ID,
		ServerTimeMs: time.Now().UnixMilli(),
	}

	if err := s.sendMessage(conn, protocol.OpHelloResp, resp); err != nil {
		log.Printf("[gateway] Send hello response failed: %v", err)
		return false
	}

	log.Printf("[gateway] Hello successful: %s -> %s (%s)", conn.ID, collaboratorID, hello.Role)
	return true
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection) {
	conn.Conn.SetReadLimit(protocol.MaxFrameSize + protocol.FrameHeaderSize)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
			conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

			messageType, rawData, err := conn.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[gateway] Connection read error: %v", err)
				}
				return
			}

			conn.Stats.MessagesReceived.Add(1)
			conn.Stats.BytesReceived.Add(uint64(len(rawData)))
			conn.Stats.LastActivity.Store(time.Now().UnixNano())
			s.totalMessages.Add(1)

			if messageType == websocket.PingMessage {
				conn.Conn.WriteMessage(websocket.PongMessage, rawData)
				continue
			}

			if messageType != websocket.BinaryMessage {
				continue
			}

			if done := s.handleMessage(conn, rawData); done {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息，返回true表示连接应该结束
func (s *Server) handleMessage(conn *Connection, rawData []byte) bool {
	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		log.Printf("[gateway] Decode frame failed: %v", err)
		s.sendError(conn, "BAD_FRAME", err.Error())
		return false
	}

	switch opcode {
	case protocol.OpHeartbeat:
		s.handleHeartbeat(conn, body)
	case protocol.OpSignal:
		s.handleSignal(conn, body)
	case protocol.OpGoodbye:
		log.Printf("[gateway] Goodbye from %s", conn.CollaboratorID)
		return true
	default:
		log.Printf("[gateway] Unknown opcode from %s: %d", conn.CollaboratorID, opcode)
		s.sendError(conn, "BAD_OPCODE", fmt.Sprintf("unknown opcode %d", opcode))
	}
	return false
}

// handleHeartbeat 处理心跳消息
func (s *Server) handleHeartbeat(conn *Connection, body []byte) {
	var heartbeat protocol.Heartbeat
	if err := protocol.UnmarshalBody(body, &heartbeat); err != nil {
		log.Printf("[gateway] Unmarshal heartbeat failed: %v", err)
		return
	}

	now := time.Now()
	clientTime := time.UnixMilli(heartbeat.ClientUnixMs)
	rtt := now.Sub(clientTime)

	resp := &protocol.HeartbeatResp{
		ServerUnixMs: now.UnixMilli(),
		PingSeq:      heartbeat.PingSeq,
		RttMs:        int32(rtt.Milliseconds()),
	}

	s.sendMessage(conn, protocol.OpHeartbeatResp, resp)
}

// handleSignal 处理呼叫信令
// CALL_RINGING触发会话准入，其余信令路由到已存在的会话
func (s *Server) handleSignal(conn *Connection, body []byte) {
	var sig protocol.Signal
	if err := protocol.UnmarshalBody(body, &sig); err != nil {
		log.Printf("[gateway] Unmarshal signal failed: %v", err)
		s.sendError(conn, "BAD_SIGNAL", err.Error())
		return
	}

	if err := sig.Validate(); err != nil {
		log.Printf("[gateway] Invalid signal from %s: %v", conn.CollaboratorID, err)
		s.sendError(conn, "INVALID_SIGNAL", err.Error())
		return
	}

	// 观察方只读，不接受信令
	if conn.role() == protocol.RoleObserver {
		s.sendError(conn, "READ_ONLY", "observer role cannot submit signals")
		return
	}

	s.totalSignals.Add(1)

	if sig.Kind == protocol.SignalCallRinging {
		if _, err := s.manager.Admit(sig.CallID); err != nil {
			log.Printf("[gateway] Admit call %s failed: %v", sig.CallID, err)
			s.sendError(conn, "ADMIT_FAILED", err.Error())
		}
		return
	}

	if err := s.manager.Route(sig.CallID, sig); err != nil {
		if errors.Is(err, screening.ErrUnknownSession) {
			s.sendError(conn, "UNKNOWN_SESSION", fmt.Sprintf("no session for call %s", sig.CallID))
			return
		}
		log.Printf("[gateway] Route signal %s for call %s failed: %v", sig.Kind, sig.CallID, err)
		s.sendError(conn, "ROUTE_FAILED", err.Error())
	}
}

// eventPushLoop 观察方事件推送循环
// 订阅全量事件流并转发给所有观察方连接
func (s *Server) eventPushLoop() {
	defer s.bgWg.Done()

	sub := s.bus.SubscribeAll()
	defer sub.Close()

	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.broadcastToRole(protocol.RoleObserver, protocol.OpSessionEvent, &ev)
		}
	}
}

// sendMessage 发送消息给指定连接
func (s *Server) sendMessage(conn *Connection, opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return fmt.Errorf("encode message failed: %w", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	err = conn.Conn.WriteMessage(websocket.BinaryMessage, frame)
	if err == nil {
		conn.Stats.MessagesSent.Add(1)
		conn.Stats.BytesSent.Add(uint64(len(frame)))
	}

	return err
}

// sendError 发送错误响应
func (s *Server) sendError(conn *Connection, code, message string) {
	s.sendMessage(conn, protocol.OpError, &protocol.ErrorResp{
		Code:    code,
		Message: message,
	})
}

// broadcastToRole 广播消息给指定角色的全部连接
func (s *Server) broadcastToRole(role protocol.CollaboratorRole, opcode uint16, message interface{}) {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		log.Printf("[gateway] Encode broadcast message failed: %v", err)
		return
	}

	// 收集需要关闭的连接，避免在Range过程中修改map
	var failedConns []*Connection

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)

		conn.mu.Lock()
		// 只向握手完成且角色匹配的连接推送
		if conn.Role != role {
			conn.mu.Unlock()
			return true
		}

		conn.Conn.SetWriteDeadline(time.Now().Add(time.Second))
		err := conn.Conn.WriteMessage(websocket.BinaryMessage, frame)
		if err == nil {
			conn.Stats.MessagesSent.Add(1)
			conn.Stats.BytesSent.Add(uint64(len(frame)))
		}
		conn.mu.Unlock()

		if err != nil {
			log.Printf("[gateway] Broadcast to %s failed: %v", conn.ID, err)
			failedConns = append(failedConns, conn)
		}

		return true
	})

	// 在Range完成后关闭失败的连接
	for _, conn := range failedConns {
		s.closeConnection(conn, "Broadcast failed")
	}
}

// closeConnection 关闭连接
func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); loaded {
		s.connCount.Add(-1)
	}

	conn.mu.Lock()
	if conn.Conn != nil {
		conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		conn.Conn.Close()
	}
	conn.mu.Unlock()

	conn.safeClose()

	log.Printf("[gateway] Connection closed: %s, reason: %s", conn.ID, reason)
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.GetStats()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
        "running": %t,
        "uptime_seconds": %.1f,
        "current_connections": %d,
        "total_connections": %d,
        "total_messages": %d,
        "total_signals": %d,
        "total_directives": %d,
        "active_sessions": %d
    }`,
		stats["running"],
		stats["uptime_seconds"],
		stats["current_connections"],
		stats["total_connections"],
		stats["total_messages"],
		stats["total_signals"],
		stats["total_directives"],
		stats["active_sessions"])
}

// GetStats 获取网关统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
		"total_signals":       s.totalSignals.Load(),
		"total_directives":    s.totalDirectives.Load(),
		"active_sessions":     s.manager.ActiveSessions(),
	}
}

// GetConnectionStats 获取各连接的统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)

	s.connections.Range(func(key, value interface{}) bool {
		connID := key.(string)
		conn := value.(*Connection)
		stats[connID] = conn.Stats
		return true
	})

	return stats
}
