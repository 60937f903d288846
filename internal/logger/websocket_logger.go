package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	CallID    string    `json:"call_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger WebSocket日志广播器
// 把服务日志实时推给运维前端，按呼叫标记便于追踪单通电话
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 启动WebSocket日志器
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			wsl.mu.Unlock()
			log.Printf("Log stream client connected, total: %d", wsl.clientCount())

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			wsl.mu.Unlock()
			log.Printf("Log stream client disconnected, total: %d", wsl.clientCount())

		case message := <-wsl.broadcast:
			wsl.dispatch(message)
		}
	}
}

// dispatch 把日志消息发给所有客户端，失败的连接直接剔除
func (wsl *WebSocketLogger) dispatch(message LogMessage) {
	var failed []*websocket.Conn

	wsl.mu.RLock()
	for client := range wsl.clients {
		client.SetWriteDeadline(time.Now().Add(time.Second))
		if err := client.WriteJSON(message); err != nil {
			failed = append(failed, client)
		}
	}
	wsl.mu.RUnlock()

	if len(failed) > 0 {
		wsl.mu.Lock()
		for _, client := range failed {
			delete(wsl.clients, client)
			client.Close()
		}
		wsl.mu.Unlock()
	}
}

func (wsl *WebSocketLogger) clientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

// emit 输出到控制台并广播
func (wsl *WebSocketLogger) emit(level, module, message, callID string) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		CallID:    callID,
		Timestamp: time.Now(),
	}

	if callID != "" {
		log.Printf("[%s] [call:%s] %s: %s", level, callID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case wsl.broadcast <- logMsg:
	default:
		// 通道满了就丢弃，避免阻塞业务路径
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message, callID string) {
	wsl.emit("INFO", module, message, callID)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message, callID string) {
	wsl.emit("ERROR", module, message, callID)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message, callID string) {
	wsl.emit("WARNING", module, message, callID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket 处理WebSocket连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Log stream upgrade failed: %v", err)
		return
	}

	// 注册客户端
	wsl.register <- conn

	welcomeMsg := LogMessage{
		Level:     "INFO",
		Message:   "Connected to call screening log stream",
		Module:    "logger",
		Timestamp: time.Now(),
	}
	conn.WriteJSON(welcomeMsg)

	// 处理客户端断开
	defer func() {
		wsl.unregister <- conn
	}()

	// 保持连接活跃
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Log stream connection error: %v", err)
			}
			break
		}
	}
}

// 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

// 便捷函数
func LogInfo(module, message, callID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogInfo(module, message, callID)
	}
}

func LogError(module, message, callID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogError(module, message, callID)
	}
}

func LogWarning(module, message, callID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogWarning(module, message, callID)
	}
}
