package aiclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"CallScreenGuard/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DirectiveHandler 会话指令处理器（电话承载方接收）
type DirectiveHandler func(d protocol.Directive)

// EventHandler 会话事件处理器（观察方接收）
type EventHandler func(ev protocol.SessionEvent)

// ErrorHandler 服务端错误响应处理器
type ErrorHandler func(code, message string)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// RTTHandler RTT变化处理器
type RTTHandler func(rtt time.Duration)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	CollaboratorID    string
	Role              protocol.CollaboratorRole
	ClientVersion     string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	EnableCompression bool
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string, role protocol.CollaboratorRole) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		CollaboratorID:    fmt.Sprintf("%s-client", role),
		Role:              role,
		ClientVersion:     "1.0.0",
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PingTimeout:       5 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		EnableCompression: true,
		UserAgent:         "CallScreenGuard/1.0",
	}
}

// Client 协作方WebSocket客户端，支持自动重连、心跳、事件去重
// 电话承载方用它上报信令并接收指令，对话AI用它上报转写与裁决，
// 观察方用它订阅会话事件流
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 消息处理
	onDirective   DirectiveHandler
	onEvent       EventHandler
	onError       ErrorHandler
	onStateChange StateChangeHandler
	onRTT         RTTHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}

	// 事件序列号管理（按会话去重，事件流至少一次投递可能产生重复）
	seqMu    sync.Mutex
	lastSeqs map[string]uint64 // session_id -> last seq

	// 心跳和RTT统计
	lastPingSeq  atomic.Int32
	lastPingTime atomic.Int64 // unix nano
	avgRTT       atomic.Int64 // nano seconds

	// 重连控制
	reconnectCount atomic.Int32
	reconnects     atomic.Int32
}

// New 创建协作方客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
		lastSeqs:      make(map[string]uint64),
	}

	client.setState(StateDisconnected)
	return client
}

// SetDirectiveHandler 设置指令处理器
func (c *Client) SetDirectiveHandler(handler DirectiveHandler) {
	c.onDirective = handler
}

// SetEventHandler 设置事件处理器
func (c *Client) SetEventHandler(handler EventHandler) {
	c.onEvent = handler
}

// SetErrorHandler 设置错误响应处理器
func (c *Client) SetErrorHandler(handler ErrorHandler) {
	c.onError = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// SetRTTHandler 设置RTT变化处理器
func (c *Client) SetRTTHandler(handler RTTHandler) {
	c.onRTT = handler
}

// Connect 连接到网关
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	// 启动后台任务
	go c.heartbeatLoop()
	go c.readLoop()
	go c.reconnectLoop()

	return nil
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// 执行接入握手
	return c.doHello(ctx)
}

// doHello 执行接入握手
func (c *Client) doHello(ctx context.Context) error {
	hello := &protocol.HelloReq{
		CollaboratorID: c.config.CollaboratorID,
		Role:           c.config.Role,
		Version:        c.config.ClientVersion,
	}

	if err := c.sendMessage(protocol.OpHelloReq, hello); err != nil {
		return fmt.Errorf("send hello request failed: %w", err)
	}

	// 等待握手响应
	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	opcode, body, err := c.readFrame(timeoutCtx)
	if err != nil {
		return fmt.Errorf("read hello response failed: %w", err)
	}

	if opcode != protocol.OpHelloResp {
		return fmt.Errorf("unexpected opcode for hello response: %d", opcode)
	}

	var resp protocol.HelloResp
	if err := protocol.UnmarshalBody(body, &resp); err != nil {
		return err
	}

	if !resp.Ok {
		return fmt.Errorf("hello rejected: %s", resp.Message)
	}

	log.Printf("[aiclient] Hello successful: connection_id=%s role=%s",
		resp.ConnectionID, c.config.Role)

	return nil
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	close(c.stopChan)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}

	return nil
}

// SendSignal 上报呼叫信令
func (c *Client) SendSignal(sig protocol.Signal) error {
	if c.getState() != StateConnected {
		return errors.New("client is not connected")
	}

	if err := sig.Validate(); err != nil {
		return err
	}

	return c.sendMessage(protocol.OpSignal, &sig)
}

// sendMessage 发送JSON消息帧
func (c *Client) sendMessage(opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return fmt.Errorf("encode message failed: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// readFrame 读取单个帧
func (c *Client) readFrame(ctx context.Context) (uint16, []byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return 0, nil, errors.New("connection is nil")
	}

	// 设置读取超时
	deadline, ok := ctx.Deadline()
	if ok {
		conn.SetReadDeadline(deadline)
	}

	messageType, rawData, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}

	if messageType != websocket.BinaryMessage {
		return 0, nil, errors.New("received non-binary message")
	}

	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		return 0, nil, fmt.Errorf("decode frame failed: %w", err)
	}

	return opcode, body, nil
}

// heartbeatLoop 心跳循环
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() == StateConnected {
				c.sendHeartbeat()
			}
		}
	}
}

// sendHeartbeat 发送心跳
func (c *Client) sendHeartbeat() {
	seq := c.lastPingSeq.Add(1)
	now := time.Now()
	c.lastPingTime.Store(now.UnixNano())

	heartbeat := &protocol.Heartbeat{
		ClientUnixMs: now.UnixMilli(),
		PingSeq:      seq,
	}

	if err := c.sendMessage(protocol.OpHeartbeat, heartbeat); err != nil {
		log.Printf("[aiclient] Send heartbeat failed: %v", err)
		c.triggerReconnect()
	}
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
			if c.getState() != StateConnected {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			opcode, body, err := c.readFrame(context.Background())
			if err != nil {
				if c.getState() != StateConnected {
					continue
				}
				log.Printf("[aiclient] Read message failed: %v", err)
				c.triggerReconnect()
				continue
			}

			c.handleMessage(opcode, body)
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(opcode uint16, body []byte) {
	switch opcode {
	case protocol.OpHeartbeatResp:
		var resp protocol.HeartbeatResp
		if err := protocol.UnmarshalBody(body, &resp); err != nil {
			log.Printf("[aiclient] Unmarshal heartbeat response failed: %v", err)
			return
		}
		c.handleHeartbeatResp(&resp)
	case protocol.OpDirective:
		var d protocol.Directive
		if err := protocol.UnmarshalBody(body, &d); err != nil {
			log.Printf("[aiclient] Unmarshal directive failed: %v", err)
			return
		}
		if c.onDirective != nil {
			c.onDirective(d)
		}
	case protocol.OpSessionEvent:
		var ev protocol.SessionEvent
		if err := protocol.UnmarshalBody(body, &ev); err != nil {
			log.Printf("[aiclient] Unmarshal session event failed: %v", err)
			return
		}
		c.handleSessionEvent(ev)
	case protocol.OpError:
		var resp protocol.ErrorResp
		if err := protocol.UnmarshalBody(body, &resp); err != nil {
			log.Printf("[aiclient] Unmarshal error response failed: %v", err)
			return
		}
		if c.onError != nil {
			c.onError(resp.Code, resp.Message)
		} else {
			log.Printf("[aiclient] Server error: %s - %s", resp.Code, resp.Message)
		}
	default:
		log.Printf("[aiclient] Unknown opcode: %d", opcode)
	}
}

// handleHeartbeatResp 处理心跳响应
func (c *Client) handleHeartbeatResp(resp *protocol.HeartbeatResp) {
	pingTime := time.Unix(0, c.lastPingTime.Load())
	if pingTime.IsZero() {
		return // 没有发送过心跳
	}

	rtt := time.Since(pingTime)
	if rtt <= 0 {
		return // 无效的RTT
	}

	// 更新平均RTT（简单移动平均）
	oldAvg := time.Duration(c.avgRTT.Load())
	newAvg := (oldAvg + rtt) / 2
	c.avgRTT.Store(int64(newAvg))

	if c.onRTT != nil {
		c.onRTT(rtt)
	}
}

// handleSessionEvent 处理会话事件推送（带去重）
func (c *Client) handleSessionEvent(ev protocol.SessionEvent) {
	// 会话内序列号去重：要求单调递增
	c.seqMu.Lock()
	lastSeq := c.lastSeqs[ev.SessionID]
	if ev.Seq <= lastSeq {
		c.seqMu.Unlock()
		log.Printf("[aiclient] Duplicate or out-of-order event, session=%s seq=%d lastSeq=%d",
			ev.SessionID, ev.Seq, lastSeq)
		return
	}
	if ev.Seq > lastSeq+1 {
		// 序列号跳跃说明事件被丢弃，消费方应回读会话快照补齐
		log.Printf("[aiclient] Event gap detected, session=%s seq=%d lastSeq=%d",
			ev.SessionID, ev.Seq, lastSeq)
	}
	c.lastSeqs[ev.SessionID] = ev.Seq
	c.seqMu.Unlock()

	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.getState() == StateConnected {
		c.setState(StateReconnecting)
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 执行重连
func (c *Client) doReconnect() {
	count := c.reconnectCount.Add(1)
	if count > int32(c.config.MaxReconnectTries) {
		log.Printf("[aiclient] Max reconnect tries exceeded, giving up")
		c.setState(StateDisconnected)
		return
	}

	log.Printf("[aiclient] Reconnecting... (attempt %d/%d)", count, c.config.MaxReconnectTries)

	// 关闭旧连接
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = time.Duration(c.config.MaxReconnectTries) * c.config.ReconnectInterval

	ctx := context.Background()
	err := backoff.Retry(func() error {
		return c.doConnect(ctx)
	}, backOff)

	if err != nil {
		log.Printf("[aiclient] Reconnect failed: %v", err)
		c.setState(StateDisconnected)
	} else {
		log.Printf("[aiclient] Reconnected successfully")
		c.setState(StateConnected)
		c.reconnectCount.Store(0)
		c.reconnects.Add(1)
	}
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// State 获取当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 获取重连成功次数（线程安全）
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	c.seqMu.Lock()
	tracked := len(c.lastSeqs)
	c.seqMu.Unlock()

	return map[string]interface{}{
		"state":            c.getState().String(),
		"tracked_sessions": tracked,
		"reconnect_count":  c.reconnectCount.Load(),
		"reconnects":       c.reconnects.Load(),
		"avg_rtt_ms":       time.Duration(c.avgRTT.Load()).Milliseconds(),
	}
}
