package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"CallScreenGuard/internal/config"
	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/gateway"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/screening"
	"CallScreenGuard/internal/secrets"
)

// GuardHarness 测试用的完整甄别服务：网关 + 会话管理器 + 事件总线
type GuardHarness struct {
	*gateway.Server
	Manager  *screening.SessionManager
	Bus      *eventbus.Bus
	Resolver *secrets.StaticResolver

	port int
	addr string
	t    *testing.T
}

// NewGuardHarness 创建测试服务（自动分配端口，注册标准密语表）
func NewGuardHarness(t *testing.T) *GuardHarness {
	return NewGuardHarnessWithConfig(t, screening.DefaultConfig())
}

// NewGuardHarnessWithConfig 使用自定义甄别配置创建测试服务
func NewGuardHarnessWithConfig(t *testing.T, cfg *screening.Config) *GuardHarness {
	port, err := config.GetPortManager().AllocatePort()
	require.NoError(t, err, "Failed to allocate server port")

	addr := fmt.Sprintf("127.0.0.1:%d", port)

	bus := eventbus.New()
	resolver := secrets.NewStaticResolver()
	SeedSecrets(resolver)

	var srv *gateway.Server
	manager := screening.NewManager(cfg, bus, resolver,
		screening.WithDirectiveSink(func(d protocol.Directive) {
			if srv != nil {
				srv.DispatchDirective(d)
			}
		}))

	serverConfig := gateway.DefaultServerConfig(addr)
	srv = gateway.New(serverConfig, manager, bus)

	return &GuardHarness{
		Server:   srv,
		Manager:  manager,
		Bus:      bus,
		Resolver: resolver,
		port:     port,
		addr:     addr,
		t:        t,
	}
}

// SeedSecrets 注册测试密语表
func SeedSecrets(resolver *secrets.StaticResolver) {
	resolver.Register("mom", "Where did we go on holiday when you were ten?", "Muizenberg beach")
	resolver.Register("dad", "What was the name of your first dog?", "Maximillian")
	resolver.Register("david", "What colour jelly beans does David like?", "Purple")
}

// Start 启动测试服务
func (h *GuardHarness) Start() {
	err := h.Server.Start()
	require.NoError(h.t, err, "Failed to start guard harness")
	h.t.Logf("✅ Guard harness started on %s", h.addr)
}

// Stop 停止测试服务并释放端口
func (h *GuardHarness) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h.Server.Shutdown(ctx)
	h.Manager.Shutdown(ctx)
	config.GetPortManager().ReleasePort(h.port)
	h.t.Logf("🛑 Guard harness stopped")
}

// GetAddress 获取服务地址
func (h *GuardHarness) GetAddress() string {
	return h.addr
}

// GetWebSocketURL 获取网关WebSocket URL
func (h *GuardHarness) GetWebSocketURL() string {
	return fmt.Sprintf("ws://%s/ws", h.addr)
}

// GetHTTPURL 获取HTTP URL
func (h *GuardHarness) GetHTTPURL() string {
	return fmt.Sprintf("http://%s", h.addr)
}
