package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CallScreenGuard/internal/aiclient"
	"CallScreenGuard/internal/archive"
	"CallScreenGuard/internal/audit"
	"CallScreenGuard/internal/config"
	"CallScreenGuard/internal/eventbus"
	"CallScreenGuard/internal/gateway"
	"CallScreenGuard/internal/httpserver"
	"CallScreenGuard/internal/logger"
	"CallScreenGuard/internal/protocol"
	"CallScreenGuard/internal/screening"
	"CallScreenGuard/internal/secrets"
)

func main() {
	var (
		mode   = flag.String("mode", "demo", "运行模式: demo, server, simulate")
		url    = flag.String("url", "ws://localhost:8080/ws", "网关WebSocket URL（simulate模式）")
		callID = flag.String("call", "CA-demo-001", "模拟呼叫ID（simulate模式）")
	)
	flag.Parse()

	switch *mode {
	case "demo":
		runDemo()
	case "server":
		runServer()
	case "simulate":
		runSimulation(*url, *callID)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runDemo 运行演示模式
func runDemo() {
	fmt.Println("🚀 CallScreenGuard - 深度伪造诈骗来电甄别服务")
	fmt.Println("=================================================")
	fmt.Println()

	fmt.Println("📋 项目特性:")
	fmt.Println("  ✅ 来电甄别状态机（威胁识别 → 身份质询 → 放行/阻断）")
	fmt.Println("  ✅ 协作方WebSocket网关 + 自动重连")
	fmt.Println("  ✅ 会话事件流 + 序列号去重")
	fmt.Println("  ✅ 密语质询（答案哈希，永不外泄）")
	fmt.Println("  ✅ 会话归档（PostgreSQL）+ 录制审计回放")
	fmt.Println("  ✅ 观察方HTTP API + 实时日志流")
	fmt.Println()

	fmt.Println("🔧 快速开始:")
	fmt.Println("  # 启动甄别服务")
	fmt.Println("  go run main.go -mode=server")
	fmt.Println()
	fmt.Println("  # 另开终端，模拟一通诈骗来电")
	fmt.Println("  go run main.go -mode=simulate -call=CA-demo-001")
	fmt.Println()
	fmt.Println("  # 查看活跃会话")
	fmt.Println("  curl http://localhost:8081/api/v1/sessions")
}

// runServer 运行甄别服务
func runServer() {
	logger.InitLogger()
	logger.InitGlobalLogger()

	// 密语解析器：从配置装载密语表，配置热重载时在线换表
	resolver := secrets.NewStaticResolver()
	seedSecrets := func(entries []config.SecretEntry) {
		for _, entry := range entries {
			resolver.Register(entry.Identity, entry.Question, entry.Answer)
		}
	}

	configManager := config.NewConfigManager(
		config.WithReloadHandler(func(newCfg *config.GuardConfig) {
			seedSecrets(newCfg.Secrets)
			log.Printf("[main] Config reloaded: %d secret entries active", resolver.Size())
		}),
	)
	cfg, err := configManager.Load()
	if err != nil {
		log.Printf("[main] Warning: config load failed, using defaults: %v", err)
		cfg = config.GetGuardConfig()
	}
	fmt.Printf("🖥️  启动呼叫甄别服务 (project=%s hot_reload=%v)\n",
		cfg.Meta.Project, cfg.Meta.WatchConfig)

	seedSecrets(cfg.Secrets)
	if resolver.Size() == 0 {
		log.Printf("[main] Warning: secret table is empty, all challenges will fail closed")
	}

	// 事件总线与录制器
	bus := eventbus.New()
	recorder := audit.NewRecorder(bus, 256)
	recorder.Start()

	// 可选的归档库
	var archiveStore *archive.Store
	managerOpts := []screening.ManagerOption{}
	if cfg.Archive.Enable {
		archiveConfig := &archive.Config{
			Host:     cfg.Archive.Host,
			Port:     cfg.Archive.Port,
			User:     cfg.Archive.User,
			Password: cfg.Archive.Password,
			DBName:   cfg.Archive.DBName,
			SSLMode:  cfg.Archive.SSLMode,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := archive.Connect(ctx, archiveConfig)
		cancel()
		if err != nil {
			log.Fatalf("归档库连接失败: %v", err)
		}
		archiveStore = store
		defer archiveStore.Close()
		managerOpts = append(managerOpts, screening.WithArchiver(archiveStore))
	}

	// 会话管理器：指令出口接到网关
	screeningCfg := &screening.Config{
		ThreatThreshold:      cfg.Screening.ThreatThreshold,
		MaxChallengeAttempts: cfg.Screening.MaxChallengeAttempts,
		ForwardNumber:        cfg.Screening.ForwardNumber,
		RetryPrompt:          cfg.Screening.RetryPrompt,
		StateTimeout:         cfg.Screening.StateTimeout,
		ResolveTimeout:       cfg.Screening.ResolveTimeout,
		QueueSize:            cfg.Screening.SignalQueueSize,
	}

	var gw *gateway.Server
	managerOpts = append(managerOpts, screening.WithDirectiveSink(func(d protocol.Directive) {
		if gw != nil {
			gw.DispatchDirective(d)
		}
	}))
	manager := screening.NewManager(screeningCfg, bus, resolver, managerOpts...)

	// 协作方网关
	gatewayConfig := gateway.DefaultServerConfig(cfg.Gateway.Addr)
	gatewayConfig.MaxConnections = cfg.Gateway.MaxConnections
	gatewayConfig.HandshakeTimeout = cfg.Gateway.HandshakeTimeout
	gatewayConfig.ReadBufferSize = cfg.Gateway.ReadBufferSize
	gatewayConfig.WriteBufferSize = cfg.Gateway.WriteBufferSize
	gatewayConfig.EnableCompression = cfg.Gateway.EnableCompression
	gw = gateway.New(gatewayConfig, manager, bus)

	if err := gw.Start(); err != nil {
		log.Fatalf("启动网关失败: %v", err)
	}

	// 观察方API
	apiOpts := []httpserver.ServerOption{httpserver.WithRecorder(recorder)}
	if archiveStore != nil {
		apiOpts = append(apiOpts, httpserver.WithArchive(archiveStore))
	}
	apiServer := httpserver.NewAPIServer(cfg.HTTP.Addr, manager, bus, apiOpts...)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("观察方API退出: %v", err)
		}
	}()

	fmt.Printf("✅ 服务已启动\n")
	fmt.Printf("📞 协作方网关: ws://%s/ws\n", trimColon(cfg.Gateway.Addr))
	fmt.Printf("📊 观察方API: http://%s/api/v1\n", trimColon(cfg.HTTP.Addr))

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	fmt.Println("\n🔄 正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Shutdown(ctx); err != nil {
		log.Printf("网关关闭错误: %v", err)
	}
	if err := manager.Shutdown(ctx); err != nil {
		log.Printf("会话管理器关闭错误: %v", err)
	}
	apiServer.Stop(ctx)
	recorder.Stop()

	fmt.Println("✅ 服务已关闭")
}

// trimColon 把":8080"转成"localhost:8080"便于展示
func trimColon(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// runSimulation 模拟一通典型的深度伪造诈骗来电
// 一个客户端扮演电话承载方，另一个扮演对话AI评估方
func runSimulation(url, callID string) {
	fmt.Printf("🔥 模拟诈骗来电: call=%s gateway=%s\n", callID, url)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// 电话承载方：上报呼叫信令，接收指令
	telephony := aiclient.New(aiclient.DefaultClientConfig(url, protocol.RoleTelephony))
	telephony.SetDirectiveHandler(func(d protocol.Directive) {
		switch d.Kind {
		case protocol.DirectiveSpeak:
			fmt.Printf("🔊 指令 SPEAK: %q\n", d.Text)
		case protocol.DirectiveForward:
			fmt.Printf("📲 指令 FORWARD -> %s\n", d.DestinationNumber)
		case protocol.DirectiveTerminate:
			fmt.Printf("⛔ 指令 TERMINATE\n")
		}
	})
	if err := telephony.Connect(ctx); err != nil {
		log.Fatalf("电话承载方连接失败: %v", err)
	}
	defer telephony.Close()

	// 对话AI评估方：上报转写与裁决
	evaluator := aiclient.New(aiclient.DefaultClientConfig(url, protocol.RoleEvaluator))
	if err := evaluator.Connect(ctx); err != nil {
		log.Fatalf("评估方连接失败: %v", err)
	}
	defer evaluator.Close()

	send := func(c *aiclient.Client, sig protocol.Signal, note string) {
		sig.CallID = callID
		if err := c.SendSignal(sig); err != nil {
			log.Fatalf("发送信令失败 (%s): %v", note, err)
		}
		fmt.Printf("📤 %s\n", note)
		time.Sleep(300 * time.Millisecond)
	}

	// 来电振铃，甄别会话建立
	send(telephony, protocol.Signal{Kind: protocol.SignalCallRinging}, "CALL_RINGING")

	// 对话AI接入，开始转写
	send(evaluator, protocol.Signal{Kind: protocol.SignalAIConnected}, "AI_CONNECTED")
	send(evaluator, protocol.Signal{
		Kind: protocol.SignalTranscriptFragment, Seq: 1,
		Text: "Hello sweetie... it's your mother. Something terrible has happened.",
	}, "TRANSCRIPT #1")
	send(evaluator, protocol.Signal{
		Kind: protocol.SignalTranscriptFragment, Seq: 2,
		Text: "I'm stuck overseas and I need you to wire me money right now, please don't tell anyone.",
	}, "TRANSCRIPT #2")

	// 威胁裁决：声纹合成痕迹 + 紧迫转账话术
	send(evaluator, protocol.Signal{
		Kind:            protocol.SignalThreatVerdict,
		Confidence:      92,
		Reason:          "synthetic voice artifacts with urgent wire-transfer script",
		ClaimedIdentity: "mom",
	}, "THREAT_VERDICT confidence=92 claimed=mom")

	// 发起密语质询
	send(evaluator, protocol.Signal{
		Kind:            protocol.SignalBeginChallenge,
		ClaimedIdentity: "mom",
	}, "BEGIN_CHALLENGE")

	// 对方答不上密语
	send(evaluator, protocol.Signal{
		Kind: protocol.SignalAnswerSubmitted,
		Text: "Oh honey, you know my memory... it was Paris, wasn't it?",
	}, "ANSWER #1 (wrong)")
	send(evaluator, protocol.Signal{
		Kind: protocol.SignalAnswerSubmitted,
		Text: "Please, there's no time for games, just send the money!",
	}, "ANSWER #2 (wrong)")
	send(evaluator, protocol.Signal{
		Kind: protocol.SignalAnswerSubmitted,
		Text: "I... I don't remember.",
	}, "ANSWER #3 (wrong)")

	// 等待最终指令送达
	time.Sleep(2 * time.Second)
	fmt.Println()
	fmt.Println("✅ 模拟完成：质询三次失败，呼叫应被阻断")
}
