package config

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// GuardConfig 呼叫甄别服务统一配置
type GuardConfig struct {
	Meta      MetaConfig      `yaml:"meta" mapstructure:"meta"`
	Screening ScreeningConfig `yaml:"screening" mapstructure:"screening"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Evaluator EvaluatorConfig `yaml:"evaluator" mapstructure:"evaluator"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
	Secrets   []SecretEntry   `yaml:"secrets" mapstructure:"secrets"`
	Testing   TestingConfig   `yaml:"testing" mapstructure:"testing"`
}

type MetaConfig struct {
	Project       string `yaml:"project" mapstructure:"project"`
	ConfigVersion string `yaml:"config_version" mapstructure:"config_version"`
	// WatchConfig 开启配置文件热重载（密语表等可在线更新的部分生效）
	WatchConfig bool `yaml:"watch_config" mapstructure:"watch_config"`
}

// ScreeningConfig 甄别核心配置（状态机与会话管理）
type ScreeningConfig struct {
	ThreatThreshold      int           `yaml:"threat_threshold" mapstructure:"threat_threshold"`
	MaxChallengeAttempts int           `yaml:"max_challenge_attempts" mapstructure:"max_challenge_attempts"`
	ForwardNumber        string        `yaml:"forward_number" mapstructure:"forward_number"`
	RetryPrompt          string        `yaml:"retry_prompt" mapstructure:"retry_prompt"`
	StateTimeout         time.Duration `yaml:"state_timeout" mapstructure:"state_timeout"`
	ResolveTimeout       time.Duration `yaml:"resolve_timeout" mapstructure:"resolve_timeout"`
	SignalQueueSize      int           `yaml:"signal_queue_size" mapstructure:"signal_queue_size"`
}

// GatewayConfig 电话协作方接入网关配置
type GatewayConfig struct {
	Addr              string        `yaml:"addr" mapstructure:"addr"`
	Path              string        `yaml:"path" mapstructure:"path"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	ReadBufferSize    int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	MaxConnections    int           `yaml:"max_connections" mapstructure:"max_connections"`
	EnableCompression bool          `yaml:"enable_compression" mapstructure:"enable_compression"`
}

// EvaluatorConfig 威胁评估方（对话AI）连接配置
type EvaluatorConfig struct {
	URL               string        `yaml:"url" mapstructure:"url"`
	Token             string        `yaml:"token" mapstructure:"token"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`
}

// ReconnectConfig 重连退避配置
type ReconnectConfig struct {
	Enable          bool          `yaml:"enable" mapstructure:"enable"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time" mapstructure:"max_elapsed_time"`
}

// HTTPConfig 观察方HTTP API配置
type HTTPConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// ArchiveConfig 会话归档（PostgreSQL）配置
type ArchiveConfig struct {
	Enable   bool   `yaml:"enable" mapstructure:"enable"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	DBName   string `yaml:"dbname" mapstructure:"dbname"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// SecretEntry 密语表条目（密语库的采集由外部协作方负责）
type SecretEntry struct {
	Identity string `yaml:"identity" mapstructure:"identity"`
	Question string `yaml:"question" mapstructure:"question"`
	Answer   string `yaml:"answer" mapstructure:"answer"`
}

// TestingConfig 测试辅助配置
type TestingConfig struct {
	PortRange PortRangeConfig `yaml:"port_range" mapstructure:"port_range"`
}

type PortRangeConfig struct {
	Start int `yaml:"start" mapstructure:"start"`
	End   int `yaml:"end" mapstructure:"end"`
}

var (
	globalConfig  *GuardConfig
	configOnce    sync.Once
	portManager   *PortManager
	viperInstance *viper.Viper
)

// LoadGuardConfig 加载配置（进程内只加载一次）
func LoadGuardConfig() (*GuardConfig, error) {
	var err error
	configOnce.Do(func() {
		globalConfig, viperInstance, err = loadConfigFromFile()
		if err == nil && portManager == nil {
			portManager = NewPortManager(
				globalConfig.Testing.PortRange.Start,
				globalConfig.Testing.PortRange.End,
			)
		}
	})
	return globalConfig, err
}

// GetGuardConfig 获取配置（未加载则自动加载，失败时退回默认值）
func GetGuardConfig() *GuardConfig {
	if globalConfig == nil {
		config, err := LoadGuardConfig()
		if err != nil {
			fmt.Printf("Warning: Failed to load config file, using defaults: %v\n", err)
			globalConfig = defaultGuardConfig()
		} else {
			globalConfig = config
		}
	}
	return globalConfig
}

// loadConfigFromFile 使用Viper从文件加载配置
func loadConfigFromFile() (*GuardConfig, *viper.Viper, error) {
	v := viper.New()

	// 配置文件搜索路径
	v.SetConfigName("guard-config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// 设置环境变量前缀
	v.SetEnvPrefix("GUARD")
	v.AutomaticEnv()

	// 设置默认值
	setDefaultValues(v)

	// 读取配置文件（不存在时直接用默认值）
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config GuardConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, v, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	// Meta默认值
	v.SetDefault("meta.project", "CallScreenGuard")
	v.SetDefault("meta.config_version", "1.0.0")
	v.SetDefault("meta.watch_config", false)

	// 甄别核心默认值
	v.SetDefault("screening.threat_threshold", 70)
	v.SetDefault("screening.max_challenge_attempts", 3)
	v.SetDefault("screening.forward_number", "")
	v.SetDefault("screening.retry_prompt", "That is not the answer I have. Please try again.")
	v.SetDefault("screening.state_timeout", "60s")
	v.SetDefault("screening.resolve_timeout", "5s")
	v.SetDefault("screening.signal_queue_size", 128)

	// 网关默认值
	v.SetDefault("gateway.addr", ":8080")
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.handshake_timeout", "15s")
	v.SetDefault("gateway.read_buffer_size", 4096)
	v.SetDefault("gateway.write_buffer_size", 4096)
	v.SetDefault("gateway.max_connections", 1000)
	v.SetDefault("gateway.enable_compression", true)

	// 评估方连接默认值
	v.SetDefault("evaluator.url", "")
	v.SetDefault("evaluator.handshake_timeout", "10s")
	v.SetDefault("evaluator.heartbeat_interval", "30s")
	v.SetDefault("evaluator.reconnect.enable", true)
	v.SetDefault("evaluator.reconnect.initial_interval", "1s")
	v.SetDefault("evaluator.reconnect.max_interval", "30s")
	v.SetDefault("evaluator.reconnect.multiplier", 2.0)
	v.SetDefault("evaluator.reconnect.max_elapsed_time", "5m")

	// HTTP API默认值
	v.SetDefault("http.addr", ":8081")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")

	// 归档默认值
	v.SetDefault("archive.enable", false)
	v.SetDefault("archive.host", "localhost")
	v.SetDefault("archive.port", 5432)
	v.SetDefault("archive.user", "postgres")
	v.SetDefault("archive.password", "")
	v.SetDefault("archive.dbname", "callscreen")
	v.SetDefault("archive.sslmode", "disable")

	// 测试端口范围
	v.SetDefault("testing.port_range.start", 18000)
	v.SetDefault("testing.port_range.end", 18999)
}

// defaultGuardConfig 纯默认配置
func defaultGuardConfig() *GuardConfig {
	v := viper.New()
	setDefaultValues(v)

	var config GuardConfig
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default config unmarshal failed: %v", err))
	}
	return &config
}

// validateConfig 验证配置合法性
func validateConfig(config *GuardConfig) error {
	if config.Screening.ThreatThreshold < 0 || config.Screening.ThreatThreshold > 100 {
		return fmt.Errorf("screening.threat_threshold must be in [0,100], got %d",
			config.Screening.ThreatThreshold)
	}
	if config.Screening.MaxChallengeAttempts < 1 {
		return fmt.Errorf("screening.max_challenge_attempts must be >= 1, got %d",
			config.Screening.MaxChallengeAttempts)
	}
	if config.Screening.SignalQueueSize < 1 {
		return fmt.Errorf("screening.signal_queue_size must be >= 1, got %d",
			config.Screening.SignalQueueSize)
	}
	if config.Testing.PortRange.Start > config.Testing.PortRange.End {
		return fmt.Errorf("testing.port_range invalid: %d-%d",
			config.Testing.PortRange.Start, config.Testing.PortRange.End)
	}
	for i, entry := range config.Secrets {
		if entry.Identity == "" || entry.Question == "" || entry.Answer == "" {
			return fmt.Errorf("secrets[%d] incomplete: identity/question/answer all required", i)
		}
	}
	return nil
}

// PortManager 测试端口管理器
type PortManager struct {
	mu        sync.Mutex
	usedPorts map[int]bool
	start     int
	end       int
}

// NewPortManager 创建端口管理器
func NewPortManager(start, end int) *PortManager {
	return &PortManager{
		usedPorts: make(map[int]bool),
		start:     start,
		end:       end,
	}
}

// AllocatePort 分配可用端口
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.start; port <= pm.end; port++ {
		if !pm.usedPorts[port] && pm.isPortAvailable(port) {
			pm.usedPorts[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", pm.start, pm.end)
}

// ReleasePort 释放端口
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.usedPorts, port)
}

// isPortAvailable 检查端口是否可用
func (pm *PortManager) isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// GetPortManager 获取端口管理器
func GetPortManager() *PortManager {
	if portManager == nil {
		GetGuardConfig() // 确保配置已加载
		if portManager == nil {
			cfg := GetGuardConfig()
			portManager = NewPortManager(cfg.Testing.PortRange.Start, cfg.Testing.PortRange.End)
		}
	}
	return portManager
}
