package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 带热重载的配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *GuardConfig
	viper        *viper.Viper
	watchEnabled bool
	onReload     func(*GuardConfig)
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// WithReloadHandler 设置配置重载回调
func WithReloadHandler(handler func(*GuardConfig)) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.onReload = handler
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置
func (cm *ConfigManager) Load() (*GuardConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	config, viperInstance, err := loadConfigFromFile()
	if err != nil {
		return nil, fmt.Errorf("load guard config failed: %w", err)
	}

	cm.config = config
	cm.viper = viperInstance

	// 显式选项或配置文件里的meta.watch_config都能开启热重载
	if cm.watchEnabled || config.Meta.WatchConfig {
		cm.watch()
	}

	return config, nil
}

// Get 获取配置（未加载则自动加载）
func (cm *ConfigManager) Get() (*GuardConfig, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// Reload 重新加载配置
func (cm *ConfigManager) Reload() error {
	config, viperInstance, err := loadConfigFromFile()
	if err != nil {
		return fmt.Errorf("reload guard config failed: %w", err)
	}

	cm.mu.Lock()
	cm.config = config
	cm.viper = viperInstance
	handler := cm.onReload
	cm.mu.Unlock()

	if handler != nil {
		handler(config)
	}
	return nil
}

// watch 监控配置文件变化（调用时必须持有写锁）
func (cm *ConfigManager) watch() {
	if cm.viper == nil {
		return
	}

	cm.viper.WatchConfig()
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[config] Config file changed: %s", e.Name)
		if err := cm.Reload(); err != nil {
			log.Printf("[config] Reload failed: %v", err)
		}
	})
}
