package logger

import "log"

// InitLogger 初始化甄别服务日志器
// 毫秒级时间戳：指令下发与信令到达的先后关系靠它对账
func InitLogger() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Printf("[guard] Logger initialized")
}
