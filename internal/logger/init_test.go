package logger

import (
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestInitLogger 测试日志器初始化后的输出格式
func TestInitLogger(t *testing.T) {
	InitLogger()

	flags := log.Flags()
	assert.NotZero(t, flags&log.Lmicroseconds, "timestamps must carry microseconds")
	assert.NotZero(t, flags&log.Lshortfile, "log lines must carry the call site")
}
