package secrets

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// NormalizeAnswer 归一化答案文本：小写并压缩空白
// 归一化之后是严格的哈希相等比较，不做模糊匹配（模糊匹配会削弱验证保证）
func NormalizeAnswer(answer string) string {
	return strings.Join(strings.Fields(strings.ToLower(answer)), " ")
}

// NormalizeIdentity 归一化身份名称
func NormalizeIdentity(identity string) string {
	return strings.Join(strings.Fields(strings.ToLower(identity)), " ")
}

// HashAnswer 计算归一化答案的SHA-256十六进制哈希
func HashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(NormalizeAnswer(answer)))
	return hex.EncodeToString(sum[:])
}

// VerifyAnswer 校验提交的答案是否与质询的预期答案哈希一致
func VerifyAnswer(challenge *Challenge, submitted string) bool {
	if challenge == nil || challenge.ExpectedAnswerHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare(
		[]byte(HashAnswer(submitted)),
		[]byte(challenge.ExpectedAnswerHash)) == 1
}
