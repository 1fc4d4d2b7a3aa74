// Package digest 为缓存条目提供统一的内容摘要：新下载完成时打标，
// 命中缓存前复核。两处调用必须使用同一算法，因此集中在这里。
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Algorithm 记录在日志与诊断输出中的算法名。
const Algorithm = "sha256"

// Sum 计算 data 的 SHA-256，并以小写十六进制返回。
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Matches 重新计算摘要并与 expected 比较；expected 为空时视为不匹配。
func Matches(data []byte, expected string) bool {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return false
	}
	return Sum(data) == expected
}
