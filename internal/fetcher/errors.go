package fetcher

import (
	"fmt"
)

// TransportError 表示某个分段请求失败（网络错误或非成功状态码），
// 已持久化的进度会被保留，调用方可以重试并从断点继续。
type TransportError struct {
	URL    string
	Offset int64
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s at offset %d: status %d: %v", e.URL, e.Offset, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetch %s at offset %d: unexpected status %d", e.URL, e.Offset, e.Status)
	default:
		return fmt.Sprintf("fetch %s at offset %d: %v", e.URL, e.Offset, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable 恒为 true：传输错误总可以从已保存的偏移继续。
func (e *TransportError) Retryable() bool {
	return true
}
