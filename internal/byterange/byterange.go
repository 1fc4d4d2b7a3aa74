// Package byterange 根据缓存内容与元数据构造 HTTP 200/206/416 响应，
// 语义与普通源站对 Range 请求的处理一致。
package byterange

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/any-hub/model-hub/internal/cache"
)

// IntegrityHeader 携带条目的内容摘要，客户端可据此自行校验。
const IntegrityHeader = "X-Content-Integrity"

// 只识别首个 bytes=<start>-<end?>，后缀区间与多段区间视为不合法。
var rangePattern = regexp.MustCompile(`bytes=(\d+)-(\d*)`)

// Range 表示解析后的单段区间。End 为 -1 时表示“直到末尾”。
type Range struct {
	Start int64
	End   int64
}

// Parse 解析 Range 头；无法解析时返回 false，调用方按完整响应处理。
func Parse(header string) (Range, bool) {
	if header == "" {
		return Range{}, false
	}
	match := rangePattern.FindStringSubmatch(header)
	if match == nil {
		return Range{}, false
	}
	start, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return Range{}, false
	}
	end := int64(-1)
	if match[2] != "" {
		end, err = strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			return Range{}, false
		}
	}
	return Range{Start: start, End: end}, true
}

// Response 是与传输层无关的响应描述，由 proxy 层写回客户端。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Build 依据 rangeHeader 从 buffer 中切出对应字节。
// metadata.TotalSize 未知时以 buffer 长度为准。
func Build(buffer []byte, metadata cache.Metadata, rangeHeader string) *Response {
	total := metadata.TotalSize
	if total < 0 {
		total = int64(len(buffer))
	}
	header := baseHeader(total, metadata.Digest)

	r, ok := Parse(rangeHeader)
	if !ok {
		return &Response{Status: http.StatusOK, Header: header, Body: buffer[:clamp(total, buffer)]}
	}

	end := r.End
	if end < 0 || end > total-1 {
		end = total - 1
	}
	if r.Start >= total || r.Start > end {
		return &Response{
			Status: http.StatusRequestedRangeNotSatisfiable,
			Header: http.Header{"Content-Range": []string{fmt.Sprintf("bytes */%d", total)}},
		}
	}
	if end >= int64(len(buffer)) {
		// metadata 声明的长度超过实际数据，只能返回已有部分
		end = int64(len(buffer)) - 1
		if r.Start > end {
			return &Response{
				Status: http.StatusRequestedRangeNotSatisfiable,
				Header: http.Header{"Content-Range": []string{fmt.Sprintf("bytes */%d", total)}},
			}
		}
	}

	body := buffer[r.Start : end+1]
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, end, total))
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{Status: http.StatusPartialContent, Header: header, Body: body}
}

func baseHeader(total int64, digest string) http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Length", strconv.FormatInt(total, 10))
	header.Set("Accept-Ranges", "bytes")
	if digest != "" {
		header.Set(IntegrityHeader, digest)
	}
	return header
}

func clamp(total int64, buffer []byte) int64 {
	if total > int64(len(buffer)) {
		return int64(len(buffer))
	}
	return total
}
