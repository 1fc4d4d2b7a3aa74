package fetcher

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/any-hub/model-hub/internal/cache"
)

var errBadContentRange = errors.New("malformed content-range")

// contentRange 对应 `Content-Range: bytes <start>-<end>/<total|*>`。
type contentRange struct {
	start int64
	end   int64
	total int64
}

func parseContentRange(raw string) (contentRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return contentRange{}, fmt.Errorf("%w: header missing", errBadContentRange)
	}
	unit, spec, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(unit, "bytes") {
		return contentRange{}, fmt.Errorf("%w: %q", errBadContentRange, raw)
	}
	span, totalPart, ok := strings.Cut(strings.TrimSpace(spec), "/")
	if !ok {
		return contentRange{}, fmt.Errorf("%w: %q", errBadContentRange, raw)
	}

	cr := contentRange{total: cache.UnknownSize}
	if totalPart != "*" {
		total, err := strconv.ParseInt(totalPart, 10, 64)
		if err != nil || total < 0 {
			return contentRange{}, fmt.Errorf("%w: %q", errBadContentRange, raw)
		}
		cr.total = total
	}
	if span == "*" {
		// 416 的形式：bytes */<total>
		cr.start, cr.end = -1, -1
		return cr, nil
	}

	startPart, endPart, ok := strings.Cut(span, "-")
	if !ok {
		return contentRange{}, fmt.Errorf("%w: %q", errBadContentRange, raw)
	}
	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil {
		return contentRange{}, fmt.Errorf("%w: %q", errBadContentRange, raw)
	}
	end, err := strconv.ParseInt(endPart, 10, 64)
	if err != nil || end < start {
		return contentRange{}, fmt.Errorf("%w: %q", errBadContentRange, raw)
	}
	cr.start, cr.end = start, end
	return cr, nil
}
