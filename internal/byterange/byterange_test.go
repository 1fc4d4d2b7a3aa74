package byterange

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/digest"
)

func sample(size int) ([]byte, cache.Metadata) {
	data := bytes.Repeat([]byte("0123456789abcdef"), size/16+1)[:size]
	return data, cache.Metadata{TotalSize: int64(size), Digest: digest.Sum(data), Complete: true}
}

func TestBuildFullResponseWithoutRange(t *testing.T) {
	data, meta := sample(100)
	resp := Build(data, meta, "")

	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, data, resp.Body)
	require.Equal(t, "100", resp.Header.Get("Content-Length"))
	require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, meta.Digest, resp.Header.Get(IntegrityHeader))
	require.Empty(t, resp.Header.Get("Content-Range"))
}

func TestBuildPartialResponses(t *testing.T) {
	data, meta := sample(100)

	cases := []struct {
		name         string
		header       string
		start, end   int
		contentRange string
	}{
		{"closed", "bytes=10-19", 10, 19, "bytes 10-19/100"},
		{"open ended", "bytes=90-", 90, 99, "bytes 90-99/100"},
		{"end clamped", "bytes=95-500", 95, 99, "bytes 95-99/100"},
		{"single byte", "bytes=0-0", 0, 0, "bytes 0-0/100"},
		{"last byte", "bytes=99-99", 99, 99, "bytes 99-99/100"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := Build(data, meta, tc.header)
			require.Equal(t, http.StatusPartialContent, resp.Status)
			require.Equal(t, data[tc.start:tc.end+1], resp.Body)
			require.Equal(t, tc.contentRange, resp.Header.Get("Content-Range"))
			require.Equal(t, len(resp.Body), mustAtoi(t, resp.Header.Get("Content-Length")))
			require.Equal(t, meta.Digest, resp.Header.Get(IntegrityHeader))
		})
	}
}

func TestBuildUnsatisfiableRange(t *testing.T) {
	data, meta := sample(100)

	for _, header := range []string{"bytes=100-", "bytes=150-200", "bytes=50-10"} {
		resp := Build(data, meta, header)
		require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.Status, header)
		require.Equal(t, "bytes */100", resp.Header.Get("Content-Range"), header)
		require.Nil(t, resp.Body, header)
	}
}

func TestBuildMalformedRangeFallsBackToFull(t *testing.T) {
	data, meta := sample(64)

	for _, header := range []string{"bytes=-10", "items=0-5", "garbage", "bytes=abc-def"} {
		resp := Build(data, meta, header)
		require.Equal(t, http.StatusOK, resp.Status, header)
		require.Equal(t, data, resp.Body, header)
	}
}

func TestBuildUnknownTotalUsesBufferLength(t *testing.T) {
	data := []byte("hello world")
	resp := Build(data, cache.Metadata{TotalSize: cache.UnknownSize}, "bytes=6-")

	require.Equal(t, http.StatusPartialContent, resp.Status)
	require.Equal(t, []byte("world"), resp.Body)
	require.Equal(t, "bytes 6-10/11", resp.Header.Get("Content-Range"))
	require.Empty(t, resp.Header.Get(IntegrityHeader))
}

func TestParseTakesFirstMatch(t *testing.T) {
	r, ok := Parse("bytes=5-9, 20-30")
	require.True(t, ok)
	require.Equal(t, Range{Start: 5, End: 9}, r)

	r, ok = Parse("bytes=7-")
	require.True(t, ok)
	require.EqualValues(t, -1, r.End)

	_, ok = Parse("")
	require.False(t, ok)
}

// 任意 0 <= a <= b < T 都应返回与原始切片一致的字节。
func TestBuildRangeMatchesSliceExhaustively(t *testing.T) {
	data, meta := sample(37)
	for a := 0; a < len(data); a++ {
		for b := a; b < len(data); b++ {
			resp := Build(data, meta, "bytes="+itoa(a)+"-"+itoa(b))
			require.Equal(t, http.StatusPartialContent, resp.Status)
			require.Equal(t, data[a:b+1], resp.Body)
		}
	}
}
