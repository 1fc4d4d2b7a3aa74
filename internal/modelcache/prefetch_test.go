package modelcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/manifest"
)

func TestPrefetchWarmsManifestShards(t *testing.T) {
	shard0 := payload(2000)
	shard1 := payload(700)
	origin := newTestOrigin(t, map[string][]byte{
		"/qwen/ndarray-cache.json":   []byte(`{"records":[{"dataPath":"params_shard_0.bin"},{"dataPath":"params_shard_1.bin"}]}`),
		"/qwen/mlc-chat-config.json": []byte(`{"model_type":"qwen2"}`),
		"/qwen/tokenizer.json":       []byte(`{}`),
		"/qwen/params_shard_0.bin":   shard0,
		"/qwen/params_shard_1.bin":   shard1,
	})
	store := cache.NewMemoryStore()
	c := newTestCache(t, cacheOptions{store: store})
	ctx := context.Background()

	outcomes, err := c.Prefetch(ctx, manifest.Manifest{BaseURL: origin.url("/qwen")})
	require.NoError(t, err)
	require.Len(t, outcomes, 7)

	byURL := make(map[string]Outcome, len(outcomes))
	for _, outcome := range outcomes {
		byURL[outcome.URL] = outcome
	}
	require.True(t, byURL[origin.url("/qwen/params_shard_0.bin")].OK())
	require.True(t, byURL[origin.url("/qwen/params_shard_1.bin")].OK())
	require.True(t, byURL[origin.url("/qwen/ndarray-cache.json")].OK())
	require.False(t, byURL[origin.url("/qwen/tokenizer.model")].OK(), "missing companion is reported")
	require.NotEmpty(t, byURL[origin.url("/qwen/tokenizer_config.json")].Error)

	for path, want := range map[string][]byte{"/qwen/params_shard_0.bin": shard0, "/qwen/params_shard_1.bin": shard1} {
		key, err := cache.Canonicalize(origin.url(path))
		require.NoError(t, err)
		entry, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, entry.Consistent(), path)
		require.Equal(t, want, entry.Data, path)
	}

	again, err := c.Prefetch(ctx, manifest.Manifest{URLs: []string{origin.url("/qwen/params_shard_0.bin")}})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.True(t, again[0].CacheHit)
}

func TestPrefetchRejectsUnknownFormat(t *testing.T) {
	c := newTestCache(t, cacheOptions{})
	_, err := c.Prefetch(context.Background(), manifest.Manifest{BaseURL: "https://models.example.com/x/", Format: "onnx"})
	require.ErrorIs(t, err, manifest.ErrUnknownFormat)
}
