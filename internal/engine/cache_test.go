package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/engine/enginetest"
)

func TestFetchCache(t *testing.T) {
	fake := &enginetest.Fake{Files: map[string][]byte{"a.png": []byte("A"), "b.png": []byte("B")}}
	cache, err := engine.NewFetchCache(fake, 1)
	require.NoError(t, err)
	ctx := context.Background()
	a := engine.Artifact{Filename: "a.png", Type: "output"}
	b := engine.Artifact{Filename: "b.png", Type: "output"}

	for range 2 {
		data, ct, err := cache.Fetch(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, "A", string(data))
		assert.Equal(t, "image/png", ct)
	}
	assert.Equal(t, []string{"output/a.png"}, fake.Fetched())

	_, _, err = cache.Fetch(ctx, b)
	require.NoError(t, err)
	_, _, err = cache.Fetch(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"output/a.png", "output/b.png", "output/a.png"}, fake.Fetched(), "the oldest entry is evicted")
}

func TestFetchCache_ErrorsAreNotCached(t *testing.T) {
	fake := &enginetest.Fake{}
	cache, err := engine.NewFetchCache(fake, 4)
	require.NoError(t, err)
	missing := engine.Artifact{Filename: "gone.png", Type: "output"}

	_, _, err = cache.Fetch(context.Background(), missing)
	require.Error(t, err)
	_, _, err = cache.Fetch(context.Background(), missing)
	require.Error(t, err)

	assert.Len(t, fake.Fetched(), 2)
}

func TestNewFetchCache_RejectsEmptySize(t *testing.T) {
	_, err := engine.NewFetchCache(&enginetest.Fake{}, 0)
	assert.Error(t, err)
}
