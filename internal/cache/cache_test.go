package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	SetClient(c)
	t.Cleanup(func() {
		SetClient(nil)
		_ = c.Close()
	})
	return mr
}

func TestGetSetJSON(t *testing.T) {
	mr := setupRedis(t)
	ctx := context.Background()

	var missing string
	found, err := GetJSON(ctx, MediaKey("abc"), &missing)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, MediaKey("abc"), "https://cdn/x.png", time.Minute))
	assert.True(t, mr.Exists("media:abc"))

	var got string
	found, err = GetJSON(ctx, MediaKey("abc"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "https://cdn/x.png", got)

	mr.FastForward(2 * time.Minute)
	found, err = GetJSON(ctx, MediaKey("abc"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAside(t *testing.T) {
	setupRedis(t)
	ctx := context.Background()

	calls := 0
	fetch := func(dest *string) func() error {
		return func() error {
			calls++
			*dest = "https://cdn/y.png"
			return nil
		}
	}

	var first string
	require.NoError(t, Aside(ctx, MediaKey("y"), &first, time.Minute, fetch(&first)))
	var second string
	require.NoError(t, Aside(ctx, MediaKey("y"), &second, time.Minute, fetch(&second)))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "https://cdn/y.png", second)

	InvalidateMedia(ctx, "y")
	var third string
	require.NoError(t, Aside(ctx, MediaKey("y"), &third, time.Minute, fetch(&third)))
	assert.Equal(t, 2, calls)
}

func TestAside_FetchErrorNotCached(t *testing.T) {
	mr := setupRedis(t)
	boom := errors.New("boom")

	var dest string
	err := Aside(context.Background(), MediaKey("z"), &dest, time.Minute, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("media:z"))
}

func TestHelpers_WithoutClient(t *testing.T) {
	SetClient(nil)
	ctx := context.Background()

	var dest string
	found, err := GetJSON(ctx, "k", &dest)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, SetJSON(ctx, "k", "v", time.Minute))
	Invalidate(ctx, "k")
}

func TestInitRedis(t *testing.T) {
	t.Cleanup(func() { SetClient(nil) })

	assert.Nil(t, InitRedis(""))
	assert.Nil(t, InitRedis("redis://%zz"))

	mr := miniredis.RunT(t)
	c := InitRedis("redis://" + mr.Addr() + "/0")
	require.NotNil(t, c)
	assert.Same(t, c, GetClient())
}
