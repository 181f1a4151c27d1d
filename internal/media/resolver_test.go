package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnora/internal/cache"
	"learnora/internal/featureflags"
	"learnora/internal/models"
)

type fetcherStub struct {
	calls    atomic.Int32
	getMedia func(ctx context.Context, mediaID string) (models.MediaPayload, error)
}

func (s *fetcherStub) GetMedia(ctx context.Context, mediaID string) (models.MediaPayload, error) {
	s.calls.Add(1)
	if s.getMedia == nil {
		return models.MediaPayload{}, errors.New("unexpected GetMedia call")
	}
	return s.getMedia(ctx, mediaID)
}

func byID(items map[string]models.MediaPayload) *fetcherStub {
	return &fetcherStub{getMedia: func(_ context.Context, id string) (models.MediaPayload, error) {
		if p, ok := items[id]; ok {
			return p, nil
		}
		return models.MediaPayload{}, models.NewNotFoundError("Media", id)
	}}
}

func newResolver(f Fetcher) *Resolver {
	return NewResolver(f, NewRegistry(), Options{
		MediaHost:      "http://media.local:8081/",
		PlaceholderURL: "https://placeholder/img.png",
		Concurrency:    2,
	})
}

func TestMediaID(t *testing.T) {
	tests := map[string]string{
		"/api/media/abc123":             "abc123",
		"http://host/api/media/xyz?x=1": "xyz",
		"/api/media/trailing/":          "trailing",
		"plain":                         "plain",
		"/api/media/a%20b":              "a b",
		"":                              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, MediaID(in), in)
	}
}

func TestFallback(t *testing.T) {
	r := newResolver(&fetcherStub{})
	assert.Equal(t, "https://cdn/x.png", r.Fallback("https://cdn/x.png"))
	assert.Equal(t, "http://media.local:8081/api/media/abc", r.Fallback("/api/media/abc"))
	assert.Equal(t, "https://placeholder/img.png", r.Fallback(""))

	noHost := NewResolver(&fetcherStub{}, NewRegistry(), Options{PlaceholderURL: "p"})
	assert.Equal(t, "p", noHost.Fallback("/api/media/abc"))
}

func TestResolve_URLPayload(t *testing.T) {
	f := byID(map[string]models.MediaPayload{"abc": {URL: "https://cdn/abc.png"}})
	r := newResolver(f)

	assert.Equal(t, "https://cdn/abc.png", r.Resolve(context.Background(), "/api/media/abc"))
	assert.Equal(t, "https://cdn/abc.png", r.Resolve(context.Background(), "/api/media/abc"))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolve_BinaryPayloadBecomesHandle(t *testing.T) {
	f := byID(map[string]models.MediaPayload{"img": {Data: []byte("bytes"), ContentType: "image/png"}})
	r := newResolver(f)

	h := r.Resolve(context.Background(), "/api/media/img")
	require.True(t, IsHandle(h))

	data, ct, err := r.Handles().Open(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
	assert.Equal(t, "image/png", ct)
}

func TestResolve_FailureFlagsAndFallsBack(t *testing.T) {
	f := byID(map[string]models.MediaPayload{"empty": {}})
	r := newResolver(f)

	assert.Equal(t, "http://media.local:8081/api/media/missing", r.Resolve(context.Background(), "/api/media/missing"))
	assert.True(t, r.Errored("/api/media/missing"))
	assert.Equal(t, "http://media.local:8081/api/media/empty", r.Resolve(context.Background(), "/api/media/empty"))
	assert.Equal(t, "https://placeholder/img.png", r.Resolve(context.Background(), ""))

	calls := f.calls.Load()
	r.Resolve(context.Background(), "/api/media/missing")
	assert.Equal(t, calls, f.calls.Load(), "errored refs are not refetched")

	r.ResetErrors()
	assert.False(t, r.Errored("/api/media/missing"))
	r.Resolve(context.Background(), "/api/media/missing")
	assert.Equal(t, calls+1, f.calls.Load())
}

func TestResolve_MalformedMediaFallsBack(t *testing.T) {
	f := &fetcherStub{getMedia: func(_ context.Context, id string) (models.MediaPayload, error) {
		return models.MediaPayload{}, models.NewMalformedResponseError("media "+id+" JSON response has no url", nil)
	}}
	r := newResolver(f)

	got := r.Resolve(context.Background(), "/api/media/gone")
	assert.Equal(t, "http://media.local:8081/api/media/gone", got)
	assert.False(t, IsHandle(got))
	assert.True(t, r.Errored("/api/media/gone"))
	assert.Equal(t, 0, r.Handles().Len())
}

func TestResolve_CanceledIsNotFlagged(t *testing.T) {
	f := &fetcherStub{getMedia: func(ctx context.Context, _ string) (models.MediaPayload, error) {
		return models.MediaPayload{}, models.NewNetworkError("GET /media/x", ctx.Err())
	}}
	r := newResolver(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, "https://cdn/x", r.Resolve(ctx, "https://cdn/x"))
	assert.False(t, r.Errored("https://cdn/x"))
}

func TestResolve_ConcurrentCallsShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	f := &fetcherStub{getMedia: func(context.Context, string) (models.MediaPayload, error) {
		<-release
		return models.MediaPayload{URL: "https://cdn/shared"}, nil
	}}
	r := newResolver(f)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), "/api/media/shared")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, "https://cdn/shared", got)
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolve_LateCallerReusesFinishedHandle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := &fetcherStub{getMedia: func(context.Context, string) (models.MediaPayload, error) {
		once.Do(func() { close(started) })
		<-release
		return models.MediaPayload{Data: []byte("bin"), ContentType: "image/png"}, nil
	}}
	r := newResolver(f)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i > 0 {
				<-started
			}
			results[i] = r.Resolve(context.Background(), "/api/media/bin")
		}()
	}
	<-started
	close(release)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, results[0], got)
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, r.Handles().Len())
}

func TestResolvePost_AndRelease(t *testing.T) {
	f := byID(map[string]models.MediaPayload{
		"v":  {Data: []byte("video"), ContentType: "video/mp4"},
		"i1": {URL: "https://cdn/i1"},
		"i2": {Data: []byte("img2")},
	})
	r := newResolver(f)
	post := models.Post{ID: "p1", VideoRef: "/api/media/v", ImageRefs: []string{"/api/media/i1", "/api/media/i2"}}

	pm := r.ResolvePost(context.Background(), post)
	assert.Equal(t, "p1", pm.PostID)
	assert.True(t, IsHandle(pm.Video))
	assert.Equal(t, "https://cdn/i1", pm.Images[0])
	assert.True(t, IsHandle(pm.Images[1]))
	assert.Equal(t, 2, r.Handles().Len())

	r.Release("p1")
	assert.Equal(t, 0, r.Handles().Len())
	_, _, err := r.Handles().Open(pm.Video)
	assert.ErrorIs(t, err, ErrHandleRevoked)

	r.Release("p1")
	assert.Equal(t, 0, r.Handles().Len())
}

func TestResolvePost_MediaChangeReleasesOldHandles(t *testing.T) {
	f := byID(map[string]models.MediaPayload{
		"a": {Data: []byte("a")},
		"b": {Data: []byte("b")},
	})
	r := newResolver(f)

	first := r.ResolvePost(context.Background(), models.Post{ID: "p", ImageRefs: []string{"/api/media/a"}})
	second := r.ResolvePost(context.Background(), models.Post{ID: "p", ImageRefs: []string{"/api/media/b"}})

	_, _, err := r.Handles().Open(first.Images[0])
	assert.ErrorIs(t, err, ErrHandleRevoked)
	_, _, err = r.Handles().Open(second.Images[0])
	assert.NoError(t, err)

	again := r.ResolvePost(context.Background(), models.Post{ID: "p", ImageRefs: []string{"/api/media/b"}})
	assert.Equal(t, second.Images[0], again.Images[0])
	assert.Equal(t, 1, r.Handles().Len())
}

func TestResolvePost_SharedHandleSurvivesOneRelease(t *testing.T) {
	f := byID(map[string]models.MediaPayload{"s": {Data: []byte("s")}})
	r := newResolver(f)

	a := r.ResolvePost(context.Background(), models.Post{ID: "a", ImageRefs: []string{"/api/media/s"}})
	r.ResolvePost(context.Background(), models.Post{ID: "b", ImageRefs: []string{"/api/media/s"}})

	r.Release("a")
	_, _, err := r.Handles().Open(a.Images[0])
	assert.NoError(t, err)
	r.Release("b")
	_, _, err = r.Handles().Open(a.Images[0])
	assert.ErrorIs(t, err, ErrHandleRevoked)
}

func TestInvalidate(t *testing.T) {
	n := 0
	f := &fetcherStub{getMedia: func(context.Context, string) (models.MediaPayload, error) {
		n++
		return models.MediaPayload{Data: []byte{byte(n)}}, nil
	}}
	r := newResolver(f)

	h1 := r.Resolve(context.Background(), "/api/media/x")
	r.Invalidate(context.Background(), "/api/media/x")
	_, _, err := r.Handles().Open(h1)
	assert.ErrorIs(t, err, ErrHandleRevoked)

	h2 := r.Resolve(context.Background(), "/api/media/x")
	assert.NotEqual(t, h1, h2)
}

func TestResolve_RemoteCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache.SetClient(client)
	t.Cleanup(func() { cache.SetClient(nil); _ = client.Close() })

	f := byID(map[string]models.MediaPayload{"abc": {URL: "https://cdn/abc"}, "bin": {Data: []byte("b")}})
	opts := Options{MediaHost: "http://h", Flags: featureflags.NewManager("media_remote_cache=on"), CacheTTL: time.Minute}

	first := NewResolver(f, NewRegistry(), opts)
	assert.Equal(t, "https://cdn/abc", first.Resolve(context.Background(), "/api/media/abc"))
	assert.True(t, mr.Exists(cache.MediaKey("/api/media/abc")))

	first.Resolve(context.Background(), "/api/media/bin")
	assert.False(t, mr.Exists(cache.MediaKey("/api/media/bin")), "handles are process-local")

	second := NewResolver(f, NewRegistry(), opts)
	calls := f.calls.Load()
	assert.Equal(t, "https://cdn/abc", second.Resolve(context.Background(), "/api/media/abc"))
	assert.Equal(t, calls, f.calls.Load())

	second.Invalidate(context.Background(), "/api/media/abc")
	assert.False(t, mr.Exists(cache.MediaKey("/api/media/abc")))
}

func TestRegistry_DoubleRevoke(t *testing.T) {
	reg := NewRegistry()
	h := reg.Register([]byte("x"), "text/plain")
	require.NoError(t, reg.Revoke(h))
	assert.ErrorIs(t, reg.Revoke(h), ErrHandleRevoked)
	assert.ErrorIs(t, reg.Revoke("blob:nope"), ErrUnknownHandle)

	reg.Register([]byte("y"), "")
	assert.Equal(t, 1, reg.RevokeAll())
	assert.Equal(t, 0, reg.Len())
}

func TestClose(t *testing.T) {
	f := byID(map[string]models.MediaPayload{"a": {Data: []byte("a")}})
	r := newResolver(f)
	r.ResolvePost(context.Background(), models.Post{ID: "p", ImageRefs: []string{"/api/media/a"}})
	r.Close()
	assert.Equal(t, 0, r.Handles().Len())
}
