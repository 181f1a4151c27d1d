package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnora/internal/api"
	"learnora/internal/featureflags"
	"learnora/internal/feed"
	"learnora/internal/media"
	"learnora/internal/models"
	"learnora/internal/scheduler"
	"learnora/internal/service"
	"learnora/internal/store"
	"learnora/internal/testutil"
)

type harness struct {
	backend *testutil.Backend
	session *models.Session
	store   *store.PostStore
	sched   *scheduler.Scheduler
	app     *fiber.App
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := testutil.NewBackend(t)
	sess := testutil.NewSession()
	client := api.NewClient(api.Options{BaseURL: backend.BaseURL(), Timeout: 2 * time.Second}, sess)

	st := store.New()
	sched := scheduler.New(client, st, scheduler.Options{PollInterval: time.Hour, ReactionDelay: 20 * time.Millisecond})
	resolver := media.NewResolver(client, media.NewRegistry(), media.Options{
		MediaHost:      backend.Server.URL,
		PlaceholderURL: "https://placeholder.test/unavailable.png",
	})
	svc := service.NewFeedService(client, st, sess, sched, resolver, nil, service.Options{CreateReconcileDelay: time.Hour})
	view := feed.NewView(st, models.FeedFilterState{Sort: models.SortNewest})
	t.Cleanup(func() {
		svc.Close()
		sched.Stop()
		view.Close()
		resolver.Close()
	})

	srv := New(Deps{
		Service:   svc,
		View:      view,
		Resolver:  resolver,
		Scheduler: sched,
		Flags:     featureflags.NewManager("snapshot=on"),
	})
	return &harness{backend: backend, session: sess, store: st, sched: sched, app: srv.App()}
}

func (h *harness) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func multipartBody(t *testing.T, content string, images ...models.Attachment) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("content", content))
	for _, img := range images {
		part, err := w.CreateFormFile("images", img.Filename)
		require.NoError(t, err)
		_, err = part.Write(img.Data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"snapshot": true}, body["flags"])
}

func TestRefreshAndGetFeed(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.backend.SetPosts(
		testutil.NewPostPayload(func(p *models.PostPayload) {
			p.ID = "new"
			p.Content = "Learning Go channels"
			p.CreatedAt = base.Add(time.Hour).Format(testutil.BackendTimeLayout)
			p.ImageURLs = []string{"/api/media/remote", "/api/media/raw"}
		}),
		testutil.NewPostPayload(func(p *models.PostPayload) {
			p.ID = "old"
			p.Content = "Intro to biology"
			p.CreatedAt = base.Format(testutil.BackendTimeLayout)
		}),
	)
	h.backend.SetMedia("remote", testutil.MediaItem{URL: "https://cdn.test/a.png"})
	h.backend.SetMedia("raw", testutil.MediaItem{Data: []byte("png-bytes"), ContentType: "image/png"})

	resp := h.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, h.store.Len())
	assert.ElementsMatch(t, []string{"new", "old"}, h.sched.Watched())

	resp = h.do(t, httptest.NewRequest(http.MethodGet, "/feed?sort=oldest", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	feedResp := decode[FeedResponse](t, resp)
	require.Len(t, feedResp.Posts, 2)
	assert.Equal(t, models.SortOldest, feedResp.Filter.Sort)
	assert.Equal(t, "old", feedResp.Posts[0].ID)

	item := feedResp.Posts[1]
	assert.Equal(t, scheduler.StatePolling, item.State)
	assert.True(t, item.CanReport)
	require.Len(t, item.Media.Images, 2)
	assert.Equal(t, "https://cdn.test/a.png", item.Media.Images[0])
	require.True(t, strings.HasPrefix(item.Media.Images[1], "/blobs/"+media.HandlePrefix))

	resp = h.do(t, httptest.NewRequest(http.MethodGet, item.Media.Images[1], nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	// the filter state sticks until changed
	resp = h.do(t, httptest.NewRequest(http.MethodGet, "/feed?q=CHANNELS", nil))
	feedResp = decode[FeedResponse](t, resp)
	require.Len(t, feedResp.Posts, 1)
	assert.Equal(t, "new", feedResp.Posts[0].ID)
	assert.Equal(t, models.SortOldest, feedResp.Filter.Sort)
}

func TestRefresh_BackendDown(t *testing.T) {
	h := newHarness(t)
	h.backend.Override(testutil.RouteList, http.StatusInternalServerError, `{"message":"boom"}`)

	resp := h.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeServer, body.Code)
}

func TestRequestIDReachesBackend(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.Header.Set(api.RequestIDHeader, "req-123")
	resp := h.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-123", resp.Header.Get(api.RequestIDHeader))

	reqs := h.backend.Requests(testutil.RouteList)
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-123", reqs[0].Header.Get(api.RequestIDHeader))
}

func TestCreatePost_Multipart(t *testing.T) {
	h := newHarness(t)

	body, contentType := multipartBody(t, "hello from the API", testutil.NewImage("cat.png"))
	req := httptest.NewRequest(http.MethodPost, "/posts", body)
	req.Header.Set("Content-Type", contentType)
	resp := h.do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	post := decode[models.Post](t, resp)
	assert.Equal(t, "p1", post.ID)
	assert.Equal(t, h.session.FullName(), post.AuthorDisplayName)
	assert.Len(t, post.ImageRefs, 1)
	assert.Equal(t, 1, h.store.Len())

	reqs := h.backend.Requests(testutil.RouteCreate)
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"cat.png"}, reqs[0].Files["images"])
	assert.Equal(t, h.session.UserID, reqs[0].Form.Get("userId"))
}

func TestCreatePost_EmptyIsRejected(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/posts", strings.NewReader(`{"content":"   "}`))
	req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	resp := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeValidation, body.Code)
	assert.Equal(t, 0, h.backend.Calls(testutil.RouteCreate))
}

func TestUpdateAndDeletePost(t *testing.T) {
	h := newHarness(t)
	h.backend.SetPosts(
		testutil.NewPostPayload(func(p *models.PostPayload) { p.ID = "mine"; p.UserID = h.session.UserID }),
		testutil.NewPostPayload(func(p *models.PostPayload) { p.ID = "theirs" }),
	)
	require.Equal(t, http.StatusOK, h.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil)).StatusCode)

	body, contentType := multipartBody(t, "edited")
	req := httptest.NewRequest(http.MethodPut, "/posts/mine", body)
	req.Header.Set("Content-Type", contentType)
	resp := h.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "edited", decode[models.Post](t, resp).Content)

	resp = h.do(t, httptest.NewRequest(http.MethodDelete, "/posts/theirs", nil))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, h.backend.Calls(testutil.RouteDelete))

	resp = h.do(t, httptest.NewRequest(http.MethodDelete, "/posts/mine", nil))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := h.store.Get("mine")
	assert.False(t, ok)
	assert.NotContains(t, h.sched.Watched(), "mine")

	resp = h.do(t, httptest.NewRequest(http.MethodDelete, "/posts/mine", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommentsSuspendPolling(t *testing.T) {
	h := newHarness(t)
	h.backend.SetPosts(testutil.NewPostPayload(func(p *models.PostPayload) { p.ID = "p" }))
	require.Equal(t, http.StatusOK, h.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil)).StatusCode)

	resp := h.do(t, httptest.NewRequest(http.MethodPost, "/posts/p/comments/open", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(scheduler.StateSuspended), decode[map[string]any](t, resp)["poll_state"])

	resp = h.do(t, httptest.NewRequest(http.MethodPost, "/posts/p/comments/close", nil))
	assert.Equal(t, string(scheduler.StatePolling), decode[map[string]any](t, resp)["poll_state"])

	resp = h.do(t, httptest.NewRequest(http.MethodPost, "/posts/nope/comments/open", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReactionTriggersSoftRefresh(t *testing.T) {
	h := newHarness(t)
	h.backend.SetPosts(testutil.NewPostPayload(func(p *models.PostPayload) { p.ID = "p"; p.Likes = 1 }))
	require.Equal(t, http.StatusOK, h.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil)).StatusCode)

	h.backend.UpdatePost("p", func(p *models.PostPayload) { p.Likes = 2; p.LikedByCurrentUser = true })
	resp := h.do(t, httptest.NewRequest(http.MethodPost, "/posts/p/reactions", nil))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		p, ok := h.store.Get("p")
		return ok && p.Reactions.Count == 2 && p.Reactions.LikedByMe
	}, time.Second, 10*time.Millisecond)
}

func TestGetBlob_Unknown(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, httptest.NewRequest(http.MethodGet, "/blobs/blob:missing", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	resp := h.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "learnora_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.NewValidationError("x"), http.StatusBadRequest},
		{models.NewUnauthorizedError("x"), http.StatusForbidden},
		{models.NewNotFoundError("Post", "p"), http.StatusNotFound},
		{models.NewStaleReferenceError("p"), http.StatusConflict},
		{models.NewNetworkError("GET /posts", errors.New("refused")), http.StatusBadGateway},
		{models.NewMalformedResponseError("bad json", nil), http.StatusBadGateway},
		{models.NewServerError(503, ""), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
