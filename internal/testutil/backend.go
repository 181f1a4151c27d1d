package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"learnora/internal/models"
)

// Route names used by Override and Calls.
const (
	RouteList   = "list"
	RouteGet    = "get"
	RouteCreate = "create"
	RouteUpdate = "update"
	RouteDelete = "delete"
	RouteMedia  = "media"
)

// MediaItem is a stored media object. A non-empty URL is served as JSON {"url": ...}.
type MediaItem struct {
	URL         string
	Data        []byte
	ContentType string
}

// FakeUser describes how the backend renders an author.
type FakeUser struct {
	Name  string
	First string
	Last  string
}

// RecordedRequest is a request seen by the fake backend.
type RecordedRequest struct {
	Route  string
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Form   url.Values
	Files  map[string][]string
}

type override struct {
	status int
	body   string
}

// Backend is an in-memory Learnora REST backend served over httptest.
type Backend struct {
	mu        sync.Mutex
	posts     []models.PostPayload
	media     map[string]MediaItem
	users     map[string]FakeUser
	overrides map[string]override
	requests  []RecordedRequest
	nextID    int

	// OmitCreatedID makes create responses lack an id.
	OmitCreatedID bool
	// RequireToken rejects requests without this bearer token when set.
	RequireToken string

	Server *httptest.Server
}

// NewBackend starts a fake backend that is closed with the test.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		media:     make(map[string]MediaItem),
		users:     make(map[string]FakeUser),
		overrides: make(map[string]override),
		nextID:    1,
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/posts", b.wrap(RouteList, b.handleList))
		r.Post("/posts", b.wrap(RouteCreate, b.handleCreate))
		r.Get("/posts/{id}", b.wrap(RouteGet, b.handleGet))
		r.Put("/posts/{id}", b.wrap(RouteUpdate, b.handleUpdate))
		r.Delete("/posts/{id}", b.wrap(RouteDelete, b.handleDelete))
		r.Get("/media/{id}", b.wrap(RouteMedia, b.handleMedia))
	})

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// BaseURL is the API base URL including the /api prefix.
func (b *Backend) BaseURL() string {
	return b.Server.URL + "/api"
}

// AddPost appends a post in server order.
func (b *Backend) AddPost(p models.PostPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append(b.posts, p)
}

// SetPosts replaces all posts.
func (b *Backend) SetPosts(posts ...models.PostPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append([]models.PostPayload(nil), posts...)
}

// UpdatePost mutates a stored post in place.
func (b *Backend) UpdatePost(id string, fn func(*models.PostPayload)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.posts {
		if b.posts[i].ID == id {
			fn(&b.posts[i])
		}
	}
}

// RemovePost deletes a stored post.
func (b *Backend) RemovePost(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

// Posts returns a copy of the stored posts.
func (b *Backend) Posts() []models.PostPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.PostPayload{}, b.posts...)
}

// SetMedia stores a media item under id.
func (b *Backend) SetMedia(id string, item MediaItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.media[id] = item
}

// SetUser controls the author fields of posts created by userID.
func (b *Backend) SetUser(userID string, u FakeUser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[userID] = u
}

// Override makes route answer with status and raw body until cleared.
func (b *Backend) Override(route string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[route] = override{status: status, body: body}
}

// ClearOverride restores the normal behaviour of route.
func (b *Backend) ClearOverride(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.overrides, route)
}

// Calls counts requests made to route.
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r.Route == route {
			n++
		}
	}
	return n
}

// Requests returns the recorded requests for route.
func (b *Backend) Requests(route string) []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []RecordedRequest
	for _, r := range b.requests {
		if r.Route == route {
			out = append(out, r)
		}
	}
	return out
}

func (b *Backend) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := RecordedRequest{
			Route:  route,
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(32 << 20); err == nil {
				rec.Form = url.Values(r.MultipartForm.Value)
				rec.Files = make(map[string][]string)
				for field, headers := range r.MultipartForm.File {
					for _, fh := range headers {
						rec.Files[field] = append(rec.Files[field], fh.Filename)
					}
				}
			}
		}

		b.mu.Lock()
		b.requests = append(b.requests, rec)
		ov, hasOverride := b.overrides[route]
		token := b.RequireToken
		b.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if hasOverride {
			if json.Valid([]byte(ov.body)) {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(ov.status)
			_, _ = io.WriteString(w, ov.body)
			return
		}
		h(w, r)
	}
}

func (b *Backend) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, b.Posts())
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.posts {
		if p.ID == id {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Post not found"})
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.MultipartForm == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "multipart form required"})
		return
	}
	userID := r.FormValue("userId")

	b.mu.Lock()
	defer b.mu.Unlock()

	p := models.PostPayload{
		ID:        fmt.Sprintf("p%d", b.nextID),
		UserID:    userID,
		Content:   r.FormValue("content"),
		CreatedAt: time.Now().UTC().Format(BackendTimeLayout),
	}
	b.nextID++
	if u, ok := b.users[userID]; ok {
		p.UserName, p.UserFirstName, p.UserLastName = u.Name, u.First, u.Last
	} else {
		p.UserName = models.DeletedUserName
	}
	p.ImageURLs = b.storeFilesLocked(r, "images")
	if videos := b.storeFilesLocked(r, "video"); len(videos) > 0 {
		p.VideoURL = videos[0]
	}
	b.posts = append([]models.PostPayload{p}, b.posts...)

	resp := p
	if b.OmitCreatedID {
		resp.ID = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.MultipartForm == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "multipart form required"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.posts {
		if b.posts[i].ID != id {
			continue
		}
		if b.posts[i].UserID != r.FormValue("userId") {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "not the author"})
			return
		}
		b.posts[i].Content = r.FormValue("content")
		if images := b.storeFilesLocked(r, "images"); len(images) > 0 {
			b.posts[i].ImageURLs = images
		}
		writeJSON(w, http.StatusOK, b.posts[i])
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Post not found"})
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("userId")
	isAdmin := r.URL.Query().Get("isAdmin") == "true"

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.posts {
		if p.ID != id {
			continue
		}
		if p.UserID != userID && !isAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "not allowed"})
			return
		}
		b.removeLocked(id)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Post not found"})
}

func (b *Backend) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	item, ok := b.media[id]
	b.mu.Unlock()

	switch {
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Media not found"})
	case item.URL != "":
		writeJSON(w, http.StatusOK, map[string]string{"url": item.URL})
	default:
		if item.ContentType != "" {
			w.Header().Set("Content-Type", item.ContentType)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(item.Data)
	}
}

func (b *Backend) storeFilesLocked(r *http.Request, field string) []string {
	var refs []string
	for _, fh := range r.MultipartForm.File[field] {
		f, err := fh.Open()
		if err != nil {
			continue
		}
		data, _ := io.ReadAll(f)
		_ = f.Close()
		mediaID := fmt.Sprintf("m%d", b.nextID)
		b.nextID++
		b.media[mediaID] = MediaItem{Data: data, ContentType: fh.Header.Get("Content-Type")}
		refs = append(refs, "/api/media/"+mediaID)
	}
	return refs
}

func (b *Backend) removeLocked(id string) {
	out := b.posts[:0]
	for _, p := range b.posts {
		if p.ID != id {
			out = append(out, p)
		}
	}
	b.posts = out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
