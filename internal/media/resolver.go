// Package media turns post media references into displayable URLs or local handles.
package media

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"learnora/internal/api"
	"learnora/internal/cache"
	"learnora/internal/featureflags"
	"learnora/internal/models"
	"learnora/internal/observability"
)

// Fetcher loads a media item by id.
type Fetcher interface {
	GetMedia(ctx context.Context, mediaID string) (models.MediaPayload, error)
}

// Options configures a Resolver.
type Options struct {
	MediaHost      string
	PlaceholderURL string
	Concurrency    int
	CacheTTL       time.Duration
	Flags          *featureflags.Manager
	UserID         string
}

// PostMedia is the resolved media of one post.
type PostMedia struct {
	PostID string   `json:"post_id"`
	Video  string   `json:"video,omitempty"`
	Images []string `json:"images"`
}

// Resolver resolves media references with a per-reference cache and error flags.
// Resolve never fails; problems degrade to the fallback URL.
type Resolver struct {
	fetcher Fetcher
	handles *Registry
	opts    Options
	group   singleflight.Group
	log     *observability.Logger

	mu         sync.Mutex
	resolved   map[string]string
	errored    map[string]bool
	owners     map[string]map[string]string
	handleRefs map[string]int
}

// NewResolver builds a resolver backed by fetcher.
func NewResolver(fetcher Fetcher, handles *Registry, opts Options) *Resolver {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.MediaTTL
	}
	opts.MediaHost = strings.TrimRight(opts.MediaHost, "/")
	return &Resolver{
		fetcher:    fetcher,
		handles:    handles,
		opts:       opts,
		log:        observability.For("media"),
		resolved:   make(map[string]string),
		errored:    make(map[string]bool),
		owners:     make(map[string]map[string]string),
		handleRefs: make(map[string]int),
	}
}

// Handles exposes the handle registry.
func (r *Resolver) Handles() *Registry {
	return r.handles
}

// MediaID extracts the media id from a reference: its last path segment.
func MediaID(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if id, err := url.PathUnescape(ref); err == nil {
		return id
	}
	return ref
}

// Fallback returns the URL used when resolution fails.
func (r *Resolver) Fallback(ref string) string {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return r.opts.PlaceholderURL
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return ref
	case r.opts.MediaHost == "":
		return r.opts.PlaceholderURL
	default:
		return r.opts.MediaHost + "/" + strings.TrimLeft(ref, "/")
	}
}

// Resolve returns a URL or local handle for ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		observability.MediaResolutions.WithLabelValues("fallback").Inc()
		return r.opts.PlaceholderURL
	}

	if v, ok := r.lookup(ref); ok {
		return v
	}

	v, _, _ := r.group.Do(ref, func() (any, error) {
		// A fetch for ref may have finished between lookup and Do.
		if v, ok := r.lookup(ref); ok {
			return v, nil
		}
		return r.fetch(ctx, ref), nil
	})
	return v.(string)
}

// lookup answers ref from the resolved cache or the error flags.
func (r *Resolver) lookup(ref string) (string, bool) {
	r.mu.Lock()
	v, resolved := r.resolved[ref]
	errored := r.errored[ref]
	r.mu.Unlock()

	switch {
	case resolved:
		observability.MediaResolutions.WithLabelValues("cached").Inc()
		return v, true
	case errored:
		observability.MediaResolutions.WithLabelValues("fallback").Inc()
		return r.Fallback(ref), true
	default:
		return "", false
	}
}

func (r *Resolver) fetch(ctx context.Context, ref string) string {
	mediaID := MediaID(ref)
	if mediaID == "" {
		return r.fail(ref, "empty media id", nil)
	}

	if r.remoteCacheEnabled() {
		var cached string
		found, err := cache.GetJSON(ctx, cache.MediaKey(ref), &cached)
		if err != nil {
			r.log.WarnContext(ctx, "media cache read failed", "ref", ref, "error", err)
		} else if found && cached != "" {
			r.store(ref, cached)
			observability.MediaResolutions.WithLabelValues("remote_cache").Inc()
			return cached
		}
	}

	payload, err := r.fetcher.GetMedia(ctx, mediaID)
	if err != nil {
		if api.IsCanceled(err) || ctx.Err() != nil {
			return r.Fallback(ref)
		}
		return r.fail(ref, "media fetch failed", err)
	}

	switch {
	case payload.URL != "":
		r.store(ref, payload.URL)
		if r.remoteCacheEnabled() {
			if err := cache.SetJSON(ctx, cache.MediaKey(ref), payload.URL, r.opts.CacheTTL); err != nil {
				r.log.WarnContext(ctx, "media cache write failed", "ref", ref, "error", err)
			}
		}
		observability.MediaResolutions.WithLabelValues("url").Inc()
		return payload.URL
	case !payload.Empty():
		h := r.handles.Register(payload.Data, payload.ContentType)
		r.store(ref, h)
		observability.MediaResolutions.WithLabelValues("blob").Inc()
		return h
	default:
		return r.fail(ref, "empty media payload", nil)
	}
}

func (r *Resolver) fail(ref, reason string, err error) string {
	r.mu.Lock()
	r.errored[ref] = true
	r.mu.Unlock()
	attrs := []any{"ref", ref, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	r.log.Warn("media resolution degraded to fallback", attrs...)
	observability.MediaResolutions.WithLabelValues("fallback").Inc()
	return r.Fallback(ref)
}

func (r *Resolver) store(ref, value string) {
	r.mu.Lock()
	r.resolved[ref] = value
	delete(r.errored, ref)
	r.mu.Unlock()
}

func (r *Resolver) remoteCacheEnabled() bool {
	return cache.GetClient() != nil && r.opts.Flags.Enabled(featureflags.MediaRemoteCache, r.opts.UserID)
}

// ResolvePost resolves the video and images of post concurrently and records the post
// as owner of any local handles. Handles of refs the post no longer uses are released.
func (r *Resolver) ResolvePost(ctx context.Context, post models.Post) PostMedia {
	out := PostMedia{PostID: post.ID, Images: make([]string, len(post.ImageRefs))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	if post.VideoRef != "" {
		g.Go(func() error {
			out.Video = r.Resolve(gctx, post.VideoRef)
			return nil
		})
	}
	for i, ref := range post.ImageRefs {
		g.Go(func() error {
			out.Images[i] = r.Resolve(gctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	owned := make(map[string]string, len(post.ImageRefs)+1)
	if post.VideoRef != "" {
		owned[post.VideoRef] = out.Video
	}
	for i, ref := range post.ImageRefs {
		owned[ref] = out.Images[i]
	}
	r.setOwner(post.ID, owned)
	return out
}

func (r *Resolver) setOwner(postID string, owned map[string]string) {
	r.mu.Lock()
	prev := r.owners[postID]
	for ref, v := range owned {
		if IsHandle(v) && prev[ref] != v {
			r.handleRefs[v]++
		}
	}
	var release []string
	for ref, v := range prev {
		if IsHandle(v) && owned[ref] != v {
			release = append(release, v)
		}
	}
	r.owners[postID] = owned
	revoke := r.dropHandlesLocked(release)
	r.mu.Unlock()
	r.revoke(revoke)
}

// Release revokes the handles owned by postID. Releasing twice is a no-op.
func (r *Resolver) Release(postID string) {
	r.mu.Lock()
	prev, ok := r.owners[postID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.owners, postID)
	var release []string
	for _, v := range prev {
		if IsHandle(v) {
			release = append(release, v)
		}
	}
	revoke := r.dropHandlesLocked(release)
	r.mu.Unlock()
	r.revoke(revoke)
}

// dropHandlesLocked decrements ownership counts and returns handles nobody owns anymore,
// forgetting the resolutions that pointed at them.
func (r *Resolver) dropHandlesLocked(handles []string) []string {
	var out []string
	for _, h := range handles {
		r.handleRefs[h]--
		if r.handleRefs[h] > 0 {
			continue
		}
		delete(r.handleRefs, h)
		for ref, v := range r.resolved {
			if v == h {
				delete(r.resolved, ref)
			}
		}
		out = append(out, h)
	}
	return out
}

func (r *Resolver) revoke(handles []string) {
	for _, h := range handles {
		if err := r.handles.Revoke(h); err != nil {
			r.log.Warn("media handle release failed", "handle", h, "error", err)
		}
	}
}

// Invalidate forgets the resolution and error flag of ref. An unowned local handle is
// revoked; an owned one stays valid until its posts release it.
func (r *Resolver) Invalidate(ctx context.Context, ref string) {
	r.mu.Lock()
	v, ok := r.resolved[ref]
	delete(r.resolved, ref)
	delete(r.errored, ref)
	var revoke []string
	if ok && IsHandle(v) && r.handleRefs[v] == 0 {
		revoke = append(revoke, v)
	}
	r.mu.Unlock()

	r.revoke(revoke)
	if cache.GetClient() != nil {
		cache.InvalidateMedia(ctx, ref)
	}
}

// ResetErrors clears all error flags so failed refs are retried.
func (r *Resolver) ResetErrors() {
	r.mu.Lock()
	r.errored = make(map[string]bool)
	r.mu.Unlock()
}

// Errored reports whether ref is flagged as failed.
func (r *Resolver) Errored(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errored[ref]
}

// Close revokes every live handle and clears all state.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.resolved = make(map[string]string)
	r.errored = make(map[string]bool)
	r.owners = make(map[string]map[string]string)
	r.handleRefs = make(map[string]int)
	r.mu.Unlock()
	r.handles.RevokeAll()
}
