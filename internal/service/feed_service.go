// Package service implements the user-facing feed operations on top of the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"learnora/internal/models"
	"learnora/internal/notifications"
	"learnora/internal/observability"
	"learnora/internal/session"
	"learnora/internal/store"
)

// DefaultCreateReconcileDelay is how long after a create the full refetch runs.
const DefaultCreateReconcileDelay = time.Second

// PostAPI is the subset of the REST client the service uses.
type PostAPI interface {
	ListPosts(ctx context.Context) ([]models.Post, error)
	CreatePost(ctx context.Context, sub models.Submission) (models.Post, error)
	UpdatePost(ctx context.Context, id string, sub models.Submission) (models.Post, error)
	DeletePost(ctx context.Context, id, userID string, asAdmin bool) error
}

// Refresher is the subset of the refresh scheduler the service drives.
type Refresher interface {
	Watch(id string) bool
	Unwatch(id string)
	Watched() []string
	ReactionChanged(id string)
	RefreshNow(ctx context.Context, id string) error
}

// MediaReleaser frees local media handles owned by a post.
type MediaReleaser interface {
	Release(postID string)
}

// Publisher announces post changes to other instances.
type Publisher interface {
	PublishPostEvent(ctx context.Context, typ notifications.PostEventType, postID string) error
}

// Options configures a FeedService.
type Options struct {
	CreateReconcileDelay time.Duration
}

// FeedService runs create, update, delete and refresh flows for one session.
type FeedService struct {
	api       PostAPI
	store     *store.PostStore
	session   *models.Session
	refresher Refresher
	media     MediaReleaser
	publisher Publisher
	opts      Options
	validate  *validator.Validate
	log       *observability.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	createMu sync.Mutex

	mu           sync.Mutex
	reconcile    *time.Timer
	reconcileGen uint64
	closed       bool
}

// NewFeedService wires the service. refresher, media and publisher may be nil.
func NewFeedService(
	postAPI PostAPI,
	s *store.PostStore,
	sess *models.Session,
	refresher Refresher,
	media MediaReleaser,
	publisher Publisher,
	opts Options,
) *FeedService {
	if opts.CreateReconcileDelay <= 0 {
		opts.CreateReconcileDelay = DefaultCreateReconcileDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FeedService{
		api:       postAPI,
		store:     s,
		session:   sess,
		refresher: refresher,
		media:     media,
		publisher: publisher,
		opts:      opts,
		validate:  validator.New(),
		log:       observability.For("feed_service"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Session returns the session the service acts for.
func (s *FeedService) Session() *models.Session {
	return s.session
}

// Store returns the backing store.
func (s *FeedService) Store() *store.PostStore {
	return s.store
}

// CanEdit reports whether the session user may edit post.
func (s *FeedService) CanEdit(post models.Post) bool { return s.session.CanEdit(post) }

// CanDelete reports whether the session user may delete post.
func (s *FeedService) CanDelete(post models.Post) bool { return s.session.CanDelete(post) }

// CanReport reports whether the session user may report post.
func (s *FeedService) CanReport(post models.Post) bool { return s.session.CanReport(post) }

// Create submits a post and inserts it at the front of the store. When the backend
// omits the id a temporary one is assigned; a full refetch follows after the
// reconcile delay and swaps it for the real record. On error the store is untouched.
func (s *FeedService) Create(ctx context.Context, sub models.Submission) (post models.Post, err error) {
	ctx, span := observability.StartInternalSpan(ctx, "feed.create")
	defer func() {
		span.SetError(err)
		span.End()
	}()

	if err := session.Check(s.session, s.now()); err != nil {
		return models.Post{}, err
	}
	if err := s.validateSubmission(sub); err != nil {
		return models.Post{}, err
	}

	created, err := s.api.CreatePost(ctx, sub)
	if err != nil {
		s.log.WarnContext(ctx, "create post failed", "error", err)
		return models.Post{}, err
	}

	s.normalizeAuthor(&created)
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now().UTC()
	}

	s.createMu.Lock()
	if created.ID == "" {
		created.ID = s.temporaryID()
		s.log.InfoContext(ctx, "created post lacks an id, using temporary id", "post_id", created.ID)
	}
	stored := s.store.InsertFront(created)
	s.createMu.Unlock()
	span.AddAttributes(attribute.String("post.id", stored.ID))

	if !stored.IsTemporary() {
		s.watch(stored.ID)
		s.publish(ctx, notifications.PostCreated, stored.ID)
	}
	s.scheduleReconcile()
	return stored, nil
}

// Update edits an existing post the session user authored.
func (s *FeedService) Update(ctx context.Context, id string, sub models.Submission) (models.Post, error) {
	if err := session.Check(s.session, s.now()); err != nil {
		return models.Post{}, err
	}
	current, ok := s.store.Get(id)
	if !ok {
		return models.Post{}, models.NewNotFoundError("Post", id)
	}
	if current.IsTemporary() {
		return models.Post{}, models.NewStaleReferenceError(id)
	}
	if !s.CanEdit(current) {
		return models.Post{}, models.NewUnauthorizedError("only the author can edit this post")
	}
	if err := s.validateSubmission(sub); err != nil {
		return models.Post{}, err
	}

	updated, err := s.api.UpdatePost(ctx, id, sub)
	if err != nil {
		s.log.WarnContext(ctx, "update post failed", "post_id", id, "error", err)
		return models.Post{}, err
	}
	if updated.ID == "" {
		updated.ID = id
	}
	s.normalizeAuthor(&updated)
	if updated.CreatedAt.IsZero() {
		updated.CreatedAt = current.CreatedAt
	}

	if !s.store.Replace(id, updated) {
		s.log.WarnContext(ctx, "post vanished while updating", "post_id", id)
		return models.Post{}, models.NewStaleReferenceError(id)
	}
	stored, _ := s.store.Get(updated.ID)
	s.publish(ctx, notifications.PostUpdated, stored.ID)
	return stored, nil
}

// Delete removes a post on the backend and then locally. Admins deleting someone
// else's post send the admin flag.
func (s *FeedService) Delete(ctx context.Context, id string) error {
	if err := session.Check(s.session, s.now()); err != nil {
		return err
	}
	current, ok := s.store.Get(id)
	if !ok {
		return models.NewNotFoundError("Post", id)
	}
	if current.IsTemporary() {
		return models.NewStaleReferenceError(id)
	}
	if !s.CanDelete(current) {
		return models.NewUnauthorizedError("not allowed to delete this post")
	}

	asAdmin := s.session.IsAdmin() && s.session.UserID != current.AuthorID
	if err := s.api.DeletePost(ctx, id, s.session.UserID, asAdmin); err != nil {
		s.log.WarnContext(ctx, "delete post failed", "post_id", id, "error", err)
		return err
	}

	s.forget(id)
	s.publish(ctx, notifications.PostDeleted, id)
	return nil
}

// ReactionChanged notes that the session user reacted to id; a soft refresh follows.
func (s *FeedService) ReactionChanged(ctx context.Context, id string) error {
	if _, ok := s.store.Get(id); !ok {
		return models.NewNotFoundError("Post", id)
	}
	if s.refresher != nil {
		s.refresher.ReactionChanged(id)
	}
	s.publish(ctx, notifications.PostReacted, id)
	return nil
}

// Refresh refetches the whole feed and merges it without clobbering local writes made
// while the request was in flight.
func (s *FeedService) Refresh(ctx context.Context) (err error) {
	ctx, span := observability.StartInternalSpan(ctx, "feed.refresh")
	outcome := "ok"
	defer func() {
		span.SetError(err)
		span.End()
		observability.FeedRefreshes.WithLabelValues("full", outcome).Inc()
	}()

	ticket, done := s.store.BeginFetch()
	defer done()
	posts, err := s.api.ListPosts(ctx)
	if err != nil {
		outcome = "error"
		s.log.WarnContext(ctx, "feed refresh failed", "error", err)
		return err
	}

	before := s.store.List()
	s.store.BulkReplaceSince(posts, ticket)
	s.syncWatchers(before)
	return nil
}

// Load seeds the store, e.g. from a snapshot, and starts watching the posts.
func (s *FeedService) Load(posts []models.Post) {
	before := s.store.List()
	s.store.BulkReplace(posts)
	s.syncWatchers(before)
}

// HandleEvent applies a post event published by another instance.
func (s *FeedService) HandleEvent(ctx context.Context, evt notifications.PostEvent) {
	switch evt.Type {
	case notifications.PostDeleted:
		s.forget(evt.PostID)
	case notifications.PostCreated:
		_ = s.Refresh(ctx)
	case notifications.PostUpdated, notifications.PostReacted:
		if _, ok := s.store.Get(evt.PostID); !ok || s.refresher == nil {
			return
		}
		if err := s.refresher.RefreshNow(ctx, evt.PostID); err != nil && !errors.Is(err, store.ErrStaleReconcile) {
			s.log.WarnContext(ctx, "refresh after remote event failed", "post_id", evt.PostID, "error", err)
		}
	}
}

// Close cancels the pending reconcile and waits for one in progress.
func (s *FeedService) Close() {
	s.mu.Lock()
	s.closed = true
	if s.reconcile != nil {
		s.reconcile.Stop()
		s.reconcile = nil
	}
	s.reconcileGen++
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// ReconcilePending reports whether a post-create refetch is scheduled.
func (s *FeedService) ReconcilePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcile != nil
}

// scheduleReconcile arms the one-shot refetch; a new create restarts the window.
func (s *FeedService) scheduleReconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.reconcile != nil {
		s.reconcile.Stop()
	}
	s.reconcileGen++
	gen := s.reconcileGen
	s.reconcile = time.AfterFunc(s.opts.CreateReconcileDelay, func() { s.fireReconcile(gen) })
}

func (s *FeedService) fireReconcile(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.reconcileGen {
		s.mu.Unlock()
		return
	}
	s.reconcile = nil
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_ = s.Refresh(s.ctx)
}

func (s *FeedService) validateSubmission(sub models.Submission) error {
	if sub.Empty() {
		return models.NewValidationError("Post must have content or media")
	}
	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return models.NewValidationError(fmt.Sprintf("invalid attachment: %s failed %q", verrs[0].Namespace(), verrs[0].Tag()))
		}
		return models.NewValidationError(err.Error())
	}
	return nil
}

func (s *FeedService) normalizeAuthor(p *models.Post) {
	if p.AuthorID == "" && s.session != nil {
		p.AuthorID = s.session.UserID
	}
	if models.NeedsDisplayName(p.AuthorDisplayName) {
		if name := s.session.FullName(); name != "" {
			p.AuthorDisplayName = name
		}
	}
}

// temporaryID returns temp-<millis>, suffixed when two creates share a millisecond.
// Callers hold createMu.
func (s *FeedService) temporaryID() string {
	base := models.NewTemporaryID(s.now())
	id := base
	for n := 2; ; n++ {
		if _, taken := s.store.Get(id); !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// syncWatchers watches every non-temporary post in the store and drops state for
// posts that disappeared since before.
func (s *FeedService) syncWatchers(before []models.Post) {
	present := make(map[string]bool)
	for _, p := range s.store.List() {
		present[p.ID] = true
		if !p.IsTemporary() {
			s.watch(p.ID)
		}
	}
	for _, p := range before {
		if !present[p.ID] {
			s.release(p.ID)
		}
	}
	if s.refresher != nil {
		for _, id := range s.refresher.Watched() {
			if !present[id] {
				s.refresher.Unwatch(id)
			}
		}
	}
}

func (s *FeedService) forget(id string) {
	s.store.Remove(id)
	s.release(id)
}

func (s *FeedService) release(id string) {
	if s.refresher != nil {
		s.refresher.Unwatch(id)
	}
	if s.media != nil {
		s.media.Release(id)
	}
}

func (s *FeedService) watch(id string) {
	if s.refresher != nil {
		s.refresher.Watch(id)
	}
}

func (s *FeedService) publish(ctx context.Context, typ notifications.PostEventType, id string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPostEvent(ctx, typ, id); err != nil {
		observability.LogAsyncOperationError(ctx, "publish_post_event", err, map[string]interface{}{"post_id": id, "type": string(typ)})
	}
}
