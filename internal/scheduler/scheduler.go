// Package scheduler keeps watched posts fresh with per-post background polling.
//
// Each watched post is POLLING or SUSPENDED (comments panel open). All timers live in
// one map owned by the Scheduler; every state change bumps a generation counter so a
// timer that fires after being superseded does nothing.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"learnora/internal/api"
	"learnora/internal/models"
	"learnora/internal/observability"
	"learnora/internal/store"
)

// State of a watched post.
type State string

const (
	StatePolling   State = "POLLING"
	StateSuspended State = "SUSPENDED"
)

// Refresh kinds, used as metric labels.
const (
	KindPoll     = "poll"
	KindReaction = "reaction"
	KindManual   = "manual"
)

// Defaults match the feed's UI cadence.
const (
	DefaultPollInterval  = 30 * time.Second
	DefaultReactionDelay = 500 * time.Millisecond
)

// Fetcher loads a single post.
type Fetcher interface {
	GetPost(ctx context.Context, id string) (models.Post, error)
}

// Listener is told about every post successfully reconciled into the store.
type Listener func(post models.Post, kind string)

// Options configures a Scheduler.
type Options struct {
	PollInterval  time.Duration
	ReactionDelay time.Duration
}

type entry struct {
	state         State
	gen           uint64
	timer         *time.Timer
	lastRefreshed time.Time
}

type softRefresh struct {
	gen   uint64
	timer *time.Timer
}

// Scheduler runs poll and soft-refresh timers against a store.
type Scheduler struct {
	fetcher Fetcher
	store   *store.PostStore
	opts    Options
	log     *observability.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]*entry
	soft      map[string]*softRefresh
	refreshed map[string]time.Time
	listeners map[int]Listener
	nextSub   int
	gen       uint64
	stopped   bool
}

// New builds a scheduler. Zero durations use the defaults.
func New(fetcher Fetcher, s *store.PostStore, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReactionDelay <= 0 {
		opts.ReactionDelay = DefaultReactionDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fetcher:   fetcher,
		store:     s,
		opts:      opts,
		log:       observability.For("scheduler"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		soft:      make(map[string]*softRefresh),
		refreshed: make(map[string]time.Time),
		listeners: make(map[int]Listener),
	}
}

// Watch starts polling id. Temporary ids are never polled; watching an already
// watched post is a no-op.
func (s *Scheduler) Watch(id string) bool {
	if models.IsTemporaryID(id) || id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.entries[id]; ok {
		return true
	}
	e := &entry{state: StatePolling}
	s.entries[id] = e
	s.armLocked(id, e)
	return true
}

// Unwatch stops tracking id and cancels its timers.
func (s *Scheduler) Unwatch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		s.disarmLocked(e)
		delete(s.entries, id)
	}
	if sr, ok := s.soft[id]; ok {
		sr.timer.Stop()
		delete(s.soft, id)
	}
	delete(s.refreshed, id)
}

// OpenComments suspends polling of id.
func (s *Scheduler) OpenComments(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.state == StatePolling {
		s.disarmLocked(e)
		e.state = StateSuspended
	}
}

// CloseComments resumes polling of id with a fresh interval.
func (s *Scheduler) CloseComments(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.state == StateSuspended && !s.stopped {
		e.state = StatePolling
		s.armLocked(id, e)
	}
}

// ReactionChanged schedules a soft refresh of id after the reaction delay. A new
// reaction within the window restarts it, so a burst yields one refresh.
func (s *Scheduler) ReactionChanged(id string) {
	if models.IsTemporaryID(id) || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if sr, ok := s.soft[id]; ok {
		sr.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.soft[id] = &softRefresh{
		gen: gen,
		timer: time.AfterFunc(s.opts.ReactionDelay, func() {
			s.fireSoft(id, gen)
		}),
	}
}

// RefreshNow fetches and reconciles id immediately.
func (s *Scheduler) RefreshNow(ctx context.Context, id string) error {
	if models.IsTemporaryID(id) {
		return models.NewStaleReferenceError(id)
	}
	return s.refresh(ctx, id, KindManual)
}

// State returns the polling state of id.
func (s *Scheduler) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.state, true
	}
	return "", false
}

// LastRefreshed returns when id was last reconciled from the backend.
func (s *Scheduler) LastRefreshed(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshed[id]
	return t, ok
}

// Watched returns the ids currently tracked.
func (s *Scheduler) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// OnRefreshed registers fn and returns an unsubscribe func.
func (s *Scheduler) OnRefreshed(fn Listener) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Stop cancels every timer and in-flight refresh and waits for running callbacks.
// It must not be called from a Listener.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, e := range s.entries {
		s.disarmLocked(e)
		delete(s.entries, id)
	}
	for id, sr := range s.soft {
		sr.timer.Stop()
		delete(s.soft, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) armLocked(id string, e *entry) {
	s.gen++
	gen := s.gen
	e.gen = gen
	e.timer = time.AfterFunc(s.opts.PollInterval, func() {
		s.firePoll(id, gen)
	})
}

func (s *Scheduler) disarmLocked(e *entry) {
	s.gen++
	e.gen = s.gen
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (s *Scheduler) firePoll(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || s.stopped || e.gen != gen || e.state != StatePolling {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_ = s.refresh(s.ctx, id, KindPoll)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && !s.stopped && e.gen == gen && e.state == StatePolling {
		s.armLocked(id, e)
	}
}

func (s *Scheduler) fireSoft(id string, gen uint64) {
	s.mu.Lock()
	sr, ok := s.soft[id]
	if !ok || s.stopped || sr.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.soft, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_ = s.refresh(s.ctx, id, KindReaction)
}

// refresh fetches id with a ticket taken beforehand and reconciles the result.
// Failures keep the previous state; stale results are dropped.
func (s *Scheduler) refresh(ctx context.Context, id, kind string) (err error) {
	ctx = observability.WithPostID(ctx, id)
	ctx, span := observability.StartInternalSpan(ctx, "scheduler.refresh",
		attribute.String("post.id", id),
		attribute.String("refresh.kind", kind),
	)
	outcome := "ok"
	defer func() {
		span.SetError(err)
		span.End()
		observability.FeedRefreshes.WithLabelValues(kind, outcome).Inc()
	}()

	ticket := s.store.Revision()
	post, err := s.fetcher.GetPost(ctx, id)
	if err != nil {
		outcome = "error"
		if api.IsCanceled(err) {
			return err
		}
		s.log.WarnContext(ctx, "post refresh failed", "kind", kind, "error", err)
		return err
	}

	if err := s.store.Reconcile(id, post, ticket); err != nil {
		outcome = "stale"
		if errors.Is(err, store.ErrStaleReconcile) {
			s.log.DebugContext(ctx, "discarded stale refresh", "kind", kind, "error", err)
		}
		return err
	}

	now := s.now()
	s.mu.Lock()
	if _, watched := s.entries[id]; watched || kind != KindPoll {
		s.refreshed[id] = now
	}
	fns := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	stored, ok := s.store.Get(id)
	if !ok {
		stored = post
	}
	for _, fn := range fns {
		fn(stored, kind)
	}
	return nil
}
