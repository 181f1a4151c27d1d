// Package bootstrap wires configuration into a running sync engine.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"learnora/internal/api"
	"learnora/internal/cache"
	"learnora/internal/config"
	"learnora/internal/featureflags"
	"learnora/internal/feed"
	"learnora/internal/media"
	"learnora/internal/models"
	"learnora/internal/notifications"
	"learnora/internal/observability"
	"learnora/internal/scheduler"
	"learnora/internal/service"
	"learnora/internal/session"
	"learnora/internal/snapshot"
	"learnora/internal/store"
)

// Options control runtime initialization behavior.
type Options struct {
	Version string
	// RequireSession fails initialization when the session file is missing.
	RequireSession bool
}

// Runtime holds the wired components of one sync engine.
type Runtime struct {
	Config    *config.Config
	Flags     *featureflags.Manager
	Session   *models.Session
	Client    *api.Client
	Store     *store.PostStore
	Scheduler *scheduler.Scheduler
	Resolver  *media.Resolver
	Service   *service.FeedService
	View      *feed.View
	Redis     *redis.Client
	Notifier  *notifications.Notifier
	Snapshot  *snapshot.Store

	log             *observability.Logger
	shutdownTracing func(context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	saveCh chan struct{}
	unsub  func()

	closeOnce sync.Once
	closeErr  error
}

// InitRuntime loads the session, connects the optional Redis and snapshot backends and
// builds every component. Nothing talks to the backend until Start.
func InitRuntime(cfg *config.Config, opts Options) (*Runtime, error) {
	observability.Configure(cfg.LogLevel, cfg.LogFormat)
	log := observability.For("bootstrap")

	shutdownTracing, err := observability.InitTracing(cfg.TracingConfig(opts.Version))
	if err != nil {
		return nil, fmt.Errorf("tracing initialization failed: %w", err)
	}

	sess, err := session.Load(cfg.SessionFile)
	switch {
	case errors.Is(err, session.ErrNoSession) && !opts.RequireSession:
		log.Warn("no session file, continuing read-only", "path", cfg.SessionFile)
	case err != nil:
		_ = shutdownTracing(context.Background())
		return nil, fmt.Errorf("load session: %w", err)
	}
	userID := ""
	if sess != nil {
		userID = sess.UserID
	}

	flags := featureflags.NewManager(cfg.FeatureFlags)
	client := api.NewClient(api.Options{
		BaseURL:       cfg.APIBaseURL,
		Timeout:       cfg.RequestTimeout,
		MaxMediaBytes: cfg.MediaMaxBytes,
	}, sess)

	st := store.New()
	sched := scheduler.New(client, st, scheduler.Options{
		PollInterval:  cfg.PollInterval,
		ReactionDelay: cfg.ReactionRefreshDelay,
	})

	// Init Redis (may result in nil client if unreachable)
	rdb := cache.InitRedis(cfg.RedisURL)

	resolver := media.NewResolver(client, media.NewRegistry(), media.Options{
		MediaHost:      cfg.MediaHost,
		PlaceholderURL: cfg.PlaceholderURL,
		Concurrency:    cfg.MediaConcurrency,
		CacheTTL:       cfg.MediaCacheTTL,
		Flags:          flags,
		UserID:         userID,
	})

	var notifier *notifications.Notifier
	var publisher service.Publisher
	if rdb != nil && flags.Enabled(featureflags.RealtimeEvents, userID) {
		notifier = notifications.NewNotifier(rdb)
		publisher = notifier
	}

	var snap *snapshot.Store
	if cfg.SnapshotPath != "" && flags.Enabled(featureflags.Snapshot, userID) {
		snap, err = snapshot.Open(cfg.SnapshotPath)
		if err != nil {
			log.Warn("snapshot unavailable, continuing without it", "path", cfg.SnapshotPath, "error", err)
			snap = nil
		}
	}

	svc := service.NewFeedService(client, st, sess, sched, resolver, publisher, service.Options{
		CreateReconcileDelay: cfg.CreateReconcileDelay,
	})
	view := feed.NewView(st, models.FeedFilterState{Sort: models.SortNewest})

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		Config:          cfg,
		Flags:           flags,
		Session:         sess,
		Client:          client,
		Store:           st,
		Scheduler:       sched,
		Resolver:        resolver,
		Service:         svc,
		View:            view,
		Redis:           rdb,
		Notifier:        notifier,
		Snapshot:        snap,
		log:             log,
		shutdownTracing: shutdownTracing,
		ctx:             ctx,
		cancel:          cancel,
		saveCh:          make(chan struct{}, 1),
	}, nil
}

// Start warms the store from the snapshot, fetches the feed and starts the
// background subscribers. A failed fetch is returned but leaves the runtime usable
// with whatever the snapshot provided.
func (r *Runtime) Start(ctx context.Context) error {
	if r.Snapshot != nil {
		posts, err := r.Snapshot.Load(ctx)
		switch {
		case err != nil:
			r.log.WarnContext(ctx, "snapshot load failed", "error", err)
		case len(posts) > 0:
			r.Service.Load(posts)
			r.log.InfoContext(ctx, "feed restored from snapshot", "posts", len(posts))
		}
	}

	if r.Notifier != nil {
		err := r.Notifier.StartPostSubscriber(r.ctx, func(evt notifications.PostEvent) {
			r.Service.HandleEvent(r.ctx, evt)
		})
		if err != nil {
			r.log.WarnContext(ctx, "post event subscriber failed to start", "error", err)
		}
	}

	fetchErr := r.Service.Refresh(ctx)

	if r.Snapshot != nil {
		r.unsub = r.Store.Subscribe(func(e store.Event) {
			if e.Type != store.EventReset {
				return
			}
			select {
			case r.saveCh <- struct{}{}:
			default:
			}
		})
		r.wg.Add(1)
		go r.saveLoop()
		if fetchErr == nil {
			r.requestSave()
		}
	}

	if fetchErr != nil {
		return fmt.Errorf("initial feed fetch: %w", fetchErr)
	}
	return nil
}

func (r *Runtime) requestSave() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop writes the store to the snapshot after full refreshes. Requests that
// arrive while a save runs collapse into one.
func (r *Runtime) saveLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.saveCh:
			if err := r.Snapshot.Save(r.ctx, r.Store.List()); err != nil && !errors.Is(err, context.Canceled) {
				observability.LogAsyncOperationError(r.ctx, "snapshot_save", err, nil)
			}
		}
	}
}

// Close stops background work, writes a final snapshot and releases every resource.
// It is safe to call more than once.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.unsub != nil {
			r.unsub()
		}
		r.cancel()
		r.wg.Wait()

		r.Service.Close()
		r.Scheduler.Stop()
		r.View.Close()

		if r.Snapshot != nil {
			if err := r.Snapshot.Save(ctx, r.Store.List()); err != nil {
				errs = append(errs, fmt.Errorf("final snapshot: %w", err))
			}
			if err := r.Snapshot.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.Resolver.Close()

		if r.Redis != nil {
			cache.SetClient(nil)
			if err := r.Redis.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := r.shutdownTracing(ctx); err != nil {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
