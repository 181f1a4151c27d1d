// Package store holds the local, ordered copy of the post feed.
//
// Every mutation bumps a store-wide revision that is stamped into Post.Version.
// Background fetches take Revision() as a ticket before going to the network and
// hand it back on apply, so a response that raced a local mutation cannot clobber it.
package store

import (
	"errors"
	"fmt"
	"sync"

	"learnora/internal/models"
	"learnora/internal/observability"
)

// ErrStaleReconcile is wrapped by errors from Reconcile when the ticket is outdated.
var ErrStaleReconcile = errors.New("record changed since reconcile ticket")

// EventType classifies store change notifications.
type EventType string

const (
	EventInserted EventType = "inserted"
	EventReplaced EventType = "replaced"
	EventRemoved  EventType = "removed"
	EventReset    EventType = "reset"
)

// Event describes one mutation. For replacements that change the id (temporary id
// swapped for the real one) PreviousID holds the old id.
type Event struct {
	Type       EventType
	ID         string
	PreviousID string
	Revision   uint64
}

// PostStore is a goroutine-safe ordered collection of posts with unique ids.
type PostStore struct {
	mu       sync.RWMutex
	posts    []models.Post
	revision uint64
	removed  map[string]uint64
	fetches  map[int]uint64
	nextTkt  int

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	log *observability.Logger
}

// New returns an empty store.
func New() *PostStore {
	return &PostStore{
		removed: make(map[string]uint64),
		fetches: make(map[int]uint64),
		subs:    make(map[int]func(Event)),
		log:     observability.For("store"),
	}
}

// Revision returns the current store revision, usable as a reconcile ticket.
func (s *PostStore) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// BeginFetch returns the current revision as a ticket for a full fetch and keeps
// removal tombstones newer than it until done is called.
func (s *PostStore) BeginFetch() (ticket uint64, done func()) {
	s.mu.Lock()
	id := s.nextTkt
	s.nextTkt++
	ticket = s.revision
	s.fetches[id] = ticket
	s.mu.Unlock()

	var once sync.Once
	return ticket, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fetches, id)
			s.mu.Unlock()
		})
	}
}

// Version returns the revision at which id was last written.
func (s *PostStore) Version(id string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.posts[i].Version, true
	}
	return 0, false
}

// Get returns a copy of the post with id.
func (s *PostStore) Get(id string) (models.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.posts[i].Clone(), true
	}
	return models.Post{}, false
}

// List returns a copy of all posts in store order.
func (s *PostStore) List() []models.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Post, len(s.posts))
	for i, p := range s.posts {
		out[i] = p.Clone()
	}
	return out
}

// Snapshot returns List and Revision under one lock.
func (s *PostStore) Snapshot() ([]models.Post, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Post, len(s.posts))
	for i, p := range s.posts {
		out[i] = p.Clone()
	}
	return out, s.revision
}

// Len returns the number of posts.
func (s *PostStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

// InsertFront puts post at position 0. An existing record with the same id is
// dropped first so ids stay unique.
func (s *PostStore) InsertFront(post models.Post) models.Post {
	s.mu.Lock()
	if i := s.indexLocked(post.ID); i >= 0 {
		s.log.Debug("insert replaces existing record", "post_id", post.ID)
		s.posts = append(s.posts[:i], s.posts[i+1:]...)
	}
	rev := s.bumpLocked()
	stored := post.Clone()
	stored.Version = rev
	s.posts = append([]models.Post{stored}, s.posts...)
	delete(s.removed, post.ID)
	s.mu.Unlock()

	observability.StoreMutations.WithLabelValues("insert").Inc()
	s.emit(Event{Type: EventInserted, ID: stored.ID, Revision: rev})
	return stored.Clone()
}

// Replace swaps the record with id for post, keeping its position. post.ID may
// differ from id; any other record already holding post.ID is dropped. A missing
// id is a no-op and returns false.
func (s *PostStore) Replace(id string, post models.Post) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		s.log.Warn("replace of unknown post ignored", "post_id", id)
		return false
	}
	rev := s.replaceAtLocked(i, id, post)
	s.mu.Unlock()

	observability.StoreMutations.WithLabelValues("replace").Inc()
	s.emit(Event{Type: EventReplaced, ID: idOr(post.ID, id), PreviousID: id, Revision: rev})
	return true
}

// Reconcile applies a fetched post only if the record has not been written since
// ticket. A gone or newer record yields an error wrapping ErrStaleReconcile.
func (s *PostStore) Reconcile(id string, post models.Post, ticket uint64) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return staleError(id, "record no longer present")
	}
	if s.posts[i].Version > ticket {
		s.mu.Unlock()
		return staleError(id, fmt.Sprintf("record written at %d after ticket %d", s.posts[i].Version, ticket))
	}
	if post.ID == "" {
		post.ID = id
	}
	rev := s.replaceAtLocked(i, id, post)
	s.mu.Unlock()

	observability.StoreMutations.WithLabelValues("reconcile").Inc()
	s.emit(Event{Type: EventReplaced, ID: post.ID, PreviousID: id, Revision: rev})
	return nil
}

// Remove deletes the record with id. Removing an absent id is a no-op.
func (s *PostStore) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.posts = append(s.posts[:i], s.posts[i+1:]...)
	rev := s.bumpLocked()
	s.removed[id] = rev
	s.mu.Unlock()

	observability.StoreMutations.WithLabelValues("remove").Inc()
	s.emit(Event{Type: EventRemoved, ID: id, Revision: rev})
	return true
}

// BulkReplace adopts posts and their order wholesale. Duplicate ids keep the first.
func (s *PostStore) BulkReplace(posts []models.Post) {
	s.mu.Lock()
	rev := s.bumpLocked()
	s.posts = dedupe(posts, rev)
	s.removed = make(map[string]uint64)
	s.mu.Unlock()

	observability.StoreMutations.WithLabelValues("bulk_replace").Inc()
	s.emit(Event{Type: EventReset, Revision: rev})
}

// BulkReplaceSince merges a full fetch that started at ticket. Server order wins,
// with three exceptions for local writes newer than ticket: newer versions of
// returned records are kept, records the server does not know yet stay in front,
// and records removed after ticket are not resurrected.
func (s *PostStore) BulkReplaceSince(posts []models.Post, ticket uint64) {
	s.mu.Lock()
	rev := s.bumpLocked()

	local := make(map[string]models.Post, len(s.posts))
	for _, p := range s.posts {
		local[p.ID] = p
	}

	merged := make([]models.Post, 0, len(posts)+len(s.posts))
	seen := make(map[string]bool, len(posts))
	for _, p := range posts {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		if removedAt, ok := s.removed[p.ID]; ok && removedAt > ticket {
			continue
		}
		seen[p.ID] = true
		if cur, ok := local[p.ID]; ok && cur.Version > ticket {
			merged = append(merged, cur)
			continue
		}
		fresh := p.Clone()
		fresh.Version = rev
		merged = append(merged, fresh)
	}

	var pending []models.Post
	for _, p := range s.posts {
		if !seen[p.ID] && p.Version > ticket {
			pending = append(pending, p)
		}
	}
	s.posts = append(pending, merged...)
	s.pruneTombstonesLocked(ticket)
	s.mu.Unlock()

	observability.StoreMutations.WithLabelValues("bulk_replace_since").Inc()
	s.emit(Event{Type: EventReset, Revision: rev})
}

// pruneTombstonesLocked drops tombstones no open fetch can still contradict.
func (s *PostStore) pruneTombstonesLocked(ticket uint64) {
	floor := ticket
	for _, t := range s.fetches {
		if t < floor {
			floor = t
		}
	}
	for id, removedAt := range s.removed {
		if removedAt <= floor {
			delete(s.removed, id)
		}
	}
}

// Tombstones returns the number of removals still remembered for merging.
func (s *PostStore) Tombstones() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.removed)
}

// Subscribe registers fn for change events and returns an unsubscribe func.
// fn runs synchronously after the mutation, outside the store lock.
func (s *PostStore) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *PostStore) emit(e Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (s *PostStore) replaceAtLocked(i int, id string, post models.Post) uint64 {
	rev := s.bumpLocked()
	stored := post.Clone()
	if stored.ID == "" {
		stored.ID = id
	}
	stored.Version = rev
	s.posts[i] = stored
	if stored.ID != id {
		for j := len(s.posts) - 1; j >= 0; j-- {
			if j != i && s.posts[j].ID == stored.ID {
				s.posts = append(s.posts[:j], s.posts[j+1:]...)
			}
		}
	}
	return rev
}

func (s *PostStore) bumpLocked() uint64 {
	s.revision++
	return s.revision
}

func (s *PostStore) indexLocked(id string) int {
	for i := range s.posts {
		if s.posts[i].ID == id {
			return i
		}
	}
	return -1
}

func dedupe(posts []models.Post, rev uint64) []models.Post {
	out := make([]models.Post, 0, len(posts))
	seen := make(map[string]bool, len(posts))
	for _, p := range posts {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		c := p.Clone()
		c.Version = rev
		out = append(out, c)
	}
	return out
}

func staleError(id, detail string) error {
	return &models.AppError{
		Code:    models.CodeStaleReference,
		Message: fmt.Sprintf("reconcile of post %s rejected: %s", id, detail),
		Err:     ErrStaleReconcile,
	}
}

func idOr(id, fallback string) string {
	if id == "" {
		return fallback
	}
	return id
}
