// Package feed derives the filtered and sorted projection of the post store.
package feed

import (
	"sort"
	"strings"
	"sync"

	"learnora/internal/models"
	"learnora/internal/store"
)

// Derive filters posts by the search query and sorts them. Ties keep input order.
// The input slice is not modified.
func Derive(posts []models.Post, state models.FeedFilterState) []models.Post {
	query := strings.ToLower(strings.TrimSpace(state.SearchQuery))

	out := make([]models.Post, 0, len(posts))
	for _, p := range posts {
		if query == "" || matches(p, query) {
			out = append(out, p)
		}
	}

	switch state.Sort {
	case models.SortOldest:
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	case models.SortMostLiked:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Reactions.Count > out[j].Reactions.Count })
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}
	return out
}

func matches(p models.Post, query string) bool {
	return strings.Contains(strings.ToLower(p.Content), query) ||
		strings.Contains(strings.ToLower(p.AuthorDisplayName), query)
}

// View keeps Derive's result for a store current.
type View struct {
	store *store.PostStore

	mu          sync.RWMutex
	state       models.FeedFilterState
	stateGen    uint64
	posts       []models.Post
	revision    uint64
	builtGen    uint64
	unsubscribe func()
}

// NewView binds a view to s and computes the initial projection.
func NewView(s *store.PostStore, state models.FeedFilterState) *View {
	v := &View{store: s, state: state}
	v.recompute()
	v.unsubscribe = s.Subscribe(func(store.Event) { v.recompute() })
	return v
}

// Posts returns the current projection.
func (v *View) Posts() []models.Post {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.Post, len(v.posts))
	copy(out, v.posts)
	return out
}

// State returns the active filter.
func (v *View) State() models.FeedFilterState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// SetState changes the filter and recomputes.
func (v *View) SetState(state models.FeedFilterState) {
	v.mu.Lock()
	v.state = state
	v.stateGen++
	v.mu.Unlock()
	v.recompute()
}

// Close detaches the view from the store.
func (v *View) Close() {
	if v.unsubscribe != nil {
		v.unsubscribe()
	}
}

// Revision returns the store revision the projection was built from.
func (v *View) Revision() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.revision
}

// recompute skips snapshots older than the one already applied, which can happen
// when concurrent mutations notify out of order.
func (v *View) recompute() {
	snapshot, rev := v.store.Snapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.posts != nil && rev < v.revision && v.builtGen == v.stateGen {
		return
	}
	v.posts = Derive(snapshot, v.state)
	v.revision = rev
	v.builtGen = v.stateGen
}
