package media

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"learnora/internal/observability"
)

// HandlePrefix marks local handles, mirroring browser object URLs.
const HandlePrefix = "blob:"

var (
	// ErrHandleRevoked is returned when a handle is used or revoked after revocation.
	ErrHandleRevoked = errors.New("media handle already revoked")
	// ErrUnknownHandle is returned for handles this registry never issued.
	ErrUnknownHandle = errors.New("unknown media handle")
)

type blob struct {
	data        []byte
	contentType string
}

// Registry keeps fetched media bytes addressable by revocable local handles.
type Registry struct {
	mu      sync.Mutex
	items   map[string]blob
	revoked map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		items:   make(map[string]blob),
		revoked: make(map[string]bool),
	}
}

// IsHandle reports whether s looks like a local handle.
func IsHandle(s string) bool {
	return strings.HasPrefix(s, HandlePrefix)
}

// Register stores data and returns a new handle.
func (r *Registry) Register(data []byte, contentType string) string {
	h := HandlePrefix + uuid.NewString()
	r.mu.Lock()
	r.items[h] = blob{data: data, contentType: contentType}
	r.mu.Unlock()
	observability.MediaHandlesOpen.Inc()
	return h
}

// Open returns the bytes and content type behind a handle.
func (r *Registry) Open(handle string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.items[handle]; ok {
		return b.data, b.contentType, nil
	}
	if r.revoked[handle] {
		return nil, "", ErrHandleRevoked
	}
	return nil, "", ErrUnknownHandle
}

// Revoke frees a handle. Revoking twice returns ErrHandleRevoked.
func (r *Registry) Revoke(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[handle]; !ok {
		if r.revoked[handle] {
			return ErrHandleRevoked
		}
		return ErrUnknownHandle
	}
	delete(r.items, handle)
	r.revoked[handle] = true
	observability.MediaHandlesOpen.Dec()
	return nil
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// RevokeAll frees every live handle and returns how many were freed.
func (r *Registry) RevokeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.items)
	for h := range r.items {
		delete(r.items, h)
		r.revoked[h] = true
	}
	observability.MediaHandlesOpen.Sub(float64(n))
	return n
}
