package client

import (
	"context"
	"fmt"
	"sync"

	"duasync/pkg/types"
)

// Resolver turns a content reference into a body
type Resolver interface {
	Resolve(ctx context.Context, contentType, contentID string) (*types.ContentBody, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, contentType, contentID string) (*types.ContentBody, error)

func (f ResolverFunc) Resolve(ctx context.Context, contentType, contentID string) (*types.ContentBody, error) {
	return f(ctx, contentType, contentID)
}

type contentKey struct {
	contentType string
	contentID   string
}

// LocalResolver serves bodies bundled with the client
type LocalResolver struct {
	mu     sync.RWMutex
	bodies map[contentKey]*types.ContentBody
}

func NewLocalResolver(bodies ...*types.ContentBody) *LocalResolver {
	r := &LocalResolver{bodies: make(map[contentKey]*types.ContentBody)}
	for _, b := range bodies {
		r.Add(b)
	}
	return r
}

// Add registers or replaces a body
func (r *LocalResolver) Add(b *types.ContentBody) {
	if b == nil {
		return
	}
	r.mu.Lock()
	r.bodies[contentKey{b.Type, b.ID}] = b
	r.mu.Unlock()
}

// Metadata lists the bundled items
func (r *LocalResolver) Metadata() []types.ContentMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ContentMetadata, 0, len(r.bodies))
	for _, b := range r.bodies {
		out = append(out, b.ContentMetadata)
	}
	return out
}

func (r *LocalResolver) Resolve(_ context.Context, contentType, contentID string) (*types.ContentBody, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bodies[contentKey{contentType, contentID}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", contentType, contentID, ErrContentMissing)
	}
	return b, nil
}

// Requester performs a request/response exchange over the transport
type Requester interface {
	Request(ctx context.Context, eventType string, payload interface{}) (*types.Envelope, error)
}

// RemoteResolver fetches bodies with get_content_body
type RemoteResolver struct {
	requester Requester
}

func NewRemoteResolver(r Requester) *RemoteResolver {
	return &RemoteResolver{requester: r}
}

func (r *RemoteResolver) Resolve(ctx context.Context, contentType, contentID string) (*types.ContentBody, error) {
	resp, err := r.requester.Request(ctx, types.EventGetContentBody, types.ContentBodyRequest{
		ContentType: contentType,
		ContentID:   contentID,
	})
	if err != nil {
		return nil, err
	}
	var body types.ContentBody
	if err := resp.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode content body: %w", err)
	}
	return &body, nil
}

// CachingResolver remembers every body its inner resolver returned. While
// offline it answers from memory only.
type CachingResolver struct {
	next   Resolver
	online func() bool

	mu    sync.RWMutex
	cache map[contentKey]*types.ContentBody
}

// NewCachingResolver wraps next; online reports transport state and may be
// nil to mean always online
func NewCachingResolver(next Resolver, online func() bool) *CachingResolver {
	if online == nil {
		online = func() bool { return true }
	}
	return &CachingResolver{next: next, online: online, cache: make(map[contentKey]*types.ContentBody)}
}

func (r *CachingResolver) Resolve(ctx context.Context, contentType, contentID string) (*types.ContentBody, error) {
	key := contentKey{contentType, contentID}

	if !r.online() {
		if b, ok := r.cached(key); ok {
			return b, nil
		}
		return nil, ErrNotViewedOnline
	}

	b, err := r.next.Resolve(ctx, contentType, contentID)
	if err != nil {
		// A request that lost the connection midway can still be served
		if cached, ok := r.cached(key); ok && !r.online() {
			return cached, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = b
	r.mu.Unlock()
	return b, nil
}

func (r *CachingResolver) cached(key contentKey) (*types.ContentBody, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.cache[key]
	return b, ok
}

// Cached reports whether a body is held for offline use
func (r *CachingResolver) Cached(contentType, contentID string) bool {
	_, ok := r.cached(contentKey{contentType, contentID})
	return ok
}

// TypeResolver routes by content type
type TypeResolver struct {
	routes   map[string]Resolver
	fallback Resolver
}

// NewTypeResolver builds a router; fallback may be nil
func NewTypeResolver(routes map[string]Resolver, fallback Resolver) *TypeResolver {
	return &TypeResolver{routes: routes, fallback: fallback}
}

func (r *TypeResolver) Resolve(ctx context.Context, contentType, contentID string) (*types.ContentBody, error) {
	if next, ok := r.routes[contentType]; ok {
		return next.Resolve(ctx, contentType, contentID)
	}
	if r.fallback != nil {
		return r.fallback.Resolve(ctx, contentType, contentID)
	}
	return nil, fmt.Errorf("%q: %w", contentType, ErrNoResolver)
}
