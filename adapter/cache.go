package adapter

import (
	"context"
	"sort"
	"sync"
)

// Cache is a single named response store mapping (URL, method) to a stored
// response. Implementations must treat stored responses as immutable.
type Cache interface {
	// Put stores res for req, replacing any previous entry for the same
	// (URL, method).
	Put(ctx context.Context, req *Request, res *Response) error
	// Match returns the stored response for req, or (nil, nil) on a miss.
	Match(ctx context.Context, req *Request) (*Response, error)
	// Delete removes the entry for req and reports whether one existed.
	Delete(ctx context.Context, req *Request) (bool, error)
	// Keys lists the requests currently stored, in insertion order.
	Keys(ctx context.Context) ([]*Request, error)
}

// CacheStorage manages named caches.
type CacheStorage interface {
	// Open returns the cache with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Delete removes a named cache and all its entries.
	Delete(ctx context.Context, name string) error
	// List returns the names of all caches.
	List(ctx context.Context) ([]string, error)
}

type memEntry struct {
	req *Request
	res *Response
	seq int
}

// MemCache is an in-memory Cache. Safe for concurrent use.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     int
}

// NewMemCache returns an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]*memEntry)}
}

func cacheKey(req *Request) string {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	return method + " " + req.URL
}

func (c *MemCache) Put(ctx context.Context, req *Request, res *Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[cacheKey(req)] = &memEntry{req: req.Clone(), res: res.Clone(), seq: c.seq}
	return nil
}

func (c *MemCache) Match(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(req)]
	if !ok {
		return nil, nil
	}
	return e.res.Clone(), nil
}

func (c *MemCache) Delete(ctx context.Context, req *Request) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(req)
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *MemCache) Keys(ctx context.Context) ([]*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*memEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	reqs := make([]*Request, len(entries))
	for i, e := range entries {
		reqs[i] = e.req.Clone()
	}
	return reqs, nil
}

// MemStorage is an in-memory CacheStorage. It backs tests and the dev proxy;
// a persistent deployment supplies its own implementation.
type MemStorage struct {
	mu     sync.Mutex
	caches map[string]*MemCache
}

// NewMemStorage returns an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{caches: make(map[string]*MemCache)}
}

func (s *MemStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := NewMemCache()
	s.caches[name] = c
	return c, nil
}

func (s *MemStorage) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, name)
	return nil
}

func (s *MemStorage) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
