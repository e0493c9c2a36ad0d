// Package testutil provides the scripted collaborators the core's tests run
// against: a call-counting origin server, a manual clock with firable
// timers, and manifest builders.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/o-tero/swproxy/adapter"
)

type servedResource struct {
	body   []byte
	header http.Header
	status int
}

// MockServer is a scripted origin. Every fetch is recorded (with the
// cache-bust parameter stripped) so tests can assert exactly which requests
// hit the network.
type MockServer struct {
	mu        sync.Mutex
	resources map[string]servedResource
	errors    map[string]error
	requests  []string
}

// NewMockServer returns an empty server; unscripted URLs answer 404.
func NewMockServer() *MockServer {
	return &MockServer{
		resources: make(map[string]servedResource),
		errors:    make(map[string]error),
	}
}

// Serve scripts url to answer 200 with body.
func (s *MockServer) Serve(url, body string) {
	s.ServeWithHeaders(url, body, nil)
}

// ServeWithHeaders scripts url with explicit response headers.
func (s *MockServer) ServeWithHeaders(url, body string, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if header == nil {
		header = make(http.Header)
	}
	s.resources[url] = servedResource{body: []byte(body), header: header, status: http.StatusOK}
}

// ServeStatus scripts url to answer with an arbitrary status.
func (s *MockServer) ServeStatus(url string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[url] = servedResource{body: []byte(body), header: make(http.Header), status: status}
}

// Remove unscripts url; subsequent fetches answer 404.
func (s *MockServer) Remove(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, url)
}

// FailWith makes fetches of url reject with err, simulating a transport
// failure.
func (s *MockServer) FailWith(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[url] = err
}

// Fetch implements adapter.Fetcher.
func (s *MockServer) Fetch(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	path := stripCacheBust(req.URL)

	s.mu.Lock()
	s.requests = append(s.requests, path)
	err := s.errors[path]
	resource, ok := s.resources[path]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return adapter.NewResponse(http.StatusNotFound, []byte("not found")), nil
	}
	res := &adapter.Response{Status: resource.status, Header: resource.header.Clone(), Body: append([]byte(nil), resource.body...)}
	return res, nil
}

// Requests returns the URLs fetched so far, in order.
func (s *MockServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RequestCount returns how many times url was fetched.
func (s *MockServer) RequestCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.requests {
		if r == url {
			count++
		}
	}
	return count
}

// ClearRequests forgets the request log but keeps the scripted resources.
func (s *MockServer) ClearRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// stripCacheBust removes the cache-bust parameter so request assertions see
// stable URLs.
func stripCacheBust(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if _, ok := q[adapter.CacheBustParam]; !ok {
		return raw
	}
	q.Del(adapter.CacheBustParam)
	u.RawQuery = q.Encode()
	return u.String()
}

// String renders the request log, a convenience for failure messages.
func (s *MockServer) String() string {
	return fmt.Sprintf("MockServer%v", s.Requests())
}
