// Package adapter defines the runtime contracts the caching core is driven
// through: an HTTP request/response model with value semantics, a network
// fetcher, a mockable clock, and named response stores.
//
// Design Notes:
//   - Responses carry their body as a byte slice so a single stored response
//     can be cloned cheaply and handed to any number of callers.
//   - Fetch returns HTTP-level failures as non-2xx Responses; only transport
//     failures surface as errors.
//   - The clock is an interface so tests can drive time and timers manually.
package adapter

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CacheBustParam is the query parameter appended to requests that must not be
// answered from an intermediate HTTP cache.
const CacheBustParam = "ngsw-cache-bust"

// Request identifies an HTTP request by method, URL and headers. Bodies are
// never inspected or rewritten by the core, so they are not modeled.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// NewRequest builds a request with an empty header set.
func NewRequest(method, url string) *Request {
	return &Request{Method: method, URL: url, Header: make(http.Header)}
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	return &Request{Method: r.Method, URL: r.URL, Header: r.Header.Clone()}
}

// Response is an HTTP response with a fully buffered body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse builds a response with an empty header set.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// Ok reports whether the response has a 2xx status.
func (r *Response) Ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy of the response. Stored responses are immutable;
// anything read from a cache must be cloned before it is returned to a caller.
func (r *Response) Clone() *Response {
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: r.Header.Clone(), Body: body}
}

// Fetcher performs network requests. Non-2xx statuses are returned as
// unsuccessful Responses, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Clock supplies current time and timers. After must be safe to call from any
// goroutine and must never fire early.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall-clock Clock used outside of tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// CacheBust appends a fresh cache-bust parameter to url, preserving any
// existing query string.
func CacheBust(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + CacheBustParam + "=" + uuid.NewString()
}
