package main

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/driver"
)

// originFetcher satisfies the driver's network contract by invoking the
// origin handler in process, so the dev proxy needs no second listener.
type originFetcher struct {
	origin http.Handler
}

func newOriginFetcher(origin http.Handler) *originFetcher {
	return &originFetcher{origin: origin}
}

func (f *originFetcher) Fetch(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}
	rec := &responseRecorder{status: http.StatusOK, header: make(http.Header)}
	f.origin.ServeHTTP(rec, httpReq)
	return &adapter.Response{Status: rec.status, Header: rec.header, Body: rec.body.Bytes()}, nil
}

// responseRecorder buffers an origin response for the fetcher contract.
type responseRecorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func (r *responseRecorder) Header() http.Header { return r.header }
func (r *responseRecorder) WriteHeader(status int) { r.status = status }
func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

// upstreamFetcher serves the origin role from a remote base URL. It is both
// the driver's network transport and the fall-through handler.
type upstreamFetcher struct {
	base    string
	fetcher *adapter.HTTPFetcher
}

func newUpstreamFetcher(base string) *upstreamFetcher {
	return &upstreamFetcher{base: strings.TrimSuffix(base, "/"), fetcher: adapter.NewHTTPFetcher(nil)}
}

func (f *upstreamFetcher) Fetch(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	absolute := req.Clone()
	absolute.URL = f.base + req.URL
	return f.fetcher.Fetch(ctx, absolute)
}

func (f *upstreamFetcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := adapter.NewRequest(r.Method, r.URL.RequestURI())
	req.Header = r.Header.Clone()
	res, err := f.Fetch(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	for k, vs := range res.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// proxyHandler routes requests through the driver, falling back to the
// origin whenever the driver abstains.
type proxyHandler struct {
	driver *driver.Driver
	origin http.Handler
}

func newProxyHandler(drv *driver.Driver, origin http.Handler) *proxyHandler {
	return &proxyHandler{driver: drv, origin: origin}
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := adapter.NewRequest(r.Method, r.URL.RequestURI())
	req.Header = r.Header.Clone()
	clientID := r.Header.Get("X-Client-Id")

	res := h.driver.HandleFetch(r.Context(), req, clientID)
	if res == nil {
		h.origin.ServeHTTP(w, r)
		return
	}
	for k, vs := range res.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}
