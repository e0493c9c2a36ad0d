package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPFetcher adapts a *http.Client to the Fetcher contract, buffering
// response bodies so they can be cloned and cached.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher wraps client, defaulting to http.DefaultClient when nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", req.URL, err)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}
	httpRes, err := f.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer httpRes.Body.Close()
	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", req.URL, err)
	}
	return &Response{Status: httpRes.StatusCode, Header: httpRes.Header.Clone(), Body: body}, nil
}
