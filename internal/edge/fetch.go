package edge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outbound is a buffered copy of an incoming request, safe to replay from a
// goroutine that outlives the handler.
type outbound struct {
	method string
	uri    string
	header http.Header
	body   []byte
}

func newOutbound(r *http.Request) (outbound, error) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return outbound{}, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}
	return outbound{
		method: r.Method,
		uri:    r.URL.RequestURI(),
		header: cloneHeader(r.Header),
		body:   body,
	}, nil
}

// upstreamResponse is an upstream answer. Bodies up to the storage entry
// limit are buffered whole; past it, Body holds the buffered prefix and tail
// the unread remainder, and the response can be served but never stored.
type upstreamResponse struct {
	CacheEntry
	tail io.ReadCloser
}

func (u upstreamResponse) cacheable() bool {
	return u.tail == nil && u.Status == http.StatusOK
}

func (u upstreamResponse) discard() {
	if u.tail != nil {
		_ = u.tail.Close()
	}
}

// roundTrip performs out against upstream, buffering at most
// storage.maxEntrySize+1 bytes of the body. Callers must discard the result
// when they do not write it.
func (s *Service) roundTrip(ctx context.Context, upstream string, out outbound) (upstreamResponse, error) {
	var body io.Reader
	if len(out.body) > 0 {
		body = bytes.NewReader(out.body)
	}
	req, err := http.NewRequestWithContext(ctx, out.method, upstream+out.uri, body)
	if err != nil {
		return upstreamResponse{}, err
	}
	copyHeaders(req.Header, out.header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return upstreamResponse{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	var src io.Reader = resp.Body
	limit := s.cfg.maxEntryBytes
	if limit > 0 {
		src = io.LimitReader(resp.Body, limit+1)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		resp.Body.Close()
		return upstreamResponse{}, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	res := upstreamResponse{CacheEntry: CacheEntry{
		URL:      upstream + out.uri,
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().UnixNano(),
	}}
	if limit > 0 && int64(len(b)) > limit {
		res.tail = resp.Body
	} else {
		resp.Body.Close()
	}
	res.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		res.Header.Del(h)
	}
	return res, nil
}

// fetch is roundTrip for callers that need the whole body in memory.
// Oversized bodies fail with ErrEntryTooLarge.
func (s *Service) fetch(ctx context.Context, upstream string, out outbound) (CacheEntry, error) {
	res, err := s.roundTrip(ctx, upstream, out)
	if err != nil {
		return CacheEntry{}, err
	}
	if res.tail != nil {
		res.discard()
		return CacheEntry{}, fmt.Errorf("%s: %w", res.URL, ErrEntryTooLarge)
	}
	return res.CacheEntry, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
