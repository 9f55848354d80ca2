package edge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const edgeHeader = "X-Clinicedge"

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	rt := s.route(r)
	switch rt.strategy {
	case StrategyAppShell:
		s.serveAppShell(w, r)
	case StrategyCacheFirst:
		s.serveCacheFirst(w, r, rt)
	case StrategyNetworkFirst:
		s.serveNetworkFirst(w, r, rt)
	default:
		s.serveNetworkOnly(w, r, rt)
	}
}

// serveAppShell answers every navigation with the precached shell document
// so client-side routing can take over.
func (s *Service) serveAppShell(w http.ResponseWriter, r *http.Request) {
	var m Manifest
	if v := s.lifecycle.Active(); v != nil {
		m = v.Manifest
	}
	shell := s.cfg.Precache.AppShell

	if ent, ok := s.precache.Lookup(m, shell); ok {
		s.writeEntry(w, ent, StrategyAppShell, "hit")
		return
	}

	// The shell was never precached; fetch it once and keep it.
	res, err := s.roundTrip(r.Context(), s.cfg.Server.Origin, outbound{
		method: http.MethodGet,
		uri:    shell,
		header: http.Header{"Accept": []string{"text/html"}},
	})
	if err != nil {
		s.log.Debug().Err(err).Str("shell", shell).Msg("app shell fetch failed")
		s.writeNetworkError(w, StrategyAppShell)
		return
	}
	if res.cacheable() {
		if err := s.precache.Store(m, shell, res.CacheEntry); err != nil {
			s.log.Warn().Err(err).Str("shell", shell).Msg("store app shell")
		}
	}
	s.writeResponse(w, res, StrategyAppShell, "miss")
}

// serveCacheFirst answers from the static bucket when it holds an unexpired
// copy and never touches the network in that case.
func (s *Service) serveCacheFirst(w http.ResponseWriter, r *http.Request, rt route) {
	if ent, ok := s.static.Get(rt.key); ok {
		s.writeEntry(w, ent, StrategyCacheFirst, "hit")
		return
	}

	out, err := newOutbound(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	res, err := s.roundTrip(r.Context(), rt.upstream, out)
	if err != nil {
		s.log.Debug().Err(err).Str("key", rt.key).Msg("cache-first: network failed")
		s.writeNetworkError(w, StrategyCacheFirst)
		return
	}
	s.store(s.static, rt.key, res)
	s.writeResponse(w, res, StrategyCacheFirst, "miss")
}

type fetchResult struct {
	res upstreamResponse
	err error
}

// serveNetworkFirst waits for the network up to the API bucket timeout and
// falls back to the cached copy. A fetch that outlives the timeout keeps
// running and refreshes the bucket when it completes.
func (s *Service) serveNetworkFirst(w http.ResponseWriter, r *http.Request, rt route) {
	out, err := newOutbound(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	results := make(chan fetchResult)
	abandoned := make(chan struct{})
	defer close(abandoned)
	s.keepAlive(r.Context(), func(ctx context.Context) {
		res, err := s.roundTrip(ctx, rt.upstream, out)
		if err == nil {
			s.store(s.api, rt.key, res)
		}
		select {
		case results <- fetchResult{res: res, err: err}:
		case <-abandoned:
			res.discard()
		}
	})

	var timeout <-chan time.Time
	if d := s.cfg.Buckets.API.timeoutDur; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-results:
		if res.err == nil {
			s.writeResponse(w, res.res, StrategyNetworkFirst, "network")
			return
		}
		s.log.Debug().Err(res.err).Str("key", rt.key).Msg("network-first: network failed")
	case <-timeout:
		s.log.Debug().Str("key", rt.key).Msg("network-first: timed out")
	case <-r.Context().Done():
		return
	}

	if ent, ok := s.api.Get(rt.key); ok {
		s.writeEntry(w, ent, StrategyNetworkFirst, "cache-fallback")
		return
	}
	s.writeNetworkError(w, StrategyNetworkFirst)
}

// serveNetworkOnly forwards the request unmodified and caches nothing.
func (s *Service) serveNetworkOnly(w http.ResponseWriter, r *http.Request, rt route) {
	out, err := newOutbound(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	res, err := s.roundTrip(r.Context(), rt.upstream, out)
	if err != nil {
		s.writeNetworkError(w, StrategyNetworkOnly)
		return
	}
	s.writeResponse(w, res, StrategyNetworkOnly, "bypass")
}

// store keeps res in b when it is a complete 200 answer.
func (s *Service) store(b *Bucket, key string, res upstreamResponse) {
	if res.tail != nil {
		s.log.Debug().Str("bucket", b.Name()).Str("key", key).Msg("response too large to cache")
		return
	}
	if res.Status != http.StatusOK {
		return
	}
	s.put(b, key, res.CacheEntry)
}

func (s *Service) put(b *Bucket, key string, ent CacheEntry) {
	if err := b.Put(key, ent); err != nil {
		if errors.Is(err, ErrEntryTooLarge) {
			s.log.Debug().Str("bucket", b.Name()).Str("key", key).Int("bytes", len(ent.Body)).Msg("response too large to cache")
			return
		}
		s.log.Warn().Err(err).Str("bucket", b.Name()).Str("key", key).Msg("cache put")
	}
}

func (s *Service) writeEntry(w http.ResponseWriter, ent CacheEntry, strategy Strategy, outcome string) {
	s.writeResponse(w, upstreamResponse{CacheEntry: ent}, strategy, outcome)
}

// writeResponse writes res and streams any unbuffered remainder of its body.
func (s *Service) writeResponse(w http.ResponseWriter, res upstreamResponse, strategy Strategy, outcome string) {
	defer res.discard()
	for k, vs := range res.Header {
		if strings.EqualFold(k, edgeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setEdgeHeaders(w.Header(), strategy, outcome)
	w.WriteHeader(res.Status)
	n, _ := w.Write(res.Body)
	if res.tail != nil {
		copied, err := io.Copy(w, res.tail)
		if err != nil {
			s.log.Debug().Err(err).Str("url", res.URL).Msg("stream response body")
		}
		n += int(copied)
	}
	s.stats.Observe(string(strategy)+"/"+outcome, n)
}

// writeNetworkError reports a request neither the cache nor the network
// could answer.
func (s *Service) writeNetworkError(w http.ResponseWriter, strategy Strategy) {
	setEdgeHeaders(w.Header(), strategy, "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
	s.stats.Observe(string(strategy)+"/bad-gateway", 0)
}

func setEdgeHeaders(h http.Header, strategy Strategy, outcome string) {
	h.Set(edgeHeader, string(strategy)+"/"+outcome)
	// Custom headers are unreadable from browser JS in a CORS context unless exposed.
	ensureExposedHeader(h, edgeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
