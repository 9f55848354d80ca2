package edge

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"path"
	"strings"
)

type Strategy string

const (
	StrategyAppShell     Strategy = "app-shell"
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyNetworkOnly  Strategy = "network-only"
)

// route is the routing decision for one request.
type route struct {
	strategy Strategy
	upstream string
	// key identifies the response in its bucket: upstream + request URI,
	// plus the caller's credential partition for network-first responses.
	key string
}

// credentialHeaders identify the caller to the app or the backend.
var credentialHeaders = []string{"Authorization", "Apikey", "Cookie"}

// staticDestinations are the Sec-Fetch-Dest values served cache-first.
var staticDestinations = map[string]struct{}{
	"style":  {},
	"script": {},
	"image":  {},
	"font":   {},
}

// staticExtensions guess the destination of requests without fetch metadata.
var staticExtensions = map[string]string{
	".css":   "style",
	".js":    "script",
	".mjs":   "script",
	".png":   "image",
	".jpg":   "image",
	".jpeg":  "image",
	".gif":   "image",
	".webp":  "image",
	".avif":  "image",
	".svg":   "image",
	".ico":   "image",
	".woff":  "font",
	".woff2": "font",
	".ttf":   "font",
	".otf":   "font",
	".eot":   "font",
}

// route picks the caching policy for r. Rules are evaluated in order and the
// first match wins; only GET requests are ever cached. Requests for hosts that
// are neither the app nor the backend pass through to their own host.
func (s *Service) route(r *http.Request) route {
	host := requestHost(r)
	backend := s.isBackendHost(host)

	rt := route{strategy: StrategyNetworkOnly, upstream: s.cfg.Server.Origin}
	switch {
	case backend:
		rt.upstream = s.backendUpstream(host)
	case !s.isAppRequest(r, host):
		rt.upstream = foreignUpstream(r, host)
		return rt
	}
	if r.Method != http.MethodGet {
		return rt
	}
	rt.key = rt.upstream + r.URL.RequestURI()

	p := r.URL.Path
	switch {
	case !backend && isNavigation(r) && !s.cfg.navigationDenied(p):
		rt.strategy = StrategyAppShell
	case !backend && isStaticDestination(r):
		rt.strategy = StrategyCacheFirst
	case backend || s.cfg.Buckets.API.Matches(p):
		rt.strategy = StrategyNetworkFirst
		if part := credentialPartition(r.Header); part != "" {
			rt.key += "#cred=" + part
		}
	}
	return rt
}

// isAppRequest reports whether r targets the app origin. Origin-form requests
// were addressed to the agent itself; absolute-form ones must name the origin
// or the public URL.
func (s *Service) isAppRequest(r *http.Request, host string) bool {
	if r.URL.Host == "" {
		return true
	}
	return s.cfg.IsAppHost(host)
}

func foreignUpstream(r *http.Request, host string) string {
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + host
}

// credentialPartition fingerprints the credentials r carries. Anonymous
// requests share one partition, the empty string.
func credentialPartition(h http.Header) string {
	sum := sha256.New()
	found := false
	for _, name := range credentialHeaders {
		for _, v := range h.Values(name) {
			found = true
			sum.Write([]byte(name))
			sum.Write([]byte{0})
			sum.Write([]byte(v))
			sum.Write([]byte{0})
		}
	}
	if !found {
		return ""
	}
	return hex.EncodeToString(sum.Sum(nil)[:16])
}

func (s *Service) isBackendHost(host string) bool {
	if host == "" {
		return false
	}
	if s.cfg.IsBackendHost(host) {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return s.cfg.IsBackendHost(h)
	}
	return false
}

func (s *Service) backendUpstream(host string) string {
	if s.cfg.Backend.URL != "" && strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(s.cfg.Backend.URL, "https://"), "http://"), host) {
		return s.cfg.Backend.URL
	}
	return "https://" + host
}

// requestHost prefers the absolute-form target of proxy requests over the
// Host header.
func requestHost(r *http.Request) string {
	if r.URL.Host != "" {
		return strings.ToLower(r.URL.Host)
	}
	return strings.ToLower(r.Host)
}

// isNavigation reports whether r is a full-page load. Fetch metadata wins;
// without it an HTML Accept header counts as navigation.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isStaticDestination(r *http.Request) bool {
	dest := r.Header.Get("Sec-Fetch-Dest")
	if dest == "" {
		dest = staticExtensions[strings.ToLower(path.Ext(r.URL.Path))]
	}
	_, ok := staticDestinations[dest]
	return ok
}
