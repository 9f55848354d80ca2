package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ManifestEntry is one precached asset as emitted by the front-end build.
type ManifestEntry struct {
	URL      string `json:"url"`
	Revision string `json:"revision,omitempty"`
}

// Manifest is the immutable precache list of one deployment.
type Manifest struct {
	Entries []ManifestEntry
	// Version identifies the manifest content; equal manifests share a version.
	Version string
}

// CacheKey is the precache key of e. Revisioned entries embed the revision so
// two deployments never share a key for different content.
func (e ManifestEntry) CacheKey() string {
	if e.Revision == "" {
		return e.URL
	}
	sep := "?"
	if strings.Contains(e.URL, "?") {
		sep = "&"
	}
	return e.URL + sep + "__rev=" + url.QueryEscape(e.Revision)
}

// Lookup returns the entry whose URL equals u.
func (m Manifest) Lookup(u string) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.URL == u {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// Keys returns the set of precache keys referenced by m.
func (m Manifest) Keys() map[string]struct{} {
	out := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		out[e.CacheKey()] = struct{}{}
	}
	return out
}

// ParseManifest decodes a JSON array of {url, revision} objects. Plain
// strings are accepted as unrevisioned entries.
func ParseManifest(b []byte) (Manifest, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}

	seen := map[string]struct{}{}
	entries := make([]ManifestEntry, 0, len(raw))
	for i, r := range raw {
		var e ManifestEntry
		if err := json.Unmarshal(r, &e); err != nil {
			var s string
			if err2 := json.Unmarshal(r, &s); err2 != nil {
				return Manifest{}, fmt.Errorf("manifest[%d]: %w", i, err)
			}
			e.URL = s
		}
		e.URL = normalizeManifestURL(e.URL)
		if e.URL == "" {
			return Manifest{}, fmt.Errorf("manifest[%d]: empty url", i)
		}
		e.Revision = strings.TrimSpace(e.Revision)
		if _, dup := seen[e.URL]; dup {
			return Manifest{}, fmt.Errorf("manifest[%d]: duplicate url %q", i, e.URL)
		}
		seen[e.URL] = struct{}{}
		entries = append(entries, e)
	}

	h := crc32.NewIEEE()
	for _, e := range entries {
		_, _ = io.WriteString(h, e.URL)
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, e.Revision)
		_, _ = h.Write([]byte{0})
	}
	return Manifest{Entries: entries, Version: fmt.Sprintf("%08x", h.Sum32())}, nil
}

// LoadManifest reads a manifest from a local path or an http(s) URL.
func LoadManifest(ctx context.Context, client *http.Client, src string) (Manifest, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return Manifest{}, fmt.Errorf("manifest source is empty")
	}

	var (
		body []byte
		err  error
	)
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		body, err = fetchManifest(ctx, client, src)
	} else {
		body, err = os.ReadFile(src)
	}
	if err != nil {
		return Manifest{}, err
	}

	// Tolerate .gz files and gzip bodies the transport did not decode.
	tryGzip := strings.HasSuffix(strings.ToLower(src), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}
	return ParseManifest(body)
}

func fetchManifest(ctx context.Context, client *http.Client, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("fetch manifest %q: unexpected status %d: %s", src, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return io.ReadAll(resp.Body)
}

// normalizeManifestURL turns absolute and relative manifest URLs into a
// request URI rooted at "/".
func normalizeManifestURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		parsed, err := url.Parse(u)
		if err != nil {
			return ""
		}
		return parsed.RequestURI()
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return u
}
