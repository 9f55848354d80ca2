package edge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// countingServer is an upstream that counts the requests it served per path.
type countingServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
	all  atomic.Int64
}

func newCountingServer(t *testing.T, h http.HandlerFunc) *countingServer {
	t.Helper()
	cs := &countingServer{hits: map[string]int{}}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.hits[r.URL.Path]++
		cs.mu.Unlock()
		cs.all.Add(1)
		h(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *countingServer) Hits(path string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits[path]
}

// testConfig builds a config around origin with in-memory storage. extra is
// appended as additional top-level YAML sections.
func testConfig(t *testing.T, origin, extra string) Config {
	t.Helper()
	doc := fmt.Sprintf("server:\n  origin: %q\nstorage:\n  path: %q\n%s", origin, MemoryStoragePath, extra)
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T, cfg Config, opts Options) *Service {
	t.Helper()
	if opts.InstallBackoff == nil {
		opts.InstallBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	opts.Logger = zerolog.Nop()
	svc, err := NewService(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "precache-manifest.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

type recordingDisplay struct {
	mu     sync.Mutex
	shown  []NotificationRecord
	closed []string
	err    error
}

func (d *recordingDisplay) Show(_ context.Context, rec NotificationRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.shown = append(d.shown, rec)
	return nil
}

func (d *recordingDisplay) Close(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, id)
	return nil
}

type fakeWindows struct {
	mu      sync.Mutex
	wins    []Window
	focused []string
	gone    map[string]bool
	allArgs []bool
}

func (f *fakeWindows) MatchAll(_ context.Context, includeUncontrolled bool) ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allArgs = append(f.allArgs, includeUncontrolled)
	out := make([]Window, len(f.wins))
	copy(out, f.wins)
	return out, nil
}

func (f *fakeWindows) Focus(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[id] {
		return ErrNoWindow
	}
	f.focused = append(f.focused, id)
	return nil
}

// openingWindows can also open windows.
type openingWindows struct {
	*fakeWindows
	opened []string
	err    error
}

func (o *openingWindows) OpenWindow(_ context.Context, url string) error {
	if o.err != nil {
		return o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, url)
	return nil
}

type fakeClaimer struct {
	mu       sync.Mutex
	versions []string
	windows  int
}

func (c *fakeClaimer) Claim(_ context.Context, version string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = append(c.versions, version)
	return c.windows, nil
}
