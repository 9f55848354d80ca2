package edge

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assetServer(t *testing.T) *countingServer {
	return newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "content of "+r.URL.Path)
	})
}

func mustManifest(t *testing.T, doc string) Manifest {
	t.Helper()
	m, err := ParseManifest([]byte(doc))
	require.NoError(t, err)
	return m
}

func sortedKeys(b *Bucket) []string {
	keys := b.Keys()
	sort.Strings(keys)
	return keys
}

func TestLifecycle_ActivatePrunesAndClaims(t *testing.T) {
	origin := assetServer(t)
	claimer := &fakeClaimer{windows: 3}
	svc := newTestService(t, testConfig(t, origin.URL, ""), Options{Claimer: claimer})
	ctx := t.Context()

	v1 := mustManifest(t, `[{"url":"/index.html","revision":"1"},{"url":"/assets/a.js","revision":"1"},{"url":"/assets/shared.css","revision":"1"}]`)
	first, err := svc.Lifecycle().Update(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, first.State())
	assert.Equal(t, 3, svc.Precache().Len())

	v2 := mustManifest(t, `[{"url":"/index.html","revision":"2"},{"url":"/assets/b.js","revision":"1"},{"url":"/assets/shared.css","revision":"1"}]`)
	second, err := svc.Lifecycle().Update(ctx, v2)
	require.NoError(t, err)

	assert.Equal(t, StateRedundant, first.State())
	assert.Equal(t, StateActive, second.State())
	assert.Same(t, second, svc.Lifecycle().Active())
	assert.Equal(t, []string{
		"/assets/b.js?__rev=1",
		"/assets/shared.css?__rev=1",
		"/index.html?__rev=2",
	}, sortedKeys(svc.precache.bucket))
	assert.Equal(t, []string{v1.Version, v2.Version}, claimer.versions)

	// unchanged entries are not downloaded again
	assert.Equal(t, 1, origin.Hits("/assets/shared.css"))
	assert.Equal(t, 2, origin.Hits("/index.html"))
}

func TestLifecycle_UpdateSameVersionIsNoop(t *testing.T) {
	origin := assetServer(t)
	claimer := &fakeClaimer{}
	svc := newTestService(t, testConfig(t, origin.URL, ""), Options{Claimer: claimer})

	m := mustManifest(t, `["/index.html"]`)
	a, err := svc.Lifecycle().Update(t.Context(), m)
	require.NoError(t, err)
	b, err := svc.Lifecycle().Update(t.Context(), m)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Len(t, claimer.versions, 1)
}

func TestLifecycle_InstallRetries(t *testing.T) {
	var calls atomic.Int64
	origin := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/assets/flaky.js" && calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	svc := newTestService(t, testConfig(t, origin.URL, ""), Options{})

	m := mustManifest(t, `["/index.html","/assets/flaky.js"]`)
	v, err := svc.Lifecycle().Update(t.Context(), m)
	require.NoError(t, err)
	assert.Equal(t, StateActive, v.State())
	assert.Equal(t, 2, svc.Precache().Len())
	assert.Equal(t, 1, origin.Hits("/index.html"), "entries from failed attempts are reused")
	assert.Equal(t, 3, origin.Hits("/assets/flaky.js"))
}

func TestLifecycle_InstallGivesUp(t *testing.T) {
	origin := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	cfg := testConfig(t, origin.URL, "precache:\n  installAttempts: 2\n")
	svc := newTestService(t, cfg, Options{})

	_, err := svc.Lifecycle().Update(t.Context(), mustManifest(t, `["/index.html"]`))
	require.Error(t, err)
	assert.Nil(t, svc.Lifecycle().Active())
	assert.Equal(t, 2, origin.Hits("/index.html"))
}

func TestLifecycle_ActivateWithoutInstall(t *testing.T) {
	svc := newTestService(t, testConfig(t, "https://app.clinic.test", ""), Options{})
	_, err := svc.Lifecycle().Activate(t.Context())
	assert.Error(t, err)
}

func TestLifecycle_KeepsFetchedShell(t *testing.T) {
	origin := assetServer(t)
	svc := newTestService(t, testConfig(t, origin.URL, ""), Options{})
	require.NoError(t, svc.Start(t.Context()))

	serve(svc, navigation("/agenda"))
	require.True(t, svc.precache.bucket.Has("/index.html"))

	_, err := svc.Lifecycle().Update(t.Context(), mustManifest(t, `["/assets/a.js"]`))
	require.NoError(t, err)
	assert.True(t, svc.precache.bucket.Has("/index.html"), "shell outside the manifest survives pruning")
}

func TestService_Reload(t *testing.T) {
	origin := assetServer(t)
	manifest := writeManifest(t, `[{"url":"/index.html","revision":"1"}]`)
	cfg := testConfig(t, origin.URL, fmt.Sprintf("precache:\n  manifest: %q\n", manifest))
	svc := newTestService(t, cfg, Options{})

	require.NoError(t, svc.Start(t.Context()))
	first := svc.Lifecycle().Active()
	require.NotNil(t, first)

	require.NoError(t, svc.Reload(t.Context()))
	assert.Same(t, first, svc.Lifecycle().Active(), "unchanged manifest keeps the active version")
}
