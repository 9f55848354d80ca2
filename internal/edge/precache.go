package edge

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

const precacheBucket = "precache"

// Precache holds the assets listed in the active manifest. Entries are keyed
// by ManifestEntry.CacheKey and never expire on their own; only activation of
// a manifest that no longer references them removes them.
type Precache struct {
	bucket *Bucket
	fetch  func(ctx context.Context, e ManifestEntry) (CacheEntry, error)
	log    zerolog.Logger
}

// Populate fetches every entry of m that is not cached yet. The first
// failure aborts the run; entries stored before it are kept for the retry.
func (p *Precache) Populate(ctx context.Context, m Manifest) (int, error) {
	fetched := 0
	for _, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		key := e.CacheKey()
		if p.bucket.Has(key) {
			continue
		}
		ent, err := p.fetch(ctx, e)
		if err != nil {
			return fetched, fmt.Errorf("precache %s: %w", e.URL, err)
		}
		if ent.Status != http.StatusOK {
			return fetched, fmt.Errorf("precache %s: unexpected status %d", e.URL, ent.Status)
		}
		ent.Revision = e.Revision
		if err := p.bucket.Put(key, ent); err != nil {
			return fetched, fmt.Errorf("precache %s: %w", e.URL, err)
		}
		fetched++
	}
	return fetched, nil
}

// Lookup returns the precached response for the request URI u under m. URIs
// missing from m are looked up unrevisioned.
func (p *Precache) Lookup(m Manifest, u string) (CacheEntry, bool) {
	key := u
	if e, ok := m.Lookup(u); ok {
		key = e.CacheKey()
	}
	return p.bucket.Get(key)
}

// Store caches ent under the key u has in m.
func (p *Precache) Store(m Manifest, u string, ent CacheEntry) error {
	key := u
	if e, ok := m.Lookup(u); ok {
		key = e.CacheKey()
		ent.Revision = e.Revision
	}
	return p.bucket.Put(key, ent)
}

// Prune deletes every precache entry that m does not reference, except the
// keys listed in keep.
func (p *Precache) Prune(m Manifest, keep ...string) int {
	want := m.Keys()
	for _, k := range keep {
		want[k] = struct{}{}
	}
	removed := 0
	for _, k := range p.bucket.Keys() {
		if _, ok := want[k]; ok {
			continue
		}
		p.bucket.Delete(k)
		removed++
	}
	if removed > 0 {
		p.log.Info().Int("removed", removed).Str("manifest", m.Version).Msg("pruned stale precache entries")
	}
	return removed
}

func (p *Precache) Len() int { return p.bucket.Len() }
