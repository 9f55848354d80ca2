package edge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Version is one deployment of the agent, identified by its manifest.
type Version struct {
	ID          string
	Manifest    Manifest
	InstalledAt time.Time
	ActivatedAt time.Time

	state atomic.Value // State
}

func newVersion(m Manifest) *Version {
	v := &Version{ID: m.Version, Manifest: m}
	v.state.Store(StateInstalling)
	return v
}

func (v *Version) State() State { return v.state.Load().(State) }

func (v *Version) setState(s State) { v.state.Store(s) }

// Lifecycle brings new versions online: install populates the precache,
// waiting is skipped, and activation prunes stale precache entries and
// claims every open window.
type Lifecycle struct {
	precache *Precache
	claimer  Claimer
	appShell string
	log      zerolog.Logger

	maxAttempts uint
	backoff     func() backoff.BackOff

	mu      sync.Mutex // serialises install and activate
	waiting *Version
	active  atomic.Pointer[Version]
}

// Active returns the version currently serving requests, or nil before the
// first activation.
func (l *Lifecycle) Active() *Version {
	return l.active.Load()
}

// Install populates the precache for m. A failed run is retried with
// exponential backoff up to the configured number of attempts; entries
// fetched by earlier attempts are reused.
func (l *Lifecycle) Install(ctx context.Context, m Manifest) (*Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.installLocked(ctx, m)
}

func (l *Lifecycle) installLocked(ctx context.Context, m Manifest) (*Version, error) {
	v := newVersion(m)
	log := l.log.With().Str("version", v.ID).Logger()
	log.Info().Int("entries", len(m.Entries)).Msg("installing")

	fetched, err := backoff.Retry(ctx,
		func() (int, error) {
			return l.precache.Populate(ctx, m)
		},
		backoff.WithBackOff(l.backoff()),
		backoff.WithMaxTries(l.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("install failed, retrying")
		}),
	)
	if err != nil {
		v.setState(StateRedundant)
		return nil, fmt.Errorf("install %s: %w", v.ID, err)
	}

	v.InstalledAt = time.Now()
	v.setState(StateWaiting)
	l.waiting = v
	log.Info().Int("fetched", fetched).Msg("installed")
	return v, nil
}

// Activate promotes the waiting version. The previous version becomes
// redundant, unreferenced precache entries are removed and all open windows
// are claimed by the new version.
func (l *Lifecycle) Activate(ctx context.Context) (*Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activateLocked(ctx)
}

func (l *Lifecycle) activateLocked(ctx context.Context) (*Version, error) {
	v := l.waiting
	if v == nil {
		return nil, errors.New("no installed version waiting for activation")
	}
	l.waiting = nil

	v.ActivatedAt = time.Now()
	v.setState(StateActive)
	if prev := l.active.Swap(v); prev != nil && prev != v {
		prev.setState(StateRedundant)
	}

	var keep []string
	if _, ok := v.Manifest.Lookup(l.appShell); !ok {
		keep = append(keep, l.appShell)
	}
	l.precache.Prune(v.Manifest, keep...)

	claimed := 0
	if l.claimer != nil {
		n, err := l.claimer.Claim(ctx, v.ID)
		if err != nil {
			l.log.Warn().Err(err).Str("version", v.ID).Msg("claim windows")
		}
		claimed = n
	}
	l.log.Info().Str("version", v.ID).Int("claimed", claimed).Msg("activated")
	return v, nil
}

// Update installs m and activates it immediately, without waiting for the
// windows of the previous version to go away.
func (l *Lifecycle) Update(ctx context.Context, m Manifest) (*Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur := l.active.Load(); cur != nil && cur.ID == m.Version {
		l.log.Debug().Str("version", cur.ID).Msg("manifest unchanged, nothing to install")
		return cur, nil
	}
	if _, err := l.installLocked(ctx, m); err != nil {
		return nil, err
	}
	return l.activateLocked(ctx)
}

func defaultInstallBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}
