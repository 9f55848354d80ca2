package edge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Options carries the collaborators of a Service. Zero values are valid:
// without Windows clicks only close notifications, without Display
// notifications are only recorded.
type Options struct {
	Logger     zerolog.Logger
	HTTPClient *http.Client
	Windows    Windows
	Display    Display
	Claimer    Claimer

	// InstallBackoff overrides the retry policy of precache installs.
	InstallBackoff func() backoff.BackOff
}

type Service struct {
	cfg Config
	log zerolog.Logger

	httpClient *http.Client

	storage  *Storage
	static   *Bucket
	api      *Bucket
	precache *Precache

	lifecycle     *Lifecycle
	notifications *NotificationCenter
	windows       Windows

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

func NewService(cfg Config, opts Options) (*Service, error) {
	log := opts.Logger
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	st, err := OpenStorage(cfg.Storage.Path, cfg.maxEntryBytes, log)
	if err != nil {
		return nil, err
	}
	static, err := st.Bucket(cfg.Buckets.Static.Name, cfg.Buckets.Static.MaxEntries, cfg.Buckets.Static.maxAgeDur)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	api, err := st.Bucket(cfg.Buckets.API.Name, cfg.Buckets.API.MaxEntries, cfg.Buckets.API.maxAgeDur)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pre, err := st.Bucket(precacheBucket, 0, 0)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	s := &Service{
		cfg:           cfg,
		log:           log,
		httpClient:    client,
		storage:       st,
		static:        static,
		api:           api,
		windows:       opts.Windows,
		notifications: NewNotificationCenter(opts.Display, log),
		stopCh:        make(chan struct{}),
		stats:         newStatsCollector(),
	}
	s.precache = &Precache{
		bucket: pre,
		fetch:  s.fetchManifestEntry,
		log:    log,
	}

	newBackoff := opts.InstallBackoff
	if newBackoff == nil {
		newBackoff = defaultInstallBackoff
	}
	s.lifecycle = &Lifecycle{
		precache:    s.precache,
		claimer:     opts.Claimer,
		appShell:    cfg.Precache.AppShell,
		log:         log.With().Str("component", "lifecycle").Logger(),
		maxAttempts: uint(cfg.Precache.InstallAttempts),
		backoff:     newBackoff,
	}

	if cfg.Logging.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.statsEveryDur)
		}()
	}

	return s, nil
}

// Close stops background loops, waits for every tracked task and closes the storage.
func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.storage.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close storage")
	}
}

// Handler serves every proxied request through the cache strategy router.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }
func (s *Service) Notifications() *NotificationCenter { return s.notifications }
func (s *Service) Buckets() (static, api *Bucket) { return s.static, s.api }
func (s *Service) Precache() *Precache { return s.precache }
func (s *Service) Config() Config { return s.cfg }

// Start installs and activates the configured manifest. Without a manifest
// the agent runs with an empty precache.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Precache.Manifest == "" {
		s.log.Warn().Msg("precache.manifest not set; app shell will be fetched on first navigation")
		_, err := s.lifecycle.Update(ctx, Manifest{Version: "empty"})
		return err
	}
	return s.Reload(ctx)
}

// Reload loads the configured manifest again and brings it online if it
// changed. It runs on every new deployment.
func (s *Service) Reload(ctx context.Context) error {
	m, err := LoadManifest(ctx, s.httpClient, s.cfg.Precache.Manifest)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	_, err = s.lifecycle.Update(ctx, m)
	return err
}

// waitUntil runs fn as a tracked task and waits for it. The task keeps
// running even if ctx is cancelled, and Close waits for it.
func (s *Service) waitUntil(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- fn(context.WithoutCancel(ctx))
	}()
	return <-done
}

// keepAlive runs fn as a tracked task without waiting for it.
func (s *Service) keepAlive(ctx context.Context, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

func (s *Service) fetchManifestEntry(ctx context.Context, e ManifestEntry) (CacheEntry, error) {
	return s.fetch(ctx, s.cfg.Server.Origin, outbound{
		method: http.MethodGet,
		uri:    e.URL,
		header: http.Header{},
	})
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			evt := s.log.Info().
				Int("precache_entries", s.precache.Len()).
				Int("static_entries", s.static.Len()).
				Int("api_entries", s.api.Len()).
				Str("disk_usage", formatBytes(uint64(s.static.TotalSize()+s.api.TotalSize()+s.precache.bucket.TotalSize()))).
				Str("resp_min", formatBytes(ss.MinRespBytes)).
				Str("resp_avg", formatBytes(ss.AvgRespBytes)).
				Str("resp_max", formatBytes(ss.MaxRespBytes)).
				Interface("outcomes", ss.Outcomes)
			if rss, ok := processRSSBytes(); ok {
				evt = evt.Str("rss", formatBytes(rss))
			}
			evt.Msg("cache stats")
		}
	}
}
