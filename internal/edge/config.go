package edge

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// MemoryStoragePath keeps every bucket in memory instead of on disk.
const MemoryStoragePath = ":memory:"

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"CLINICEDGE_PORT"`
		Origin string `yaml:"origin" env:"CLINICEDGE_ORIGIN"`
		// PublicURL is the origin browsers see; notification targets are
		// resolved against it. Defaults to Origin.
		PublicURL string `yaml:"publicURL" env:"CLINICEDGE_PUBLIC_URL"`
		// ControlToken guards the /_edge endpoints that change or reveal
		// notification state. Defaults to cron.adminToken.
		ControlToken string `yaml:"controlToken" env:"CLINICEDGE_CONTROL_TOKEN"`
	} `yaml:"server"`

	Backend struct {
		URL   string   `yaml:"url" env:"SUPABASE_URL"`
		Hosts []string `yaml:"hosts"`
	} `yaml:"backend"`

	Storage struct {
		Path         string `yaml:"path" env:"CLINICEDGE_STORAGE_PATH"`
		MaxEntrySize string `yaml:"maxEntrySize"`
	} `yaml:"storage"`

	Precache struct {
		Manifest           string `yaml:"manifest" env:"CLINICEDGE_MANIFEST"`
		AppShell           string `yaml:"appShell"`
		NavigationDenylist string `yaml:"navigationDenylist"`
		InstallAttempts    int    `yaml:"installAttempts"`
	} `yaml:"precache"`

	Buckets struct {
		Static BucketConfig `yaml:"static"`
		API    BucketConfig `yaml:"api"`
	} `yaml:"buckets"`

	Notifications struct {
		DefaultTitle string `yaml:"defaultTitle"`
		DefaultIcon  string `yaml:"defaultIcon"`
		DefaultBadge string `yaml:"defaultBadge"`
	} `yaml:"notifications"`

	Push struct {
		NATS struct {
			URL     string `yaml:"url" env:"NATS_URL"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
	} `yaml:"push"`

	Cron struct {
		UpstreamURL string `yaml:"upstreamURL" env:"SUPABASE_FUNCTION_URL"`
		AdminToken  string `yaml:"adminToken" env:"ADMIN_TOKEN"`
	} `yaml:"cron"`

	Subscriptions struct {
		DatabaseURL string `yaml:"databaseURL" env:"DATABASE_URL"`
		JWTSecret   string `yaml:"jwtSecret" env:"SUPABASE_JWT_SECRET"`
		AnonKey     string `yaml:"anonKey" env:"SUPABASE_ANON_KEY"`
	} `yaml:"subscriptions"`

	Logging struct {
		Level      string `yaml:"level" env:"CLINICEDGE_LOG_LEVEL"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	// compiled
	navDenylist   []pathPrefixMatcher
	maxEntryBytes int64
	backendHosts  map[string]struct{}
	appHosts      map[string]struct{}
}

// BucketConfig bounds one runtime cache bucket.
type BucketConfig struct {
	Name           string `yaml:"name"`
	MaxEntries     int    `yaml:"maxEntries"`
	MaxAge         string `yaml:"maxAge"`
	NetworkTimeout string `yaml:"networkTimeout"`
	// Match selects requests by path in addition to the built-in rules.
	Match string `yaml:"match"`

	maxAgeDur  time.Duration
	timeoutDur time.Duration
	matchers   []pathPrefixMatcher
}

func (b BucketConfig) MaxAgeDuration() time.Duration { return b.maxAgeDur }
func (b BucketConfig) TimeoutDuration() time.Duration { return b.timeoutDur }

func (b *BucketConfig) Matches(path string) bool {
	for _, m := range b.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes a YAML document, applies environment overrides and
// defaults, then compiles matchers, durations and sizes.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.MaxEntrySize == "" {
		cfg.Storage.MaxEntrySize = "10mb"
	}
	if cfg.Precache.AppShell == "" {
		cfg.Precache.AppShell = "/index.html"
	}
	if cfg.Precache.NavigationDenylist == "" {
		cfg.Precache.NavigationDenylist = "PathPrefix(/api)"
	}
	if cfg.Precache.InstallAttempts == 0 {
		cfg.Precache.InstallAttempts = 5
	}

	st := &cfg.Buckets.Static
	if st.Name == "" {
		st.Name = "static-assets"
	}
	if st.MaxEntries == 0 {
		st.MaxEntries = 300
	}
	if st.MaxAge == "" {
		st.MaxAge = "30d"
	}

	api := &cfg.Buckets.API
	if api.Name == "" {
		api.Name = "api-responses"
	}
	if api.MaxEntries == 0 {
		api.MaxEntries = 200
	}
	if api.MaxAge == "" {
		api.MaxAge = "7d"
	}
	if api.NetworkTimeout == "" {
		api.NetworkTimeout = "5s"
	}
	if api.Match == "" {
		api.Match = "PathPrefix(/api)"
	}

	if cfg.Notifications.DefaultTitle == "" {
		cfg.Notifications.DefaultTitle = "Notificação"
	}
	if cfg.Notifications.DefaultIcon == "" {
		cfg.Notifications.DefaultIcon = "/icons/icon-192x192.png"
	}
	if cfg.Notifications.DefaultBadge == "" {
		cfg.Notifications.DefaultBadge = "/icons/badge-72x72.png"
	}
	if cfg.Push.NATS.Subject == "" {
		cfg.Push.NATS.Subject = "clinic.push"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Server.ControlToken == "" {
		cfg.Server.ControlToken = cfg.Cron.AdminToken
	}
}

func (cfg *Config) compile() error {
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if _, err := url.Parse(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = cfg.Server.Origin
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	public, err := url.Parse(cfg.Server.PublicURL)
	if err != nil {
		return fmt.Errorf("server.publicURL: %w", err)
	}
	cfg.appHosts = map[string]struct{}{}
	if public.Host != "" {
		cfg.appHosts[strings.ToLower(public.Host)] = struct{}{}
	}
	if u, _ := url.Parse(cfg.Server.Origin); u != nil && u.Host != "" {
		cfg.appHosts[strings.ToLower(u.Host)] = struct{}{}
	}

	cfg.backendHosts = map[string]struct{}{}
	if cfg.Backend.URL != "" {
		cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")
		u, err := url.Parse(cfg.Backend.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("backend.url: invalid %q", cfg.Backend.URL)
		}
		cfg.backendHosts[strings.ToLower(u.Host)] = struct{}{}
	}
	for _, h := range cfg.Backend.Hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			cfg.backendHosts[h] = struct{}{}
		}
	}

	if !strings.HasPrefix(cfg.Precache.AppShell, "/") {
		return fmt.Errorf("precache.appShell must start with /, got %q", cfg.Precache.AppShell)
	}
	ms, err := parseMatch(cfg.Precache.NavigationDenylist)
	if err != nil {
		return fmt.Errorf("precache.navigationDenylist: %w", err)
	}
	cfg.navDenylist = ms

	size, err := parseBytes(cfg.Storage.MaxEntrySize)
	if err != nil {
		return fmt.Errorf("storage.maxEntrySize: %w", err)
	}
	cfg.maxEntryBytes = size

	if err := compileBucket("buckets.static", &cfg.Buckets.Static); err != nil {
		return err
	}
	if err := compileBucket("buckets.api", &cfg.Buckets.API); err != nil {
		return err
	}
	if cfg.Buckets.Static.Name == cfg.Buckets.API.Name {
		return fmt.Errorf("buckets.static.name and buckets.api.name must differ")
	}
	if cfg.Buckets.Static.Name == precacheBucket || cfg.Buckets.API.Name == precacheBucket {
		return fmt.Errorf("bucket name %q is reserved", precacheBucket)
	}
	if cfg.Precache.InstallAttempts < 0 {
		return fmt.Errorf("precache.installAttempts must not be negative")
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := parseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}
	return nil
}

func compileBucket(key string, b *BucketConfig) error {
	if b.MaxEntries < 0 {
		return fmt.Errorf("%s.maxEntries must not be negative", key)
	}
	d, err := parseDuration(b.MaxAge)
	if err != nil {
		return fmt.Errorf("%s.maxAge: %w", key, err)
	}
	b.maxAgeDur = d
	if b.NetworkTimeout != "" {
		d, err := parseDuration(b.NetworkTimeout)
		if err != nil {
			return fmt.Errorf("%s.networkTimeout: %w", key, err)
		}
		b.timeoutDur = d
	}
	if b.Match != "" {
		ms, err := parseMatch(b.Match)
		if err != nil {
			return fmt.Errorf("%s.match: %w", key, err)
		}
		b.matchers = ms
	}
	return nil
}

// IsBackendHost reports whether host (with or without port) belongs to the
// hosted backend.
func (cfg *Config) IsBackendHost(host string) bool {
	_, ok := cfg.backendHosts[strings.ToLower(host)]
	return ok
}

// IsAppHost reports whether host is the app origin or its public address.
func (cfg *Config) IsAppHost(host string) bool {
	_, ok := cfg.appHosts[strings.ToLower(host)]
	return ok
}

func (cfg *Config) navigationDenied(path string) bool {
	for _, m := range cfg.navDenylist {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// parseDuration accepts time.ParseDuration syntax plus a whole-day "d" suffix.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}
