package edge

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUnsupported is returned by window registries that cannot open new windows.
	ErrUnsupported = errors.New("capability not supported")
	// ErrNoWindow is returned when a window id is not known to the registry.
	ErrNoWindow = errors.New("window not found")
	// ErrNotificationNotFound is returned when a click targets a notification
	// that is no longer displayed.
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrEntryTooLarge is returned by Bucket.Put for bodies above storage.maxEntrySize.
	ErrEntryTooLarge = errors.New("entry exceeds max entry size")
	// ErrNetwork marks a request that neither the cache nor the network could answer.
	ErrNetwork = errors.New("network error")
)

type CacheEntry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	// Hash32 is the CRC-32 of Body, checked on every read.
	Hash32 uint32

	// Revision is set for precache entries only.
	Revision string
}

// Window is a snapshot of one open app window as seen by the window registry.
type Window struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Controlled bool   `json:"controlled"`
	Focused    bool   `json:"focused"`
}

// Windows enumerates and focuses the app windows connected to the agent.
type Windows interface {
	MatchAll(ctx context.Context, includeUncontrolled bool) ([]Window, error)
	Focus(ctx context.Context, id string) error
}

// WindowOpener is implemented by registries able to open a new window.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// Claimer takes control of every open window for a newly activated version.
type Claimer interface {
	Claim(ctx context.Context, version string) (int, error)
}

// Display is the user-visible notification surface.
type Display interface {
	Show(ctx context.Context, rec NotificationRecord) error
	Close(ctx context.Context, id string) error
}
