package edge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

type ClickAction string

const (
	ClickFocused ClickAction = "focused"
	ClickOpened  ClickAction = "opened"
	ClickNone    ClickAction = "none"
)

// ClickResult describes what a notification click did.
type ClickResult struct {
	Action   ClickAction `json:"action"`
	URL      string      `json:"url"`
	WindowID string      `json:"windowId,omitempty"`
}

// HandleNotificationClick closes the displayed notification id and routes
// the click to a window.
func (s *Service) HandleNotificationClick(ctx context.Context, id string) (ClickResult, error) {
	var res ClickResult
	err := s.waitUntil(ctx, func(ctx context.Context) error {
		rec, ok := s.notifications.Close(ctx, id)
		if !ok {
			return ErrNotificationNotFound
		}
		r, err := s.dispatchClick(ctx, rec)
		res = r
		return err
	})
	return res, err
}

// dispatchClick focuses the window already showing the target URL, or opens
// one when the registry can. At most one window is focused or opened.
func (s *Service) dispatchClick(ctx context.Context, rec NotificationRecord) (ClickResult, error) {
	target := s.resolveTarget(rec.URL())
	res := ClickResult{Action: ClickNone, URL: target}
	if s.windows == nil {
		return res, nil
	}

	wins, err := s.windows.MatchAll(ctx, true)
	if err != nil {
		return res, fmt.Errorf("match windows: %w", err)
	}
	for _, w := range wins {
		if w.URL != target {
			continue
		}
		if err := s.windows.Focus(ctx, w.ID); err != nil {
			if errors.Is(err, ErrNoWindow) {
				// closed between enumeration and focus
				continue
			}
			return res, fmt.Errorf("focus window %s: %w", w.ID, err)
		}
		res.Action = ClickFocused
		res.WindowID = w.ID
		return res, nil
	}

	opener, ok := s.windows.(WindowOpener)
	if !ok {
		return res, nil
	}
	if err := opener.OpenWindow(ctx, target); err != nil {
		if errors.Is(err, ErrUnsupported) {
			return res, nil
		}
		return res, fmt.Errorf("open window: %w", err)
	}
	res.Action = ClickOpened
	return res, nil
}

// resolveTarget makes u absolute against the agent's public origin.
func (s *Service) resolveTarget(u string) string {
	base, err := url.Parse(s.cfg.Server.PublicURL + "/")
	if err != nil {
		return u
	}
	ref, err := url.Parse(u)
	if err != nil {
		return base.String()
	}
	return base.ResolveReference(ref).String()
}
