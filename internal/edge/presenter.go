package edge

import "context"

func (s *Service) notificationDefaults() NotificationDefaults {
	return NotificationDefaults{
		Title: s.cfg.Notifications.DefaultTitle,
		Icon:  s.cfg.Notifications.DefaultIcon,
		Badge: s.cfg.Notifications.DefaultBadge,
		URL:   "/",
	}
}

// HandlePush turns one inbound push message into a displayed notification.
// It returns once the display has accepted the record; a display failure is
// returned as is and not retried.
func (s *Service) HandlePush(ctx context.Context, payload []byte) (NotificationRecord, error) {
	rec := ParsePushPayload(payload, s.notificationDefaults())
	err := s.waitUntil(ctx, func(ctx context.Context) error {
		return s.notifications.Show(ctx, &rec)
	})
	if err != nil {
		return NotificationRecord{}, err
	}
	s.log.Debug().
		Str("notification", rec.ID).
		Str("tag", rec.Tag).
		Str("url", rec.URL()).
		Msg("notification shown")
	return rec, nil
}
