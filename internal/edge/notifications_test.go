package edge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationCenter_ShowAssignsIdentity(t *testing.T) {
	display := &recordingDisplay{}
	c := NewNotificationCenter(display, zerolog.Nop())

	rec := NotificationRecord{Title: "a"}
	require.NoError(t, c.Show(context.Background(), &rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.ShownAt.IsZero())
	require.Len(t, display.shown, 1)
	assert.Equal(t, rec.ID, display.shown[0].ID)
}

func TestNotificationCenter_TagReplaces(t *testing.T) {
	c := NewNotificationCenter(nil, zerolog.Nop())
	ctx := context.Background()

	first := NotificationRecord{Title: "1", Tag: "reminder"}
	second := NotificationRecord{Title: "2", Tag: "reminder"}
	other := NotificationRecord{Title: "3"}
	require.NoError(t, c.Show(ctx, &first))
	require.NoError(t, c.Show(ctx, &second))
	require.NoError(t, c.Show(ctx, &other))

	list := c.List()
	require.Len(t, list, 2)
	_, ok := c.Get(first.ID)
	assert.False(t, ok)
	_, ok = c.Get(second.ID)
	assert.True(t, ok)
}

func TestNotificationCenter_UntaggedNeverDeduplicated(t *testing.T) {
	c := NewNotificationCenter(nil, zerolog.Nop())
	for i := 0; i < 3; i++ {
		rec := NotificationRecord{Title: "same"}
		require.NoError(t, c.Show(context.Background(), &rec))
	}
	assert.Len(t, c.List(), 3)
}

func TestNotificationCenter_DisplayFailure(t *testing.T) {
	display := &recordingDisplay{err: errors.New("denied")}
	c := NewNotificationCenter(display, zerolog.Nop())

	rec := NotificationRecord{Title: "a"}
	assert.Error(t, c.Show(context.Background(), &rec))
	assert.Empty(t, c.List())
}

func TestNotificationCenter_ListOrder(t *testing.T) {
	c := NewNotificationCenter(nil, zerolog.Nop())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	step := 0
	c.now = func() time.Time {
		step++
		return base.Add(time.Duration(-step) * time.Minute)
	}
	a := NotificationRecord{Title: "a"}
	b := NotificationRecord{Title: "b"}
	require.NoError(t, c.Show(context.Background(), &a))
	require.NoError(t, c.Show(context.Background(), &b))

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Title)
	assert.Equal(t, "a", list[1].Title)
}

func TestHandlePush_DisplayFailureReturned(t *testing.T) {
	display := &recordingDisplay{err: errors.New("permission denied")}
	svc := newTestService(t, testConfig(t, clickOrigin, ""), Options{Display: display})

	_, err := svc.HandlePush(t.Context(), []byte(`{"title":"x"}`))
	assert.Error(t, err)
	assert.Empty(t, svc.Notifications().List())
}

func TestHandlePush_UsesConfiguredDefaults(t *testing.T) {
	display := &recordingDisplay{}
	cfg := testConfig(t, clickOrigin, "notifications:\n  defaultTitle: Clínica\n  defaultIcon: /i.png\n")
	svc := newTestService(t, cfg, Options{Display: display})

	rec, err := svc.HandlePush(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Clínica", rec.Title)
	assert.Equal(t, "/i.png", rec.Icon)
	require.Len(t, display.shown, 1)
	assert.Equal(t, "/", display.shown[0].URL())
}
