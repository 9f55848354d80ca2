package edge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testDefaults = NotificationDefaults{
	Title: "Notificação",
	Icon:  "/icons/icon-192x192.png",
	Badge: "/icons/badge-72x72.png",
	URL:   "/",
}

func TestParsePushPayload_TopLevelFields(t *testing.T) {
	rec := ParsePushPayload([]byte(`{
		"title": "Consulta confirmada",
		"body": "Amanhã às 10h",
		"icon": "/icons/ok.png",
		"badge": "/icons/b.png",
		"url": "/agenda/42",
		"data": {"title": "ignored", "url": "/ignored", "appointment_id": "42"}
	}`), testDefaults)

	assert.Equal(t, "Consulta confirmada", rec.Title)
	assert.Equal(t, "Amanhã às 10h", rec.Body)
	assert.Equal(t, "/icons/ok.png", rec.Icon)
	assert.Equal(t, "/icons/b.png", rec.Badge)
	assert.Equal(t, "/agenda/42", rec.Data["url"])
	assert.Equal(t, "/agenda/42", rec.URL())
	assert.Equal(t, "42", rec.Data["appointment_id"], "other data fields are kept")
	assert.Equal(t, "ignored", rec.Data["title"])
}

func TestParsePushPayload_NestedFallback(t *testing.T) {
	rec := ParsePushPayload([]byte(`{"data": {"title": "Lembrete", "body": "Sessão às 15h", "url": "/dashboard", "tag": "reminder-7"}}`), testDefaults)

	assert.Equal(t, "Lembrete", rec.Title)
	assert.Equal(t, "Sessão às 15h", rec.Body)
	assert.Equal(t, "/dashboard", rec.URL())
	assert.Equal(t, "reminder-7", rec.Tag)
	assert.Equal(t, testDefaults.Icon, rec.Icon)
	assert.Equal(t, testDefaults.Badge, rec.Badge)
}

func TestParsePushPayload_Defaults(t *testing.T) {
	rec := ParsePushPayload([]byte(`{}`), testDefaults)

	assert.Equal(t, "Notificação", rec.Title)
	assert.Empty(t, rec.Body)
	assert.Equal(t, testDefaults.Icon, rec.Icon)
	assert.Equal(t, map[string]any{"url": "/"}, rec.Data)
}

func TestParsePushPayload_Unparseable(t *testing.T) {
	rec := ParsePushPayload([]byte("not json{"), testDefaults)

	assert.Equal(t, "Notificação", rec.Title)
	assert.Equal(t, "not json{", rec.Body)
	assert.Equal(t, testDefaults.Icon, rec.Icon)
	assert.Equal(t, "/", rec.URL())
}

func TestParsePushPayload_AbsentOrNonObject(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte(""), []byte("null"), []byte(`"just text"`), []byte("[1,2]")} {
		rec := ParsePushPayload(raw, testDefaults)
		assert.Equal(t, "Notificação", rec.Title, string(raw))
		assert.Equal(t, "/", rec.URL(), string(raw))
	}
}

func TestParsePushPayload_IgnoresNonStringFields(t *testing.T) {
	rec := ParsePushPayload([]byte(`{"title": 7, "data": {"title": "Agenda"}, "url": ""}`), testDefaults)
	assert.Equal(t, "Agenda", rec.Title)
	assert.Equal(t, "/", rec.URL())
}

func TestNotificationRecord_URLDefault(t *testing.T) {
	assert.Equal(t, "/", NotificationRecord{}.URL())
	assert.Equal(t, "/x", NotificationRecord{Data: map[string]any{"url": "/x"}}.URL())
}
