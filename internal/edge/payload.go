package edge

import (
	"encoding/json"
	"strings"
	"time"
)

// NotificationDefaults fill fields a push payload leaves out.
type NotificationDefaults struct {
	Title string
	Icon  string
	Badge string
	URL   string
}

// NotificationRecord is a displayed notification. Data always carries "url".
type NotificationRecord struct {
	ID      string         `json:"id"`
	Tag     string         `json:"tag,omitempty"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon,omitempty"`
	Badge   string         `json:"badge,omitempty"`
	Data    map[string]any `json:"data"`
	ShownAt time.Time      `json:"shownAt"`
}

// URL is the click target, "/" when the record carries none.
func (n NotificationRecord) URL() string {
	if s, ok := n.Data["url"].(string); ok && s != "" {
		return s
	}
	return "/"
}

// ParsePushPayload converts the raw bytes of one push message into a record.
// It never fails: payloads that are absent, malformed or not a JSON object
// produce a generic notification whose body is the raw text.
func ParsePushPayload(raw []byte, def NotificationDefaults) NotificationRecord {
	if def.URL == "" {
		def.URL = "/"
	}

	var obj map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil || obj == nil {
		return NotificationRecord{
			Title: def.Title,
			Body:  strings.TrimSpace(string(raw)),
			Icon:  def.Icon,
			Badge: def.Badge,
			Data:  map[string]any{"url": def.URL},
		}
	}

	nested, _ := obj["data"].(map[string]any)
	field := func(name, fallback string) string {
		if s, ok := obj[name].(string); ok && s != "" {
			return s
		}
		if s, ok := nested[name].(string); ok && s != "" {
			return s
		}
		return fallback
	}

	data := make(map[string]any, len(nested)+1)
	for k, v := range nested {
		data[k] = v
	}
	data["url"] = field("url", def.URL)

	return NotificationRecord{
		Tag:   field("tag", ""),
		Title: field("title", def.Title),
		Body:  field("body", ""),
		Icon:  field("icon", def.Icon),
		Badge: field("badge", def.Badge),
		Data:  data,
	}
}
