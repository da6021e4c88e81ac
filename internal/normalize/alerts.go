package normalize

import (
	"strings"
	"time"

	"departure-board/internal/model"
)

func alertRecords(v any) []model.Record {
	switch x := v.(type) {
	case []any:
		var out []model.Record
		for _, item := range x {
			if a, ok := alertFromItem(item); ok {
				if r, ok := AlertRecord(a); ok {
					out = append(out, r)
				}
			}
		}
		return out
	case map[string]any:
		if inner, ok := x["alerts"]; ok {
			return alertRecords(inner)
		}
		if inner, ok := envelope(x); ok {
			return alertRecords(inner)
		}
		if a, ok := alertFromItem(x); ok {
			if r, ok := AlertRecord(a); ok {
				return []model.Record{r}
			}
		}
	case string:
		if r, ok := AlertRecord(model.Alert{Text: strings.TrimSpace(x)}); ok {
			return []model.Record{r}
		}
	}
	return nil
}

func alertFromItem(item any) (model.Alert, bool) {
	switch x := item.(type) {
	case string:
		return model.Alert{Text: strings.TrimSpace(x)}, true
	case map[string]any:
		text := str(firstOf(x, "text", "message"))
		if text == "" {
			text = lineStatusText(str(x["line"]), str(x["status"]), str(x["details"]))
		}
		if text == "" {
			return model.Alert{}, false
		}
		return model.Alert{
			ID:             str(x["id"]),
			Text:           text,
			TranslatedText: str(firstOf(x, "fr", "text_fr", "translatedText")),
			StartsAt:       timeOf(firstOf(x, "startsAt", "starts_at", "start")),
			EndsAt:         timeOf(firstOf(x, "endsAt", "ends_at", "end")),
		}, true
	}
	return model.Alert{}, false
}

// lineStatusText renders the {line,status,details} shape as "line: status - details".
func lineStatusText(line, status, details string) string {
	var b strings.Builder
	if line != "" {
		b.WriteString(line)
		if status != "" || details != "" {
			b.WriteString(": ")
		}
	}
	b.WriteString(status)
	if details != "" {
		if status != "" {
			b.WriteString(" - ")
		}
		b.WriteString(details)
	}
	return strings.TrimSpace(b.String())
}

// AlertRecord canonicalizes a into a record. Alerts whose text carries no
// meaning once normalized are dropped.
func AlertRecord(a model.Alert) (model.Record, bool) {
	key := identityText(a.Text)
	if key == "" {
		return model.Record{}, false
	}
	if a.ID == "" {
		a.ID = "alert:" + contentHash(key)
	}
	a.Text = strings.TrimSpace(a.Text)
	a.TranslatedText = strings.TrimSpace(a.TranslatedText)
	return model.Record{
		ID:     a.ID,
		Digest: contentHash(a.ID, key, identityText(a.TranslatedText), timeKey(a.StartsAt), timeKey(a.EndsAt)),
		Kind:   model.KindAlert,
		Text:   a.Text,
		Alert:  &a,
	}, true
}

func timeOf(v any) *time.Time {
	var t time.Time
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		var err error
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			if t, err = time.Parse("2006-01-02 15:04:05", s); err != nil {
				return nil
			}
		}
	case float64:
		if x <= 0 {
			return nil
		}
		t = time.Unix(int64(x), 0)
	default:
		return nil
	}
	t = t.UTC()
	return &t
}

func timeKey(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
