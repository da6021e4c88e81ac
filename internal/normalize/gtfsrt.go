package normalize

import (
	"strings"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"departure-board/internal/model"
)

// gtfsrtAlerts reads service alerts from a GTFS-realtime FeedMessage.
// English (or untagged) text becomes the alert text, French the translation.
func gtfsrtAlerts(payload []byte) []model.Record {
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(payload, feed); err != nil {
		return nil
	}
	var out []model.Record
	for _, entity := range feed.GetEntity() {
		alert := entity.GetAlert()
		if alert == nil || entity.GetIsDeleted() {
			continue
		}
		text, fr := translations(alert.GetHeaderText())
		if text == "" {
			text, fr = translations(alert.GetDescriptionText())
		}
		a := model.Alert{ID: entity.GetId(), Text: text, TranslatedText: fr}
		if periods := alert.GetActivePeriod(); len(periods) > 0 {
			if s := periods[0].GetStart(); s > 0 {
				t := time.Unix(int64(s), 0).UTC()
				a.StartsAt = &t
			}
			if e := periods[0].GetEnd(); e > 0 {
				t := time.Unix(int64(e), 0).UTC()
				a.EndsAt = &t
			}
		}
		if r, ok := AlertRecord(a); ok {
			out = append(out, r)
		}
	}
	return dedupe(out)
}

func translations(ts *gtfs.TranslatedString) (text, fr string) {
	var fallback string
	for _, tr := range ts.GetTranslation() {
		t := strings.TrimSpace(tr.GetText())
		if t == "" {
			continue
		}
		switch strings.ToLower(tr.GetLanguage()) {
		case "en", "en-ca", "en-us", "":
			if text == "" {
				text = t
			}
		case "fr", "fr-ca":
			if fr == "" {
				fr = t
			}
		default:
			if fallback == "" {
				fallback = t
			}
		}
	}
	if text == "" {
		text = fallback
	}
	return text, fr
}
