package normalize

import (
	"strconv"
	"strings"

	"departure-board/internal/model"
)

func scheduleRecords(v any) []model.Record {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case map[string]any:
		if inner, ok := x["schedules"].([]any); ok {
			items = inner
		} else if inner, ok := envelope(x); ok {
			return scheduleRecords(inner)
		}
	}
	var out []model.Record
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if r, ok := ScheduleRecord(scheduleRow(m)); ok {
			out = append(out, r)
		}
	}
	return out
}

func scheduleRow(m map[string]any) model.ScheduleRow {
	row := model.ScheduleRow{
		Train:         str(m["train"]),
		Destination:   str(m["destination"]),
		ScheduledTime: str(firstOf(m, "departure", "scheduled")),
		DepartsAt:     timeOf(m["departure_time"]),
		Status:        str(m["status"]),
		Platform:      str(firstOf(m, "platform", "track")),
		Accessible:    boolish(m["accessible"]),
		ColorToken:    str(m["color"]),
	}
	if row.ScheduledTime == "" && row.DepartsAt != nil {
		row.ScheduledTime = row.DepartsAt.Format("15:04")
	}
	return row
}

// ScheduleRecord canonicalizes one departure row. Rows naming neither a
// train nor a destination are dropped.
func ScheduleRecord(row model.ScheduleRow) (model.Record, bool) {
	if row.Train == "" && row.Destination == "" {
		return model.Record{}, false
	}
	fold := func(s string) string { return strings.ToLower(strings.Join(strings.Fields(s), " ")) }
	id := "row:" + contentHash(fold(row.Train), fold(row.Destination), row.ScheduledTime)
	digest := contentHash(id, fold(row.Status), fold(row.Platform), strconv.FormatBool(row.Accessible),
		fold(row.ColorToken), timeKey(row.DepartsAt))
	return model.Record{
		ID:       id,
		Digest:   digest,
		Kind:     model.KindSchedule,
		Text:     row.Train,
		Schedule: &row,
	}, true
}

func stationRecords(v any) []model.Record {
	var name string
	switch x := v.(type) {
	case string:
		name = strings.TrimSpace(x)
	case map[string]any:
		name = str(firstOf(x, "station", "name"))
		if name == "" {
			if inner, ok := envelope(x); ok {
				return stationRecords(inner)
			}
		}
	}
	if r, ok := StationRecord(name); ok {
		return []model.Record{r}
	}
	return nil
}

func StationRecord(name string) (model.Record, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Record{}, false
	}
	key := strings.ToLower(strings.Join(strings.Fields(name), " "))
	id := "station:" + contentHash(key)
	return model.Record{ID: id, Digest: id, Kind: model.KindStation, Text: name}, true
}
