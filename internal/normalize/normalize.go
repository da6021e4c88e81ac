// Package normalize turns untrusted feed payloads into canonical records.
//
// Every transport (push socket, event stream, polling) hands its raw bytes
// to the same Normalizer, so the same content always produces the same
// records no matter which channel delivered it. Malformed or empty input
// yields no records; the reconciler decides what an empty set means.
package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"departure-board/internal/model"
)

const defaultCacheSize = 256

// Normalizer memoizes Records. The projection is pure, so a cached result
// is always identical to a fresh one. Callers receive deep copies and may
// modify them without touching the cache.
type Normalizer struct {
	memo gcache.Cache
}

func New(cacheSize int) *Normalizer {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Normalizer{memo: gcache.New(cacheSize).LRU().Build()}
}

// Normalize projects u onto canonical records. It never fails.
func (n *Normalizer) Normalize(u model.RawUpdate) []model.Record {
	key := contentHash(string(u.Feed), u.ContentType, string(u.Payload))
	if n.memo != nil {
		if v, err := n.memo.GetIFPresent(key); err == nil {
			return cloneRecords(v.([]model.Record))
		}
	}
	recs := Records(u.Feed, u.ContentType, u.Payload)
	if n.memo != nil {
		_ = n.memo.Set(key, recs)
	}
	return cloneRecords(recs)
}

func cloneRecords(recs []model.Record) []model.Record {
	if recs == nil {
		return nil
	}
	out := make([]model.Record, len(recs))
	for i, r := range recs {
		if r.Alert != nil {
			a := *r.Alert
			a.StartsAt, a.EndsAt = cloneTime(a.StartsAt), cloneTime(a.EndsAt)
			r.Alert = &a
		}
		if r.Schedule != nil {
			row := *r.Schedule
			row.DepartsAt = cloneTime(row.DepartsAt)
			r.Schedule = &row
		}
		out[i] = r
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Records is the uncached projection of a payload for feed.
func Records(feed model.FeedName, contentType string, payload []byte) []model.Record {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil
	}
	if feed == model.FeedAlerts && isProtobuf(contentType, payload) {
		return gtfsrtAlerts(payload)
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	switch feed {
	case model.FeedAlerts:
		return dedupe(alertRecords(v))
	case model.FeedSchedules:
		return dedupe(scheduleRecords(v))
	case model.FeedStation:
		return dedupe(stationRecords(v))
	}
	return nil
}

func isProtobuf(contentType string, payload []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "protobuf") || strings.Contains(ct, "octet-stream") {
		return true
	}
	if strings.Contains(ct, "json") {
		return false
	}
	switch payload[0] {
	case '{', '[', '"':
		return false
	}
	return true
}

// dedupe keeps the first record of every identity, preserving order.
func dedupe(recs []model.Record) []model.Record {
	if len(recs) < 2 {
		return recs
	}
	seen := make(map[string]bool, len(recs))
	out := recs[:0:0]
	for _, r := range recs {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

// envelope unwraps {event, data} and {data} wrappers used by push channels.
func envelope(m map[string]any) (any, bool) {
	if d, ok := m["data"]; ok {
		if s, isStr := d.(string); isStr {
			var inner any
			if json.Unmarshal([]byte(s), &inner) == nil {
				return inner, true
			}
		}
		return d, true
	}
	return nil, false
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		b, _ := json.Marshal(x)
		return string(b)
	case json.Number:
		return x.String()
	}
	return ""
}

func boolish(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "t", "yes", "y":
			return true
		}
	}
	return false
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
