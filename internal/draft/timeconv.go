package draft

import (
	"time"
)

// CanonicalTime coerces the timestamp shapes that show up in document fields
// into a time.Time: native values, RFC3339 strings (with or without
// sub-second precision), epoch milliseconds, and wrapped {seconds, nanos}
// objects from serialized store snapshots.
func CanonicalTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case map[string]any:
		secs, ok := t["seconds"]
		if !ok {
			return time.Time{}, false
		}
		sf, ok := toFloat(secs)
		if !ok {
			return time.Time{}, false
		}
		var nf float64
		if nanos, ok := t["nanoseconds"]; ok {
			nf, _ = toFloat(nanos)
		} else if nanos, ok := t["nanos"]; ok {
			nf, _ = toFloat(nanos)
		}
		return time.Unix(int64(sf), int64(nf)).UTC(), true
	default:
		return time.Time{}, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// normalizeTimestamps rewrites every temporal value in the document to an
// RFC3339Nano string so the snapshot survives the local persistence
// round-trip. Nested objects are normalized in place as whole units.
func normalizeTimestamps(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		// Wrapped timestamp objects collapse to strings; anything else is a
		// regular sub-object.
		if parsed, ok := CanonicalTime(t); ok {
			if _, hasSeconds := t["seconds"]; hasSeconds {
				return parsed.UTC().Format(time.RFC3339Nano)
			}
		}
		nested := make(map[string]any, len(t))
		for k, nv := range t {
			nested[k] = normalizeValue(nv)
		}
		return nested
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = normalizeValue(item)
		}
		return items
	default:
		return v
	}
}
