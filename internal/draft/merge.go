package draft

import (
	"reflect"
	"time"
)

// serverOwned fields are never user-editable and always come from the remote
// record, regardless of which side is newer.
var serverOwned = map[string]struct{}{
	"id":        {},
	"createdBy": {},
	"createdAt": {},
	"type":      {},
}

// Notice records a local field the resolver discarded in favor of a newer
// remote value. Uneventful merges produce none.
type Notice struct {
	Field  string
	Local  any
	Remote any
}

// Merge reconciles a buffered local draft with the authoritative remote
// document.
//
// Local strictly newer: the local snapshot wins wholesale, minus the
// server-owned fields. Remote newer or equal (the tie goes to the server):
// remote values stand; local keys the remote has never seen are carried over,
// and every differing local value is dropped with a Notice. Nested
// sub-objects are compared and moved as whole units.
func Merge(local *LocalDraft, remote Document) (Document, []Notice) {
	if remote == nil {
		if local == nil {
			return Document{}, nil
		}
		// First-time creation: nothing remote to defer to.
		return cloneDocument(local.Fields), nil
	}
	if local == nil {
		return cloneDocument(remote), nil
	}

	remoteUpdated, _ := CanonicalTime(remote["updatedAt"])

	if local.LastSaved.After(remoteUpdated) {
		result := cloneDocument(normalizeTimestamps(local.Fields))
		for field := range serverOwned {
			if v, ok := remote[field]; ok {
				result[field] = normalizeValue(v)
			} else {
				delete(result, field)
			}
		}
		if v, ok := remote["updatedAt"]; ok {
			result["updatedAt"] = normalizeValue(v)
		}
		return result, nil
	}

	result := cloneDocument(remote)
	var notices []Notice
	for field, localValue := range normalizeTimestamps(local.Fields) {
		if _, owned := serverOwned[field]; owned {
			continue
		}
		if field == "updatedAt" || field == "lastSaved" {
			continue
		}
		remoteValue, exists := result[field]
		if !exists {
			result[field] = localValue
			continue
		}
		if !equalValue(localValue, remoteValue) {
			notices = append(notices, Notice{Field: field, Local: localValue, Remote: remoteValue})
		}
	}
	return result, notices
}

func cloneDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		nested := make(map[string]any, len(t))
		for k, nv := range t {
			nested[k] = cloneValue(nv)
		}
		return nested
	case Document:
		return map[string]any(cloneDocument(t))
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = cloneValue(item)
		}
		return items
	default:
		return v
	}
}

// equalValue compares after timestamp normalization so a time.Time on one
// side and its string form on the other do not read as a conflict.
func equalValue(a, b any) bool {
	na, nb := normalizeValue(a), normalizeValue(b)
	if ta, ok := CanonicalTime(na); ok {
		if tb, ok := CanonicalTime(nb); ok {
			return ta.Equal(tb)
		}
	}
	if isNumber(na) && isNumber(nb) {
		fa, _ := toFloat(na)
		fb, _ := toFloat(nb)
		return fa == fb
	}
	return reflect.DeepEqual(na, nb)
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, int, int64:
		return true
	default:
		return false
	}
}

// RemoteUpdatedAt extracts the authoritative updatedAt from a remote
// document, zero when absent.
func RemoteUpdatedAt(remote Document) time.Time {
	t, _ := CanonicalTime(remote["updatedAt"])
	return t
}
