package syncclient

import (
	"reflect"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// Collection is the local copy of every aggregate of one kind, keyed by id.
// Collections are treated as immutable: Merge returns a new one.
type Collection map[string]change.Document

// Merge applies evt to current and returns the resulting collection and whether
// anything changed. current is never modified. Documents without an id are
// skipped.
//
// Deleted removes ids. Created and updated insert unknown ids and otherwise
// merge field by field: every field present in the incoming document replaces
// the stored one, except the child collections named by schema, which are
// merged by child id.
func Merge(current Collection, evt *change.Event, schema change.Schema) (Collection, bool) {
	docs := evt.Aggregates()
	if len(docs) == 0 {
		return current, false
	}

	var next Collection
	cow := func() {
		if next != nil {
			return
		}
		next = make(Collection, len(current)+len(docs))
		for id, doc := range current {
			next[id] = doc
		}
	}
	lookup := func(id string) (change.Document, bool) {
		if next != nil {
			doc, ok := next[id]
			return doc, ok
		}
		doc, ok := current[id]
		return doc, ok
	}

	for _, incoming := range docs {
		id := incoming.ID()
		if id == "" {
			continue
		}
		existing, found := lookup(id)

		if evt.Type == change.EventDeleted {
			if found {
				cow()
				delete(next, id)
			}
			continue
		}

		var merged change.Document
		if found {
			merged = mergeDocument(existing, incoming, schema)
			if reflect.DeepEqual(existing, merged) {
				continue
			}
		} else {
			// Inserts go through the same child rules so a replay finds the
			// collection already in merged form.
			merged = mergeDocument(change.Document{}, incoming, schema)
		}
		cow()
		next[id] = merged
	}

	if next == nil {
		return current, false
	}
	return next, true
}

func mergeDocument(existing, incoming change.Document, schema change.Schema) change.Document {
	out := existing.Clone()
	for field, value := range incoming {
		if schema.IsChildCollection(field) {
			if list, isList := value.([]any); isList {
				out[field] = mergeChildren(existing.Children(field), list)
				continue
			}
		}
		out[field] = cloneValue(value)
	}
	return out
}

func cloneValue(v any) any {
	return change.Document{"v": v}.Clone()["v"]
}

// mergeChildren merges child records by id. Stored children keep their
// position and take the incoming fields, new children follow in incoming
// order, and stored children missing from the incoming list are dropped.
// Incoming entries repeating an id collapse into one child. Elements without
// an id, objects or not, are kept as sent after the identified children.
func mergeChildren(existing []change.Document, incoming []any) []any {
	byID := make(map[string]change.Document, len(incoming))
	var order []string
	var anonymous []any
	for _, el := range incoming {
		child, isDoc := change.AsDocument(el)
		id := ""
		if isDoc {
			id = child.ID()
		}
		if id == "" {
			anonymous = append(anonymous, cloneValue(el))
			continue
		}
		acc, seen := byID[id]
		if !seen {
			acc = change.Document{}
			byID[id] = acc
			order = append(order, id)
		}
		for k, v := range child {
			acc[k] = cloneValue(v)
		}
	}

	out := make([]any, 0, len(order)+len(anonymous))
	placed := make(map[string]struct{}, len(order))
	for _, child := range existing {
		id := child.ID()
		update, ok := byID[id]
		if !ok {
			continue
		}
		if _, done := placed[id]; done {
			continue
		}
		merged := child.Clone()
		for k, v := range update {
			merged[k] = v
		}
		out = append(out, map[string]any(merged))
		placed[id] = struct{}{}
	}
	for _, id := range order {
		if _, done := placed[id]; !done {
			out = append(out, map[string]any(byID[id]))
		}
	}
	return append(out, anonymous...)
}
