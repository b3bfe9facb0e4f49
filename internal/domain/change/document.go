package change

import (
	"encoding/json"
	"strconv"
)

// FieldID is the identity field of aggregates and of their child records.
const FieldID = "id"

// Document is the JSON object form of an aggregate or of a child record.
// A key that is absent means "not present in this payload", which is different
// from a key holding null.
type Document map[string]any

// ID returns the stable identity of the document, or "" when it has none.
func (d Document) ID() string {
	id, _ := IDOf(d[FieldID])
	return id
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Children returns the child records stored under field. Elements that are
// not objects are skipped.
func (d Document) Children(field string) []Document {
	raw, ok := d[field].([]any)
	if !ok {
		if docs, isDocs := d[field].([]Document); isDocs {
			return docs
		}
		return nil
	}
	out := make([]Document, 0, len(raw))
	for _, el := range raw {
		if doc, isDoc := AsDocument(el); isDoc {
			out = append(out, doc)
		}
	}
	return out
}

// AsDocument converts a decoded JSON value into a Document when it is an object.
func AsDocument(v any) (Document, bool) {
	switch t := v.(type) {
	case Document:
		return t, true
	case map[string]any:
		return Document(t), true
	default:
		return nil, false
	}
}

// IDOf normalizes an identity value. JSON numbers decode as float64, so
// {"id":1} and {"id":"1"} identify the same record.
func IDOf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// ToDocument converts any JSON-serializable value into a Document.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if unmarshalErr := json.Unmarshal(data, &doc); unmarshalErr != nil {
		return nil, unmarshalErr
	}
	return doc, nil
}

// Decode unmarshals the document into a typed value.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case Document:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = cloneValue(el)
		}
		return out
	case []Document:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = map[string]any(el.Clone())
		}
		return out
	default:
		return v
	}
}
