// Package storage holds the document store used by boards: a path addressed
// collection of JSON documents with merge updates, array primitives and live
// collection subscriptions.
package storage

import (
	"context"
	"errors"
	"reflect"

	"github.com/bytedance/sonic"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConcurrencyConflict indicates that the store rejected a write because
	// a newer version of the document is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotArray is returned by the array primitives when the field holds a
	// non array value.
	ErrNotArray = errors.New("field is not an array")
)

// Docs is the full contents of one collection keyed by document id. Values
// are JSON documents.
type Docs map[string][]byte

// Documents reads and writes single documents. Collections are slash
// separated paths such as users/{u}/boards/{b}/columns.
type Documents interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	// Set creates or replaces a document.
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// AppendUnique adds value to the array field unless an equal element is
	// already present.
	AppendUnique(ctx context.Context, collection, id, field string, value any) error
	// RemoveElement removes every element equal to value from the array field.
	RemoveElement(ctx context.Context, collection, id, field string, value any) error
	List(ctx context.Context, collection string) (Docs, error)
}

// Store is a Documents with live collection subscriptions.
type Store interface {
	Documents
	// Subscribe calls fn with the full contents of collection once the
	// subscription is established and again after every change. The returned
	// function cancels the subscription.
	Subscribe(ctx context.Context, collection string, fn func(Docs)) (func(), error)
}

// codec keeps numbers as json.Number so nanosecond revisions survive a
// decode/encode cycle.
var codec = sonic.Config{UseNumber: true}.Froze()

func decodeDoc(raw []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := codec.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func encodeDoc(doc map[string]any) ([]byte, error) {
	return codec.Marshal(doc)
}

// normalize converts v to its generic JSON form so values from callers
// compare equal to values read back from storage.
func normalize(v any) (any, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := codec.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeFields(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		n, err := normalize(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

func merge(doc, fields map[string]any) {
	for k, v := range fields {
		doc[k] = v
	}
}

func appendUnique(doc map[string]any, field string, value any) (bool, error) {
	v, err := normalize(value)
	if err != nil {
		return false, err
	}
	arr, err := arrayField(doc, field)
	if err != nil {
		return false, err
	}
	for _, e := range arr {
		if reflect.DeepEqual(e, v) {
			return false, nil
		}
	}
	doc[field] = append(arr, v)
	return true, nil
}

func removeElement(doc map[string]any, field string, value any) (bool, error) {
	v, err := normalize(value)
	if err != nil {
		return false, err
	}
	arr, err := arrayField(doc, field)
	if err != nil {
		return false, err
	}
	out := make([]any, 0, len(arr))
	for _, e := range arr {
		if !reflect.DeepEqual(e, v) {
			out = append(out, e)
		}
	}
	if len(out) == len(arr) {
		return false, nil
	}
	doc[field] = out
	return true, nil
}

func arrayField(doc map[string]any, field string) ([]any, error) {
	cur, ok := doc[field]
	if !ok || cur == nil {
		return []any{}, nil
	}
	arr, ok := cur.([]any)
	if !ok {
		return nil, ErrNotArray
	}
	return arr, nil
}
