// Package store is the shared state store every client coordinates through:
// a tree of JSON values addressed by slash-separated paths, with per-path
// subscriptions and per-connection "remove this when I drop" cleanups.
//
// A Store value is one client's connection. It gives no multi-path atomicity;
// callers re-read before acting on anything another client may have changed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	// ErrNotFound is returned by Update when there is no value to merge into.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed is returned once the connection has been closed.
	ErrClosed = errors.New("store: connection closed")
	// ErrInvalidPath rejects empty paths and empty segments.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrNotObject is returned by Update when the stored value is not a JSON object.
	ErrNotObject = errors.New("store: value is not an object")
)

// Unsubscribe stops a subscription or hook. It is safe to call more than once.
type Unsubscribe func()

// Store is a single client's connection to the shared state tree.
type Store interface {
	// Write replaces the node's own value. Children are left untouched.
	Write(ctx context.Context, path string, value any) error
	// Update merges fields into the object stored at path. It never creates a
	// node: a missing value yields ErrNotFound.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the node and everything beneath it.
	Delete(ctx context.Context, path string) error
	// ReadOnce returns the node's value and its immediate children.
	ReadOnce(ctx context.Context, path string) (Snapshot, error)
	// Subscribe calls onChange with the current snapshot and again after every
	// change at, beneath or above path. Callbacks for one connection run
	// serially, in the order the changes were applied.
	Subscribe(path string, onChange func(Snapshot)) (Unsubscribe, error)
	// OnDisconnectRemove arranges for path to be deleted when this
	// connection's liveness is lost. Registrations do not survive a reconnect.
	OnDisconnectRemove(ctx context.Context, path string) error
	// CancelOnDisconnect drops a registration made with OnDisconnectRemove.
	CancelOnDisconnect(ctx context.Context, path string) error
	// OnReconnect registers fn to run after liveness is re-established, which
	// is when on-disconnect registrations must be re-armed.
	OnReconnect(fn func()) Unsubscribe
	// Close ends the connection. Pending on-disconnect removals are executed.
	Close() error
}

// Snapshot is the state of one node at a point in time.
type Snapshot struct {
	Path string
	// Value is the node's own JSON value, nil when it has none.
	Value json.RawMessage
	// Children maps each immediate child holding a value to that value.
	Children map[string]json.RawMessage
}

// Exists reports whether the node holds a value or has children with values.
func (s Snapshot) Exists() bool {
	return s.Value != nil || len(s.Children) > 0
}

// Decode unmarshals the node's own value into v. It returns ErrNotFound when
// the node has no value.
func (s Snapshot) Decode(v any) error {
	if s.Value == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(s.Value, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", s.Path, err)
	}
	return nil
}

// ChildKeys returns the child names in ascending order.
func (s Snapshot) ChildKeys() []string {
	return slices.Sorted(maps.Keys(s.Children))
}

// DecodeChildren decodes every child into a T, in key order. Children that do
// not decode are skipped and reported through the returned error.
func DecodeChildren[T any](s Snapshot) ([]T, error) {
	out := make([]T, 0, len(s.Children))
	var errs []error
	for _, k := range s.ChildKeys() {
		var v T
		if err := json.Unmarshal(s.Children[k], &v); err != nil {
			errs = append(errs, fmt.Errorf("store: decode %s/%s: %w", s.Path, k, err))
			continue
		}
		out = append(out, v)
	}
	return out, errors.Join(errs...)
}

// Encode turns a value into the JSON stored at a node.
func Encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return raw, nil
}

// Merge applies fields to the JSON object in current. A nil field value
// stores JSON null.
func Merge(current json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &obj); err != nil || obj == nil {
		return nil, ErrNotObject
	}
	for k, v := range fields {
		raw, err := Encode(v)
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
