// Package kv is the key-value layer under conversation persistence.
// Keys are hierarchical path segments (e.g. ["conv", sessionID, ts])
// joined with ':' for storage. A BadgerDB implementation backs
// production use; an in-memory implementation backs tests.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in the encoded form. Segments must not
// contain it.
const Separator = ':'

// Key is a hierarchical path of segments.
type Key []string

func (k Key) String() string {
	return strings.Join(k, string(Separator))
}

func encodeKey(k Key) []byte {
	return []byte(k.String())
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(Separator)))
}

// Entry is one key-value pair, as returned by List and consumed by
// BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with prefix iteration.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores key/value, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet stores multiple entries atomically.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes multiple keys atomically.
	BatchDelete(ctx context.Context, keys []Key) error

	Close() error
}

// listPrefix returns the encoded prefix with a trailing separator, so
// ["a","b"] does not match "a:bc". An empty prefix scans everything.
func listPrefix(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return append(encodeKey(prefix), Separator)
}
