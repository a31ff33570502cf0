// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidCursor is returned for a cursor that was not issued for the
// listing it is used with.
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode returns an opaque cursor for key. kind names the listing so a
// cursor from one endpoint cannot be replayed against another.
func Encode(kind, key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(kind + "|" + key))
}

// Decode returns the key inside a cursor issued for kind. Empty input
// decodes to an empty key.
func Decode(kind, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", ErrInvalidCursor
	}
	gotKind, key, ok := strings.Cut(string(raw), "|")
	if !ok || gotKind != kind || key == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}

// ComputePage takes items fetched with limit+1, trims them to limit and
// returns the cursor for the next page, or "" on the last page.
func ComputePage[T any](kind string, items []T, limit int, key func(T) string) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(kind, key(items[len(items)-1]))
}
