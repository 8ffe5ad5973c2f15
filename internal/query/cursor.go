package query

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadCursor is returned for cursors this package did not issue.
var ErrBadCursor = errors.New("invalid cursor")

const cursorPrefix = "offset:"

// EncodeOffsetCursor builds an opaque cursor pointing at offset.
func EncodeOffsetCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeOffsetCursor reverses EncodeOffsetCursor. The empty cursor is offset 0.
func DecodeOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrBadCursor
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, ErrBadCursor
	}
	return n, nil
}

// Paginate cuts one page out of a fully materialised result set.
// The returned cursor is empty on the last page.
func Paginate(items []Item, cursor string, limit int) ([]Item, string, error) {
	offset, err := DecodeOffsetCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset >= len(items) {
		return []Item{}, "", nil
	}
	end := offset + limit
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], EncodeOffsetCursor(end), nil
}
