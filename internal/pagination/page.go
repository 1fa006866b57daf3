// Package pagination provides sequence-based paging for log-style reads.
package pagination

import "strconv"

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Limit parses a ?limit= value, falling back to DefaultLimit and capping at
// MaxLimit.
func Limit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// After parses a ?after= sequence cursor. Invalid or negative values start
// from the beginning.
func After(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ComputePage takes items fetched with limit+1 and returns the trimmed page,
// the cursor for the next page, and whether more items exist.
func ComputePage[T any](items []T, limit int, key func(T) int64) ([]T, int64, bool) {
	if len(items) <= limit {
		return items, 0, false
	}
	items = items[:limit]
	return items, key(items[len(items)-1]), true
}
