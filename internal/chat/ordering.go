package chat

import (
	"fmt"
	"sort"
	"strings"
)

// Ordering decides where a realtime insert lands when it is older than the
// current tail of the list.
type Ordering int

const (
	// OrderAppend always appends at the tail.
	OrderAppend Ordering = iota
	// OrderSorted inserts at the message's timestamp position, after any
	// entries with an equal timestamp.
	OrderSorted
)

// ParseOrdering accepts "append" or "sorted".
func ParseOrdering(s string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return OrderAppend, nil
	case "sorted":
		return OrderSorted, nil
	}
	return OrderAppend, fmt.Errorf("unknown ordering policy %q", s)
}

func (o Ordering) String() string {
	if o == OrderSorted {
		return "sorted"
	}
	return "append"
}

// sortedPosition returns the index after the last entry whose timestamp is
// not later than e's, keeping arrival order among equal timestamps.
func sortedPosition(entries []Entry, e Entry) int {
	return sort.Search(len(entries), func(i int) bool {
		return entries[i].CreatedAt.After(e.CreatedAt)
	})
}

// breaksOrder reports whether the entry at i is out of order with its neighbours.
func breaksOrder(entries []Entry, i int) bool {
	at := entries[i].CreatedAt
	if i > 0 && entries[i-1].CreatedAt.After(at) {
		return true
	}
	return i < len(entries)-1 && at.After(entries[i+1].CreatedAt)
}
