// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package syncstorage

import (
	"fmt"
	"strconv"
	"strings"
)

// Sorting selects the order of a collection read. Ties on the primary key
// are always broken by bso id so that pagination is stable.
type Sorting int

const (
	// SortNone leaves ordering to the backend.
	SortNone Sorting = iota
	// SortNewest orders by modified descending, bso id descending.
	SortNewest
	// SortOldest orders by modified ascending, bso id ascending.
	SortOldest
	// SortIndex orders by sortindex descending with nulls last, bso id
	// descending.
	SortIndex
)

// ParseSorting maps the sort query parameter onto a Sorting.
func ParseSorting(s string) (Sorting, bool) {
	switch s {
	case "":
		return SortNone, true
	case "newest":
		return SortNewest, true
	case "oldest":
		return SortOldest, true
	case "index":
		return SortIndex, true
	}
	return SortNone, false
}

func (s Sorting) String() string {
	switch s {
	case SortNewest:
		return "newest"
	case SortOldest:
		return "oldest"
	case SortIndex:
		return "index"
	}
	return "none"
}

// Offset is a decoded pagination token. Value holds the modified timestamp
// in milliseconds, or the sortindex for SortIndex reads; ID is the bso id of
// the last row of the previous page.
type Offset struct {
	Value int64
	ID    string
}

// ParseOffset decodes the token emitted by a previous page. The server
// accepts it verbatim; anything else is an error.
func ParseOffset(token string) (*Offset, error) {
	if token == "" {
		return nil, nil
	}
	idx := strings.IndexByte(token, ':')
	if idx < 0 {
		// plain numeric offsets are accepted for legacy clients doing
		// their own arithmetic
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil || n < 0 {
			return nil, ErrInvalidOffset.New("%q", token)
		}
		return &Offset{Value: n}, nil
	}
	value, err := strconv.ParseInt(token[:idx], 10, 64)
	if err != nil {
		return nil, ErrInvalidOffset.New("%q", token)
	}
	return &Offset{Value: value, ID: token[idx+1:]}, nil
}

// String renders the token form handed back to clients.
func (o Offset) String() string {
	if o.ID == "" {
		return strconv.FormatInt(o.Value, 10)
	}
	return fmt.Sprintf("%d:%s", o.Value, o.ID)
}
