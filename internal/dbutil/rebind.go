// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package dbutil

import (
	"strconv"
	"strings"
)

// Rebind rewrites ?-style placeholders into the engine's native style.
// Only postgres needs rewriting; the other engines take ? as-is.
func Rebind(impl Implementation, query string) string {
	if impl != Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			sb.WriteByte(query[i])
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}

// ForUpdate returns the suffix acquiring an exclusive row lock. SQLite has a
// single writer, so its transactions already serialize.
func ForUpdate(impl Implementation) string {
	switch impl {
	case MySQL, Postgres:
		return " FOR UPDATE"
	}
	return ""
}

// ForShare returns the suffix acquiring a shared row lock.
func ForShare(impl Implementation) string {
	switch impl {
	case MySQL:
		return " LOCK IN SHARE MODE"
	case Postgres:
		return " FOR SHARE"
	}
	return ""
}
