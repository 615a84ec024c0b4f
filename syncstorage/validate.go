// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package syncstorage

import "regexp"

var (
	collectionNameRx = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)
	bsoIDRx          = regexp.MustCompile(`^[ -~]{1,64}$`)
)

// ValidCollectionName reports whether name is an acceptable collection name.
func ValidCollectionName(name string) bool {
	return collectionNameRx.MatchString(name)
}

// ValidBSOID reports whether id is an acceptable BSO id: 1 to 64 printable
// ASCII characters.
func ValidBSOID(id string) bool {
	return bsoIDRx.MatchString(id)
}
