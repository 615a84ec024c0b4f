// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package testrand implements generating random data for tests.
package testrand

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
)

// Int63n returns, as an int64, a non-negative pseudo-random number in [0,n)
// from the default Source.
// It panics if n <= 0.
func Int63n(n int64) int64 {
	return rand.Int63n(n)
}

// Intn returns, as an int, a non-negative pseudo-random number in [0,n)
// from the default Source.
// It panics if n <= 0.
func Intn(n int) int {
	return rand.Intn(n)
}

// Read reads pseudo-random data into data.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// Reader creates a new random data reader.
func Reader() io.Reader {
	return rand.New(rand.NewSource(rand.Int63()))
}

// Hex returns 2*n characters of random lowercase hex.
func Hex(n int) string {
	return hex.EncodeToString(BytesN(n))
}

// BSOID creates a random 12-character storage object id.
func BSOID() string {
	return Hex(6)
}

// Payload creates a random printable payload of size bytes.
func Payload(size int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	data := make([]byte, size)
	Read(data)
	for i := range data {
		data[i] = alphabet[int(data[i])%len(alphabet)]
	}
	return string(data)
}

// UserID creates a random positive user id.
func UserID() uint64 {
	return uint64(rand.Int63n(1 << 40))
}

// Email creates a random account email address.
func Email() string {
	return fmt.Sprintf("user-%s@example.com", Hex(4))
}
