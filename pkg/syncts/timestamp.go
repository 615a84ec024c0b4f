// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package syncts implements the millisecond timestamp type used throughout
// the Sync 1.5 protocol. Timestamps are truncated to 10ms resolution, which
// is the granularity clients observe in X-Weave-Timestamp and the modified
// field of every BSO.
package syncts

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// Resolution is the clock granularity visible to clients, in milliseconds.
const Resolution = 10

// ErrInvalidTimestamp is returned for negative values or values that are
// not a multiple of the 10ms resolution.
var ErrInvalidTimestamp = errs.Class("invalid sync timestamp")

// Timestamp is a number of milliseconds since the unix epoch, always a
// multiple of Resolution.
type Timestamp int64

// Now returns the current time snapped down to 10ms resolution.
func Now() Timestamp {
	ms := time.Now().UnixNano() / int64(time.Millisecond)
	return Timestamp(ms - ms%Resolution)
}

// FromMilliseconds converts a raw millisecond count into a Timestamp.
func FromMilliseconds(ms int64) (Timestamp, error) {
	if ms < 0 {
		return 0, ErrInvalidTimestamp.New("negative value %d", ms)
	}
	if ms%Resolution != 0 {
		return 0, ErrInvalidTimestamp.New("%d is not a multiple of %dms", ms, Resolution)
	}
	return Timestamp(ms), nil
}

// FromSeconds converts a floating point seconds value, as found in client
// headers and payload bodies, into a Timestamp.
func FromSeconds(secs float64) (Timestamp, error) {
	if secs < 0 {
		return 0, ErrInvalidTimestamp.New("negative value %v", secs)
	}
	ms := int64(secs * 1000)
	return Timestamp(ms - ms%Resolution), nil
}

// FromSecondsString parses a decimal seconds string such as "1577836800.12".
func FromSecondsString(s string) (Timestamp, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrInvalidTimestamp.New("unparseable value %q", s)
	}
	return FromSeconds(secs)
}

// AsMilliseconds returns the timestamp as a raw millisecond count.
func (t Timestamp) AsMilliseconds() int64 { return int64(t) }

// AsSeconds returns the timestamp as floating point seconds.
func (t Timestamp) AsSeconds() float64 { return float64(t) / 1000 }

// AsSecondsString renders the timestamp the way the protocol does on the
// wire: seconds with two decimal places, e.g. "1577836800.12".
func (t Timestamp) AsSecondsString() string {
	return fmt.Sprintf("%.2f", float64(t)/1000)
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool { return t < other }

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool { return t > other }

// Add returns the timestamp offset by d. The delta is truncated to
// resolution so the result stays on the 10ms grid.
func (t Timestamp) Add(d time.Duration) Timestamp {
	dms := d.Nanoseconds() / int64(time.Millisecond)
	return Timestamp(int64(t) + dms - dms%Resolution)
}

// MarshalJSON renders the timestamp as a bare seconds number, matching the
// protocol's modified field encoding.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.AsSecondsString()), nil
}

// UnmarshalJSON accepts either a seconds number or a seconds string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ErrInvalidTimestamp.New("unparseable value %s", data)
		}
		raw = json.Number(s)
	}
	secs, err := raw.Float64()
	if err != nil {
		return ErrInvalidTimestamp.New("unparseable value %s", data)
	}
	ts, err := FromSeconds(secs)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}
