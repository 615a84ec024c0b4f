// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package tokenlib

// Claims is the claim set the token issuer mints and the storage service
// consumes. Both sides must agree on it; it travels inside the signed
// token, never as a separate document.
type Claims struct {
	UID               int64   `json:"uid"`
	Node              string  `json:"node"`
	Expires           float64 `json:"expires"`
	FxAUID            string  `json:"fxa_uid"`
	FxAKid            string  `json:"fxa_kid"`
	HashedFxAUID      string  `json:"hashed_fxa_uid"`
	HashedDeviceID    string  `json:"hashed_device_id"`
	TokenserverOrigin string  `json:"tokenserver_origin"`
}
