// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package syncstorage

// Limits bounds the sizes of individual writes and of a user's stored data.
// The struct is served verbatim by /info/configuration so clients can size
// their batches without probing.
type Limits struct {
	MaxRecordPayloadBytes int   `json:"max_record_payload_bytes" help:"maximum size of a single BSO payload" default:"2097152"`
	MaxPostRecords        int   `json:"max_post_records" help:"maximum records in a single POST" default:"100"`
	MaxPostBytes          int   `json:"max_post_bytes" help:"maximum combined payload bytes in a single POST" default:"2097152"`
	MaxTotalRecords       int   `json:"max_total_records" help:"maximum records across one batch upload" default:"100000"`
	MaxTotalBytes         int   `json:"max_total_bytes" help:"maximum combined payload bytes across one batch upload" default:"104857600"`
	MaxRequestBytes       int   `json:"max_request_bytes" help:"maximum size of a request body" default:"2101248"`
	MaxQuotaLimit         int64 `json:"-" help:"per-user storage quota in bytes, 0 disables tracking" default:"0"`
}

// QuotaConfig controls the quota enforcer.
type QuotaConfig struct {
	Enabled  bool `help:"track per-user storage usage against the quota" default:"false"`
	Enforced bool `help:"reject writes that would exceed the quota instead of only counting them" default:"false"`
}
