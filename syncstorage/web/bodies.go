// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package web

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mozilla-services/syncstorage/syncstorage"
)

const newlinesContentType = "application/newlines"

// readRecords decodes the request body into records, accepting either a
// JSON array or one JSON object per line under application/newlines. The
// per-request limits are enforced here so oversized uploads never reach
// the driver.
func (server *Server) readRecords(w http.ResponseWriter, r *http.Request) ([]syncstorage.Record, bool) {
	body := http.MaxBytesReader(w, r.Body, int64(server.limits.MaxRequestBytes))

	var records []syncstorage.Record
	if isNewlines(r.Header.Get("Content-Type")) {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), server.limits.MaxRecordPayloadBytes+4096)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var record syncstorage.Record
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				writeValidationError(w, "body", "bso", "malformed record")
				return nil, false
			}
			records = append(records, record)
		}
		if err := scanner.Err(); err != nil {
			writeValidationError(w, "body", "", "unreadable request body")
			return nil, false
		}
	} else {
		if err := json.NewDecoder(body).Decode(&records); err != nil {
			writeValidationError(w, "body", "", "malformed json")
			return nil, false
		}
	}

	if len(records) > server.limits.MaxPostRecords {
		writeValidationError(w, "body", "bsos", "too many records in one request")
		return nil, false
	}
	total := 0
	for _, record := range records {
		if record.Payload != nil {
			total += len(*record.Payload)
		}
	}
	if total > server.limits.MaxPostBytes {
		writeValidationError(w, "body", "bsos", "request payload bytes over limit")
		return nil, false
	}
	return records, true
}

// readRecord decodes a single-record PUT body. The id comes from the path;
// a body id, when present, must agree.
func (server *Server) readRecord(w http.ResponseWriter, r *http.Request, id string) (syncstorage.Record, bool) {
	body := http.MaxBytesReader(w, r.Body, int64(server.limits.MaxRequestBytes))

	var record syncstorage.Record
	if err := json.NewDecoder(body).Decode(&record); err != nil {
		writeValidationError(w, "body", "bso", "malformed json")
		return record, false
	}
	if record.ID != "" && record.ID != id {
		writeValidationError(w, "body", "id", "id in body does not match the url")
		return record, false
	}
	record.ID = id
	return record, true
}

// writeItems renders a collection page, as a JSON array by default or as
// newline-delimited objects when the client asked for them.
func writeItems(w http.ResponseWriter, r *http.Request, items interface{}) {
	if isNewlines(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", newlinesContentType)
		encoder := json.NewEncoder(w)
		switch items := items.(type) {
		case []syncstorage.BSO:
			for _, item := range items {
				_ = encoder.Encode(item)
			}
		case []string:
			for _, id := range items {
				_ = encoder.Encode(id)
			}
		}
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func isNewlines(contentType string) bool {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(contentType) == newlinesContentType
}
