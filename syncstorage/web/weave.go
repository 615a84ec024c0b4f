// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

// validationError is the structured body of a 400 response. Status is the
// literal "error"; clients only dispatch on the HTTP code but the envelope
// names the offending field for debugging.
type validationError struct {
	Status string             `json:"status"`
	Errors []validationDetail `json:"errors"`
}

type validationDetail struct {
	Location    string `json:"location"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respond stamps the weave timestamp and writes the JSON body. Every
// successful response carries X-Weave-Timestamp.
func respond(w http.ResponseWriter, ts syncts.Timestamp, status int, body interface{}) {
	if ts == 0 {
		ts = syncts.Now()
	}
	w.Header().Set("X-Weave-Timestamp", ts.AsSecondsString())
	writeJSON(w, status, body)
}

func writeValidationError(w http.ResponseWriter, location, name, description string) {
	writeJSON(w, http.StatusBadRequest, validationError{
		Status: "error",
		Errors: []validationDetail{{
			Location:    location,
			Name:        name,
			Description: description,
		}},
	})
}

// storageError maps a driver error onto the wire. Conflicts become 503
// with Retry-After because legacy clients cannot handle 409.
func (server *Server) storageError(w http.ResponseWriter, err error) {
	mon.Event(syncstorage.MetricLabel(err))
	if syncstorage.ReportableToSentry(err) {
		server.log.Error("storage request failed", zap.Error(err))
	}

	status := syncstorage.HTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "10")
	}
	if status == http.StatusBadRequest {
		writeValidationError(w, "querystring", "", err.Error())
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// checkPreconditions evaluates X-If-Modified-Since and X-If-Unmodified-Since
// against the resource's last modified time. On failure it writes the 412
// and returns false; malformed header values are a 400.
func checkPreconditions(w http.ResponseWriter, r *http.Request, lastModified syncts.Timestamp) bool {
	if since := r.Header.Get("X-If-Modified-Since"); since != "" {
		ts, err := syncts.FromSecondsString(since)
		if err != nil {
			writeValidationError(w, "header", "X-If-Modified-Since", "invalid timestamp")
			return false
		}
		if !lastModified.After(ts) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return false
		}
	}
	if since := r.Header.Get("X-If-Unmodified-Since"); since != "" {
		ts, err := syncts.FromSecondsString(since)
		if err != nil {
			writeValidationError(w, "header", "X-If-Unmodified-Since", "invalid timestamp")
			return false
		}
		if lastModified.After(ts) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return false
		}
	}
	return true
}
