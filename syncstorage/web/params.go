// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package web

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

// parseGetParams decodes the collection read query string. On a malformed
// parameter it writes the 400 and returns false.
func parseGetParams(w http.ResponseWriter, r *http.Request) (syncstorage.GetParams, bool) {
	var params syncstorage.GetParams
	query := r.URL.Query()

	if ids := query.Get("ids"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			id = strings.TrimSpace(id)
			if !syncstorage.ValidBSOID(id) {
				writeValidationError(w, "querystring", "ids", "invalid bso id")
				return params, false
			}
			params.IDs = append(params.IDs, id)
		}
	}

	if older := query.Get("older"); older != "" {
		ts, err := syncts.FromSecondsString(older)
		if err != nil {
			writeValidationError(w, "querystring", "older", "invalid timestamp")
			return params, false
		}
		params.Older = &ts
	}
	if newer := query.Get("newer"); newer != "" {
		ts, err := syncts.FromSecondsString(newer)
		if err != nil {
			writeValidationError(w, "querystring", "newer", "invalid timestamp")
			return params, false
		}
		params.Newer = &ts
	}

	sort, ok := syncstorage.ParseSorting(query.Get("sort"))
	if !ok {
		writeValidationError(w, "querystring", "sort", "unknown sort order")
		return params, false
	}
	params.Sort = sort

	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeValidationError(w, "querystring", "limit", "invalid limit")
			return params, false
		}
		params.Limit = n
	}

	offset, err := syncstorage.ParseOffset(query.Get("offset"))
	if err != nil {
		writeValidationError(w, "querystring", "offset", "invalid offset token")
		return params, false
	}
	params.Offset = offset

	_, params.FullBSOs = query["full"]
	return params, true
}

// encodeBatchID renders a batch id the way clients echo it back: urlsafe
// base64 over the decimal form.
func encodeBatchID(id syncstorage.BatchID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(int64(id), 10)))
}

// decodeBatchID accepts the base64 form as well as the bare decimal some
// older clients send.
func decodeBatchID(s string) (syncstorage.BatchID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err == nil {
		if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return syncstorage.BatchID(n), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, Error.New("malformed batch id %q", s)
	}
	return syncstorage.BatchID(n), nil
}
