// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import "encoding/json"

// REST/JSON models of the delta-query endpoint.
// They are shared by the client (HTTPFetcher) and the reference server (deltaserver).

// DeltaResponse is one page of a delta traversal as sent on the wire
type DeltaResponse struct {
	Context   string            `json:"@odata.context,omitempty"`
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink,omitempty"`  // more pages pending in this pass
	DeltaLink string            `json:"@odata.deltaLink,omitempty"` // terminal watermark of this pass
}

// RemovedMarker is the tombstone indicator of a removed entity
type RemovedMarker struct {
	Reason string `json:"reason"`
}

// ErrorResponse is the error envelope returned with 4xx/5xx statuses
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable error code
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
