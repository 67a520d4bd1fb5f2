// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

// Query parameters of the delta-query wire contract
const (
	ParamSelect     = "$select"
	ParamSkipToken  = "$skiptoken"
	ParamDeltaToken = "$deltatoken"
)

// Annotation keys carried in the response body
const (
	AnnotationContext   = "@odata.context"
	AnnotationNextLink  = "@odata.nextLink"
	AnnotationDeltaLink = "@odata.deltaLink"
	AnnotationRemoved   = "@removed"
)

// IDField is the attribute every entity in a delta page must carry
const IDField = "id"

// Removal reasons reported inside the tombstone marker
const (
	RemovedReasonDeleted = "deleted"
	RemovedReasonChanged = "changed"
)

// Error codes returned by the remote service in ErrorResponse.Error.Code
const (
	CodeSyncStateNotFound = "syncStateNotFound"
	CodeSyncStateInvalid  = "syncStateInvalid"
	CodeResyncRequired    = "resyncRequired"
	CodeThrottled         = "throttledRequest"
	CodeBadRequest        = "badRequest"
	CodeNotFound          = "itemNotFound"
	CodeUnauthenticated   = "unauthenticated"
	CodeInternalError     = "internalServerError"
)

// HeaderPrefer carries the page size hint (odata.maxpagesize=N)
const HeaderPrefer = "Prefer"
