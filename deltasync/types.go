// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import "maps"

// Cursor is the opaque delta watermark issued by the server. It means "all changes up
// to this point have been observed" and is only ever stored or replaced, never parsed.
type Cursor string

// IsEmpty reports whether no watermark is known and a full snapshot is required.
func (c Cursor) IsEmpty() bool { return c == "" }

func (c Cursor) String() string { return string(c) }

// ChangeKind is the kind of a change inferred from the tombstone marker
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota // created or updated
	ChangeRemove                   // tombstone
)

func (k ChangeKind) String() string {
	if k == ChangeRemove {
		return "remove"
	}
	return "upsert"
}

// ChangeRecord is one changed entity of a delta page. Treat it as immutable.
type ChangeRecord struct {
	ID            string
	Attributes    map[string]any
	Removed       bool
	RemovedReason string
}

// Kind returns ChangeRemove for tombstones and ChangeUpsert otherwise.
func (r ChangeRecord) Kind() ChangeKind {
	if r.Removed {
		return ChangeRemove
	}
	return ChangeUpsert
}

// Clone returns a copy whose attribute map may be retained by the caller.
func (r ChangeRecord) Clone() ChangeRecord {
	out := r
	if r.Attributes != nil {
		out.Attributes = maps.Clone(r.Attributes)
	}
	return out
}

// Page is one response of a traversal. Exactly one of NextLink and DeltaCursor is set.
type Page struct {
	Records     []ChangeRecord
	NextLink    string // continuation within the current pass
	DeltaCursor Cursor // terminal watermark of the pass
}

// IsTerminal reports whether this page ends the traversal.
func (p *Page) IsTerminal() bool { return p.NextLink == "" && !p.DeltaCursor.IsEmpty() }

// RequestKind selects how a page request is issued
type RequestKind int

const (
	RequestInitial RequestKind = iota // first query of a full pass, with field selection
	RequestNext                       // continuation link of the current pass
	RequestDelta                      // stored delta cursor
)

func (k RequestKind) String() string {
	switch k {
	case RequestNext:
		return "next"
	case RequestDelta:
		return "delta"
	default:
		return "initial"
	}
}

// Request describes a single page fetch.
type Request struct {
	Kind   RequestKind
	Select []string // RequestInitial only
	Link   string   // RequestNext: continuation link; RequestDelta: cursor
}

// InitialRequest starts a full pass selecting only the given fields.
func InitialRequest(fields []string) Request {
	return Request{Kind: RequestInitial, Select: fields}
}

// NextRequest continues the current pass.
func NextRequest(link string) Request {
	return Request{Kind: RequestNext, Link: link}
}

// DeltaRequest starts an incremental pass from a stored cursor.
func DeltaRequest(cursor Cursor) Request {
	return Request{Kind: RequestDelta, Link: string(cursor)}
}
