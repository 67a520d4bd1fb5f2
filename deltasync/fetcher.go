// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is kept in RemoteError.Body
const maxErrorBody = 64 << 10

// PageFetcher issues exactly one request per call and returns the decoded page.
// It has no side effects beyond the network call.
type PageFetcher interface {
	Fetch(ctx context.Context, req Request) (*Page, error)
}

// PageFetcherFunc adapts a function to PageFetcher
type PageFetcherFunc func(ctx context.Context, req Request) (*Page, error)

func (f PageFetcherFunc) Fetch(ctx context.Context, req Request) (*Page, error) { return f(ctx, req) }

// TokenSource returns a bearer token for the next request
type TokenSource func(ctx context.Context) (string, error)

// HTTPFetcher fetches delta pages over HTTP
type HTTPFetcher struct {
	Endpoint string       // delta endpoint, e.g. https://host/v1.0/users/delta
	HTTP     *http.Client // authenticated transport; bearer injection may live here instead of Token
	Token    TokenSource  // optional
	PageSize int          // optional odata.maxpagesize hint
	logger   *slog.Logger
}

// NewHTTPFetcher creates a fetcher for the given delta endpoint
func NewHTTPFetcher(endpoint string, token TokenSource, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		Token:    token,
		logger:   logger,
	}
}

// Fetch implements PageFetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Page, error) {
	target, err := f.requestURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if f.PageSize > 0 {
		httpReq.Header.Set(HeaderPrefer, "odata.maxpagesize="+strconv.Itoa(f.PageSize))
	}
	if f.Token != nil {
		token, err := f.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get bearer token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Method: http.MethodGet, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readRemoteError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Method: http.MethodGet, URL: target, Err: err}
	}

	page, err := DecodePage(body)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Fetched delta page",
		"kind", req.Kind.String(), "records", len(page.Records), "terminal", page.IsTerminal())
	return page, nil
}

// requestURL resolves the request descriptor to the URL to GET
func (f *HTTPFetcher) requestURL(req Request) (string, error) {
	base, err := url.Parse(f.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid delta endpoint %q: %w", f.Endpoint, err)
	}

	switch req.Kind {
	case RequestInitial:
		if len(req.Select) > 0 {
			q := base.Query()
			q.Set(ParamSelect, strings.Join(req.Select, ","))
			base.RawQuery = q.Encode()
		}
		return base.String(), nil

	case RequestNext:
		if req.Link == "" {
			return "", fmt.Errorf("continuation request without a link")
		}
		link, err := url.Parse(req.Link)
		if err != nil {
			return "", &ProtocolError{Reason: "malformed continuation link", Err: err}
		}
		return base.ResolveReference(link).String(), nil

	case RequestDelta:
		if req.Link == "" {
			return "", fmt.Errorf("delta request without a cursor")
		}
		// A cursor that is a full link is followed as issued; anything else is a bare token.
		if link, err := url.Parse(req.Link); err == nil && link.IsAbs() {
			return link.String(), nil
		}
		q := base.Query()
		q.Set(ParamDeltaToken, req.Link)
		base.RawQuery = q.Encode()
		return base.String(), nil

	default:
		return "", fmt.Errorf("unknown request kind %d", req.Kind)
	}
}

// DecodePage parses a delta response body and validates the page contract.
func DecodePage(body []byte) (*Page, error) {
	var resp DeltaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProtocolError{Reason: "undecodable delta page", Err: err}
	}

	hasNext := resp.NextLink != ""
	hasDelta := resp.DeltaLink != ""
	switch {
	case !hasNext && !hasDelta:
		return nil, &ProtocolError{Reason: "page carries neither a continuation nor a delta link"}
	case hasNext && hasDelta:
		return nil, &ProtocolError{Reason: "page carries both a continuation and a delta link"}
	}

	page := &Page{
		Records:     make([]ChangeRecord, 0, len(resp.Value)),
		NextLink:    resp.NextLink,
		DeltaCursor: Cursor(resp.DeltaLink),
	}
	for i, raw := range resp.Value {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("entity %d", i), Err: err}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func decodeRecord(raw json.RawMessage) (ChangeRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ChangeRecord{}, fmt.Errorf("entity is not an object: %w", err)
	}

	var id string
	if idRaw, ok := fields[IDField]; ok {
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return ChangeRecord{}, fmt.Errorf("id is not a string: %w", err)
		}
	}
	if id == "" {
		return ChangeRecord{}, fmt.Errorf("entity has no id")
	}

	if removedRaw, ok := fields[AnnotationRemoved]; ok {
		trimmed := bytes.TrimSpace(removedRaw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return ChangeRecord{}, fmt.Errorf("ambiguous tombstone on entity %s: %s", id, string(trimmed))
		}
		var marker RemovedMarker
		if err := json.Unmarshal(trimmed, &marker); err != nil {
			return ChangeRecord{}, fmt.Errorf("ambiguous tombstone on entity %s: %w", id, err)
		}
		return ChangeRecord{ID: id, Removed: true, RemovedReason: marker.Reason}, nil
	}

	attrs := make(map[string]any, len(fields))
	for key, value := range fields {
		if key == IDField || strings.HasPrefix(key, "@") {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return ChangeRecord{}, fmt.Errorf("attribute %s: %w", key, err)
		}
		attrs[key] = v
	}
	return ChangeRecord{ID: id, Attributes: attrs}, nil
}

func readRemoteError(resp *http.Response) *RemoteError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	remoteErr := &RemoteError{
		StatusCode: resp.StatusCode,
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil {
		remoteErr.Code = envelope.Error.Code
		remoteErr.Message = envelope.Error.Message
	}
	return remoteErr
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
