package deltasync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func newTestFetcher(rt roundTripFunc) *HTTPFetcher {
	f := NewHTTPFetcher("http://graph.test/v1.0/users/delta", func(ctx context.Context) (string, error) {
		return "secret", nil
	}, testLogger())
	f.HTTP = &http.Client{Transport: rt}
	return f
}

func TestHTTPFetcher_InitialRequest(t *testing.T) {
	var got *http.Request
	f := newTestFetcher(func(r *http.Request) (*http.Response, error) {
		got = r
		return textResponse(http.StatusOK, `{
			"@odata.context": "http://graph.test/v1.0/$metadata#users(displayName)",
			"@odata.nextLink": "http://graph.test/v1.0/users/delta?$skiptoken=T1",
			"value": [
				{"id": "a", "displayName": "Adele", "@odata.type": "#user"},
				{"id": "b", "displayName": "Bob", "manager": {"id": "a"}}
			]
		}`), nil
	})
	f.PageSize = 2

	page, err := f.Fetch(context.Background(), InitialRequest([]string{"displayName", "userPrincipalName"}))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if got.Method != http.MethodGet {
		t.Fatalf("expected GET, got %s", got.Method)
	}
	if sel := got.URL.Query().Get(ParamSelect); sel != "displayName,userPrincipalName" {
		t.Fatalf("unexpected $select %q", sel)
	}
	if auth := got.Header.Get("Authorization"); auth != "Bearer secret" {
		t.Fatalf("unexpected Authorization %q", auth)
	}
	if prefer := got.Header.Get(HeaderPrefer); prefer != "odata.maxpagesize=2" {
		t.Fatalf("unexpected Prefer %q", prefer)
	}

	if page.IsTerminal() {
		t.Fatalf("expected continuation page")
	}
	if page.NextLink != "http://graph.test/v1.0/users/delta?$skiptoken=T1" {
		t.Fatalf("unexpected next link %q", page.NextLink)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page.Records))
	}
	a := page.Records[0]
	if a.ID != "a" || a.Removed || a.Attributes["displayName"] != "Adele" {
		t.Fatalf("unexpected record %+v", a)
	}
	if _, ok := a.Attributes["@odata.type"]; ok {
		t.Fatalf("annotations must not leak into attributes: %+v", a.Attributes)
	}
	if _, ok := a.Attributes[IDField]; ok {
		t.Fatalf("id must not be duplicated into attributes")
	}
	manager, ok := page.Records[1].Attributes["manager"].(map[string]any)
	if !ok || manager["id"] != "a" {
		t.Fatalf("nested attribute not preserved: %+v", page.Records[1].Attributes)
	}
}

func TestHTTPFetcher_RequestURLs(t *testing.T) {
	f := NewHTTPFetcher("http://graph.test/v1.0/users/delta", nil, nil)

	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"initial without select", InitialRequest(nil), "http://graph.test/v1.0/users/delta"},
		{"absolute next link", NextRequest("http://graph.test/v1.0/users/delta?$skiptoken=abc"), "http://graph.test/v1.0/users/delta?$skiptoken=abc"},
		{"relative next link", NextRequest("/v1.0/users/delta?$skiptoken=abc"), "http://graph.test/v1.0/users/delta?$skiptoken=abc"},
		{"delta link", DeltaRequest("http://graph.test/v1.0/users/delta?$deltatoken=D1"), "http://graph.test/v1.0/users/delta?$deltatoken=D1"},
		{"bare delta token", DeltaRequest("D1"), "http://graph.test/v1.0/users/delta?%24deltatoken=D1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.requestURL(tc.req)
			if err != nil {
				t.Fatalf("requestURL: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}

	if _, err := f.requestURL(NextRequest("")); err == nil {
		t.Fatalf("expected error for empty continuation link")
	}
	if _, err := f.requestURL(DeltaRequest("")); err == nil {
		t.Fatalf("expected error for empty cursor")
	}
}

func TestHTTPFetcher_TerminalPageWithTombstones(t *testing.T) {
	f := newTestFetcher(func(r *http.Request) (*http.Response, error) {
		if r.URL.Query().Get(ParamDeltaToken) != "D1" {
			return nil, errors.New("unexpected query " + r.URL.RawQuery)
		}
		return textResponse(http.StatusOK, `{
			"@odata.deltaLink": "http://graph.test/v1.0/users/delta?$deltatoken=D2",
			"value": [
				{"id": "a", "@removed": {"reason": "deleted"}},
				{"id": "c", "@removed": {"reason": "changed"}},
				{"id": "b", "displayName": "Bobby"}
			]
		}`), nil
	})

	page, err := f.Fetch(context.Background(), DeltaRequest("D1"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !page.IsTerminal() || page.DeltaCursor != "http://graph.test/v1.0/users/delta?$deltatoken=D2" {
		t.Fatalf("unexpected terminal cursor %q", page.DeltaCursor)
	}
	if !page.Records[0].Removed || page.Records[0].RemovedReason != RemovedReasonDeleted {
		t.Fatalf("expected deleted tombstone, got %+v", page.Records[0])
	}
	if page.Records[1].Kind() != ChangeRemove || page.Records[1].RemovedReason != RemovedReasonChanged {
		t.Fatalf("expected changed tombstone, got %+v", page.Records[1])
	}
	if page.Records[2].Kind() != ChangeUpsert {
		t.Fatalf("expected upsert, got %+v", page.Records[2])
	}
}

func TestDecodePage_ContractViolations(t *testing.T) {
	cases := map[string]string{
		"no links":          `{"value": []}`,
		"both links":        `{"value": [], "@odata.nextLink": "n", "@odata.deltaLink": "d"}`,
		"missing id":        `{"value": [{"displayName": "x"}], "@odata.deltaLink": "d"}`,
		"numeric id":        `{"value": [{"id": 7}], "@odata.deltaLink": "d"}`,
		"boolean tombstone": `{"value": [{"id": "a", "@removed": true}], "@odata.deltaLink": "d"}`,
		"null tombstone":    `{"value": [{"id": "a", "@removed": null}], "@odata.deltaLink": "d"}`,
		"entity not object": `{"value": ["a"], "@odata.deltaLink": "d"}`,
		"not json":          `<html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePage([]byte(body))
			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
			if IsRetryable(err) {
				t.Fatalf("protocol errors must not be retryable")
			}
		})
	}
}

func TestDecodePage_EmptyTerminalPage(t *testing.T) {
	page, err := DecodePage([]byte(`{"value": [], "@odata.deltaLink": "D1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !page.IsTerminal() || len(page.Records) != 0 || page.DeltaCursor != "D1" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestHTTPFetcher_RemoteErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		header    http.Header
		expired   bool
		retryable bool
		code      string
	}{
		{"gone", http.StatusGone, `{"error":{"code":"syncStateNotFound","message":"token expired"}}`, nil, true, false, CodeSyncStateNotFound},
		{"resync required", http.StatusBadRequest, `{"error":{"code":"resyncRequired","message":"resync"}}`, nil, true, false, CodeResyncRequired},
		{"invalid state", http.StatusBadRequest, `{"error":{"code":"syncStateInvalid","message":"bad token"}}`, nil, true, false, CodeSyncStateInvalid},
		{"throttled", http.StatusTooManyRequests, `{"error":{"code":"throttledRequest","message":"slow down"}}`, http.Header{"Retry-After": []string{"2"}}, false, true, CodeThrottled},
		{"unavailable", http.StatusServiceUnavailable, `upstream down`, nil, false, true, ""},
		{"forbidden", http.StatusForbidden, `{"error":{"code":"accessDenied","message":"no"}}`, nil, false, false, "accessDenied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFetcher(func(r *http.Request) (*http.Response, error) {
				resp := textResponse(tc.status, tc.body)
				for k, v := range tc.header {
					resp.Header[k] = v
				}
				return resp, nil
			})
			_, err := f.Fetch(context.Background(), DeltaRequest("D1"))
			var remoteErr *RemoteError
			if !errors.As(err, &remoteErr) {
				t.Fatalf("expected RemoteError, got %v", err)
			}
			if remoteErr.StatusCode != tc.status || remoteErr.Code != tc.code {
				t.Fatalf("unexpected error %+v", remoteErr)
			}
			if IsCursorExpired(err) != tc.expired {
				t.Fatalf("expired: expected %v", tc.expired)
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("retryable: expected %v", tc.retryable)
			}
			if tc.name == "throttled" && remoteErr.RetryAfter != 2*time.Second {
				t.Fatalf("expected Retry-After of 2s, got %v", remoteErr.RetryAfter)
			}
			if tc.name == "unavailable" && !strings.Contains(err.Error(), "upstream down") {
				t.Fatalf("expected raw body in error message, got %v", err)
			}
		})
	}
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	f := newTestFetcher(func(r *http.Request) (*http.Response, error) {
		return nil, &url.Error{Op: "Get", URL: r.URL.String(), Err: errors.New("connection refused")}
	})
	_, err := f.Fetch(context.Background(), InitialRequest(nil))
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("transport errors must be retryable")
	}
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newTestFetcher(func(r *http.Request) (*http.Response, error) {
		cancel()
		return nil, r.Context().Err()
	})
	_, err := f.Fetch(ctx, InitialRequest(nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("cancellation must not be retryable")
	}
}

func TestHTTPFetcher_TokenFailure(t *testing.T) {
	f := newTestFetcher(func(r *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected")
		return nil, nil
	})
	tokenErr := errors.New("refresh token revoked")
	f.Token = func(ctx context.Context) (string, error) { return "", tokenErr }
	_, err := f.Fetch(context.Background(), InitialRequest(nil))
	if !errors.Is(err, tokenErr) {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("5"); d != 5*time.Second {
		t.Fatalf("expected 5s, got %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
	at := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(at); d <= 0 || d > time.Minute {
		t.Fatalf("expected up to a minute, got %v", d)
	}
}
