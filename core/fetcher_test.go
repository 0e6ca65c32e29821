package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"commentsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type staticCreds struct {
	calls atomic.Int32
	creds models.Credentials
}

func (s *staticCreds) Credentials() models.Credentials {
	s.calls.Add(1)
	return s.creds
}

type fixedSnapshot struct{ page *models.CommentPage }

func (f fixedSnapshot) SnapshotIfFresh(time.Duration) *models.CommentPage { return f.page }

type fixedPage struct {
	count int
	url   string
}

func (p fixedPage) CommentCount() int { return p.count }
func (p fixedPage) URL() string       { return p.url }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func fastPolicy() FetchPolicy {
	p := DefaultFetchPolicy()
	p.CredentialRetryWait = time.Millisecond
	p.NetworkRetryWait = time.Millisecond
	return p
}

var goodCreds = models.Credentials{CSRFToken: "csrf-1", AccessToken: "jwt-1"}

func TestFetchPolicy_PageSize(t *testing.T) {
	p := DefaultFetchPolicy()
	assert.Equal(t, 5, p.PageSize(0))
	assert.Equal(t, 8, p.PageSize(3))
	assert.Equal(t, 25, p.PageSize(20))
}

func TestFetcher_Success(t *testing.T) {
	var body []byte
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"data":{"commentList":{"total":3,"searchAfter":[1,"c3"],"list":[{"id":"c1"},{"id":"c2"},{"id":"c3"}]}}}`)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{
		Endpoint:    srv.URL + "/graphql/SELECT_COMMENTS",
		Credentials: &staticCreds{creds: goodCreds},
		Page:        fixedPage{count: 3, url: "https://playentry.org/group/community/g1/p1"},
		Policy:      fastPolicy(),
	})
	page, err := f.Fetch(context.Background(), FetchRequest{
		TargetID: "p1",
		GroupID:  "g1",
		Sort:     models.SortOption{Field: models.SortByLikes, Direction: models.Descending},
		Cursor:   json.RawMessage(`{"created":5,"id":"c0"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2", "c3"}, models.CommentIDs(page.Items))
	assert.Equal(t, 3, page.Total)

	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "csrf-1", header.Get("csrf-token"))
	assert.Equal(t, "jwt-1", header.Get("x-token"))
	assert.Equal(t, "Client", header.Get("x-client-type"))
	assert.Equal(t, "https://playentry.org/group/community/g1/p1", header.Get("Referer"))

	vars := gjson.GetBytes(body, "variables")
	assert.Equal(t, "p1", vars.Get("target").String())
	assert.Equal(t, "g1", vars.Get("groupId").String())
	assert.EqualValues(t, 8, vars.Get("pageParam.display").Int())
	assert.Equal(t, "likesLength", vars.Get("pageParam.sort").String())
	assert.EqualValues(t, -1, vars.Get("pageParam.order").Int())
	assert.Equal(t, "c0", vars.Get("searchAfter.id").String())
	assert.Contains(t, gjson.GetBytes(body, "query").String(), "commentList")
}

func TestFetcher_OmitsOptionalVariables(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"data":{"commentList":{"total":0,"list":[]}}}`)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Endpoint: srv.URL, Credentials: &staticCreds{creds: goodCreds}, Policy: fastPolicy()})
	page, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	vars := gjson.GetBytes(body, "variables")
	assert.False(t, vars.Get("groupId").Exists())
	assert.False(t, vars.Get("searchAfter").Exists())
	assert.EqualValues(t, 5, vars.Get("pageParam.display").Int())
	assert.Equal(t, "created", vars.Get("pageParam.sort").String())
}

func TestFetcher_CredentialRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	creds := &staticCreds{creds: models.Credentials{CSRFToken: "only-csrf"}}
	f := NewFetcher(FetcherConfig{Endpoint: srv.URL, Credentials: creds, Policy: fastPolicy()})

	page, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})

	assert.Nil(t, page)
	assert.ErrorIs(t, err, ErrCredentialsUnavailable)
	assert.EqualValues(t, 4, creds.calls.Load(), "one lookup plus three retries")
	assert.Zero(t, hits.Load())
}

func TestFetcher_FallsBackToSnapshot(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	snap := &models.CommentPage{Items: []models.Comment{{ID: "s1"}}, Total: 1}
	f := NewFetcher(FetcherConfig{
		Endpoint:    srv.URL,
		Credentials: &staticCreds{},
		Snapshots:   fixedSnapshot{page: snap},
		Policy:      fastPolicy(),
	})

	page, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})

	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, models.CommentIDs(page.Items))
	assert.Zero(t, hits.Load())
}

func TestFetcher_RetriesTransportFailures(t *testing.T) {
	var attempts atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection reset")
	})}
	f := NewFetcher(FetcherConfig{Endpoint: "http://comments.test/graphql", Client: client, Credentials: &staticCreds{creds: goodCreds}, Policy: fastPolicy()})

	_, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})

	assert.ErrorIs(t, err, ErrTransientNetwork)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestFetcher_RecoversAfterTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"commentList":{"total":1,"list":[{"id":"c1"}]}}}`)
	}))
	defer srv.Close()

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("dial timeout")
		}
		return http.DefaultTransport.RoundTrip(r)
	})}
	f := NewFetcher(FetcherConfig{Endpoint: srv.URL, Client: client, Credentials: &staticCreds{creds: goodCreds}, Policy: fastPolicy()})

	page, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})

	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestFetcher_PermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, `{}`, ErrUnexpectedStatus},
		{"forbidden", http.StatusForbidden, `{}`, ErrUnexpectedStatus},
		{"not json", http.StatusOK, `<html>`, ErrMalformedResponse},
		{"no comment list", http.StatusOK, `{"data":{}}`, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			f := NewFetcher(FetcherConfig{Endpoint: srv.URL, Credentials: &staticCreds{creds: goodCreds}, Policy: fastPolicy()})
			_, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})

			assert.ErrorIs(t, err, tt.wantErr)
			assert.EqualValues(t, 1, hits.Load(), "permanent failures are not retried")
		})
	}
}

func TestFetcher_APIErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"errors":[{"message":"not allowed"},{"message":"try later"}],"data":null}`)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Endpoint: srv.URL, Credentials: &staticCreds{creds: goodCreds}, Policy: fastPolicy()})
	_, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{"not allowed", "try later"}, apiErr.Messages)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetcher_NullErrorsIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"errors":null,"data":{"commentList":{"total":1,"list":[{"id":"c1"}]}}}`)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Endpoint: srv.URL, Credentials: &staticCreds{creds: goodCreds}, Policy: fastPolicy()})
	page, err := f.Fetch(context.Background(), FetchRequest{TargetID: "p1"})

	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestFetcher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFetcher(FetcherConfig{Endpoint: "http://comments.test", Credentials: &staticCreds{}, Policy: DefaultFetchPolicy()})
	start := time.Now()
	_, err := f.Fetch(ctx, FetchRequest{TargetID: "p1"})

	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "a cancelled fetch does not wait out its retries")
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "api_error", resultLabel(&APIError{}))
	assert.Equal(t, "status", resultLabel(ErrUnexpectedStatus))
	assert.Equal(t, "network", resultLabel(ErrTransientNetwork))
	assert.Equal(t, "malformed", resultLabel(ErrMalformedResponse))
	assert.Equal(t, "cancelled", resultLabel(context.Canceled))
	assert.Equal(t, "error", resultLabel(errors.New("x")))
}
