package core

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"commentsync/logger"
	"commentsync/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

//go:embed queries/select_comments.graphql
var defaultCommentsQuery string

var (
	ErrCredentialsUnavailable = errors.New("credentials unavailable")
	ErrTransientNetwork       = errors.New("transient network failure")
	ErrUnexpectedStatus       = errors.New("unexpected response status")
	ErrMalformedResponse      = errors.New("malformed comment list response")
)

// APIError is returned when the comment API answers with a GraphQL error
// list. It is never retried.
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return "comment api reported an error"
	}
	return "comment api reported: " + strings.Join(e.Messages, "; ")
}

// PageState is the part of the live page the fetcher sizes and labels its
// requests with.
type PageState interface {
	CommentCount() int
	URL() string
}

// CredentialLookup supplies the tokens attached to each request.
type CredentialLookup interface {
	Credentials() models.Credentials
}

// SnapshotSource supplies a recently intercepted comment list.
type SnapshotSource interface {
	SnapshotIfFresh(maxAge time.Duration) *models.CommentPage
}

// FetchPolicy holds the retry and sizing knobs of the fetcher.
type FetchPolicy struct {
	CredentialRetries   int
	CredentialRetryWait time.Duration
	NetworkRetries      int
	NetworkRetryWait    time.Duration
	SnapshotMaxAge      time.Duration
	MinPageSize         int
	PageHeadroom        int
}

// DefaultFetchPolicy matches the built-in sync settings.
func DefaultFetchPolicy() FetchPolicy {
	return FetchPolicy{
		CredentialRetries:   3,
		CredentialRetryWait: time.Second,
		NetworkRetries:      2,
		NetworkRetryWait:    2 * time.Second,
		SnapshotMaxAge:      10 * time.Second,
		MinPageSize:         5,
		PageHeadroom:        5,
	}
}

// PageSize is the number of comments requested for a page that currently
// renders count comment nodes.
func (p FetchPolicy) PageSize(count int) int {
	return max(p.MinPageSize, count+p.PageHeadroom)
}

// FetchRequest selects one page of comments.
type FetchRequest struct {
	TargetID string
	GroupID  string
	Sort     models.SortOption
	Cursor   json.RawMessage
}

// FetcherConfig wires a Fetcher.
type FetcherConfig struct {
	Endpoint    string
	ClientType  string
	Query       string // Empty selects the built-in SELECT_COMMENTS document.
	Client      *http.Client
	Credentials CredentialLookup
	Snapshots   SnapshotSource // May be nil.
	Page        PageState
	Policy      FetchPolicy
}

// Fetcher issues comment-list queries against the remote API.
type Fetcher struct {
	endpoint   string
	clientType string
	query      string
	client     *http.Client
	creds      CredentialLookup
	snapshots  SnapshotSource
	page       PageState
	policy     FetchPolicy
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Query == "" {
		cfg.Query = defaultCommentsQuery
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.ClientType == "" {
		cfg.ClientType = "Client"
	}
	return &Fetcher{
		endpoint:   cfg.Endpoint,
		clientType: cfg.ClientType,
		query:      cfg.Query,
		client:     cfg.Client,
		creds:      cfg.Credentials,
		snapshots:  cfg.Snapshots,
		page:       cfg.Page,
		policy:     cfg.Policy,
	}
}

// Fetch returns one page of comments. When credentials cannot be found it
// falls back to a fresh intercepted snapshot, retrying the lookup a bounded
// number of times. Transport failures are retried separately; status and API
// errors are not.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (*models.CommentPage, error) {
	creds, fallback, err := f.awaitCredentials(ctx)
	if err != nil {
		fetchTotal.WithLabelValues("no_credentials").Inc()
		return nil, err
	}
	if fallback != nil {
		fetchTotal.WithLabelValues("snapshot").Inc()
		logger.Info("Fetcher: using intercepted snapshot (%d comments) for target %s", len(fallback.Items), req.TargetID)
		return fallback, nil
	}

	body, err := f.requestBody(req)
	if err != nil {
		fetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var page *models.CommentPage
	op := func() error {
		var opErr error
		page, opErr = f.post(ctx, body, creds)
		return opErr
	}
	notify := func(err error, wait time.Duration) {
		fetchRetries.WithLabelValues("network").Inc()
		logger.Warn("Fetcher: %v, retrying in %s", err, wait)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(f.policy.NetworkRetryWait), uint64(f.policy.NetworkRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		fetchTotal.WithLabelValues(resultLabel(err)).Inc()
		logger.Error("Fetcher: comment list for target %s failed: %v", req.TargetID, err)
		return nil, err
	}
	fetchTotal.WithLabelValues("ok").Inc()
	logger.Debug("Fetcher: received %d comments (total %d) for target %s", len(page.Items), page.Total, req.TargetID)
	return page, nil
}

// awaitCredentials returns complete credentials, or a fresh snapshot to use
// instead, or ErrCredentialsUnavailable once the retries are spent.
func (f *Fetcher) awaitCredentials(ctx context.Context) (models.Credentials, *models.CommentPage, error) {
	var (
		creds    models.Credentials
		fallback *models.CommentPage
	)
	op := func() error {
		creds = f.creds.Credentials()
		if creds.Complete() {
			return nil
		}
		if f.snapshots != nil {
			if snap := f.snapshots.SnapshotIfFresh(f.policy.SnapshotMaxAge); snap != nil {
				fallback = snap
				return nil
			}
		}
		return ErrCredentialsUnavailable
	}
	notify := func(_ error, wait time.Duration) {
		fetchRetries.WithLabelValues("credentials").Inc()
		logger.Debug("Fetcher: tokens not found yet, retrying in %s", wait)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(f.policy.CredentialRetryWait), uint64(f.policy.CredentialRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, ErrCredentialsUnavailable) {
			logger.Warn("Fetcher: no credentials after %d retries", f.policy.CredentialRetries)
		}
		return models.Credentials{}, nil, err
	}
	return creds, fallback, nil
}

func (f *Fetcher) requestBody(req FetchRequest) ([]byte, error) {
	sort := req.Sort
	if sort.Field == "" {
		sort = models.DefaultSort
	}
	count := 0
	if f.page != nil {
		count = f.page.CommentCount()
	}
	variables := map[string]any{
		"target": req.TargetID,
		"pageParam": map[string]any{
			"display": f.policy.PageSize(count),
			"sort":    sort.Field,
			"order":   sort.Direction,
		},
	}
	if req.GroupID != "" {
		variables["groupId"] = req.GroupID
	}
	if len(req.Cursor) > 0 {
		variables["searchAfter"] = req.Cursor
	}
	body, err := json.Marshal(map[string]any{
		"query":     f.query,
		"variables": variables,
	})
	if err != nil {
		return nil, fmt.Errorf("encode comment list request: %w", err)
	}
	return body, nil
}

func (f *Fetcher) post(ctx context.Context, body []byte, creds models.Credentials) (*models.CommentPage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build comment list request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("csrf-token", creds.CSRFToken)
	httpReq.Header.Set("x-token", creds.AccessToken)
	httpReq.Header.Set("x-client-type", f.clientType)
	if f.page != nil {
		if ref := f.page.URL(); ref != "" {
			httpReq.Header.Set("Referer", ref)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransientNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status))
	}
	if !gjson.ValidBytes(raw) {
		return nil, backoff.Permanent(ErrMalformedResponse)
	}
	if apiErrs := gjson.GetBytes(raw, "errors"); apiErrs.Exists() && apiErrs.Type != gjson.Null {
		apiErr := &APIError{}
		apiErrs.ForEach(func(_, v gjson.Result) bool {
			if msg := v.Get("message").String(); msg != "" {
				apiErr.Messages = append(apiErr.Messages, msg)
			}
			return true
		})
		return nil, backoff.Permanent(apiErr)
	}
	page, ok := parseCommentList(raw)
	if !ok {
		return nil, backoff.Permanent(ErrMalformedResponse)
	}
	return &page, nil
}

func resultLabel(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.Is(err, ErrUnexpectedStatus):
		return "status"
	case errors.Is(err, ErrTransientNetwork):
		return "network"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
