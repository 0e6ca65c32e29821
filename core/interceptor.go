package core

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"commentsync/logger"
	"commentsync/models"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"
)

// ResponseObserver is notified of completed outbound calls. Implementations
// must not retain body.
type ResponseObserver interface {
	ObserveResponse(method string, u *url.URL, header http.Header, body []byte)
}

type snapshot struct {
	page       models.CommentPage
	capturedAt time.Time
}

// Interceptor keeps the most recent comment-list response observed on the
// wire as a short-lived fallback for when the fetcher cannot authenticate.
type Interceptor struct {
	endpointPath string
	now          func() time.Time

	mu     sync.RWMutex
	latest *snapshot
}

// NewInterceptor watches POST calls whose URL path contains endpointPath.
func NewInterceptor(endpointPath string) *Interceptor {
	return &Interceptor{endpointPath: endpointPath, now: time.Now}
}

// Matches reports whether a call is a comment-list call.
func (i *Interceptor) Matches(method string, u *url.URL) bool {
	if u == nil || i.endpointPath == "" {
		return false
	}
	return strings.EqualFold(method, http.MethodPost) && strings.Contains(u.Path, i.endpointPath)
}

// ObserveResponse implements ResponseObserver.
func (i *Interceptor) ObserveResponse(method string, u *url.URL, header http.Header, body []byte) {
	if !i.Matches(method, u) {
		return
	}
	decoded, err := decodeBody(header.Get("Content-Encoding"), body)
	if err != nil {
		logger.ProxyError("Interceptor: could not decode %s response body: %v", u.Path, err)
		return
	}
	page, ok := parseCommentList(decoded)
	if !ok {
		logger.ProxyDebug("Interceptor: %s response carried no comment list", u.Path)
		return
	}
	i.mu.Lock()
	i.latest = &snapshot{page: page, capturedAt: i.now()}
	i.mu.Unlock()
	interceptedSnapshots.Inc()
	logger.ProxyInfo("Interceptor: captured %d comments from %s", len(page.Items), u.Path)
}

// SnapshotIfFresh returns the latest capture if it is younger than maxAge.
func (i *Interceptor) SnapshotIfFresh(maxAge time.Duration) *models.CommentPage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.latest == nil || i.now().Sub(i.latest.capturedAt) >= maxAge {
		return nil
	}
	page := i.latest.page
	page.Items = append([]models.Comment(nil), page.Items...)
	return &page
}

// Info describes the latest capture relative to maxAge.
func (i *Interceptor) Info(maxAge time.Duration) models.SnapshotInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.latest == nil {
		return models.SnapshotInfo{}
	}
	age := i.now().Sub(i.latest.capturedAt)
	return models.SnapshotInfo{
		Present:    true,
		Fresh:      age < maxAge,
		AgeMs:      age.Milliseconds(),
		CommentIDs: models.CommentIDs(i.latest.page.Items),
	}
}

// Transport wraps next so that completed responses are shown to every
// observer. The caller receives an equivalent, unread body.
func Transport(next http.RoundTripper, observers ...ResponseObserver) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &observingTransport{next: next, observers: observers}
}

type observingTransport struct {
	next      http.RoundTripper
	observers []ResponseObserver
}

func (t *observingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp == nil || resp.Body == nil {
		return resp, err
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		return resp, readErr
	}
	for _, o := range t.observers {
		o.ObserveResponse(req.Method, req.URL, resp.Header, body)
	}
	return resp, nil
}

func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		return io.ReadAll(gz)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// parseCommentList extracts data.commentList from a GraphQL response body.
func parseCommentList(body []byte) (models.CommentPage, bool) {
	list := gjson.GetBytes(body, "data.commentList")
	if !list.Exists() || !list.Get("list").IsArray() {
		return models.CommentPage{}, false
	}
	var page models.CommentPage
	if err := json.Unmarshal([]byte(list.Raw), &page); err != nil {
		logger.Error("Comment list did not decode: %v", err)
		return models.CommentPage{}, false
	}
	if page.Items == nil {
		page.Items = []models.Comment{}
	}
	return page, true
}
