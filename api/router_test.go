package api_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"commentsync/api"
	"commentsync/core"
	"commentsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type mockSync struct {
	status    models.SyncStatus
	comments  []models.Comment
	resyncErr error
	fullCalls []bool
}

func (m *mockSync) Status() models.SyncStatus  { return m.status }
func (m *mockSync) Comments() []models.Comment { return m.comments }

func (m *mockSync) Resync(full bool) error {
	m.fullCalls = append(m.fullCalls, full)
	return m.resyncErr
}

type mockSnapshots struct{ maxAge time.Duration }

func (m *mockSnapshots) Info(maxAge time.Duration) models.SnapshotInfo {
	m.maxAge = maxAge
	return models.SnapshotInfo{Present: true, Fresh: true, AgeMs: 1200, CommentIDs: []string{"c1"}}
}

type mockBridge struct{ connected bool }

func (m mockBridge) Connected() bool { return m.connected }

func (mockBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func setupRouter(sync *mockSync, snaps *mockSnapshots) http.Handler {
	b := mockBridge{connected: true}
	return api.NewRouter(api.Services{
		Sync:           sync,
		Snapshots:      snaps,
		SnapshotMaxAge: 10 * time.Second,
		Bridge:         b,
		BridgeState:    b,
	})
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := setupRouter(&mockSync{}, &mockSnapshots{})

	rec := do(t, h, http.MethodGet, "/api/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"bridge_connected":true}`, rec.Body.String())
}

func TestState(t *testing.T) {
	sync := &mockSync{status: models.SyncStatus{
		URL:        "https://playentry.org/project/p1",
		EpochID:    "e-1",
		Phase:      models.PhaseSynced,
		CommentIDs: []string{"c1", "c2"},
		DOMNodes:   2,
		Sort:       models.DefaultSort,
	}}
	h := setupRouter(sync, &mockSnapshots{})

	rec := do(t, h, http.MethodGet, "/api/state")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := rec.Body.Bytes()
	assert.Equal(t, "synced", gjson.GetBytes(body, "phase").String())
	assert.Equal(t, "e-1", gjson.GetBytes(body, "epoch_id").String())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "comment_ids.#").Int())
	assert.EqualValues(t, -1, gjson.GetBytes(body, "sort.direction").Int())
}

func TestComments_EmptyIsArray(t *testing.T) {
	h := setupRouter(&mockSync{}, &mockSnapshots{})

	rec := do(t, h, http.MethodGet, "/api/comments")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestComments(t *testing.T) {
	h := setupRouter(&mockSync{comments: []models.Comment{{ID: "c1", Content: "hi"}}}, &mockSnapshots{})

	rec := do(t, h, http.MethodGet, "/api/comments")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", gjson.Get(rec.Body.String(), "0.id").String())
	assert.Equal(t, "hi", gjson.Get(rec.Body.String(), "0.content").String())
}

func TestResync(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		resyncErr error
		wantCode  int
		wantFull  []bool
	}{
		{"default", "/api/resync", nil, http.StatusAccepted, []bool{false}},
		{"full", "/api/resync?full=true", nil, http.StatusAccepted, []bool{true}},
		{"bad flag", "/api/resync?full=maybe", nil, http.StatusBadRequest, nil},
		{"no epoch", "/api/resync", core.ErrNoActiveEpoch, http.StatusConflict, []bool{false}},
		{"queue full", "/api/resync", errors.New("epoch did not accept"), http.StatusServiceUnavailable, []bool{false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync := &mockSync{resyncErr: tt.resyncErr}
			h := setupRouter(sync, &mockSnapshots{})

			rec := do(t, h, http.MethodPost, tt.target)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantFull, sync.fullCalls)
			if tt.wantCode == http.StatusAccepted {
				assert.JSONEq(t, `{"queued":true}`, rec.Body.String())
			} else {
				assert.NotEmpty(t, gjson.Get(rec.Body.String(), "message").String())
			}
		})
	}
}

func TestResync_WrongMethod(t *testing.T) {
	h := setupRouter(&mockSync{}, &mockSnapshots{})
	rec := do(t, h, http.MethodGet, "/api/resync")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSnapshot(t *testing.T) {
	snaps := &mockSnapshots{}
	h := setupRouter(&mockSync{}, snaps)

	rec := do(t, h, http.MethodGet, "/api/snapshot")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"present":true,"fresh":true,"age_ms":1200,"comment_ids":["c1"]}`, rec.Body.String())
	assert.Equal(t, 10*time.Second, snaps.maxAge)
}

func TestMetrics(t *testing.T) {
	h := setupRouter(&mockSync{}, &mockSnapshots{})

	rec := do(t, h, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "commentsync_navigation_epochs_total")
}

func TestBridgeMountedAtDefaultPath(t *testing.T) {
	h := setupRouter(&mockSync{}, &mockSnapshots{})

	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/bridge").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope").Code)
}
