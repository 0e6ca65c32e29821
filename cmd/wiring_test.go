package cmd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"commentsync/bridge"
	"commentsync/config"
	"commentsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const hostPage = `<html><head><meta name="csrf-token" content="csrf-live"></head><body>
<div class="css-2hcz3y erhmwsd0"><span>최신순</span></div>
<ul class="css-1m3ba66 e1fqckzt0">
<li class="css-zdw2xm e19b9x4q0">first</li>
<li class="css-zdw2xm e19b9x4q0">second</li>
</ul></body></html>`

func testConfig(endpoint string) config.Configuration {
	cfg := config.Default()
	cfg.Site.APIEndpoint = endpoint
	cfg.Sync.NavSettleDelay = 0
	cfg.Sync.NavPollInterval = 10 * time.Millisecond
	cfg.Sync.DOMPollInterval = 5 * time.Millisecond
	cfg.Sync.CredentialRetryWait = time.Millisecond
	cfg.Sync.NetworkRetryWait = time.Millisecond
	return cfg
}

func TestNewServices_Defaults(t *testing.T) {
	svc, err := newServices(testConfig("https://playentry.org/graphql/SELECT_COMMENTS"))
	require.NoError(t, err)

	assert.NotNil(t, svc.controller)
	assert.NotNil(t, svc.fetcher)
	assert.Contains(t, svc.shim, "ws://127.0.0.1:8778/bridge")

	pc := svc.proxyConfig(config.Default())
	assert.Equal(t, []string{"playentry.org"}, pc.MitmHosts)
	assert.Same(t, svc.interceptor, pc.Interceptor)
	assert.Same(t, svc.tokens, pc.Tokens)
}

func TestNewServices_NoShimWhenInjectionDisabled(t *testing.T) {
	cfg := testConfig("https://playentry.org/graphql/SELECT_COMMENTS")
	cfg.Proxy.InjectBridge = false

	svc, err := newServices(cfg)
	require.NoError(t, err)
	assert.Empty(t, svc.shim)
}

func TestNewServices_BadQueryFile(t *testing.T) {
	cfg := testConfig("https://playentry.org/graphql/SELECT_COMMENTS")
	cfg.Site.QueryFile = "/does/not/exist.graphql"

	_, err := newServices(cfg)
	assert.Error(t, err)
}

func TestServices_EndToEnd(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"data":{"commentList":{"total":2,"list":[{"id":"aa1","content":"first"},{"id":"aa2","content":"second"}]}}}`)
	}))
	defer api.Close()

	svc, err := newServices(testConfig(api.URL + "/graphql/SELECT_COMMENTS"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		svc.controller.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	cookie := "theme=dark; token=jwt-live"
	require.NoError(t, svc.bridge.Apply(bridge.Message{
		Type:   bridge.MsgPage,
		URL:    "https://playentry.org/project/64f1a2b3",
		HTML:   hostPage,
		Cookie: &cookie,
	}))

	require.Eventually(t, func() bool {
		tags := svc.doc.CommentTags()
		return len(tags) == 2 && tags[0] == "aa1" && tags[1] == "aa2"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "csrf-live", gotHeaders.Get("csrf-token"))
	assert.Equal(t, "jwt-live", gotHeaders.Get("x-token"))
	assert.Equal(t, "64f1a2b3", gjson.GetBytes(gotBody, "variables.target").String())
	assert.EqualValues(t, 7, gjson.GetBytes(gotBody, "variables.pageParam.display").Int())

	st := svc.controller.Status()
	assert.Equal(t, models.PhaseSynced, st.Phase)
	assert.True(t, st.Credentials.HasAccessToken)

	// The fetcher's own traffic refreshes the interceptor snapshot.
	info := svc.interceptor.Info(time.Minute)
	assert.True(t, info.Present)
	assert.Equal(t, []string{"aa1", "aa2"}, info.CommentIDs)
}

func TestFetchCommand_RejectsUnknownPage(t *testing.T) {
	config.AppConfig = config.Default()
	err := fetchCmd.RunE(fetchCmd, []string{"https://example.com/nothing"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "does not match"))
}
