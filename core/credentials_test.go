package core

import (
	"testing"

	"commentsync/dom"
	"commentsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = CredentialKeys{
	CSRFMetaNames:   []string{"csrf-token", "_token"},
	StorageKeys:     []string{"entryToken", "token"},
	CookieNames:     []string{"token", "x-token"},
	JSONTokenFields: []string{"token", "accessToken"},
}

func pageWithHead(t *testing.T, head string) *dom.Document {
	t.Helper()
	d, err := dom.Parse("https://example.test/project/abc", "<html><head>"+head+"</head><body></body></html>", dom.Selectors{Container: "ul", Item: "li"})
	require.NoError(t, err)
	return d
}

func TestCredentials_MetaAndStorageJSON(t *testing.T) {
	d := pageWithHead(t, `<meta name="_token" content="csrf-from-meta">`)
	d.SetStorage(dom.LocalStorage, map[string]string{"entryToken": `{"user":"u","accessToken":"jwt-from-storage"}`})

	creds := NewCredentialProvider(d, testKeys, nil).Credentials()

	assert.Equal(t, models.Credentials{CSRFToken: "csrf-from-meta", AccessToken: "jwt-from-storage"}, creds)
}

func TestCredentials_StorageValueForms(t *testing.T) {
	p := NewCredentialProvider(nil, testKeys, nil)

	assert.Equal(t, "plain", p.tokenFromStorageValue("plain"))
	assert.Equal(t, "quoted", p.tokenFromStorageValue(`"quoted"`))
	assert.Equal(t, "t1", p.tokenFromStorageValue(`{"token":"t1"}`))
	assert.Equal(t, `{"other":"x"}`, p.tokenFromStorageValue(`{"other":"x"}`))
}

func TestCredentials_SessionStorageAndCookie(t *testing.T) {
	d := pageWithHead(t, `<meta name="csrf-token" content="c">`)
	d.SetStorage(dom.SessionStorage, map[string]string{"token": "session-token"})
	assert.Equal(t, "session-token", NewCredentialProvider(d, testKeys, nil).Credentials().AccessToken)

	d = pageWithHead(t, `<meta name="csrf-token" content="c">`)
	d.SetCookie("theme=dark; x-token=cookie%20token")
	assert.Equal(t, "cookie token", NewCredentialProvider(d, testKeys, nil).Credentials().AccessToken)
}

func TestCredentials_InlineScript(t *testing.T) {
	d := pageWithHead(t, `<script>
var config = { csrfToken: "csrf-from-script", theme: "dark" };
window.__NEXT_DATA__ = { props: { token: "jwt-from-script" } };
</script>`)

	creds := NewCredentialProvider(d, testKeys, nil).Credentials()

	assert.Equal(t, "csrf-from-script", creds.CSRFToken)
	assert.Equal(t, "jwt-from-script", creds.AccessToken)
}

func TestCredentials_ScriptFallbackPattern(t *testing.T) {
	scripts := []string{`not valid js {{{ "csrf_token": "abc123"`}
	assert.Equal(t, "abc123", scanScripts(scripts, csrfKeyPattern, csrfScriptPattern))
}

func TestCredentials_ObservedTokensFillGaps(t *testing.T) {
	d := pageWithHead(t, `<meta name="csrf-token" content="page-csrf">`)
	observed := &ObservedTokens{}
	observed.Record("wire-csrf", "wire-access")

	creds := NewCredentialProvider(d, testKeys, observed).Credentials()

	assert.Equal(t, "page-csrf", creds.CSRFToken, "page tokens win over observed ones")
	assert.Equal(t, "wire-access", creds.AccessToken)
}

func TestCredentials_NothingFound(t *testing.T) {
	d := pageWithHead(t, "")

	creds := NewCredentialProvider(d, testKeys, nil).Credentials()

	assert.False(t, creds.Complete())
	assert.Empty(t, creds.CSRFToken)
	assert.Empty(t, creds.AccessToken)
}

func TestObservedTokens_RecordKeepsOther(t *testing.T) {
	o := &ObservedTokens{}
	o.Record("c1", "")
	o.Record("", "a1")
	o.Record("c2", "")

	assert.Equal(t, models.Credentials{CSRFToken: "c2", AccessToken: "a1"}, o.Get())

	var nilTokens *ObservedTokens
	assert.Equal(t, models.Credentials{}, nilTokens.Get())
}
