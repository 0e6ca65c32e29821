package core

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"commentsync/dom"
	"commentsync/logger"
	"commentsync/models"

	"github.com/BishopFox/jsluice"
	"github.com/tidwall/gjson"
)

// CredentialSource is the page state the credential lookup reads from.
type CredentialSource interface {
	MetaContent(name string) string
	InlineScripts() []string
	StorageItem(area dom.StorageArea, key string) (string, bool)
	Cookie() string
}

// CredentialKeys lists the candidate names probed in each location.
type CredentialKeys struct {
	CSRFMetaNames   []string
	StorageKeys     []string
	CookieNames     []string
	JSONTokenFields []string
}

var (
	csrfScriptPattern   = regexp.MustCompile(`(?i)csrf[_-]?token["']?\s*:\s*["']([^"']+)["']`)
	accessScriptPattern = regexp.MustCompile(`(?i)(?:^|[^a-z0-9_])["']?(?:x[_-]?|access[_-]?)?token["']?\s*:\s*["']([^"']+)["']`)

	csrfKeyPattern   = regexp.MustCompile(`(?i)^csrf[_-]?token$`)
	accessKeyPattern = regexp.MustCompile(`(?i)^(x[_-]?token|token|access[_-]?token|accessToken)$`)
)

// ObservedTokens remembers the tokens the host page attached to its own
// comment API calls, as seen by the proxy.
type ObservedTokens struct {
	mu    sync.RWMutex
	creds models.Credentials
}

// Record stores non-empty tokens, leaving the other one unchanged.
func (o *ObservedTokens) Record(csrf, access string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if csrf != "" {
		o.creds.CSRFToken = csrf
	}
	if access != "" {
		o.creds.AccessToken = access
	}
}

// Get returns the last recorded tokens.
func (o *ObservedTokens) Get() models.Credentials {
	if o == nil {
		return models.Credentials{}
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.creds
}

// CredentialProvider looks up API tokens on the page. Absence of a token is
// an expected outcome; lookups never fail.
type CredentialProvider struct {
	src      CredentialSource
	keys     CredentialKeys
	observed *ObservedTokens
}

// NewCredentialProvider builds a provider over src. observed may be nil.
func NewCredentialProvider(src CredentialSource, keys CredentialKeys, observed *ObservedTokens) *CredentialProvider {
	return &CredentialProvider{src: src, keys: keys, observed: observed}
}

// Credentials returns whatever tokens can currently be found.
func (p *CredentialProvider) Credentials() models.Credentials {
	scripts := p.src.InlineScripts()
	creds := models.Credentials{
		CSRFToken:   p.csrfToken(scripts),
		AccessToken: p.accessToken(scripts),
	}
	if !creds.Complete() {
		seen := p.observed.Get()
		if creds.CSRFToken == "" {
			creds.CSRFToken = seen.CSRFToken
		}
		if creds.AccessToken == "" {
			creds.AccessToken = seen.AccessToken
		}
	}
	return creds
}

func (p *CredentialProvider) csrfToken(scripts []string) string {
	for _, name := range p.keys.CSRFMetaNames {
		if v := p.src.MetaContent(name); v != "" {
			return v
		}
	}
	if v := scanScripts(scripts, csrfKeyPattern, csrfScriptPattern); v != "" {
		logger.Debug("Credentials: CSRF token found in inline script")
		return v
	}
	return ""
}

func (p *CredentialProvider) accessToken(scripts []string) string {
	for _, area := range []dom.StorageArea{dom.LocalStorage, dom.SessionStorage} {
		for _, key := range p.keys.StorageKeys {
			raw, ok := p.src.StorageItem(area, key)
			if !ok || raw == "" {
				continue
			}
			if v := p.tokenFromStorageValue(raw); v != "" {
				logger.Debug("Credentials: access token found in %s storage key '%s'", area, key)
				return v
			}
		}
	}
	if v := cookieValue(p.src.Cookie(), p.keys.CookieNames); v != "" {
		logger.Debug("Credentials: access token found in cookies")
		return v
	}
	if v := scanScripts(scripts, accessKeyPattern, accessScriptPattern); v != "" {
		logger.Debug("Credentials: access token found in inline script")
		return v
	}
	return ""
}

// tokenFromStorageValue reads a storage value as JSON first (an object with
// one of the token fields, or a bare string) and falls back to the raw text.
func (p *CredentialProvider) tokenFromStorageValue(raw string) string {
	if !gjson.Valid(raw) {
		return raw
	}
	parsed := gjson.Parse(raw)
	switch {
	case parsed.IsObject():
		for _, field := range p.keys.JSONTokenFields {
			if v := parsed.Get(gjsonEscape(field)); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	case parsed.Type == gjson.String:
		return parsed.String()
	}
	return raw
}

func gjsonEscape(field string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(field)
}

func cookieValue(cookie string, names []string) string {
	for _, part := range strings.Split(cookie, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		for _, want := range names {
			if name != want {
				continue
			}
			if decoded, err := url.QueryUnescape(value); err == nil {
				return decoded
			}
			return value
		}
	}
	return ""
}

// scanScripts looks for a string value assigned to a key matching keyRe,
// first by walking the script's syntax tree and then with fallback.
func scanScripts(scripts []string, keyRe, fallback *regexp.Regexp) string {
	for _, script := range scripts {
		if v := scanScriptSyntax(script, keyRe); v != "" {
			return v
		}
	}
	for _, script := range scripts {
		if m := fallback.FindStringSubmatch(script); m != nil {
			return m[1]
		}
	}
	return ""
}

func scanScriptSyntax(script string, keyRe *regexp.Regexp) string {
	analyzer := jsluice.NewAnalyzer([]byte(script))
	found := ""
	visit := func(key, value *jsluice.Node) {
		if found != "" || !key.IsValid() || !value.IsValid() {
			return
		}
		if value.Type() != "string" {
			return
		}
		name := strings.Trim(key.Content(), "\"'`")
		if keyRe.MatchString(name) {
			found = value.DecodedString()
		}
	}
	analyzer.Query("(pair) @pair", func(n *jsluice.Node) {
		visit(n.ChildByFieldName("key"), n.ChildByFieldName("value"))
	})
	if found != "" {
		return found
	}
	analyzer.Query("(variable_declarator) @decl", func(n *jsluice.Node) {
		visit(n.ChildByFieldName("name"), n.ChildByFieldName("value"))
	})
	return found
}
