package cmd

import (
	"fmt"
	"net/http"
	"os"

	"commentsync/bridge"
	"commentsync/config"
	"commentsync/core"
	"commentsync/dom"
)

// services is the object graph shared by the start, proxy and fetch commands.
type services struct {
	doc         *dom.Document
	interceptor *core.Interceptor
	tokens      *core.ObservedTokens
	credentials *core.CredentialProvider
	fetcher     *core.Fetcher
	controller  *core.Controller
	bridge      *bridge.Bridge
	shim        string
}

func fetchPolicy(s config.SyncSettings) core.FetchPolicy {
	return core.FetchPolicy{
		CredentialRetries:   s.CredentialRetries,
		CredentialRetryWait: s.CredentialRetryWait,
		NetworkRetries:      s.NetworkRetries,
		NetworkRetryWait:    s.NetworkRetryWait,
		SnapshotMaxAge:      s.SnapshotMaxAge,
		MinPageSize:         s.MinPageSize,
		PageHeadroom:        s.PageHeadroom,
	}
}

func loadQuery(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read query file %s: %w", path, err)
	}
	return string(b), nil
}

func newServices(cfg config.Configuration) (*services, error) {
	sortTable, err := cfg.SortTable()
	if err != nil {
		return nil, err
	}
	matcher, err := core.NewURLMatcher(cfg.Site.URLPatterns)
	if err != nil {
		return nil, err
	}
	query, err := loadQuery(cfg.Site.QueryFile)
	if err != nil {
		return nil, err
	}

	s := &services{
		doc: dom.New("", dom.Selectors{
			Container:   cfg.Selectors.Container,
			Item:        cfg.Selectors.Item,
			SortLabel:   cfg.Selectors.SortLabel,
			IDAttribute: cfg.Selectors.IDAttribute,
		}),
		interceptor: core.NewInterceptor(cfg.Site.EndpointPath),
		tokens:      &core.ObservedTokens{},
	}
	s.credentials = core.NewCredentialProvider(s.doc, core.CredentialKeys{
		CSRFMetaNames:   cfg.Credentials.CSRFMetaNames,
		StorageKeys:     cfg.Credentials.StorageKeys,
		CookieNames:     cfg.Credentials.CookieNames,
		JSONTokenFields: cfg.Credentials.JSONTokenFields,
	}, s.tokens)

	// The fetcher's own calls go through the interceptor too, so its
	// responses refresh the snapshot like the page's calls do.
	client := &http.Client{
		Timeout:   cfg.Sync.RequestTimeout,
		Transport: core.Transport(http.DefaultTransport, s.interceptor),
	}
	s.fetcher = core.NewFetcher(core.FetcherConfig{
		Endpoint:    cfg.Site.APIEndpoint,
		ClientType:  cfg.Site.ClientType,
		Query:       query,
		Client:      client,
		Credentials: s.credentials,
		Snapshots:   s.interceptor,
		Page:        s.doc,
		Policy:      fetchPolicy(cfg.Sync),
	})
	s.controller = core.NewController(core.ControllerConfig{
		Page:            s.doc,
		Source:          s.fetcher,
		Matcher:         matcher,
		SortTable:       sortTable,
		ItemMarker:      cfg.Selectors.ItemMarker,
		Credentials:     s.credentials,
		NavPollInterval: cfg.Sync.NavPollInterval,
		NavSettleDelay:  cfg.Sync.NavSettleDelay,
		DOMPollInterval: cfg.Sync.DOMPollInterval,
		DOMReadyTimeout: cfg.Sync.DOMReadyTimeout,
	})
	s.bridge = bridge.New(s.doc, s.controller.Reload)

	if cfg.Proxy.InjectBridge {
		s.shim, err = bridge.ShimScript(bridge.ShimConfig{
			BridgeURL:   cfg.Bridge.PublicURL,
			Container:   cfg.Selectors.Container,
			Item:        cfg.Selectors.Item,
			SortLabel:   cfg.Selectors.SortLabel,
			IDAttribute: cfg.Selectors.IDAttribute,
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *services) proxyConfig(cfg config.Configuration) core.ProxyConfig {
	return core.ProxyConfig{
		MitmHosts:   cfg.Proxy.MitmHosts,
		Interceptor: s.interceptor,
		Observers:   []core.ResponseObserver{s.interceptor},
		Tokens:      s.tokens,
		Shim:        s.shim,
	}
}
