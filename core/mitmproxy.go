package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"commentsync/logger"

	"github.com/elazarl/goproxy"
)

// ProxyConfig wires the MITM proxy to the sync loop.
type ProxyConfig struct {
	// MitmHosts are the hostnames (and their subdomains) whose traffic is
	// decrypted and inspected. Everything else is tunnelled untouched.
	MitmHosts []string
	// Interceptor decides which calls are comment-list calls.
	Interceptor *Interceptor
	// Observers see every completed inspected response.
	Observers []ResponseObserver
	// Tokens records the credentials the page attaches to comment-list calls.
	Tokens *ObservedTokens
	// Shim is injected into HTML documents; empty disables injection.
	Shim string
}

type proxyLogger struct{}

func (proxyLogger) Printf(format string, v ...any) {
	logger.ProxyDebug("goproxy: "+format, v...)
}

func setGoproxyCA(loadedGoproxyCa *tls.Certificate) {
	if loadedGoproxyCa == nil {
		logger.Fatal("setGoproxyCA called with nil certificate")
	}
	goproxy.GoproxyCa = *loadedGoproxyCa
	logger.ProxyInfo("goproxy CA configured.")
}

func GenerateAndSaveCA(certPath, keyPath string) error {
	localCaCert, localCaKey, err := generateCA("commentsync MITM Proxy CA")
	if err != nil {
		logger.Error("Failed to generate CA: %v", err)
		return fmt.Errorf("failed to generate CA: %w", err)
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		logger.Error("Failed to open %s for writing: %v", certPath, err)
		return fmt.Errorf("failed to open %s for writing: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: localCaCert.Raw}); err != nil {
		logger.Error("Failed to write CA certificate to %s: %v", certPath, err)
		return fmt.Errorf("failed to write CA certificate to %s: %w", certPath, err)
	}
	logger.Info("CA certificate saved to %s", certPath)

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		logger.Error("Failed to open %s for writing: %v", keyPath, err)
		return fmt.Errorf("failed to open %s for writing: %w", keyPath, err)
	}
	defer keyOut.Close()

	privBytes, err := x509.MarshalPKCS8PrivateKey(localCaKey)
	if err != nil {
		return fmt.Errorf("failed to marshal CA private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		logger.Error("Failed to write CA private key to %s: %v", keyPath, err)
		return fmt.Errorf("failed to write CA private key to %s: %w", keyPath, err)
	}
	logger.Info("CA private key saved to %s", keyPath)
	return nil
}

// LoadCA reads a PEM certificate and key pair written by GenerateAndSaveCA.
func LoadCA(certPath, keyPath string) (*tls.Certificate, error) {
	certPEMBlock, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file %s: %w", certPath, err)
	}
	certDERBlock, _ := pem.Decode(certPEMBlock)
	if certDERBlock == nil || certDERBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM block from %s", certPath)
	}
	caCert, err := x509.ParseCertificate(certDERBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate from %s: %w", certPath, err)
	}

	keyPEMBlock, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file %s: %w", keyPath, err)
	}
	keyDERBlock, _ := pem.Decode(keyPEMBlock)
	if keyDERBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM block from %s (key block is nil)", keyPath)
	}

	var parsedKey any
	switch keyDERBlock.Type {
	case "PRIVATE KEY":
		parsedKey, err = x509.ParsePKCS8PrivateKey(keyDERBlock.Bytes)
	case "RSA PRIVATE KEY":
		parsedKey, err = x509.ParsePKCS1PrivateKey(keyDERBlock.Bytes)
	default:
		return nil, fmt.Errorf("unknown CA key PEM block type '%s' from %s", keyDERBlock.Type, keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key from %s (type %s): %w", keyPath, keyDERBlock.Type, err)
	}
	caKey, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key from %s is not an RSA private key", keyPath)
	}

	logger.ProxyInfo("CA certificate and key loaded from %s.", certPath)
	return &tls.Certificate{
		Certificate: [][]byte{caCert.Raw},
		PrivateKey:  caKey,
		Leaf:        caCert,
	}, nil
}

func generateCA(commonName string) (*x509.Certificate, *rsa.PrivateKey, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"commentsync Local CA"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return cert, privKey, nil
}

// hostInScope reports whether hostname is one of hosts or a subdomain of one.
func hostInScope(hostname string, hosts []string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimPrefix(h, "*."))
		if hostname == h || strings.HasSuffix(hostname, "."+h) {
			return true
		}
	}
	return false
}

// NewMitmProxy builds the proxy handler. The goproxy CA must be configured
// before HTTPS traffic is decrypted.
func NewMitmProxy(cfg ProxyConfig) *goproxy.ProxyHttpServer {
	inScope := goproxy.ReqConditionFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) bool {
		return r.URL != nil && hostInScope(r.URL.Hostname(), cfg.MitmHosts)
	})

	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = proxyLogger{}

	proxy.OnRequest(inScope).HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		logger.ProxyDebug("HandleConnect for session %d, host %s", ctx.Session, host)
		return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(&goproxy.GoproxyCa)}, host
	}))

	proxy.OnRequest(inScope).DoFunc(
		func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			if cfg.Interceptor != nil && cfg.Interceptor.Matches(r.Method, r.URL) {
				csrf, access := r.Header.Get("csrf-token"), r.Header.Get("x-token")
				if cfg.Tokens != nil && (csrf != "" || access != "") {
					cfg.Tokens.Record(csrf, access)
					logger.ProxyDebug("REQ: recorded page tokens (csrf %t, access %t)", csrf != "", access != "")
				}
			}
			logger.ProxyDebug("REQ: %s %s", r.Method, r.URL.String())
			return r, nil
		})

	proxy.OnResponse(inScope).DoFunc(
		func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
			if resp == nil || ctx.Req == nil {
				return resp
			}
			isHTML := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
			watched := len(cfg.Observers) > 0 && cfg.Interceptor != nil && cfg.Interceptor.Matches(ctx.Req.Method, ctx.Req.URL)
			if !watched && !(isHTML && cfg.Shim != "") {
				return resp
			}

			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(body))
			if err != nil {
				logger.ProxyError("RESP: Error reading response body for %s %s: %v", ctx.Req.Method, ctx.Req.URL.String(), err)
				return resp
			}

			if watched {
				for _, o := range cfg.Observers {
					o.ObserveResponse(ctx.Req.Method, ctx.Req.URL, resp.Header, body)
				}
			}
			if isHTML && cfg.Shim != "" && resp.Header.Get("Content-Encoding") == "" {
				injected := InjectScript(body, cfg.Shim)
				resp.Body = io.NopCloser(bytes.NewReader(injected))
				resp.ContentLength = int64(len(injected))
				resp.Header.Set("Content-Length", strconv.Itoa(len(injected)))
				// The shim is inline and talks to a local websocket.
				resp.Header.Del("Content-Security-Policy")
				resp.Header.Del("Content-Security-Policy-Report-Only")
				logger.ProxyInfo("RESP: injected page bridge into %s", ctx.Req.URL.String())
			}

			logger.ProxyDebug("RESP: %d for %s %s (Size: %d)", resp.StatusCode, ctx.Req.Method, ctx.Req.URL.String(), len(body))
			return resp
		})

	return proxy
}

// StartMitmProxy loads the CA and serves the proxy on port until ctx is done.
func StartMitmProxy(ctx context.Context, port, caCertPath, caKeyPath string, cfg ProxyConfig) error {
	ca, err := LoadCA(caCertPath, caKeyPath)
	if err != nil {
		return fmt.Errorf("could not load CA certificate/key: %w. Please run 'proxy init-ca' or check config", err)
	}
	setGoproxyCA(ca)

	srv := &http.Server{Addr: ":" + port, Handler: NewMitmProxy(cfg)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.ProxyInfo("MITM Proxy server starting on :%s (hosts %v)", port, cfg.MitmHosts)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
