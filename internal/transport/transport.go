// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package transport is the agent's single HTTP verb operation: Perform
// takes a method and a Request and returns a Response, handling
// timeouts, proxy schemes, gzip bodies and unix-domain sockets. No
// other package in this agent makes outbound requests through net/http
// directly.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// Request describes one HTTP call.
type Request struct {
	URL                string
	Body               []byte
	UnixSocketPath     string
	TimeoutSeconds      int
	Proxy              string // host:port, scheme carried separately
	ProxyScheme        string // "http", "https", "https/2", "socks5", "socks5h", "socks4", "socks4a", or "" for direct
	ProxyUser          string
	ProxyPassword      string
	Headers            map[string]string
	CipherSuite        string // optional, forces a weak TLS suite for legacy endpoints
	InsecureSkipVerify bool   // default false: verify TLS peer/host unless explicitly opted out
}

// Response is what every Perform call returns.
type Response struct {
	ResCode         int
	Result          []byte
	ErrorMsg        string
	ContentEncoding string
}

// IsTimeout classifies a transport outcome as retryable: resCode == 0
// (never reached the server) is a transient network/timeout condition;
// any resCode > 0, including 4xx/5xx, is a definite server answer and
// is not a timeout even if it warrants a different kind of retry.
func IsTimeout(resCode int) bool {
	return resCode == 0
}

var weakCipherSuites = map[string]uint16{
	"TLS_RSA_WITH_AES_128_CBC_SHA": tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"TLS_RSA_WITH_AES_256_CBC_SHA": tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	"TLS_RSA_WITH_3DES_EDE_CBC_SHA": tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
}

// Perform executes one HTTP call. method is "GET", "POST" or "HEAD".
func Perform(ctx context.Context, method string, req Request) Response {
	client, err := buildClient(req)
	if err != nil {
		return Response{ErrorMsg: fmt.Sprintf("build client: %v", err)}
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 15
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(cctx, method, req.URL, bodyReader)
	if err != nil {
		return Response{ErrorMsg: fmt.Sprintf("new request: %v", err)}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{ErrorMsg: err.Error()}
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	encoding := resp.Header.Get("Content-Encoding")
	if encoding == "gzip" {
		gz, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			return Response{ResCode: resp.StatusCode, ErrorMsg: fmt.Sprintf("gzip: %v", gerr)}
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return Response{ResCode: resp.StatusCode, ErrorMsg: fmt.Sprintf("read body: %v", err)}
	}

	return Response{ResCode: resp.StatusCode, Result: data, ContentEncoding: encoding}
}

func buildClient(req Request) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: req.InsecureSkipVerify,
	}
	if req.CipherSuite != "" {
		if suite, ok := weakCipherSuites[req.CipherSuite]; ok {
			tlsCfg.CipherSuites = []uint16{suite}
			tlsCfg.MaxVersion = tls.VersionTLS12
		}
	}
	transport.TLSClientConfig = tlsCfg

	connectTimeout := req.TimeoutSeconds
	if connectTimeout < 5 {
		connectTimeout = 5
	}
	dialer := &net.Dialer{Timeout: time.Duration(connectTimeout) * time.Second}

	if req.UnixSocketPath != "" {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", req.UnixSocketPath)
		}
	} else if req.Proxy != "" {
		if err := configureProxy(transport, dialer, req); err != nil {
			return nil, err
		}
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 20 {
				return errors.New("stopped after 20 redirects")
			}
			return nil
		},
	}
	return client, nil
}

func configureProxy(transport *http.Transport, dialer *net.Dialer, req Request) error {
	scheme := strings.ToLower(req.ProxyScheme)
	switch scheme {
	case "", "http", "https":
		proxyURL := &url.URL{Scheme: schemeOrDefault(scheme), Host: req.Proxy}
		if req.ProxyUser != "" {
			proxyURL.User = url.UserPassword(req.ProxyUser, req.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		return nil
	case "https/2":
		proxyURL := &url.URL{Scheme: "https", Host: req.Proxy}
		if req.ProxyUser != "" {
			proxyURL.User = url.UserPassword(req.ProxyUser, req.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		if err := http2.ConfigureTransport(transport); err != nil {
			return fmt.Errorf("configure h2 proxy transport: %w", err)
		}
		return nil
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if req.ProxyUser != "" {
			auth = &proxy.Auth{User: req.ProxyUser, Password: req.ProxyPassword}
		}
		sockDialer, err := proxy.SOCKS5("tcp", req.Proxy, auth, dialer)
		if err != nil {
			return fmt.Errorf("socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return sockDialer.Dial(network, addr)
		}
		return nil
	case "socks4", "socks4a":
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialSocks4(ctx, dialer, req.Proxy, addr, scheme == "socks4a")
		}
		return nil
	default:
		return fmt.Errorf("unsupported proxy scheme %q", req.ProxyScheme)
	}
}

func schemeOrDefault(s string) string {
	if s == "" {
		return "http"
	}
	return s
}

// dialSocks4 is a minimal SOCKS4/SOCKS4a CONNECT implementation: no
// corpus dependency speaks this protocol, so it is hand-rolled per
// DESIGN.md.
func dialSocks4(ctx context.Context, dialer *net.Dialer, proxyAddr, target string, socks4a bool) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		conn.Close()
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port)}
	if socks4a {
		req = append(req, 0, 0, 0, 1)
		req = append(req, 0) // empty user id
		req = append(req, []byte(host)...)
		req = append(req, 0)
	} else {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("socks4 requires an IPv4 target, got %q", host)
		}
		req = append(req, ip...)
		req = append(req, 0) // empty user id
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, err
	}
	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4 connect rejected: status 0x%02x", resp[1])
	}
	return conn, nil
}

// URLEncode / URLDecode follow RFC3986's unreserved character set
// (A-Z a-z 0-9 - _ . ~), rather than Go's query-string-oriented
// url.QueryEscape (which additionally escapes space as "+").
func URLEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

func URLDecode(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' {
			if i+2 >= len(s) {
				return "", fmt.Errorf("urldecode: truncated escape at %d", i)
			}
			var v int
			if _, err := fmt.Sscanf(s[i+1:i+3], "%02X", &v); err != nil {
				return "", fmt.Errorf("urldecode: invalid escape %q: %w", s[i:i+3], err)
			}
			b.WriteByte(byte(v))
			i += 2
		} else {
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
