// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proxymgr brings the agent's network identity up exactly
// once at startup: read the access key, discover a
// serial number, then probe the built-in proxy table (or a
// user-configured proxy) to find a tunnel that can reach the control
// plane, publishing the result as a taskmgr.CloudAgentInfo.
package proxymgr

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	_ "embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"

	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/hostfacts"
	"argus.dev/agent/internal/logging"
	"argus.dev/agent/internal/taskmgr"
	"argus.dev/agent/internal/transport"
)

//go:embed proxy_table.yaml
var builtinTableYAML []byte

// ProxyEntry is one row of the built-in regionId -> host:port table.
type ProxyEntry struct {
	RegionID string `yaml:"regionId"`
	Host     string `yaml:"host"`
}

// LoadBuiltinTable parses the embedded proxy table.
func LoadBuiltinTable() ([]ProxyEntry, error) {
	var entries []ProxyEntry
	if err := yaml.Unmarshal(builtinTableYAML, &entries); err != nil {
		return nil, fmt.Errorf("proxymgr: parse builtin table: %w", err)
	}
	return entries, nil
}

// ProxyInfo is one candidate tunnel: a scheme, the region it claims to
// belong to (empty for a user-configured proxy), host:port and
// optional credentials.
type ProxyInfo struct {
	Scheme   string
	RegionID string
	Host     string
	User     string
	Password string
}

// URL renders "scheme://host:port", or "" if Host is empty (meaning:
// no proxy, direct connection).
func (p ProxyInfo) URL() string {
	if p.Host == "" {
		return ""
	}
	if p.Scheme == "" {
		return p.Host
	}
	return p.Scheme + "://" + p.Host
}

// AccessKey is the agent's cloud-monitor API credential pair.
type AccessKey struct {
	ID     string
	Secret string
}

// ReadAccessKey resolves the access key: first in-memory config, then
// the first existing properties file among config.SearchPaths.
func ReadAccessKey(cfg *config.Config, baseDir, execDir string) (AccessKey, error) {
	id := cfg.GetStringCI(config.KeyAccessKeyID, "")
	secret := cfg.GetStringCI(config.KeySecretKey, "")
	if id != "" && secret != "" {
		return AccessKey{ID: id, Secret: secret}, nil
	}

	for _, path := range config.SearchPaths(baseDir, execDir) {
		fileCfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return AccessKey{}, err
		}
		fid := fileCfg.GetStringCI(config.KeyAccessKeyID, "")
		fsecret := fileCfg.GetStringCI(config.KeySecretKey, "")
		if fid != "" && fsecret != "" {
			return AccessKey{ID: fid, Secret: fsecret}, nil
		}
	}
	return AccessKey{ID: id, Secret: secret}, nil
}

const vpcMetadataHost = "100.100.100.200"

// DiscoverSerialNumber tries each source in order, stopping at the
// first non-empty result.
func DiscoverSerialNumber(ctx context.Context, cfg *config.Config, facts hostfacts.Facts, ak AccessKey, appDataDir string) string {
	logger := logging.Default().WithComponent("proxymgr")

	if ak.ID == "" && !cfg.GetBool(config.KeySkipEcsVpcServer, false) {
		if sn := fetchSerialNumberFromVPC(ctx); sn != "" {
			logger.Debug("serial number resolved", "source", "vpc-metadata")
			return sn
		}
	}
	if sn, err := hostfacts.ReadECSAssistMachineID(); err == nil && sn != "" {
		logger.Debug("serial number resolved", "source", "ecs-assist")
		return sn
	}
	if sn := cfg.GetString(config.KeyEcsSerialNumber, ""); sn != "" {
		logger.Debug("serial number resolved", "source", "config")
		return sn
	}
	if sn, err := facts.SerialNumber(); err == nil && sn != "" {
		logger.Debug("serial number resolved", "source", "os")
		return sn
	}

	sn, err := loadOrCreateLocalSerialNumber(localSerialNumberPath(appDataDir), ak.Secret)
	if err != nil {
		logger.Warn("failed to load or create a local serial number", "error", err)
	}
	logger.Debug("serial number resolved", "source", "local-generated")
	return sn
}

func fetchSerialNumberFromVPC(ctx context.Context) string {
	resp := transport.Perform(ctx, "GET", transport.Request{
		URL:            "http://" + vpcMetadataHost + "/latest/meta-data/serial-number",
		TimeoutSeconds: 5,
	})
	if resp.ResCode != 200 {
		return ""
	}
	return strings.TrimSpace(string(resp.Result))
}

func localSerialNumberPath(appDataDir string) string {
	if appDataDir == "" {
		appDataDir = "/etc"
	}
	return filepath.Join(appDataDir, "cloudmonitor", "serial_number.properties")
}

// loadOrCreateLocalSerialNumber is the last-resort serial number
// source: a UUID generated once and persisted to disk, obfuscated
// under a key stretched from the access secret via PBKDF2 so the raw
// UUID never touches disk unobfuscated (if no secret is known yet, a
// fixed passphrase is used — this only protects against casual
// inspection, not a motivated reader of the binary).
func loadOrCreateLocalSerialNumber(path, secret string) (string, error) {
	if cfg, err := config.Load(path); err == nil {
		salt := cfg.GetString("salt", "")
		cipher := cfg.GetString("serial", "")
		if salt != "" && cipher != "" {
			if sn, err := decodeLocalSerialNumber(salt, cipher, secret); err == nil {
				return sn, nil
			}
		}
	}

	id := uuid.New()
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return id.String(), fmt.Errorf("proxymgr: generate salt: %w", err)
	}

	key := stretchSecret(secret, salt)
	cipher := xorBytes(id[:], key)

	content := fmt.Sprintf("salt = %s\nserial = %s\n", hexEncode(salt), hexEncode(cipher))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return id.String(), fmt.Errorf("proxymgr: create serial number dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return id.String(), fmt.Errorf("proxymgr: persist serial number: %w", err)
	}
	return id.String(), nil
}

func decodeLocalSerialNumber(saltHex, cipherHex, secret string) (string, error) {
	salt, err := hexDecode(saltHex)
	if err != nil {
		return "", err
	}
	cipher, err := hexDecode(cipherHex)
	if err != nil {
		return "", err
	}
	if len(cipher) != 16 {
		return "", fmt.Errorf("proxymgr: unexpected serial number blob length %d", len(cipher))
	}
	key := stretchSecret(secret, salt)
	plain := xorBytes(cipher, key)
	id, err := uuid.FromBytes(plain)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

const fallbackPassphrase = "argus-agent-local-serial-number"

func stretchSecret(secret string, salt []byte) []byte {
	if secret == "" {
		secret = fallbackPassphrase
	}
	return pbkdf2.Key([]byte(secret), salt, 4096, 16, sha1.New)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var v byte
		for j := 0; j < 2; j++ {
			c := s[i*2+j]
			v <<= 4
			switch {
			case c >= '0' && c <= '9':
				v |= c - '0'
			case c >= 'a' && c <= 'f':
				v |= c - 'a' + 10
			case c >= 'A' && c <= 'F':
				v |= c - 'A' + 10
			default:
				return nil, fmt.Errorf("invalid hex digit %q", c)
			}
		}
		out[i] = v
	}
	return out, nil
}

// Manager runs the one-shot proxy/identity discovery and publishes its
// result into a taskmgr.Manager.
type Manager struct {
	cfg        *config.Config
	facts      hostfacts.Facts
	tasks      *taskmgr.Manager
	baseDir    string
	execDir    string
	appDataDir string
	heartbeatURL string

	mu           sync.Mutex
	checkTimeout time.Duration
}

// New builds a Manager. The control-plane base URL is taken from
// cms.agent.hosts (default "https://cms-cloudmonitor.aliyun.com").
func New(cfg *config.Config, facts hostfacts.Facts, tasks *taskmgr.Manager, baseDir, execDir string) *Manager {
	return &Manager{
		cfg:          cfg,
		facts:        facts,
		tasks:        tasks,
		baseDir:      baseDir,
		execDir:      execDir,
		appDataDir:   cfg.GetString(config.KeyAppData, ""),
		heartbeatURL: normalizeHeartbeatURL(cfg.GetString(config.KeyHosts, "https://cms-cloudmonitor.aliyun.com")),
		checkTimeout: 0,
	}
}

func normalizeHeartbeatURL(hosts string) string {
	first := strings.TrimSpace(strings.Split(hosts, ",")[0])
	return strings.TrimSuffix(first, "/")
}

func heartbeatHost(heartbeatURL string) string {
	h := heartbeatURL
	if idx := strings.Index(h, "//"); idx >= 0 {
		h = h[idx+2:]
	}
	if idx := strings.IndexByte(h, '/'); idx >= 0 {
		h = h[:idx]
	}
	return h
}

// WaitDNSReady blocks, retrying every 5s, until the heartbeat host (or
// any candidate proxy host) resolves — protects against starting
// before the OS DNS stack is up.
func (m *Manager) WaitDNSReady(ctx context.Context, candidates []ProxyInfo) {
	host := heartbeatHost(m.heartbeatURL)
	logger := logging.Default().WithComponent("proxymgr")
	for {
		if resolves(host) {
			return
		}
		for _, c := range candidates {
			if c.Host == "" {
				continue
			}
			if h, _, err := net.SplitHostPort(c.Host); err == nil && resolves(h) {
				return
			}
		}
		logger.Info("dns not ready yet, retrying", "host", host)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func resolves(host string) bool {
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return true
	}
	_, err := net.LookupHost(host)
	return err == nil
}

// loadManualHTTPProxy reads the http.proxy.* config keys, if present.
func loadManualHTTPProxy(cfg *config.Config) (ProxyInfo, bool) {
	host := strings.TrimSpace(cfg.GetString(config.KeyProxyHost, ""))
	port := strings.TrimSpace(cfg.GetString(config.KeyProxyPort, ""))
	if host == "" {
		return ProxyInfo{}, false
	}
	if port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return ProxyInfo{}, false
		}
		host = host + ":" + port
	}
	scheme := mustMatch(cfg.GetString(config.KeyProxyScheme, ""), "http", "https", "https/2")
	return ProxyInfo{
		Scheme:   scheme,
		Host:     host,
		User:     strings.TrimSpace(cfg.GetString(config.KeyProxyUser, "")),
		Password: strings.TrimSpace(cfg.GetString(config.KeyProxyPassword, "")),
	}, true
}

func loadManualSocksProxy(cfg *config.Config) (ProxyInfo, bool) {
	host := strings.TrimSpace(cfg.GetString(config.KeySocks5Host, ""))
	port := strings.TrimSpace(cfg.GetString(config.KeySocks5Port, ""))
	if host == "" {
		return ProxyInfo{}, false
	}
	if port != "" {
		host = host + ":" + port
	}
	scheme := mustMatch(cfg.GetString(config.KeySocks5Scheme, ""), "socks5h", "socks5", "socks4", "socks4a")
	return ProxyInfo{Scheme: scheme, Host: host}, true
}

func mustMatch(v string, allowed ...string) string {
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return allowed[0]
}

// candidateList builds the ordered probe list: a manually-configured
// HTTP proxy first (if any), then the builtin table in file order, then a
// manually-configured SOCKS proxy prepended ahead of everything (it
// takes precedence once present, mirroring the original's push_front
// ordering).
func candidateList(cfg *config.Config, table []ProxyEntry) []ProxyInfo {
	var out []ProxyInfo
	if p, ok := loadManualHTTPProxy(cfg); ok {
		out = append(out, p)
	}
	user := strings.TrimSpace(cfg.GetString(config.KeyProxyUser, ""))
	pass := strings.TrimSpace(cfg.GetString(config.KeyProxyPassword, ""))
	for _, e := range table {
		out = append(out, ProxyInfo{Scheme: "http", RegionID: e.RegionID, Host: e.Host, User: user, Password: pass})
	}
	if p, ok := loadManualSocksProxy(cfg); ok {
		out = append([]ProxyInfo{p}, out...)
	}
	return out
}

// GetProxyInfo runs the full discovery algorithm and returns the tunnel
// to use (a zero-value ProxyInfo means direct, no proxy).
func (m *Manager) GetProxyInfo(ctx context.Context, serialNumber string) ProxyInfo {
	logger := logging.Default().WithComponent("proxymgr")

	if !m.cfg.GetBool(config.KeyProxyAuto, true) {
		if p, ok := loadManualHTTPProxy(m.cfg); ok {
			return p
		}
		if p, ok := loadManualSocksProxy(m.cfg); ok {
			return p
		}
	}

	table, err := LoadBuiltinTable()
	if err != nil {
		logger.Error("failed to load builtin proxy table", "error", err)
		table = nil
	}
	candidates := candidateList(m.cfg, table)

	m.WaitDNSReady(ctx, candidates)

	if regionID := m.fetchRegionIDFromVPC(ctx); regionID != "" {
		if p, ok := m.proxyForRegion(ctx, regionID, candidates); ok {
			return p
		}
	}

	return m.detectFromCandidates(ctx, serialNumber, candidates)
}

func (m *Manager) fetchRegionIDFromVPC(ctx context.Context) string {
	resp := transport.Perform(ctx, "GET", transport.Request{
		URL:            "http://" + vpcMetadataHost + "/latest/meta-data/region-id",
		TimeoutSeconds: 5,
	})
	if resp.ResCode != 200 {
		return ""
	}
	return strings.TrimSpace(string(resp.Result))
}

// proxyForRegion tries every candidate tagged with regionID up to 3
// times each via /check_health; if none are configured for that
// region, it synthesizes the two standard domain guesses.
func (m *Manager) proxyForRegion(ctx context.Context, regionID string, candidates []ProxyInfo) (ProxyInfo, bool) {
	found := false
	for _, c := range candidates {
		if c.RegionID != regionID {
			continue
		}
		found = true
		for i := 0; i < 3; i++ {
			if m.checkHealth(ctx, c) {
				return c, true
			}
		}
	}
	if found {
		return ProxyInfo{}, false
	}

	for _, domain := range []string{"aliyuncs.com:3128", "aliyun.com:3128"} {
		guess := ProxyInfo{Scheme: "http", RegionID: regionID, Host: fmt.Sprintf("cmsproxy-%s.%s", regionID, domain)}
		if m.checkHealth(ctx, guess) {
			return guess, true
		}
	}
	return ProxyInfo{}, false
}

func (m *Manager) checkHealth(ctx context.Context, p ProxyInfo) bool {
	resp := transport.Perform(ctx, "GET", transport.Request{
		URL:            m.heartbeatURL + "/check_health",
		TimeoutSeconds: int(m.timeout().Seconds()),
		Proxy:          p.Host,
		ProxyScheme:    p.Scheme,
		ProxyUser:      p.User,
		ProxyPassword:  p.Password,
	})
	return resp.ResCode == 200 && strings.TrimSpace(string(resp.Result)) == "ok"
}

// detectFromCandidates parallel-probes every candidate via the
// region-id-by-serial-number endpoint on a worker pool of
// min(100, len(candidates)), adopting the first one that answers and
// abandoning the rest.
func (m *Manager) detectFromCandidates(ctx context.Context, serialNumber string, candidates []ProxyInfo) ProxyInfo {
	if len(candidates) == 0 {
		return ProxyInfo{}
	}

	poolSize := len(candidates)
	if poolSize > 100 {
		poolSize = 100
	}

	type result struct {
		proxy ProxyInfo
		ok    bool
	}

	work := make(chan ProxyInfo)
	results := make(chan result, len(candidates))
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				ok, resolved := m.checkProxyWithSerialNumber(probeCtx, p, serialNumber)
				select {
				case results <- result{proxy: resolved, ok: ok}:
				case <-probeCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, c := range candidates {
			select {
			case work <- c:
			case <-probeCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.ok {
			cancel()
			return r.proxy
		}
	}
	return ProxyInfo{}
}

// checkProxyWithSerialNumber fetches the proxy's own region-id
// reading and, if it disagrees with the candidate's tagged regionId,
// re-resolves by the reported region before falling back to direct.
func (m *Manager) checkProxyWithSerialNumber(ctx context.Context, p ProxyInfo, serialNumber string) (bool, ProxyInfo) {
	url := fmt.Sprintf("%s/agent/latest/meta-data/region-id/%s", m.heartbeatURL, serialNumber)
	resp := transport.Perform(ctx, "GET", transport.Request{
		URL:            url,
		TimeoutSeconds: int(m.timeout().Seconds()),
		Proxy:          p.Host,
		ProxyScheme:    p.Scheme,
		ProxyUser:      p.User,
		ProxyPassword:  p.Password,
	})
	if resp.ResCode != 200 {
		return false, ProxyInfo{}
	}
	regionID := strings.Trim(strings.TrimSpace(string(resp.Result)), `"`)

	if regionID == "" || regionID == "unknown" || regionID == p.RegionID {
		return true, p
	}

	if alt, ok := m.proxyForRegion(ctx, regionID, []ProxyInfo{p}); ok {
		return true, alt
	}
	if m.checkHealth(ctx, p) {
		return true, p
	}
	if m.checkHealth(ctx, ProxyInfo{}) {
		return true, ProxyInfo{}
	}
	return false, ProxyInfo{}
}

// timeout grows by 2s on every call, capped at 10s.
func (m *Manager) timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTimeout += 2 * time.Second
	if m.checkTimeout > 10*time.Second {
		m.checkTimeout = 10 * time.Second
	}
	return m.checkTimeout
}

// Init runs the full discovery sequence once and publishes the
// resulting CloudAgentInfo into the task manager.
func (m *Manager) Init(ctx context.Context) (taskmgr.CloudAgentInfo, error) {
	ak, err := ReadAccessKey(m.cfg, m.baseDir, m.execDir)
	if err != nil {
		return taskmgr.CloudAgentInfo{}, fmt.Errorf("proxymgr: read access key: %w", err)
	}

	sn := DiscoverSerialNumber(ctx, m.cfg, m.facts, ak, m.appDataDir)
	proxy := m.GetProxyInfo(ctx, sn)

	info := taskmgr.CloudAgentInfo{
		HeartbeatURL: m.heartbeatURL,
		ProxyURL:     proxy.URL(),
		ProxyUser:    proxy.User,
		ProxyPass:    proxy.Password,
		AccessKeyID:  ak.ID,
		AccessSecret: ak.Secret,
		SerialNumber: sn,
	}
	m.tasks.Agent.Set(info)

	logging.Default().WithComponent("proxymgr").Info("proxy discovery complete",
		"regionId", proxy.RegionID, "proxyUrl", info.ProxyURL, "serialNumber", sn)
	return info, nil
}
