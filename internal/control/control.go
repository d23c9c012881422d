// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package control is the agent's background heartbeat loop: it posts
// identity/version information to the control plane on a timer, fans
// the JSON response out into the task manager's caches, and triggers
// a proxy re-probe after sustained failure.
package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/cryptoutil"
	"argus.dev/agent/internal/hostfacts"
	"argus.dev/agent/internal/logging"
	"argus.dev/agent/internal/taskmgr"
	"argus.dev/agent/internal/transport"
)

const (
	warmUpInterval     = 10 * time.Second
	steadyStateInterval = 180 * time.Second
	reprobeInterval     = 5 * time.Second
	reprobeThreshold    = 3
)

// ProxyReprober is the narrow seam control needs from the proxy
// manager: re-run discovery after sustained heartbeat failure.
type ProxyReprober interface {
	Init(ctx context.Context) (taskmgr.CloudAgentInfo, error)
}

// Client runs the heartbeat loop.
type Client struct {
	cfg     *config.Config
	tasks   *taskmgr.Manager
	facts   hostfacts.Facts
	proxy   ProxyReprober
	baseDir string

	logger *logging.Logger

	okCount        int64
	errorCount     int64
	continueErrors int32

	mu          sync.Mutex
	responseMD5 string
}

// New builds a Client bound to tasks' CloudAgentInfo slot for
// connection parameters.
func New(cfg *config.Config, tasks *taskmgr.Manager, facts hostfacts.Facts, proxy ProxyReprober, baseDir string) *Client {
	return &Client{
		cfg:     cfg,
		tasks:   tasks,
		facts:   facts,
		proxy:   proxy,
		baseDir: baseDir,
		logger:  logging.Default().WithComponent("control"),
	}
}

// Run drives the heartbeat loop until ctx is cancelled. It loads any
// cached response once at startup so downstream consumers see
// non-empty caches before the first heartbeat completes.
func (c *Client) Run(ctx context.Context) {
	if cached, err := c.loadCachedResponse(); err == nil && len(cached) > 0 {
		c.applyResponse(cached)
	}

	next := c.Tick(ctx)
	for {
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			next = c.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat and returns the delay before the next
// one: the warm-up interval until a heartbeat has succeeded, the
// re-probe interval right after a proxy re-probe, and otherwise the
// configured heartbeat interval. The delay does not grow with
// consecutive failures.
func (c *Client) Tick(ctx context.Context) time.Duration {
	body, err := c.buildHeartbeatBody()
	if err != nil {
		c.logger.Error("failed to build heartbeat body", "error", err)
		return c.nextInterval()
	}

	resp, err := c.post(ctx, "/agent/heartbeat", body, "text/json")
	if err != nil || resp.ResCode != 200 {
		atomic.AddInt64(&c.errorCount, 1)
		cont := atomic.AddInt32(&c.continueErrors, 1)
		c.logger.Warn("heartbeat failed", "error", err, "httpStatus", resp.ResCode)

		if cont > reprobeThreshold {
			atomic.StoreInt32(&c.continueErrors, 0)
			c.logger.Warn("reprobing proxy after sustained heartbeat failure")
			if _, rerr := c.proxy.Init(ctx); rerr != nil {
				c.logger.Error("proxy re-probe failed", "error", rerr)
			}
			return reprobeInterval
		}
		if atomic.LoadInt64(&c.okCount) == 0 {
			return warmUpInterval
		}
		return c.nextInterval()
	}

	atomic.AddInt64(&c.okCount, 1)
	atomic.StoreInt32(&c.continueErrors, 0)
	c.dealWithResponse(resp.Result)
	return c.nextInterval()
}

func (c *Client) nextInterval() time.Duration {
	if atomic.LoadInt64(&c.okCount) == 0 {
		return warmUpInterval
	}
	return c.cfg.GetDurationSeconds(config.KeyHeartbeatIntervalMs, steadyStateInterval)
}

// OKCount / ErrorCount expose the heartbeat success and failure
// counters.
func (c *Client) OKCount() int64    { return atomic.LoadInt64(&c.okCount) }
func (c *Client) ErrorCount() int64 { return atomic.LoadInt64(&c.errorCount) }

func (c *Client) agentInfo() taskmgr.CloudAgentInfo {
	return c.tasks.Agent.Get()
}

// post signs (when credentials are available) and POSTs a request to
// the control plane, carrying the shared proxy configuration.
func (c *Client) post(ctx context.Context, uri string, body []byte, contentType string) (transport.Response, error) {
	info := c.agentInfo()

	req := transport.Request{
		URL:            info.HeartbeatURL + uri,
		Body:           body,
		TimeoutSeconds: 15,
		Proxy:          proxyHostFromURL(info.ProxyURL),
		ProxyScheme:    proxySchemeFromURL(info.ProxyURL),
		ProxyUser:      info.ProxyUser,
		ProxyPassword:  info.ProxyPass,
		Headers: map[string]string{
			"Content-Type": contentType,
		},
	}

	if info.AccessSecret != "" && info.AccessKeyID != "" {
		sign, err := cryptoutil.Calculate(string(body), info.AccessSecret)
		if err != nil {
			return transport.Response{}, fmt.Errorf("control: sign heartbeat: %w", err)
		}
		req.Headers["cms-access-key"] = info.AccessKeyID
		req.Headers["cms-signature"] = sign
	}

	resp := transport.Perform(ctx, "POST", req)
	if resp.ErrorMsg != "" && resp.ResCode == 0 {
		return resp, fmt.Errorf("control: %s", resp.ErrorMsg)
	}
	return resp, nil
}

func proxyHostFromURL(u string) string {
	if u == "" {
		return ""
	}
	if idx := strings.Index(u, "://"); idx >= 0 {
		return u[idx+3:]
	}
	return u
}

func proxySchemeFromURL(u string) string {
	if idx := strings.Index(u, "://"); idx >= 0 {
		return u[:idx]
	}
	return ""
}

// buildHeartbeatBody assembles the systemInfo/versionInfo JSON payload
// sent on every heartbeat tick.
func (c *Client) buildHeartbeatBody() ([]byte, error) {
	info := c.agentInfo()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	var localIPs []string
	if ips, err := c.facts.LocalIPs(); err == nil {
		localIPs = ips
	}

	freeSpace, err := freeDiskBytes(c.baseDir)
	if err != nil {
		freeSpace = 0
	}

	systemInfo := map[string]any{
		"serialNumber": info.SerialNumber,
		"hostname":     hostname,
		"localIPs":     localIPs,
		"name":         runtime.GOOS,
		"version":      "",
		"arch":         runtime.GOARCH,
		"freeSpace":    freeSpace,
	}

	body := map[string]any{
		"systemInfo": systemInfo,
		"versionInfo": map[string]any{
			"version": agentVersion,
		},
	}
	if hpc := c.tasks.Hpc.Get(); hpc.Valid && hpc.Version != "" {
		body["hpcClusterConfigVersion"] = hpc.Version
	}

	return json.Marshal(body)
}

// agentVersion is reported in every heartbeat and dump payload.
const agentVersion = "1.0.0"

// dealWithResponse skips reprocessing an unchanged heartbeat response
// (by MD5) and otherwise fans the parsed fields out into the task
// manager's caches.
func (c *Client) dealWithResponse(response []byte) {
	sum := cryptoutil.MD5Hex(response)

	c.mu.Lock()
	unchanged := c.responseMD5 == sum
	c.responseMD5 = sum
	c.mu.Unlock()

	if unchanged {
		c.logger.Debug("heartbeat response unchanged since last tick, skipping parse")
		return
	}

	c.applyResponse(response)
	if err := c.saveCachedResponse(response); err != nil {
		c.logger.Warn("failed to persist heartbeat response cache", "error", err)
	}
}

func (c *Client) applyResponse(response []byte) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(response, &top); err != nil {
		c.logger.Warn("heartbeat response is not valid json", "error", err)
		return
	}

	if raw, ok := top["node"]; ok {
		c.parseNode(raw)
	} else {
		c.logger.Warn("no node in the response json")
	}

	c.parseMetricHub(top)
	c.parseHpcCluster(top)
	c.parseFileStore(top)

	for _, kind := range []string{"processInfo", "httpInfo", "telnetInfo", "pingInfo", "task"} {
		if raw, ok := top[kind]; ok {
			c.tasks.SetTaskConfig(kind, raw)
		}
	}
}

func (c *Client) parseNode(raw json.RawMessage) {
	var wire struct {
		InstanceID      string      `json:"instanceId"`
		SerialNumber    string      `json:"serialNumber"`
		AliUID          json.Number `json:"aliUid"`
		HostName        string      `json:"hostName"`
		OperatingSystem string      `json:"operatingSystem"`
		Region          string      `json:"region"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		c.logger.Warn("failed to parse node info", "error", err)
		return
	}

	c.tasks.Node.Set(taskmgr.NodeItem{
		InstanceID:      wire.InstanceID,
		SerialNumber:    wire.SerialNumber,
		AliUID:          wire.AliUID.String(),
		HostName:        wire.HostName,
		OperatingSystem: wire.OperatingSystem,
		Region:          wire.Region,
	})
}

func (c *Client) parseMetricHub(top map[string]json.RawMessage) {
	var items []taskmgr.MetricItem

	metricHubURLOverride := c.cfg.GetString(config.KeyMetricHubURL, "")

	if raw, ok := top["metricHubConfig"]; ok {
		item := decodeMetricItem(raw)
		if metricHubURLOverride != "" {
			item.URL = metricHubURLOverride
		}
		items = append(items, item)
	} else {
		c.logger.Warn("no metricHubConfig in the response json")
	}

	if raw, ok := top["metricConfig"]; ok {
		items = append(items, decodeMetricItem(raw))
	} else {
		c.logger.Warn("no metricConfig in the response json")
	}

	current := c.tasks.MetricItems.Get()
	if !taskmgr.MetricItemsEqual(current, items) {
		c.logger.Info("metricConfig changed, publishing new metric item list")
		c.tasks.MetricItems.Set(items)
	}
}

func decodeMetricItem(raw json.RawMessage) taskmgr.MetricItem {
	var wire struct {
		URL      string `json:"url"`
		Gzip     bool   `json:"gzip"`
		UseProxy bool   `json:"useProxy"`
	}
	_ = json.Unmarshal(raw, &wire)
	return taskmgr.MetricItem{URL: wire.URL, Gzip: wire.Gzip, UseProxy: wire.UseProxy}
}

func (c *Client) parseHpcCluster(top map[string]json.RawMessage) {
	raw, ok := top["hpcClusterConfig"]
	if !ok {
		cur := c.tasks.Hpc.Get()
		c.logger.Info("no hpcClusterConfig in the response json", "usingCached", cur.Valid)
		return
	}

	var wire struct {
		ClusterID string `json:"clusterId"`
		RegionID  string `json:"regionId"`
		Version   string `json:"version"`
		Instances []struct {
			InstanceID string `json:"instanceId"`
			IP         string `json:"ip"`
		} `json:"instances"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		c.logger.Warn("failed to parse hpcClusterConfig", "error", err)
		return
	}

	item := taskmgr.HpcClusterItem{
		ClusterID: wire.ClusterID,
		RegionID:  wire.RegionID,
		Version:   wire.Version,
		Valid:     wire.Version != "",
	}
	for _, inst := range wire.Instances {
		item.Instances = append(item.Instances, taskmgr.HpcNodeInstance{InstanceID: inst.InstanceID, IP: inst.IP})
	}
	c.tasks.Hpc.Set(item)
}

func (c *Client) parseFileStore(top map[string]json.RawMessage) {
	raw, ok := top["fileStore"]
	if !ok {
		c.logger.Warn("no fileStore in the response json")
		return
	}

	var entries []struct {
		FilePath string `json:"filePath"`
		Content  string `json:"content"`
		User     string `json:"user"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.logger.Warn("failed to parse fileStore", "error", err)
		return
	}

	for _, e := range entries {
		user := e.User
		if user == "" {
			user = "root"
		}
		if e.FilePath == "" || e.Content == "" {
			c.logger.Warn("fileStore entry missing path or content, skipping")
			continue
		}
		if err := c.storeFile(e.FilePath, e.Content, user); err != nil {
			c.logger.Warn("failed to store fileStore entry", "file", e.FilePath, "error", err)
		}
	}
}

// storeFile base64-decodes content and writes it under baseDir for a
// relative path. Changing file ownership to user requires privileges
// this process may not have, so it is best-effort and not fatal on
// failure.
func (c *Client) storeFile(path, content, user string) error {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.baseDir, path)
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	if len(decoded) == 0 {
		return fmt.Errorf("decoded content is empty")
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, decoded, 0o644); err != nil {
		return err
	}
	chownFile(abs, user, c.logger)
	return nil
}

const cachedResponseFileName = "heartbeat_response.json"

func (c *Client) cachedResponsePath() string {
	return filepath.Join(c.baseDir, "local_data", "cache", cachedResponseFileName)
}

// loadCachedResponse and saveCachedResponse persist the last-known-good
// heartbeat response to disk, so a restarted agent has non-empty task
// caches before its first heartbeat round-trip completes.
func (c *Client) loadCachedResponse() ([]byte, error) {
	return os.ReadFile(c.cachedResponsePath())
}

func (c *Client) saveCachedResponse(response []byte) error {
	path := c.cachedResponsePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, response, 0o644)
}
