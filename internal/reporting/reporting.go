// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reporting is the agent's outbound metric channel: collectors
// push CloudMsg results into a bounded queue; a
// background loop drains it on a timer, frames the contents as
// Prometheus-style text lines, signs and optionally gzips the body,
// and POSTs it to the current MetricItem, rotating endpoints after
// repeated failure. A second entry point, AddCommonMetrics, bypasses
// the queue entirely for direct, pre-formed metric uploads.
package reporting

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/cryptoutil"
	"argus.dev/agent/internal/logging"
	"argus.dev/agent/internal/taskmgr"
	"argus.dev/agent/internal/transport"
)

// CloudMsg is a pending result from a local module collector.
type CloudMsg struct {
	Name        string
	TimestampMs int64
	Payload     []byte // JSON-encoded CollectData
}

// CollectData is the decoded shape of a CloudMsg's payload.
type CollectData struct {
	ModuleName string       `json:"moduleName"`
	DataVector []MetricData `json:"dataVector"`
}

// MetricData is one parsed metric line: required tags ("metricName",
// "ns") and a required value ("metricValue"), plus arbitrary extra
// tags/values that become label=value pairs in the framed line.
type MetricData struct {
	Tags   map[string]string `json:"tags"`
	Values map[string]float64 `json:"values"`
}

func (m MetricData) valid() bool {
	if _, ok := m.Tags["metricName"]; !ok {
		return false
	}
	if _, ok := m.Tags["ns"]; !ok {
		return false
	}
	_, ok := m.Values["metricValue"]
	return ok
}

// EncodePayload serializes a CollectData the way a collector pushes it
// into AddMessage.
func EncodePayload(cd CollectData) ([]byte, error) {
	return json.Marshal(cd)
}

const maxMsgQueueSize = 200

// Channel is the reporting loop. One instance per agent process.
type Channel struct {
	cfg     *config.Config
	tasks   *taskmgr.Manager
	logDir  string
	logger  *logging.Logger

	mu   sync.Mutex
	msgs []CloudMsg

	currentItemIndex    int
	currentItemTryTimes int
	lastContinueErrors  int

	okSendCount    int64
	errorSendCount int64
	queueEmptyRuns int64
}

// New builds a Channel. logDir is where the debug last-sent-body dump
// is written.
func New(cfg *config.Config, tasks *taskmgr.Manager, logDir string) *Channel {
	return &Channel{
		cfg:    cfg,
		tasks:  tasks,
		logDir: logDir,
		logger: logging.Default().WithComponent("reporting"),
	}
}

// AddMessage enqueues a collector result, dropping the oldest entry on
// overflow so one runaway collector can't grow the queue unbounded.
func (c *Channel) AddMessage(name string, timestampMs int64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = append(c.msgs, CloudMsg{Name: name, TimestampMs: timestampMs, Payload: payload})
	if len(c.msgs) > maxMsgQueueSize {
		c.msgs = c.msgs[1:]
		c.logger.Warn("dropped oldest message, queue exceeded max size", "maxSize", maxMsgQueueSize)
	}
}

func (c *Channel) drain() []CloudMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	out := c.msgs
	c.msgs = nil
	return out
}

// QueueEmptyRuns is the self-monitor's independent liveness signal: how
// many consecutive ticks drained nothing.
func (c *Channel) QueueEmptyRuns() int64 { return c.queueEmptyRuns }

// Run drives the drain-transform-send loop at cms.agent.metric.interval
// (default 15s) until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) {
	interval := c.cfg.GetDurationSeconds(config.KeyMetricInterval, 15*time.Second)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cost := c.Tick(ctx)
			next := interval - cost
			if next <= 0 {
				next = 5 * time.Second
			}
			timer.Reset(next)
		}
	}
}

// Tick performs one drain-transform-send round and returns how long it
// took, so Run can subtract it from the next interval.
func (c *Channel) Tick(ctx context.Context) time.Duration {
	start := time.Now()

	items := c.tasks.MetricItems.Get()
	if len(items) == 0 {
		c.logger.Info("waiting for heartbeat to publish a metric item list")
		return time.Since(start)
	}

	msgs := c.drain()
	if len(msgs) == 0 {
		c.queueEmptyRuns++
		c.logger.Info("message queue is empty", "consecutiveEmptyRuns", c.queueEmptyRuns)
		return time.Since(start)
	}
	c.queueEmptyRuns = 0

	node := c.tasks.Node.Get()
	body := c.toPayload(msgs, node)
	c.send(ctx, items, body, len(msgs))

	return time.Since(start)
}

// toPayload transforms CloudMsgs into the sorted, framed Prometheus-
// style text body the upload endpoint expects.
func (c *Channel) toPayload(msgs []CloudMsg, node taskmgr.NodeItem) string {
	var lines []string
	for _, msg := range msgs {
		var cd CollectData
		if err := json.Unmarshal(msg.Payload, &cd); err != nil {
			c.logger.Warn("skip unparseable payload", "name", msg.Name, "error", err)
			continue
		}
		if cd.ModuleName != msg.Name {
			c.logger.Warn("skip invalid moduleName", "want", msg.Name, "got", cd.ModuleName)
			continue
		}
		if len(cd.DataVector) == 0 {
			c.logger.Warn("skip empty data moduleName", "name", cd.ModuleName)
			continue
		}
		for i, md := range cd.DataVector {
			line, ok := c.toPayloadLine(md, msg.TimestampMs, node)
			if !ok {
				c.logger.Warn("skip invalid metric data", "module", cd.ModuleName, "index", i)
				continue
			}
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
	}
	return b.String()
}

func (c *Channel) toPayloadLine(md MetricData, timestampMs int64, node taskmgr.NodeItem) (string, bool) {
	if !md.valid() {
		return "", false
	}

	metricName := md.Tags["metricName"]
	ns := md.Tags["ns"]
	metricValue := md.Values["metricValue"]

	var tagKeys []string
	for k := range md.Tags {
		if k == "metricName" || k == "ns" {
			continue
		}
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)

	var valueKeys []string
	for k := range md.Values {
		if k == "metricValue" {
			continue
		}
		valueKeys = append(valueKeys, k)
	}
	sort.Strings(valueKeys)

	var content strings.Builder
	for _, k := range tagKeys {
		content.WriteString(" ")
		content.WriteString(k)
		content.WriteString("=")
		content.WriteString(transport.URLEncode(md.Tags[k]))
	}
	for _, k := range valueKeys {
		content.WriteString(" ")
		content.WriteString(k)
		content.WriteString("=")
		content.WriteString(toPayloadString(md.Values[k]))
	}
	content.WriteString(" instanceId=")
	content.WriteString(transport.URLEncode(node.InstanceID))
	content.WriteString(" userId=")
	content.WriteString(node.AliUID)

	line := fmt.Sprintf("%s %d %s ns=%s%s\n",
		metricName, timestampMs, toPayloadString(metricValue), transport.URLEncode(ns), content.String())
	return line, true
}

// toPayloadString formats with 2 decimal places then strips trailing
// zeros and a trailing dot.
func toPayloadString(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}

// send addresses the current MetricItem, signs and optionally gzips
// the body, and rotates to the next endpoint after repeated failure.
func (c *Channel) send(ctx context.Context, items []taskmgr.MetricItem, body string, msgCount int) {
	if c.currentItemTryTimes >= 3 {
		c.currentItemIndex = (c.currentItemIndex + 1) % len(items)
		c.currentItemTryTimes = 0
	}
	item := items[c.currentItemIndex%len(items)]
	info := c.tasks.Agent.Get()

	req := transport.Request{
		URL:            item.URL,
		TimeoutSeconds: 15,
		Headers:        map[string]string{},
	}
	if item.UseProxy {
		req.Proxy = proxyHost(info.ProxyURL)
		req.ProxyScheme = proxyScheme(info.ProxyURL)
		req.ProxyUser = info.ProxyUser
		req.ProxyPassword = info.ProxyPass
	}

	if item.Gzip {
		req.Headers["Content-Encoding"] = "gzip"
		req.Body = gzipBytes([]byte(body))
	} else {
		req.Headers["Content-Type"] = "text/plain"
		req.Body = []byte(body)
	}

	if info.AccessSecret != "" && info.AccessKeyID != "" {
		sign, err := cryptoutil.Calculate(string(req.Body), info.AccessSecret)
		if err == nil {
			req.Headers["cms-access-key"] = info.AccessKeyID
			req.Headers["cms-signature"] = sign
		} else {
			c.logger.Warn("failed to sign metric body", "error", err)
		}
	}

	c.dumpLastSent(body)

	resp := transport.Perform(ctx, "POST", req)
	ok := resp.ResCode == 200 && (len(resp.Result) == 0 || isSuccessResponse(resp.Result))

	if ok {
		c.currentItemTryTimes = 0
		c.lastContinueErrors = 0
		c.okSendCount++
		c.logger.Info("send metric success", "records", msgCount, "bodyBytes", len(req.Body))
	} else {
		c.errorSendCount++
		c.lastContinueErrors++
		c.currentItemTryTimes++
		c.logger.Warn("send metric failed", "httpStatus", resp.ResCode, "error", resp.ErrorMsg, "response", string(resp.Result))
	}
}

func isSuccessResponse(body []byte) bool {
	var wire struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}
	return strings.EqualFold(wire.Code, "Success")
}

func proxyHost(u string) string {
	if idx := strings.Index(u, "://"); idx >= 0 {
		return u[idx+3:]
	}
	return u
}

func proxyScheme(u string) string {
	if idx := strings.Index(u, "://"); idx >= 0 {
		return u[:idx]
	}
	return ""
}

func gzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write(data)
	_ = gz.Close()
	return buf.Bytes()
}

// dumpLastSent writes a copy of the just-sent body to a debug file,
// best-effort.
func (c *Channel) dumpLastSent(body string) {
	if c.logDir == "" {
		return
	}
	path := filepath.Join(c.logDir, "argus-last-send-cms.txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		c.logger.Debug("failed to write last-send debug dump", "error", err)
	}
}

// CloudMetricConfig is the per-channel config carried alongside a
// direct AddCommonMetrics call.
type CloudMetricConfig struct {
	AccessKeyID      string `json:"acckeyId"`
	AccessKeySecret  string `json:"accKeySecretSign"`
	UploadEndpoint   string `json:"uploadEndpoint"`
	SecureToken      string `json:"secureToken"`
	NeedTimestamp    bool   `json:"needTimestamp"`
}

func (cfg CloudMetricConfig) valid() bool {
	return cfg.AccessKeyID != "" && cfg.AccessKeySecret != "" && cfg.UploadEndpoint != ""
}

const directBatchSize = 2000

// AddCommonMetrics is the direct metric path: it serializes metrics in
// batches of directBatchSize, gzips and signs each with the x-cms-*
// header scheme, and retries each batch up to twice with a 2s
// back-off. It refuses to send before the node has registered.
func (c *Channel) AddCommonMetrics(ctx context.Context, confJSON []byte, samples []CommonMetric) error {
	if len(samples) == 0 {
		return fmt.Errorf("reporting: no metrics to send")
	}

	var cfg CloudMetricConfig
	if err := json.Unmarshal(confJSON, &cfg); err != nil || !cfg.valid() {
		return fmt.Errorf("reporting: invalid channel conf")
	}

	node := c.tasks.Node.Get()
	if !node.Registered() {
		return fmt.Errorf("reporting: wait for heartbeat, instanceId is empty")
	}

	for _, batch := range chunkMetrics(samples, directBatchSize) {
		body := renderPrometheusLines(batch, cfg.NeedTimestamp)
		if err := c.sendDirectBatch(ctx, body, cfg, node); err != nil {
			return err
		}
	}
	return nil
}

// CommonMetric is a parsed metric sample ready for direct upload.
type CommonMetric struct {
	Name      string
	Value     float64
	TimestampMs int64
	Labels    map[string]string
}

func chunkMetrics(metrics []CommonMetric, size int) [][]CommonMetric {
	var chunks [][]CommonMetric
	for i := 0; i < len(metrics); i += size {
		end := i + size
		if end > len(metrics) {
			end = len(metrics)
		}
		chunks = append(chunks, metrics[i:end])
	}
	return chunks
}

func renderPrometheusLines(metrics []CommonMetric, needTimestamp bool) string {
	var b strings.Builder
	for _, m := range metrics {
		b.WriteString(m.Name)
		if len(m.Labels) > 0 {
			b.WriteString("{")
			var keys []string
			for k := range m.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i, k := range keys {
				if i > 0 {
					b.WriteString(",")
				}
				fmt.Fprintf(&b, "%s=%q", k, m.Labels[k])
			}
			b.WriteString("}")
		}
		b.WriteString(" ")
		b.WriteString(formatPromValue(m.Value))
		if needTimestamp {
			fmt.Fprintf(&b, " %d", m.TimestampMs)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatPromValue(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (c *Channel) sendDirectBatch(ctx context.Context, body string, cfg CloudMetricConfig, node taskmgr.NodeItem) error {
	gz := gzipBytes([]byte(body))
	headers := c.directHeaders(gz, cfg, node)

	req := transport.Request{
		URL:            cfg.UploadEndpoint,
		Body:           gz,
		TimeoutSeconds: 2,
		Headers:        headers,
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp := transport.Perform(ctx, "POST", req)
		if resp.ResCode == 200 && (len(resp.Result) == 0 || isSuccessResponse(resp.Result)) {
			return nil
		}
		lastErr = fmt.Errorf("reporting: direct send failed, status=%d body=%s", resp.ResCode, resp.Result)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return lastErr
}

func (c *Channel) directHeaders(gzBody []byte, cfg CloudMetricConfig, node taskmgr.NodeItem) map[string]string {
	sum := cryptoutil.MD5Raw(gzBody)
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])
	contentType := "text/plain"
	date := time.Now().UTC().Format(time.RFC1123)
	date = strings.Replace(date, "UTC", "GMT", 1)

	headers := map[string]string{
		"User-Agent":            "Argus",
		"Content-MD5":           contentMD5,
		"Content-Type":          contentType,
		"Content-Encoding":      "gzip",
		"Date":                  date,
		"x-cms-api-version":     "1.1",
		"x-cms-agent-version":   agentVersion,
		"x-cms-agent-instance":  node.InstanceID,
		"x-cms-instance-sn":     node.SerialNumber,
	}
	if cfg.SecureToken != "" {
		headers["x-cms-security-token"] = cfg.SecureToken
		headers["x-cms-caller-type"] = "token"
	}

	signingString := cryptoutil.SigningString(contentMD5, contentType, date, uploadPath(cfg.UploadEndpoint), headers)
	headers["Authorization"] = cfg.AccessKeyID + ":" + cryptoutil.HmacSha1Hex([]byte(cfg.AccessKeySecret), []byte(signingString))
	return headers
}

func uploadPath(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Path
}

const agentVersion = "1.0.0"
