// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package exporter is a scheduler-driven collector: it GETs a target
// URL, parses the body as Prometheus exposition text
// (or, for AliMetric-shaped targets, a small JSON envelope), applies
// label-add/metric-filter directives and pushes the result into the
// reporting channel's CloudMsg queue.
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"argus.dev/agent/internal/logging"
	"argus.dev/agent/internal/reporting"
	"argus.dev/agent/internal/transport"
)

// LabelAddInfo mirrors the original's per-item label directive:
// type 0 looks a name up via SystemLabelLookup, type 1 reads an
// environment variable named by Value, type 2 sets a constant, type 3
// renames an existing tag (Name -> Value).
type LabelAddInfo struct {
	Name  string
	Type  int
	Value string
}

// SystemLabelLookup resolves a type-0 LabelAddInfo. The agent's own
// identity facts (ip/hostname/serial number/cluster) live outside this
// package, so the caller supplies the lookup.
type SystemLabelLookup func(name string) string

// MetricFilterInfo keeps and optionally renames metrics matching Name
// and a subset of Tags. When no filters are configured for an item,
// every metric passes through unchanged.
type MetricFilterInfo struct {
	Name       string
	Tags       map[string]string
	MetricName string
}

// ExporterItem is one scheduled scrape target (scheduler.Descriptor).
type ExporterItem struct {
	ID                string
	ModuleName        string
	Namespace         string
	Target            string
	TimeoutSeconds    int
	IntervalSeconds   int
	Cron              string
	Kind              string // "" / "prometheus" or "alimetric"
	LabelAddInfos     []LabelAddInfo
	MetricFilterInfos []MetricFilterInfo
}

func (e ExporterItem) TaskID() string { return e.ID }

func (e ExporterItem) Interval() time.Duration {
	if e.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.IntervalSeconds) * time.Second
}

func (e ExporterItem) CronExpression() string { return e.Cron }

// Sink is the narrow surface exporter needs from the reporting channel.
type Sink interface {
	AddMessage(name string, timestampMs int64, payload []byte)
}

// Collector runs ExporterItem fires for a scheduler.Scheduler[ExporterItem].
type Collector struct {
	sink   Sink
	lookup SystemLabelLookup
	logger *logging.Logger

	mu          sync.Mutex
	seenBuckets map[string]int64 // alimetric dedup: sample key -> last quantized bucket
}

// NewCollector builds a Collector delivering into sink. lookup may be
// nil if no item uses a type-0 LabelAddInfo.
func NewCollector(sink Sink, lookup SystemLabelLookup) *Collector {
	return &Collector{
		sink:        sink,
		lookup:      lookup,
		logger:      logging.Default().WithComponent("exporter"),
		seenBuckets: map[string]int64{},
	}
}

// wireExporterItem is the heartbeat response's "task" shape for this
// collector's entries. JSON keys are the lowerCamel forms of the
// ExporterItem field names, except that Target, TimeoutSeconds and
// IntervalSeconds travel as "url", "timeout" and "interval".
type wireExporterItem struct {
	ID                string              `json:"id"`
	ModuleName        string              `json:"moduleName"`
	Namespace         string              `json:"namespace"`
	Target            string              `json:"url"`
	TimeoutSeconds    int                 `json:"timeout"`
	IntervalSeconds   int                 `json:"interval"`
	Cron              string              `json:"cron"`
	Kind              string              `json:"kind"`
	LabelAddInfos     []LabelAddInfo     `json:"labelAddInfos"`
	MetricFilterInfos []wireMetricFilter `json:"metricFilterInfos"`
}

type wireMetricFilter struct {
	Name       string            `json:"name"`
	Tags       map[string]string `json:"tags"`
	MetricName string            `json:"metricName"`
}

// DecodeTasks turns the raw "task" JSON forwarded by taskmgr.Manager
// into a scheduler item set keyed by ID, ready for
// scheduler.Scheduler[ExporterItem].SetItems. A top-level array or an
// object wrapping one under an "exporters" key are both accepted.
func DecodeTasks(raw []byte) (map[string]ExporterItem, error) {
	var wire []wireExporterItem
	if err := json.Unmarshal(raw, &wire); err != nil {
		var wrapped struct {
			Exporters []wireExporterItem `json:"exporters"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("exporter: decode task config: %w", err)
		}
		wire = wrapped.Exporters
	}

	items := make(map[string]ExporterItem, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		filters := make([]MetricFilterInfo, 0, len(w.MetricFilterInfos))
		for _, f := range w.MetricFilterInfos {
			filters = append(filters, MetricFilterInfo{Name: f.Name, Tags: f.Tags, MetricName: f.MetricName})
		}
		items[w.ID] = ExporterItem{
			ID:                w.ID,
			ModuleName:        w.ModuleName,
			Namespace:         w.Namespace,
			Target:            w.Target,
			TimeoutSeconds:    w.TimeoutSeconds,
			IntervalSeconds:   w.IntervalSeconds,
			Cron:              w.Cron,
			Kind:              w.Kind,
			LabelAddInfos:     w.LabelAddInfos,
			MetricFilterInfos: filters,
		}
	}
	return items, nil
}

// Collect is the scheduler.Runner[ExporterItem] entry point.
func (c *Collector) Collect(ctx context.Context, item ExporterItem) error {
	timeout := item.TimeoutSeconds
	if timeout <= 0 {
		timeout = 5
	}

	resp := transport.Perform(ctx, "GET", transport.Request{URL: item.Target, TimeoutSeconds: timeout})
	if transport.IsTimeout(resp.ResCode) {
		return fmt.Errorf("exporter: fetch %s: %s", item.Target, resp.ErrorMsg)
	}
	if resp.ResCode != 200 {
		return fmt.Errorf("exporter: fetch %s: status %d: %s", item.Target, resp.ResCode, resp.ErrorMsg)
	}

	var metrics []reporting.CommonMetric
	switch item.Kind {
	case "alimetric":
		m, err := c.parseAliMetric(resp.Result)
		if err != nil {
			return fmt.Errorf("exporter: %s: %w", item.ID, err)
		}
		metrics = m
	default:
		metrics = ParseMetrics(string(resp.Result))
		if len(metrics) == 0 && len(strings.TrimSpace(string(resp.Result))) > 0 {
			return fmt.Errorf("exporter: %s: no valid prometheus lines in response", item.ID)
		}
	}

	add, rename := applyLabelAdd(item.LabelAddInfos, c.lookup)
	filters := make(map[string]MetricFilterInfo, len(item.MetricFilterInfos))
	for _, f := range item.MetricFilterInfos {
		filters[f.Name] = f
	}

	ns := item.Namespace
	if ns == "" {
		ns = "custom"
	}

	data := make([]reporting.MetricData, 0, len(metrics))
	for _, m := range metrics {
		m = applyTagsToMetric(m, add, rename)
		name, keep := applyMetricFilter(m, filters)
		if !keep {
			continue
		}
		tags := make(map[string]string, len(m.Labels)+2)
		for k, v := range m.Labels {
			tags[k] = v
		}
		tags["metricName"] = name
		tags["ns"] = ns
		data = append(data, reporting.MetricData{Tags: tags, Values: map[string]float64{"metricValue": m.Value}})
	}
	if len(data) == 0 {
		return nil
	}

	payload, err := reporting.EncodePayload(reporting.CollectData{ModuleName: item.ModuleName, DataVector: data})
	if err != nil {
		return fmt.Errorf("exporter: encode %s: %w", item.ID, err)
	}
	c.sink.AddMessage(item.ModuleName, time.Now().UnixMilli(), payload)
	return nil
}

func applyLabelAdd(infos []LabelAddInfo, lookup SystemLabelLookup) (add, rename map[string]string) {
	add = map[string]string{}
	rename = map[string]string{}
	for _, info := range infos {
		switch info.Type {
		case 0:
			v := ""
			if lookup != nil {
				v = lookup(info.Name)
			}
			add[info.Name] = v
		case 1:
			if v := os.Getenv(info.Value); v != "" {
				add[info.Name] = v
			}
		case 2:
			add[info.Name] = info.Value
		case 3:
			rename[info.Name] = info.Value
		}
	}
	return add, rename
}

func applyTagsToMetric(m reporting.CommonMetric, add, rename map[string]string) reporting.CommonMetric {
	tags := make(map[string]string, len(m.Labels)+len(add))
	for k, v := range m.Labels {
		tags[k] = v
	}
	for k, v := range add {
		tags[k] = v
	}
	for oldName, newName := range rename {
		if v, ok := tags[oldName]; ok && newName != "" {
			delete(tags, oldName)
			tags[newName] = v
		}
	}
	m.Labels = tags
	return m
}

// applyMetricFilter reports the (possibly renamed) metric name and
// whether it survives. With no filters configured every metric passes
// through under its original name; otherwise a metric is kept only if
// its name and a subset of its tags match one configured filter.
func applyMetricFilter(m reporting.CommonMetric, filters map[string]MetricFilterInfo) (name string, keep bool) {
	if len(filters) == 0 {
		return m.Name, true
	}
	f, ok := filters[m.Name]
	if !ok || len(m.Labels) < len(f.Tags) {
		return "", false
	}
	for k, v := range f.Tags {
		if got, ok := m.Labels[k]; !ok || got != v {
			return "", false
		}
	}
	return f.MetricName, true
}

var specialDoubles = map[string]float64{
	"nan":  math.NaN(),
	"inf":  math.Inf(1),
	"+inf": math.Inf(1),
	"-inf": math.Inf(-1),
}

type lineParser struct {
	s   string
	pos int
}

func (p *lineParser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *lineParser) skipSpace() {
	for p.pos < len(p.s) && isSpace(p.s[p.pos]) {
		p.pos++
	}
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }
func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlnum(c byte) bool { return isAlpha(c) || isDigit(c) }

func (p *lineParser) parseMetricName() (string, error) {
	p.skipSpace()
	start := p.pos
	if p.peek() == '{' {
		return "", nil
	}
	c := p.peek()
	if c != ':' && c != '_' && !isAlpha(c) {
		return "", fmt.Errorf("invalid metric name start %q", c)
	}
	p.pos++
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ':' || c == '_' || isAlnum(c) {
			p.pos++
		} else {
			break
		}
	}
	if p.pos < len(p.s) {
		c := p.s[p.pos]
		if c != '{' && !isSpace(c) {
			return "", fmt.Errorf("invalid metric name char %q", c)
		}
	}
	return p.s[start:p.pos], nil
}

func (p *lineParser) parseLabelName() (string, error) {
	p.skipSpace()
	start := p.pos
	c := p.peek()
	if c != '_' && !isAlpha(c) {
		return "", fmt.Errorf("invalid label name start %q", c)
	}
	p.pos++
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '_' || isAlnum(c) {
			p.pos++
		} else {
			break
		}
	}
	return p.s[start:p.pos], nil
}

func (p *lineParser) parseLabelValue() (string, error) {
	p.skipSpace()
	if p.peek() != '"' {
		return "", fmt.Errorf("label value must start with '\"'")
	}
	p.pos++
	var b strings.Builder
	for p.pos < len(p.s) && p.s[p.pos] != '"' {
		c := p.s[p.pos]
		if c == '\\' && p.pos+1 < len(p.s) {
			nc := p.s[p.pos+1]
			if nc == 'n' {
				b.WriteByte('\n')
				p.pos += 2
				continue
			}
			if nc == '\\' || nc == '"' {
				p.pos++
				c = p.s[p.pos]
			}
		}
		b.WriteByte(c)
		p.pos++
	}
	if p.pos < len(p.s) && p.s[p.pos] == '"' {
		p.pos++
	}
	return strings.Trim(b.String(), " \t"), nil
}

func (p *lineParser) parseLabels() (map[string]string, error) {
	labels := map[string]string{}
	p.skipSpace()
	if p.peek() != '{' {
		return labels, nil
	}
	p.pos++
	for {
		p.skipSpace()
		if p.peek() == '}' || p.pos >= len(p.s) {
			break
		}
		name, err := p.parseLabelName()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != '=' {
			return nil, fmt.Errorf("expected '=' after label name %q", name)
		}
		p.pos++
		val, err := p.parseLabelValue()
		if err != nil {
			return nil, err
		}
		labels[name] = val
		p.skipSpace()
		if p.peek() == ',' {
			p.pos++
		} else if p.peek() != '}' {
			return nil, fmt.Errorf("expected '}' or ',' after label value")
		}
	}
	if p.peek() == '}' {
		p.pos++
	}
	return labels, nil
}

func (p *lineParser) parseValue() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return 0, fmt.Errorf("unexpected end of line, expected a value")
	}
	start := p.pos
	for p.pos < len(p.s) && !isSpace(p.s[p.pos]) {
		p.pos++
	}
	tok := p.s[start:p.pos]
	if v, ok := specialDoubles[strings.ToLower(tok)]; ok {
		return v, nil
	}
	if v, err := strconv.ParseFloat(tok, 64); err == nil {
		return v, nil
	}
	if iv, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return float64(iv), nil
	}
	return 0, fmt.Errorf("invalid value %q", tok)
}

func (p *lineParser) parseTimestamp() int64 {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return 0
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(p.s[p.pos:]), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// ParseLine parses one Prometheus exposition line. Blank and comment
// ("#"-prefixed) lines are reported as not-ok rather
// than errors; a timestamp-less line is stamped with the current
// receive time.
func ParseLine(line string) (reporting.CommonMetric, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] == '#' {
		return reporting.CommonMetric{}, false
	}

	p := &lineParser{s: trimmed}
	name, err := p.parseMetricName()
	if err != nil {
		return reporting.CommonMetric{}, false
	}
	labels, err := p.parseLabels()
	if err != nil {
		return reporting.CommonMetric{}, false
	}
	value, err := p.parseValue()
	if err != nil {
		return reporting.CommonMetric{}, false
	}
	ts := p.parseTimestamp()
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return reporting.CommonMetric{Name: name, Labels: labels, Value: value, TimestampMs: ts}, true
}

// ParseMetrics splits body into lines and parses each one, silently
// skipping blank/comment/malformed lines.
func ParseMetrics(body string) []reporting.CommonMetric {
	var out []reporting.CommonMetric
	for _, line := range strings.Split(body, "\n") {
		if m, ok := ParseLine(line); ok {
			out = append(out, m)
		}
	}
	return out
}

type aliMetricBody struct {
	Success bool                         `json:"success"`
	Data    map[string][]aliMetricSample `json:"data"`
}

type aliMetricSample struct {
	Metric    string            `json:"metric"`
	Timestamp int64             `json:"timestamp"`
	Interval  int64             `json:"interval"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags"`
}

// parseAliMetric decodes the alternate AliMetric JSON shape, quantizes
// each sample's timestamp to its reported interval boundary, and
// suppresses repeat samples landing in a bucket already seen for that
// series.
func (c *Collector) parseAliMetric(body []byte) ([]reporting.CommonMetric, error) {
	var parsed aliMetricBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode alimetric body: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("alimetric response reports success=false")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []reporting.CommonMetric
	for metricType, samples := range parsed.Data {
		for _, s := range samples {
			interval := s.Interval
			if interval <= 0 {
				interval = 1
			}
			bucket := (s.Timestamp / interval) * interval
			name := s.Metric
			if name == "" {
				name = metricType
			}
			key := metricType + "|" + name + "|" + tagsKey(s.Tags)
			if last, ok := c.seenBuckets[key]; ok && last == bucket {
				continue
			}
			c.seenBuckets[key] = bucket
			out = append(out, reporting.CommonMetric{Name: name, Value: s.Value, TimestampMs: bucket, Labels: s.Tags})
		}
	}
	return out, nil
}

func tagsKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s,", k, tags[k])
	}
	return b.String()
}
