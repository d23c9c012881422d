// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the agent's properties-file configuration:
// flat "key = value" lines, "#" and ";" comments, case-sensitive keys.
// This is deliberately a hand-rolled scanner rather than an imported
// parser — see DESIGN.md for why no corpus config library (HCL, TOML,
// YAML) fits a flat properties grammar.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

// Recognized keys. Unrecognized keys are kept but ignored by every
// component that reads through Config's typed accessors.
const (
	KeyAccessKeyID         = "cms.agent.accesskey"
	KeySecretKey           = "cms.agent.secretkey"
	KeyMetricInterval      = "cms.agent.metric.interval"
	KeyMaxMetricSize       = "cms.agent.max.metric.size"
	KeyMetricSendSize      = "cms.agent.metric.send.size"
	KeyHosts               = "cms.agent.hosts"
	KeyMetricHubURL        = "cms.metrichub_url"
	KeyProxyAuto           = "http.proxy.auto"
	KeyProxyScheme         = "http.proxy.scheme"
	KeyProxyHost           = "http.proxy.host"
	KeyProxyPort           = "http.proxy.port"
	KeyProxyUser           = "http.proxy.user"
	KeyProxyPassword       = "http.proxy.password"
	KeySocks5Host          = "socks5.proxy.host"
	KeySocks5Port          = "socks5.proxy.port"
	KeySocks5Scheme        = "socks5.proxy.scheme"
	KeyCPULimit            = "agent.resource.cpu.limit"
	KeyMemoryLimit         = "agent.resource.memory.limit"
	KeyFDLimit             = "agent.resource.fd.limit"
	KeyExceedLimit         = "agent.resource.exceed.limit"
	KeyResourceInterval    = "agent.resource.interval"
	KeyStatusInterval      = "agent.status.interval"
	KeySkipEcsVpcServer    = "sn.skip.ecs.vpc.server"
	KeyAppData             = "APPDATA"
	KeyInsecureSkipVerify  = "cms.agent.tls.insecureSkipVerify"
	KeyEcsSerialNumber     = "cms.agent.ecs.serialNumber"
	KeyHeartbeatIntervalMs = "cms.agent.heartbeat.interval"
)

// Config holds the parsed properties plus a handful of typed defaults.
type Config struct {
	values map[string]string
}

// New returns an empty Config (useful for tests / in-memory overrides).
func New() *Config {
	return &Config{values: make(map[string]string)}
}

// SearchPaths returns the properties-file candidates in descending
// priority order.
func SearchPaths(baseDir, execDir string) []string {
	return []string{
		baseDir + "/local_data/conf/accesskey.properties",
		baseDir + "/accesskey.properties",
		execDir + "/accesskey.properties",
	}
}

// LoadFirst parses the first existing file among paths and returns it.
// Later paths are never consulted once an earlier one is found, even if
// it is missing some keys — this is stop-on-first-existing-path, not a
// per-key merge across files.
func LoadFirst(paths []string) (*Config, error) {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		defer f.Close()
		return parse(f)
	}
	return New(), nil
}

// Load parses a single properties file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(f *os.File) (*Config, error) {
	c := New()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		c.values[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// Merge overlays other's values on top of c, other taking precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	for k, v := range other.values {
		c.values[k] = v
	}
}

// Set stores a value directly (used for in-memory/CLI overrides, which
// take priority over any properties file).
func (c *Config) Set(key, value string) {
	c.values[key] = value
}

// GetString returns the raw string value, or def if absent/empty.
func (c *Config) GetString(key, def string) string {
	if v, ok := c.values[key]; ok && v != "" {
		return v
	}
	return def
}

// GetStringCI looks up key case-insensitively against both the
// all-lower and as-given casing — the access-key properties file is
// accepted with either casing.
func (c *Config) GetStringCI(key, def string) string {
	if v, ok := c.values[key]; ok && v != "" {
		return v
	}
	lower := strings.ToLower(key)
	for k, v := range c.values {
		if strings.ToLower(k) == lower && v != "" {
			return v
		}
	}
	return def
}

// GetBool parses a boolean key, defaulting to def on absence or parse
// error.
func (c *Config) GetBool(key string, def bool) bool {
	v, ok := c.values[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetInt parses an integer key, defaulting to def on absence or parse
// error.
func (c *Config) GetInt(key string, def int) int {
	v, ok := c.values[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetFloat64 parses a floating-point key, defaulting to def on absence
// or parse error.
func (c *Config) GetFloat64(key string, def float64) float64 {
	v, ok := c.values[key]
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetDurationSeconds reads an integer-seconds key as a time.Duration.
func (c *Config) GetDurationSeconds(key string, def time.Duration) time.Duration {
	v, ok := c.values[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
