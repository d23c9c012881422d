// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxymgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/hostfacts"
	"argus.dev/agent/internal/taskmgr"
)

func TestLoadBuiltinTableHasEntries(t *testing.T) {
	table, err := LoadBuiltinTable()
	require.NoError(t, err)
	require.Greater(t, len(table), 30)
	for _, e := range table {
		require.NotEmpty(t, e.RegionID)
		require.NotEmpty(t, e.Host)
	}
}

func TestProxyInfoURL(t *testing.T) {
	require.Equal(t, "", ProxyInfo{}.URL())
	require.Equal(t, "proxy:3128", ProxyInfo{Host: "proxy:3128"}.URL())
	require.Equal(t, "http://proxy:3128", ProxyInfo{Scheme: "http", Host: "proxy:3128"}.URL())
}

func TestReadAccessKeyPrefersInMemoryConfig(t *testing.T) {
	cfg := config.New()
	cfg.Set(config.KeyAccessKeyID, "ak")
	cfg.Set(config.KeySecretKey, "secret")

	ak, err := ReadAccessKey(cfg, t.TempDir(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "ak", ak.ID)
	require.Equal(t, "secret", ak.Secret)
}

func TestReadAccessKeyFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accesskey.properties")
	writeFile(t, path, "cms.agent.accesskey = file-ak\ncms.agent.secretkey = file-secret\n")

	cfg := config.New()
	ak, err := ReadAccessKey(cfg, dir, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "file-ak", ak.ID)
	require.Equal(t, "file-secret", ak.Secret)
}

func TestLocalSerialNumberIsPersistedAndStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudmonitor", "serial_number.properties")

	first, err := loadOrCreateLocalSerialNumber(path, "my-secret")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := loadOrCreateLocalSerialNumber(path, "my-secret")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadManualHTTPProxyRequiresHost(t *testing.T) {
	cfg := config.New()
	_, ok := loadManualHTTPProxy(cfg)
	require.False(t, ok)

	cfg.Set(config.KeyProxyHost, "myproxy")
	cfg.Set(config.KeyProxyPort, "8080")
	cfg.Set(config.KeyProxyScheme, "https/2")
	p, ok := loadManualHTTPProxy(cfg)
	require.True(t, ok)
	require.Equal(t, "myproxy:8080", p.Host)
	require.Equal(t, "https/2", p.Scheme)
}

func TestInitPublishesCloudAgentInfoWithManualProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := config.New()
	cfg.Set(config.KeyAccessKeyID, "ak")
	cfg.Set(config.KeySecretKey, "secret")
	cfg.Set(config.KeyHosts, srv.URL)
	cfg.Set(config.KeyProxyAuto, "false")
	cfg.Set(config.KeyProxyHost, "127.0.0.1")
	cfg.Set(config.KeyProxyPort, "3128")
	cfg.Set(config.KeyAppData, t.TempDir())

	tasks := taskmgr.New()
	m := New(cfg, hostfacts.New(), tasks, t.TempDir(), t.TempDir())

	info, err := m.Init(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ak", info.AccessKeyID)
	require.Equal(t, srv.URL, info.HeartbeatURL)
	require.Equal(t, "http://127.0.0.1:3128", info.ProxyURL)
	require.Equal(t, info, tasks.Agent.Get())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
