// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/hostfacts"
	"argus.dev/agent/internal/taskmgr"
)

func TestMakeDumpBodyUnregisteredShapeOmitsInstanceFields(t *testing.T) {
	tasks := taskmgr.New()
	tasks.Agent.Set(taskmgr.CloudAgentInfo{SerialNumber: "sn-unreg"})
	c := New(config.New(), tasks, hostfacts.New(), &stubProxy{}, t.TempDir())

	body, err := c.makeDumpBody("ThreadDump", map[string]any{"foo": "bar"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "sn-unreg", decoded["sn"])
	require.NotContains(t, decoded, "__ver__")
	require.NotContains(t, decoded, "instanceId")
	require.Contains(t, decoded, "targetOsArch")
}

func TestMakeDumpBodyRegisteredShapeIncludesIdentity(t *testing.T) {
	tasks := taskmgr.New()
	tasks.Node.Set(taskmgr.NodeItem{
		InstanceID:      "i-1",
		SerialNumber:    "sn-reg",
		AliUID:          "9999",
		OperatingSystem: "linux",
		Region:          "cn-hangzhou",
	})
	c := New(config.New(), tasks, hostfacts.New(), &stubProxy{}, t.TempDir())

	body, err := c.makeDumpBody("ThreadDump", map[string]any{"foo": "bar"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "2.0", decoded["__ver__"])
	require.Equal(t, "i-1", decoded["instanceId"])
	require.Equal(t, "9999", decoded["userId"])
	require.Equal(t, "cn-hangzhou", decoded["region"])
}

func TestSendThreadsDumpPostsAcknowledgedBody(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	tasks := taskmgr.New()
	tasks.Agent.Set(taskmgr.CloudAgentInfo{HeartbeatURL: srv.URL})
	c := New(config.New(), tasks, hostfacts.New(), &stubProxy{}, t.TempDir())

	err := c.SendThreadsDump(context.Background(),
		[]ResourceWaterLevel{{Resource: "cpu", Value: 0.9, Threshold: 0.5, Times: 4}},
		[]TaskDuration{{TaskName: "scheduler", Millis: 120}},
		"goroutine 1 [running]:\n")
	require.NoError(t, err)
	require.Equal(t, "/agent/saveMiniDump", gotPath)
}

func TestSaveDumpFailsOnUnacknowledgedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	tasks := taskmgr.New()
	tasks.Agent.Set(taskmgr.CloudAgentInfo{HeartbeatURL: srv.URL})
	c := New(config.New(), tasks, hostfacts.New(), &stubProxy{}, t.TempDir())

	err := c.SaveDump(context.Background(), "ThreadDump", []byte(`{}`))
	require.Error(t, err)
}
