// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reporting

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"argus.dev/agent/internal/config"
	"argus.dev/agent/internal/taskmgr"
)

func TestToPayloadStringStripsTrailingZeros(t *testing.T) {
	require.Equal(t, "0", toPayloadString(0))
	require.Equal(t, "6.1", toPayloadString(6.10))
	require.Equal(t, "0.11", toPayloadString(0.113))
	require.Equal(t, "NaN", toPayloadString(nanValue()))
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestAddMessageDropsOldestOnOverflow(t *testing.T) {
	c := New(config.New(), taskmgr.New(), "")
	for i := 0; i < maxMsgQueueSize+10; i++ {
		c.AddMessage("m", int64(i), []byte(`{}`))
	}
	require.Len(t, c.msgs, maxMsgQueueSize)
	require.Equal(t, int64(10), c.msgs[0].TimestampMs)
}

func TestToPayloadSkipsInvalidAndSortsLines(t *testing.T) {
	c := New(config.New(), taskmgr.New(), "")
	node := taskmgr.NodeItem{InstanceID: "i-1", AliUID: "999"}

	good, _ := EncodePayload(CollectData{
		ModuleName: "cpu",
		DataVector: []MetricData{
			{Tags: map[string]string{"metricName": "cpu.busy", "ns": "acs/ecs"}, Values: map[string]float64{"metricValue": 12.345}},
			{Tags: map[string]string{"metricName": "app.first", "ns": "acs/ecs"}, Values: map[string]float64{"metricValue": 1}},
		},
	})
	mismatchedName, _ := EncodePayload(CollectData{ModuleName: "other", DataVector: []MetricData{
		{Tags: map[string]string{"metricName": "x", "ns": "y"}, Values: map[string]float64{"metricValue": 1}},
	}})
	empty, _ := EncodePayload(CollectData{ModuleName: "empty"})

	body := c.toPayload([]CloudMsg{
		{Name: "cpu", TimestampMs: 1000, Payload: good},
		{Name: "cpu", TimestampMs: 1000, Payload: mismatchedName},
		{Name: "empty", TimestampMs: 1000, Payload: empty},
	}, node)

	require.Contains(t, body, "cpu.busy 1000 12.35 ns=acs%2Fecs")
	require.Contains(t, body, "instanceId=i-1")
	require.Contains(t, body, "userId=999")
	require.NotContains(t, body, "ns=y")
	require.Less(t, strings.Index(body, "app.first 1000"), strings.Index(body, "cpu.busy 1000"))
}

func TestTickWaitsWhenNoMetricItemsPublished(t *testing.T) {
	c := New(config.New(), taskmgr.New(), "")
	c.AddMessage("x", 1, []byte(`{}`))
	c.Tick(context.Background())
	require.Len(t, c.msgs, 1, "drain only happens once metric items exist; here it never drains")
}

func TestTickSendsAndRotatesAfterThreeFailures(t *testing.T) {
	var hitCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitCount++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tasks := taskmgr.New()
	tasks.MetricItems.Set([]taskmgr.MetricItem{{URL: srv.URL}, {URL: srv.URL + "/second"}})
	c := New(config.New(), tasks, t.TempDir())

	payload, _ := EncodePayload(CollectData{
		ModuleName: "cpu",
		DataVector: []MetricData{{Tags: map[string]string{"metricName": "a", "ns": "b"}, Values: map[string]float64{"metricValue": 1}}},
	})

	for i := 0; i < 3; i++ {
		c.AddMessage("cpu", 1, payload)
		c.Tick(context.Background())
	}
	require.Equal(t, 0, c.currentItemIndex)

	c.AddMessage("cpu", 1, payload)
	c.Tick(context.Background())
	require.Equal(t, 1, c.currentItemIndex)
	require.Equal(t, int64(4), c.errorSendCount)
}

func TestTickGzipsBodyWhenItemRequestsIt(t *testing.T) {
	var gotEncoding string
	var decoded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		raw, err := io.ReadAll(gz)
		require.NoError(t, err)
		decoded = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tasks := taskmgr.New()
	tasks.MetricItems.Set([]taskmgr.MetricItem{{URL: srv.URL, Gzip: true}})
	c := New(config.New(), tasks, t.TempDir())

	payload, _ := EncodePayload(CollectData{
		ModuleName: "cpu",
		DataVector: []MetricData{{Tags: map[string]string{"metricName": "a", "ns": "b"}, Values: map[string]float64{"metricValue": 1}}},
	})
	c.AddMessage("cpu", 1, payload)
	c.Tick(context.Background())

	require.Equal(t, "gzip", gotEncoding)
	require.Contains(t, decoded, "a 1 1 ns=b")
}

func TestAddCommonMetricsRefusesWhenUnregistered(t *testing.T) {
	c := New(config.New(), taskmgr.New(), "")
	conf := []byte(`{"acckeyId":"ak","accKeySecretSign":"secret","uploadEndpoint":"http://x"}`)
	err := c.AddCommonMetrics(context.Background(), conf, []CommonMetric{{Name: "m", Value: 1}})
	require.Error(t, err)
}

func TestAddCommonMetricsSendsSignedBatch(t *testing.T) {
	var gotAuth, gotSN string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSN = r.Header.Get("x-cms-instance-sn")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tasks := taskmgr.New()
	tasks.Node.Set(taskmgr.NodeItem{InstanceID: "i-1", SerialNumber: "sn-1"})
	c := New(config.New(), tasks, "")

	conf := []byte(`{"acckeyId":"ak","accKeySecretSign":"secret","uploadEndpoint":"` + srv.URL + `"}`)
	err := c.AddCommonMetrics(context.Background(), conf, []CommonMetric{{Name: "cpu_total", Value: 1.5}})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotAuth, "ak:"))
	require.Equal(t, "sn-1", gotSN)
}
