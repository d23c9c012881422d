// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package exporter

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"argus.dev/agent/internal/reporting"
)

func TestParseLineAnonymousMetric(t *testing.T) {
	m, ok := ParseLine(`{instanceId="i-1"} 1.01`)
	require.True(t, ok)
	require.Equal(t, "", m.Name)
	require.Equal(t, "i-1", m.Labels["instanceId"])
	require.InDelta(t, 1.01, m.Value, 1e-9)
}

func TestParseLineNamedMetricNoLabels(t *testing.T) {
	m, ok := ParseLine(`cpu_total 1.01`)
	require.True(t, ok)
	require.Equal(t, "cpu_total", m.Name)
	require.Empty(t, m.Labels)
	require.InDelta(t, 1.01, m.Value, 1e-9)
}

func TestParseLineLabelsWithEscapesAndTrailingComma(t *testing.T) {
	m, ok := ParseLine(`cpu_total{instanceId="i-1",note="a\"b\\c",} 2`)
	require.True(t, ok)
	require.Equal(t, "i-1", m.Labels["instanceId"])
	require.Equal(t, `a"b\c`, m.Labels["note"])
}

func TestParseLineExplicitTimestamp(t *testing.T) {
	m, ok := ParseLine(`cpu_total 2 1700000000000`)
	require.True(t, ok)
	require.Equal(t, int64(1700000000000), m.TimestampMs)
}

func TestParseLineSpecialValues(t *testing.T) {
	nan, ok := ParseLine(`x NaN`)
	require.True(t, ok)
	require.True(t, math.IsNaN(nan.Value))

	pinf, ok := ParseLine(`x +Inf`)
	require.True(t, ok)
	require.True(t, math.IsInf(pinf.Value, 1))

	ninf, ok := ParseLine(`x -Inf`)
	require.True(t, ok)
	require.True(t, math.IsInf(ninf.Value, -1))
}

func TestParseLineSkipsBlankAndComment(t *testing.T) {
	_, ok := ParseLine("")
	require.False(t, ok)
	_, ok = ParseLine("# HELP cpu_total busy fraction")
	require.False(t, ok)
}

func TestParseLineRejectsBadMetricNameStart(t *testing.T) {
	_, ok := ParseLine(`9cpu 1`)
	require.False(t, ok)
}

func TestApplyLabelAddAllFourTypes(t *testing.T) {
	infos := []LabelAddInfo{
		{Name: "host", Type: 0},
		{Name: "region", Type: 1, Value: "ARGUS_TEST_REGION"},
		{Name: "const_tag", Type: 2, Value: "fixed"},
		{Name: "old_name", Type: 3, Value: "new_name"},
	}
	t.Setenv("ARGUS_TEST_REGION", "cn-hangzhou")

	add, rename := applyLabelAdd(infos, func(name string) string {
		require.Equal(t, "host", name)
		return "h1"
	})
	require.Equal(t, "h1", add["host"])
	require.Equal(t, "cn-hangzhou", add["region"])
	require.Equal(t, "fixed", add["const_tag"])
	require.Equal(t, "new_name", rename["old_name"])

	m := applyTagsToMetric(reporting.CommonMetric{Labels: map[string]string{"old_name": "v"}}, add, rename)
	require.Equal(t, "v", m.Labels["new_name"])
	require.NotContains(t, m.Labels, "old_name")
	require.Equal(t, "h1", m.Labels["host"])
}

func TestApplyMetricFilterNoFiltersPassesThrough(t *testing.T) {
	name, keep := applyMetricFilter(reporting.CommonMetric{Name: "cpu_total"}, nil)
	require.True(t, keep)
	require.Equal(t, "cpu_total", name)
}

func TestApplyMetricFilterKeepsOnlyMatchingNameAndTags(t *testing.T) {
	filters := map[string]MetricFilterInfo{
		"cpu_total": {Name: "cpu_total", Tags: map[string]string{"mode": "busy"}, MetricName: "cpu.busy"},
	}
	name, keep := applyMetricFilter(reporting.CommonMetric{Name: "cpu_total", Labels: map[string]string{"mode": "busy", "extra": "x"}}, filters)
	require.True(t, keep)
	require.Equal(t, "cpu.busy", name)

	_, keep = applyMetricFilter(reporting.CommonMetric{Name: "cpu_total", Labels: map[string]string{"mode": "idle"}}, filters)
	require.False(t, keep)

	_, keep = applyMetricFilter(reporting.CommonMetric{Name: "mem_used"}, filters)
	require.False(t, keep)
}

type stubSink struct {
	name    string
	tsMs    int64
	payload []byte
}

func (s *stubSink) AddMessage(name string, timestampMs int64, payload []byte) {
	s.name, s.tsMs, s.payload = name, timestampMs, payload
}

func TestCollectPrometheusTargetPushesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cpu_total{mode=\"busy\"} 12.345\n"))
	}))
	defer srv.Close()

	sink := &stubSink{}
	c := NewCollector(sink, nil)
	item := ExporterItem{ID: "t1", ModuleName: "cpu", Namespace: "acs/ecs", Target: srv.URL}

	err := c.Collect(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, "cpu", sink.name)

	var decoded reporting.CollectData
	require.NoError(t, json.Unmarshal(sink.payload, &decoded))
	require.Equal(t, "cpu", decoded.ModuleName)
	require.Len(t, decoded.DataVector, 1)
	require.Equal(t, "cpu_total", decoded.DataVector[0].Tags["metricName"])
	require.Equal(t, "acs/ecs", decoded.DataVector[0].Tags["ns"])
	require.Equal(t, "busy", decoded.DataVector[0].Tags["mode"])
	require.InDelta(t, 12.345, decoded.DataVector[0].Values["metricValue"], 1e-9)
}

func TestCollectFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCollector(&stubSink{}, nil)
	err := c.Collect(context.Background(), ExporterItem{ID: "t1", ModuleName: "cpu", Target: srv.URL})
	require.Error(t, err)
}

func TestCollectAliMetricQuantizesAndDedupes(t *testing.T) {
	body := `{"success":true,"data":{"cpu":[
		{"metric":"cpu.busy","timestamp":1000,"interval":1000,"value":1,"tags":{"mode":"busy"}},
		{"metric":"cpu.busy","timestamp":1400,"interval":1000,"value":2,"tags":{"mode":"busy"}}
	]}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	sink := &stubSink{}
	c := NewCollector(sink, nil)
	item := ExporterItem{ID: "t1", ModuleName: "cpu", Namespace: "acs/ecs", Target: srv.URL, Kind: "alimetric"}

	require.NoError(t, c.Collect(context.Background(), item))

	var decoded reporting.CollectData
	require.NoError(t, json.Unmarshal(sink.payload, &decoded))
	require.Len(t, decoded.DataVector, 1, "both samples quantize to the same 1000ms bucket, so the second is a duplicate")
	require.Equal(t, "cpu.busy", decoded.DataVector[0].Tags["metricName"])
	require.InDelta(t, 1, decoded.DataVector[0].Values["metricValue"], 1e-9, "first sample in the bucket wins")
}

func TestParseAliMetricRefusesUnsuccessfulResponse(t *testing.T) {
	c := NewCollector(&stubSink{}, nil)
	_, err := c.parseAliMetric([]byte(`{"success":false,"data":{}}`))
	require.Error(t, err)
}

func TestDecodeTasksTopLevelArray(t *testing.T) {
	raw := []byte(`[
		{"id":"t1","moduleName":"cpu","url":"http://127.0.0.1:1/metrics","interval":30,
		 "metricFilterInfos":[{"name":"cpu_total","tags":{"mode":"busy"},"metricName":"cpu.busy"}]}
	]`)
	items, err := DecodeTasks(raw)
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items["t1"]
	require.Equal(t, "cpu", item.ModuleName)
	require.Equal(t, 30*time.Second, item.Interval())
	require.Len(t, item.MetricFilterInfos, 1)
	require.Equal(t, "cpu.busy", item.MetricFilterInfos[0].MetricName)
}

func TestDecodeTasksWrappedObject(t *testing.T) {
	raw := []byte(`{"exporters":[{"id":"t2","moduleName":"mem","url":"http://127.0.0.1:1/metrics"}]}`)
	items, err := DecodeTasks(raw)
	require.NoError(t, err)
	require.Contains(t, items, "t2")
}

func TestDecodeTasksSkipsEntriesMissingID(t *testing.T) {
	raw := []byte(`[{"moduleName":"cpu","url":"http://x"}]`)
	items, err := DecodeTasks(raw)
	require.NoError(t, err)
	require.Empty(t, items)
}
