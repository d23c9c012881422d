// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package taskmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeItemRegistered(t *testing.T) {
	require.False(t, NodeItem{}.Registered())
	require.True(t, NodeItem{InstanceID: "i-123"}.Registered())
}

func TestMetricItemEquality(t *testing.T) {
	a := MetricItem{URL: "https://a", Gzip: true, UseProxy: false}
	b := MetricItem{URL: "https://a", Gzip: true, UseProxy: false}
	c := MetricItem{URL: "https://a", Gzip: false, UseProxy: false}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestMetricItemsEqual(t *testing.T) {
	a := []MetricItem{{URL: "x"}, {URL: "y"}}
	b := []MetricItem{{URL: "x"}, {URL: "y"}}
	c := []MetricItem{{URL: "x"}}
	require.True(t, MetricItemsEqual(a, b))
	require.False(t, MetricItemsEqual(a, c))
}

func TestSlotSetReplacesSnapshot(t *testing.T) {
	var s Slot[[]MetricItem]
	first := []MetricItem{{URL: "a"}}
	s.Set(first)
	got := s.Get()
	require.Equal(t, first, got)

	// Set stores the slice header, not a deep copy, so callers publish
	// only slices they own; publishing a new slice replaces the snapshot.
	s.Set([]MetricItem{{URL: "b"}})
	require.Equal(t, "b", s.Get()[0].URL)
}

func TestHpcClusterItemSlotDefaultsToInvalid(t *testing.T) {
	m := New()
	require.False(t, m.Hpc.Get().Valid)

	m.Hpc.Set(HpcClusterItem{ClusterID: "c1", Version: "1", Valid: true})
	require.True(t, m.Hpc.Get().Valid)
	require.Equal(t, "c1", m.Hpc.Get().ClusterID)
}

func TestManagerTaskConfigPublishAndRead(t *testing.T) {
	m := New()
	_, ok := m.TaskConfig("httpInfo")
	require.False(t, ok)

	m.SetTaskConfig("httpInfo", []byte(`{"a":1}`))
	v, ok := m.TaskConfig("httpInfo")
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(v))

	m.SetTaskConfig("pingInfo", []byte(`{"b":2}`))
	v, ok = m.TaskConfig("httpInfo")
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(v))
}
