// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package taskmgr is the agent's shared, lock-light cache of identity
// and configuration state: an explicit value with no singletons or
// globals. Every slot holds an immutable snapshot published by
// swap-the-pointer; readers take a local reference and never block on
// a writer.
package taskmgr

import (
	"sync/atomic"
)

// NodeItem is the agent's identity after a successful heartbeat.
// InstanceID == "" means "not yet registered".
type NodeItem struct {
	InstanceID      string
	SerialNumber    string
	AliUID          string
	HostName        string
	OperatingSystem string
	Region          string
}

// Registered reports whether the heartbeat has assigned an instance id.
func (n NodeItem) Registered() bool {
	return n.InstanceID != ""
}

// CloudAgentInfo is the connection parameters to the control plane.
type CloudAgentInfo struct {
	HeartbeatURL string
	ProxyURL     string
	ProxyUser    string
	ProxyPass    string
	AccessKeyID  string
	AccessSecret string
	SerialNumber string
}

// HpcNodeInstance is one member of an HPC cluster.
type HpcNodeInstance struct {
	InstanceID string
	IP         string
}

// HpcClusterItem is the optional RDMA/HPC cluster membership published
// by a heartbeat response's hpcClusterConfig. Valid reports whether a
// cluster has ever been assigned (a heartbeat with no hpcClusterConfig
// key leaves the previous value in place).
type HpcClusterItem struct {
	ClusterID string
	RegionID  string
	Version   string
	Instances []HpcNodeInstance
	Valid     bool
}

// MetricItem is one upload endpoint for the reporting channel.
type MetricItem struct {
	URL      string
	Gzip     bool
	UseProxy bool
}

// Equal is structural equality over all three fields, used for change
// detection when a new MetricItem list is published.
func (m MetricItem) Equal(o MetricItem) bool {
	return m.URL == o.URL && m.Gzip == o.Gzip && m.UseProxy == o.UseProxy
}

// MetricItemsEqual compares two MetricItem slices element-wise.
func MetricItemsEqual(a, b []MetricItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Slot is a generic atomic-pointer-swap publication cell.
type Slot[T any] struct {
	v atomic.Pointer[T]
}

// Get returns the current snapshot, or the zero value if never set.
func (s *Slot[T]) Get() T {
	p := s.v.Load()
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// Set publishes a new snapshot atomically.
func (s *Slot[T]) Set(val T) {
	v := val
	s.v.Store(&v)
}

// Manager holds every shared cache slot this agent needs.
type Manager struct {
	Node        Slot[NodeItem]
	Agent       Slot[CloudAgentInfo]
	MetricItems Slot[[]MetricItem]
	Hpc         Slot[HpcClusterItem]

	// Per-task-kind config maps, published verbatim from heartbeat
	// responses (processInfo/httpInfo/telnetInfo/pingInfo/task config),
	// forwarded to whatever local parser is registered for that kind.
	taskConfigs Slot[map[string][]byte]
}

// New returns a Manager with empty slots.
func New() *Manager {
	m := &Manager{}
	m.taskConfigs.Set(map[string][]byte{})
	return m
}

// SetTaskConfig publishes the raw JSON for one task-config kind
// ("processInfo", "httpInfo", "telnetInfo", "pingInfo", "task").
func (m *Manager) SetTaskConfig(kind string, raw []byte) {
	cur := m.taskConfigs.Get()
	next := make(map[string][]byte, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[kind] = raw
	m.taskConfigs.Set(next)
}

// TaskConfig returns the most recently published raw JSON for kind, and
// whether it has ever been set.
func (m *Manager) TaskConfig(kind string) ([]byte, bool) {
	v, ok := m.taskConfigs.Get()[kind]
	return v, ok
}
