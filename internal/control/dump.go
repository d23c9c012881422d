// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

func targetOsArch() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// ResourceWaterLevel is one resource-threshold breach reported in a
// thread dump, mirroring a single entry of the original agent's
// resource water-level table (cpu/rss/fd/queueEmpty).
type ResourceWaterLevel struct {
	Resource  string
	Value     float64
	Threshold float64
	Times     int
}

// TaskDuration is one entry of the slowest-running-task table included
// in a thread dump.
type TaskDuration struct {
	TaskName string
	Millis   int64
}

// SendThreadsDump reports a goroutine stack capture plus the resource
// water levels and slow-task table that triggered the breach. stacks
// is the text produced by runtime/pprof's "goroutine" profile writer —
// Go's analogue of the original agent's native thread-stack walk.
func (c *Client) SendThreadsDump(ctx context.Context, resources []ResourceWaterLevel, topTasks []TaskDuration, stacks string) error {
	body, err := c.makeDumpBody("ThreadDump", map[string]any{
		"resources": resources,
		"topTasks":  topTasks,
		"threads":   stacks,
	})
	if err != nil {
		return err
	}
	return c.SaveDump(ctx, "ThreadDump", body)
}

// SaveDump posts a pre-built dump body to the control plane's
// /agent/saveMiniDump endpoint.
func (c *Client) SaveDump(ctx context.Context, dumpType string, body []byte) error {
	resp, err := c.post(ctx, "/agent/saveMiniDump", body, "text/json")
	if err != nil {
		return err
	}
	if resp.ResCode != 200 {
		return fmt.Errorf("control: saveMiniDump %s rejected with status %d: %s", dumpType, resp.ResCode, resp.Result)
	}

	var ack struct {
		Success bool `json:"success"`
	}
	if jerr := json.Unmarshal(resp.Result, &ack); jerr != nil || !ack.Success {
		return fmt.Errorf("control: saveMiniDump %s not acknowledged: %s", dumpType, resp.Result)
	}
	return nil
}

// makeDumpBody wraps detail in the same two JSON shapes the original
// agent emits, chosen by whether the node has completed its first
// heartbeat registration: an unregistered agent has no instance id to
// attach the dump to, so it reports a minimal identity tuple instead.
func (c *Client) makeDumpBody(dumpType string, detail any) ([]byte, error) {
	node := c.tasks.Node.Get()
	info := c.agentInfo()
	hostname, _ := os.Hostname()

	inner := map[string]any{
		"version":  agentVersion,
		"type":     dumpType,
		"hostname": hostname,
		"detail":   detail,
	}

	if !node.Registered() {
		inner["sn"] = info.SerialNumber
		serialized, err := json.Marshal(inner)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"sn":           info.SerialNumber,
			"agentVersion": agentVersion,
			"targetOsArch": targetOsArch(),
			"dump":         string(serialized),
		})
	}

	inner["sn"] = node.SerialNumber
	serialized, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"__ver__":      "2.0",
		"sn":           node.SerialNumber,
		"agentVersion": agentVersion,
		"userId":       node.AliUID,
		"instanceId":   node.InstanceID,
		"hostname":     hostname,
		"os":           node.OperatingSystem,
		"targetOsArch": targetOsArch(),
		"region":       node.Region,
		"type":         dumpType,
		"dump":         string(serialized),
	})
}
