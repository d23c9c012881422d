// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package hostfacts

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

type linuxFacts struct {
	pid int
}

func newPlatformFacts() Facts {
	return &linuxFacts{pid: os.Getpid()}
}

// SerialNumber shells out to dmidecode: system-serial-number first,
// falling back to system-uuid if
// the serial isn't exactly 36 characters (the shape of a UUID, which
// is a stronger signal than a manufacturer-assigned serial on cloud
// hosts where the "serial" field is often literally "Not Specified").
func (l *linuxFacts) SerialNumber() (string, error) {
	if sn, err := dmidecode("system-serial-number"); err == nil && sn != "" {
		if len(sn) == 36 {
			return sn, nil
		}
	}
	if uid, err := dmidecode("system-uuid"); err == nil && uid != "" {
		return uid, nil
	}
	return "", ErrUnsupported
}

func dmidecode(field string) (string, error) {
	out, err := exec.Command("dmidecode", "-s", field).Output()
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(out))
	if s == "" || strings.HasPrefix(s, "#") {
		return "", fmt.Errorf("dmidecode: no %s reported", field)
	}
	return s, nil
}

// ProcessStats samples CPU/RSS/fd usage from procfs: /proc/self/stat
// for CPU ticks, /proc/self/status for RSS, /proc/self/fd for the open
// descriptor count.
func (l *linuxFacts) ProcessStats() (Stats, error) {
	var st Stats

	rss, err := readRSSBytes(l.pid)
	if err != nil {
		return st, err
	}
	st.RSSBytes = rss

	fds, err := countOpenFDs(l.pid)
	if err != nil {
		return st, err
	}
	st.OpenFDs = fds

	cpu, err := readCPUFraction(l.pid)
	if err == nil {
		st.CPUFraction = cpu
	}

	return st, nil
}

func readRSSBytes(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return kb * 1024, nil
		}
	}
	return 0, sc.Err()
}

func countOpenFDs(pid int) (int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// readCPUFraction is a point-in-time utime+stime-over-uptime estimate;
// callers sampling periodically should difference consecutive results
// themselves for an interval-accurate rate. Returning the raw
// cumulative fraction here keeps this function stateless.
func readCPUFraction(pid int) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 15 {
		return 0, fmt.Errorf("unexpected /proc/%d/stat format", pid)
	}
	utime, err1 := strconv.ParseFloat(fields[13], 64)
	stime, err2 := strconv.ParseFloat(fields[14], 64)
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("parse utime/stime: %v / %v", err1, err2)
	}
	uptime, err := readSystemUptime()
	if err != nil || uptime <= 0 {
		return 0, err
	}
	const clockTicksPerSecond = 100
	return (utime + stime) / clockTicksPerSecond / uptime, nil
}

func readSystemUptime() (float64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("unexpected /proc/uptime format")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// LocalIPs enumerates non-loopback IPv4 addresses across all
// interfaces.
func (l *linuxFacts) LocalIPs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			out = append(out, v4.String())
		}
	}
	return out, nil
}

// ecsAssistMachineIDPath is where the ECS-assist agent, when present,
// caches the instance's serial number — cheaper and more reliable than
// a dmidecode shell-out on Alibaba Cloud ECS hosts.
const ecsAssistMachineIDPath = "/etc/.machine-id"

// ReadECSAssistMachineID reads the ECS-assist machine-id file, when
// present.
func ReadECSAssistMachineID() (string, error) {
	data, err := os.ReadFile(ecsAssistMachineIDPath)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", fmt.Errorf("ecs-assist machine-id file empty")
	}
	return s, nil
}
