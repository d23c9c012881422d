// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package hostfacts

import "net"

// unsupportedFacts is the non-Linux stand-in: the OS-specific
// serial-number and resource-sampling paths return ErrUnsupported
// rather than attempting a best-effort implementation.
type unsupportedFacts struct{}

func newPlatformFacts() Facts {
	return unsupportedFacts{}
}

func (unsupportedFacts) SerialNumber() (string, error) {
	return "", ErrUnsupported
}

func (unsupportedFacts) ProcessStats() (Stats, error) {
	return Stats{}, ErrUnsupported
}

// LocalIPs is kept cross-platform via net.InterfaceAddrs rather than
// marked unsupported, since every Go-supported OS implements it.
func (unsupportedFacts) LocalIPs() ([]string, error) {
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

// ReadECSAssistMachineID has no non-Linux source.
func ReadECSAssistMachineID() (string, error) {
	return "", ErrUnsupported
}
