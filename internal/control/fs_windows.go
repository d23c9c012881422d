//go:build windows

// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"syscall"
	"unsafe"

	"argus.dev/agent/internal/logging"
)

// freeDiskBytes reports free space on the volume backing path via
// GetDiskFreeSpaceExW.
func freeDiskBytes(path string) (uint64, error) {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	proc := kernel32.NewProc("GetDiskFreeSpaceExW")

	ptr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var freeAvail uint64
	ret, _, callErr := proc.Call(
		uintptr(unsafe.Pointer(ptr)),
		uintptr(unsafe.Pointer(&freeAvail)),
		0,
		0,
	)
	if ret == 0 {
		return 0, callErr
	}
	return freeAvail, nil
}

// chownFile is a no-op on Windows: fileStore ownership assignment is a
// POSIX-only concept in the original agent.
func chownFile(path, username string, logger *logging.Logger) {
	logger.Debug("fileStore owner assignment skipped on windows", "path", path, "user", username)
}
