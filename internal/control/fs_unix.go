//go:build !windows

// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"os/user"
	"strconv"
	"syscall"

	"argus.dev/agent/internal/logging"
)

// freeDiskBytes reports free space on the filesystem backing path, via
// statfs, for the heartbeat body's systemInfo.freeSpace field.
func freeDiskBytes(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// chownFile applies the owner named by a fileStore entry, best-effort:
// this process may not hold the privileges to change ownership, and a
// failure here should not fail the file write itself.
func chownFile(path, username string, logger *logging.Logger) {
	u, err := user.Lookup(username)
	if err != nil {
		logger.Warn("fileStore owner lookup failed, leaving default ownership", "user", username, "error", err)
		return
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return
	}
	if err := syscall.Chown(path, uid, gid); err != nil {
		logger.Warn("fileStore chown failed", "path", path, "user", username, "error", err)
	}
}
