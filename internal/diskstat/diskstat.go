// Package diskstat reports filesystem usage fraction for the Archival
// Logger's disk-fullness gate. Uses golang.org/x/sys/unix.Statfs the same
// way go-ampio-server uses x/sys for SocketCAN, rather than shelling
// out to `df`.
package diskstat

import (
	"golang.org/x/sys/unix"
)

// UsageFraction returns the fraction of space in use (0..1) for the
// filesystem containing path.
func UsageFraction(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := st.Blocks
	free := st.Bavail
	if total == 0 {
		return 0, nil
	}
	used := total - free
	return float64(used) / float64(total), nil
}
