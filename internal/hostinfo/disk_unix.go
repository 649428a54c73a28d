//go:build !windows

package hostinfo

import "syscall"

// detectDiskUsage reports the root volume; free is what an unprivileged
// user can still write.
func detectDiskUsage() (total, free uint64) {
	var st syscall.Statfs_t
	if syscall.Statfs("/", &st) != nil {
		return 0, 0
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize
}
