//go:build linux

package evidence

import "golang.org/x/sys/unix"

// FreeDiskBytes reports the unprivileged free space on the filesystem
// containing path. The daemon drops to summary-only bundles below its
// configured floor.
func FreeDiskBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
