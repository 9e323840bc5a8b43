//go:build !windows

package transfer

import "golang.org/x/sys/unix"

// freeSpace returns the bytes available to the caller on the filesystem
// holding path.
func freeSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
