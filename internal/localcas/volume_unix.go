//go:build linux || darwin

package localcas

import "golang.org/x/sys/unix"

// StatVolume reports the total and available bytes of the volume holding path.
func StatVolume(path string) (total, avail int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := int64(st.Bsize)
	return int64(st.Blocks) * bsize, int64(st.Bavail) * bsize, nil
}
