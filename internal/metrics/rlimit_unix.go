//go:build unix

package metrics

import "golang.org/x/sys/unix"

// fdLimit returns the process's soft RLIMIT_NOFILE, or 0 if it cannot
// be determined (the FD headroom gate is then disabled).
func fdLimit() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0
	}
	return int(rlim.Cur)
}
