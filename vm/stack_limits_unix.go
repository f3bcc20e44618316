//go:build unix

package vm

import "golang.org/x/sys/unix"

// osStackSize returns the soft RLIMIT_STACK, or the default when the limit
// is unknown or unlimited (reported as a huge value).
func osStackSize() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_STACK, &rl); err != nil {
		return defaultStackSize
	}
	if rl.Cur == 0 || rl.Cur > 1<<30 {
		return defaultStackSize
	}
	return int(rl.Cur)
}
