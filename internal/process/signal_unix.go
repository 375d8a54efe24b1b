//go:build !windows

package process

import "syscall"

// terminateGroup signals the child's whole process group so helpers it
// spawned (loaders, workers) go down with it.
func terminateGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		// Fall back to the process itself when the group is already gone.
		return syscall.Kill(pid, sig)
	}
	return nil
}
