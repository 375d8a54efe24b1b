//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// terminateGroup terminates the child by PID. Windows has no process groups
// in the Unix sense; graceful and hard termination collapse to
// TerminateProcess.
func terminateGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	ret, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if ret == 0 {
		// Process is most likely already gone.
		return nil
	}
	handle := syscall.Handle(ret)
	defer func() { _, _, _ = procCloseHandle.Call(uintptr(handle)) }()
	if r, _, terr := procTerminateProcess.Call(uintptr(handle), 1); r == 0 {
		return terr
	}
	_ = err
	return nil
}
