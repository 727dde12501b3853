//go:build windows

package loader

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstruction = kernel32.NewProc("FlushInstructionCache")
)

// ExecutableImage is a PAGE_EXECUTE_READWRITE allocation. The region
// stays writable and executable for its whole lifetime; the runtime
// may patch its own code.
type ExecutableImage struct {
	addr uintptr
	size int
}

func newExecutableImage(size int) (*ExecutableImage, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	return &ExecutableImage{addr: addr, size: size}, nil
}

func (img *ExecutableImage) Base() uintptr { return img.addr }

func (img *ExecutableImage) Write(off int, data []byte) error {
	if off < 0 || off+len(data) > img.size {
		return fmt.Errorf("write [%d, %d) outside region of %d bytes", off, off+len(data), img.size)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(img.addr)), img.size)
	copy(dst[off:], data)
	return nil
}

// Flush invalidates the instruction cache over the whole region, as
// required after writing code on Windows.
func (img *ExecutableImage) Flush() error {
	process := windows.CurrentProcess()
	r1, _, err := procFlushInstruction.Call(uintptr(process), img.addr, uintptr(img.size))
	if r1 == 0 {
		return err
	}
	return nil
}

// Invoke calls entry with the platform C calling convention.
func (img *ExecutableImage) Invoke(entry uintptr, args ...uintptr) int32 {
	r1, _, _ := syscall.SyscallN(entry, args...)
	return int32(r1)
}

// Close releases the allocation. It is safe to call more than once.
func (img *ExecutableImage) Close() error {
	if img.addr == 0 {
		return nil
	}
	addr := img.addr
	img.addr = 0
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
