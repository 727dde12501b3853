//go:build linux || darwin

package loader

import (
	"fmt"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// ExecutableImage is an anonymous RWX mapping. The region is writable
// and executable for its whole lifetime; the runtime may patch its
// own code.
type ExecutableImage struct {
	mem []byte
}

func newExecutableImage(size int) (*ExecutableImage, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &ExecutableImage{mem: mem}, nil
}

func (img *ExecutableImage) Base() uintptr {
	return uintptr(unsafePointer(img.mem))
}

func (img *ExecutableImage) Write(off int, data []byte) error {
	if off < 0 || off+len(data) > len(img.mem) {
		return fmt.Errorf("write [%d, %d) outside region of %d bytes", off, off+len(data), len(img.mem))
	}
	copy(img.mem[off:], data)
	return nil
}

// Flush is a no-op: x86-64 keeps instruction fetch coherent with
// stores from the same core.
func (img *ExecutableImage) Flush() error { return nil }

// Invoke calls entry with the platform C calling convention.
func (img *ExecutableImage) Invoke(entry uintptr, args ...uintptr) int32 {
	r1, _, _ := purego.SyscallN(entry, args...)
	return int32(r1)
}

// Close unmaps the region. It is safe to call more than once.
func (img *ExecutableImage) Close() error {
	if img.mem == nil {
		return nil
	}
	mem := img.mem
	img.mem = nil
	return unix.Munmap(mem)
}
