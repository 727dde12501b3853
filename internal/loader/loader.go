// Package loader runs compiled programs on real hardware: it maps a
// platform runtime and a program container into executable memory,
// patches the runtime's API placeholders with live function pointers,
// and calls the runtime entry point.
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tinyrange/tasm/internal/debug"
	"github.com/tinyrange/tasm/internal/image"
)

// LoaderError wraps any failure on the load path so callers can map
// it to an exit status distinct from the program's own result.
type LoaderError struct {
	Msg string
	Err error
}

func (e *LoaderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("loader: %s: %v", e.Msg, e.Err)
	}
	return "loader: " + e.Msg
}

func (e *LoaderError) Unwrap() error { return e.Err }

func failf(err error, format string, args ...any) *LoaderError {
	return &LoaderError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// RuntimeFile returns the runtime blob filename for a target. The
// manifest takes precedence over the built-in naming scheme.
func RuntimeFile(goos, goarch string, m *Manifest) (string, error) {
	key := goos + "-" + goarch
	if m != nil {
		if file, ok := m.Runtimes[key]; ok {
			return file, nil
		}
	}
	arch := ""
	switch goarch {
	case "amd64":
		arch = "x64"
	case "arm64":
		arch = "arm64"
	default:
		return "", failf(nil, "unsupported architecture %q", goarch)
	}
	name := ""
	switch goos {
	case "windows":
		name = "win"
	case "linux":
		name = "linux"
	case "darwin":
		name = "macos"
	default:
		return "", failf(nil, "unsupported operating system %q", goos)
	}
	return fmt.Sprintf("Runtime-%s-%s.bin", name, arch), nil
}

// FindRuntime locates the runtime blob for the current host. The
// RUNTIME environment variable overrides everything; otherwise the
// manifest (when present) or the default name is resolved against
// searchDir.
func FindRuntime(goos, goarch, searchDir string, m *Manifest) (string, error) {
	if override := os.Getenv("RUNTIME"); override != "" {
		debug.Logf("runtime override from environment: %s", override)
		return override, nil
	}
	file, err := RuntimeFile(goos, goarch, m)
	if err != nil {
		return "", err
	}
	return filepath.Join(searchDir, file), nil
}

// Loader holds a verified runtime and program pair.
type Loader struct {
	runtime *image.Runtime
	program []byte
}

// New verifies both containers. The program bytes are kept whole; the
// runtime parses the container itself once running.
func New(runtimeData, programData []byte) (*Loader, error) {
	rt, err := image.DecodeRuntime(runtimeData)
	if err != nil {
		return nil, failf(err, "invalid runtime")
	}
	if _, err := image.DecodeProgram(programData); err != nil {
		return nil, failf(err, "invalid program")
	}
	debug.Logf("runtime: platform=%s entry=%#x body=%d bytes", rt.Platform, rt.Entry, len(rt.Body))
	debug.Logf("program: %d bytes", len(programData))
	return &Loader{runtime: rt, program: programData}, nil
}

const regionSlack = 0x1000

func align16(n int) int { return (n + 15) &^ 15 }

// Run patches, maps, and executes. The return value is whatever the
// native entry point returned. The executable region is always
// released, whichever path exits.
func (l *Loader) Run() (int32, error) {
	api, err := resolveAPI(l.runtime.Platform)
	if err != nil {
		return 0, err
	}
	for name, ptr := range api {
		if !l.runtime.Patch(name, uint64(ptr)) {
			slog.Warn("runtime has no marker for API function", "marker", name)
			continue
		}
		off, _ := l.runtime.MarkerOffset(name)
		debug.Logf("patched %s at %#x with %#x", name, off, ptr)
	}

	programOffset := align16(len(l.runtime.Body))
	total := programOffset + len(l.program) + regionSlack

	img, err := newExecutableImage(total)
	if err != nil {
		return 0, failf(err, "allocating %d bytes of executable memory", total)
	}
	defer func() {
		if cerr := img.Close(); cerr != nil {
			slog.Warn("releasing executable memory", "err", cerr)
		}
	}()

	if err := img.Write(0, l.runtime.Body); err != nil {
		return 0, failf(err, "copying runtime")
	}
	if err := img.Write(programOffset, l.program); err != nil {
		return 0, failf(err, "copying program")
	}
	if err := img.Flush(); err != nil {
		return 0, failf(err, "flushing instruction cache")
	}

	entry := img.Base() + uintptr(l.runtime.Entry)
	programBase := img.Base() + uintptr(programOffset)
	debug.Logf("region base=%#x entry=%#x program=%#x size=%d",
		img.Base(), entry, programBase, len(l.program))
	debug.Dump("runtime image", l.runtime.Body)

	ret := img.Invoke(entry, programBase, uintptr(len(l.program)))
	debug.Logf("entry returned %d", ret)
	return ret, nil
}

// Run is the one-call form: verify, patch, execute, release.
func Run(runtimeData, programData []byte) (int32, error) {
	l, err := New(runtimeData, programData)
	if err != nil {
		return 0, err
	}
	return l.Run()
}
