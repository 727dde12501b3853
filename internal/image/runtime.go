package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	runtimeMagic      = "RUNT"
	runtimeHeaderSize = 16
)

// Platform is the two-byte target id stored in a Runtime header.
type Platform string

const (
	PlatformWindows Platform = "WN"
	PlatformLinux   Platform = "LX"
	PlatformDarwin  Platform = "MC"
)

// PlatformForOS maps a GOOS value to its Runtime platform id.
func PlatformForOS(goos string) (Platform, bool) {
	switch goos {
	case "windows":
		return PlatformWindows, true
	case "linux":
		return PlatformLinux, true
	case "darwin":
		return PlatformDarwin, true
	}
	return "", false
}

// API placeholder markers. Each occurs at most once in a runtime body
// and is overwritten in place with an 8-byte little-endian function
// pointer before execution.
const (
	MarkerWinGetStdHandle  = "API_WIN_GETSTDHANDLE"
	MarkerWinWriteConsoleA = "API_WIN_WRITECONSOLEA"
	MarkerWinReadConsoleA  = "API_WIN_READCONSOLEA"
	MarkerWinExitProcess   = "API_WIN_EXITPROCESS"
	MarkerUnixWrite        = "API_UNIX_WRITE"
	MarkerUnixRead         = "API_UNIX_READ"
	MarkerUnixExit         = "API_UNIX_EXIT"
)

// RequiredMarkers returns the marker set a runtime for the platform
// must contain.
func RequiredMarkers(p Platform) []string {
	if p == PlatformWindows {
		return []string{
			MarkerWinGetStdHandle,
			MarkerWinWriteConsoleA,
			MarkerWinReadConsoleA,
			MarkerWinExitProcess,
		}
	}
	return []string{MarkerUnixWrite, MarkerUnixRead, MarkerUnixExit}
}

// Runtime is a decoded native support blob. Body is the executable
// payload after the header; Entry is an offset into Body. The marker
// table is scanned once at decode time.
type Runtime struct {
	Platform Platform
	Entry    uint64
	Body     []byte

	markers map[string]int
}

// DecodeRuntime parses and validates a Runtime container. All markers
// required for its platform must be present.
func DecodeRuntime(data []byte) (*Runtime, error) {
	if len(data) < runtimeHeaderSize {
		return nil, fmt.Errorf("runtime too short: %d bytes", len(data))
	}
	if string(data[:4]) != runtimeMagic {
		return nil, fmt.Errorf("bad runtime magic % x", data[:4])
	}
	if major, minor := data[4], data[5]; major != VersionMajor || minor != VersionMinor {
		return nil, fmt.Errorf("unsupported runtime version %d.%d", major, minor)
	}

	platform := Platform(data[6:8])
	switch platform {
	case PlatformWindows, PlatformLinux, PlatformDarwin:
	default:
		return nil, fmt.Errorf("unknown runtime platform %q", string(platform))
	}

	r := &Runtime{
		Platform: platform,
		Entry:    binary.LittleEndian.Uint64(data[8:]),
		Body:     data[runtimeHeaderSize:],
		markers:  make(map[string]int),
	}
	if r.Entry >= uint64(len(r.Body)) {
		return nil, fmt.Errorf("runtime entry %#x outside body (%d bytes)", r.Entry, len(r.Body))
	}
	for _, name := range RequiredMarkers(platform) {
		off := bytes.Index(r.Body, []byte(name))
		if off < 0 {
			return nil, fmt.Errorf("runtime is missing marker %s", name)
		}
		r.markers[name] = off
	}
	return r, nil
}

// Encode serializes the runtime container.
func (r *Runtime) Encode() []byte {
	buf := make([]byte, runtimeHeaderSize+len(r.Body))
	copy(buf, runtimeMagic)
	buf[4] = VersionMajor
	buf[5] = VersionMinor
	copy(buf[6:8], r.Platform)
	binary.LittleEndian.PutUint64(buf[8:], r.Entry)
	copy(buf[runtimeHeaderSize:], r.Body)
	return buf
}

// MarkerOffset returns the body offset of a marker found at decode
// time.
func (r *Runtime) MarkerOffset(name string) (int, bool) {
	off, ok := r.markers[name]
	return off, ok
}

// Patch overwrites the marker with an 8-byte little-endian pointer.
// It reports whether the marker was present.
func (r *Runtime) Patch(name string, ptr uint64) bool {
	off, ok := r.markers[name]
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(r.Body[off:], ptr)
	return true
}
