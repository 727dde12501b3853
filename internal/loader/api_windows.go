//go:build windows

package loader

import (
	"github.com/tinyrange/tasm/internal/image"
)

// resolveAPI looks up the kernel32 console functions the runtime's
// placeholders stand for.
func resolveAPI(platform image.Platform) (map[string]uintptr, error) {
	if platform != image.PlatformWindows {
		return nil, failf(nil, "runtime targets %s, host is windows", platform)
	}
	procs := map[string]string{
		image.MarkerWinGetStdHandle:  "GetStdHandle",
		image.MarkerWinWriteConsoleA: "WriteConsoleA",
		image.MarkerWinReadConsoleA:  "ReadConsoleA",
		image.MarkerWinExitProcess:   "ExitProcess",
	}
	api := make(map[string]uintptr, len(procs))
	for marker, name := range procs {
		proc := kernel32.NewProc(name)
		if err := proc.Find(); err != nil {
			return nil, failf(err, "resolving %s", name)
		}
		api[marker] = proc.Addr()
	}
	return api, nil
}
