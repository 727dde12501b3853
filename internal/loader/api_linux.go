//go:build linux

package loader

import (
	"github.com/ebitengine/purego"
	"github.com/tinyrange/tasm/internal/image"
)

// resolveAPI looks up the libc functions the runtime's placeholders
// stand for.
func resolveAPI(platform image.Platform) (map[string]uintptr, error) {
	if platform != image.PlatformLinux {
		return nil, failf(nil, "runtime targets %s, host is linux", platform)
	}
	libc, err := purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, failf(err, "opening libc")
	}
	symbols := map[string]string{
		image.MarkerUnixWrite: "write",
		image.MarkerUnixRead:  "read",
		image.MarkerUnixExit:  "exit",
	}
	api := make(map[string]uintptr, len(symbols))
	for marker, symbol := range symbols {
		addr, err := purego.Dlsym(libc, symbol)
		if err != nil {
			return nil, failf(err, "resolving %s", symbol)
		}
		api[marker] = addr
	}
	return api, nil
}
