//go:build darwin

package loader

import (
	"github.com/ebitengine/purego"
	"github.com/tinyrange/tasm/internal/image"
)

// resolveAPI looks up the libSystem functions the runtime's
// placeholders stand for.
func resolveAPI(platform image.Platform) (map[string]uintptr, error) {
	if platform != image.PlatformDarwin {
		return nil, failf(nil, "runtime targets %s, host is darwin", platform)
	}
	lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, failf(err, "opening libSystem")
	}
	symbols := map[string]string{
		image.MarkerUnixWrite: "write",
		image.MarkerUnixRead:  "read",
		image.MarkerUnixExit:  "exit",
	}
	api := make(map[string]uintptr, len(symbols))
	for marker, symbol := range symbols {
		addr, err := purego.Dlsym(lib, symbol)
		if err != nil {
			return nil, failf(err, "resolving %s", symbol)
		}
		api[marker] = addr
	}
	return api, nil
}
