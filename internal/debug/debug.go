// Package debug provides the byte-level trace output enabled by the
// RUNTIME_DEBUG environment variable. Traces go to stdout so they
// interleave naturally with program output.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	once    sync.Once
	enabled bool
	out     io.Writer = os.Stdout
)

// Enabled reports whether RUNTIME_DEBUG tracing is on.
func Enabled() bool {
	once.Do(func() {
		enabled = os.Getenv("RUNTIME_DEBUG") != ""
	})
	return enabled
}

// Logf writes a trace line when tracing is enabled.
func Logf(format string, args ...any) {
	if !Enabled() {
		return
	}
	fmt.Fprintf(out, "[debug] "+format+"\n", args...)
}

// Dump writes a short hex dump of data when tracing is enabled.
func Dump(label string, data []byte) {
	if !Enabled() {
		return
	}
	const max = 64
	n := len(data)
	if n > max {
		n = max
	}
	fmt.Fprintf(out, "[debug] %s (%d bytes): % x", label, len(data), data[:n])
	if n < len(data) {
		fmt.Fprint(out, " ...")
	}
	fmt.Fprintln(out)
}
