package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyrange/tasm/internal/loader"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	runtimePath := fs.String("runtime", "", "Runtime blob to load (default: autodetect for this host)")
	manifestPath := fs.String("manifest", "", "Runtime manifest file (runtimes.yaml)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <program.tir>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a compiled program. The process exit code is the value the\n")
		fmt.Fprintf(os.Stderr, "program returned.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	result, err := run(fs.Arg(0), *runtimePath, *manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tasm-loader: %v\n", err)
		os.Exit(1)
	}
	os.Exit(int(result))
}

func run(programPath, runtimePath, manifestPath string) (int32, error) {
	if runtimePath == "" {
		manifest, err := loader.LoadManifest(manifestFile(programPath, manifestPath))
		if err != nil {
			return 0, err
		}
		runtimePath, err = loader.FindRuntime(runtime.GOOS, runtime.GOARCH, filepath.Dir(programPath), manifest)
		if err != nil {
			return 0, err
		}
	}

	runtimeData, err := os.ReadFile(runtimePath)
	if err != nil {
		return 0, fmt.Errorf("read runtime: %w", err)
	}
	programData, err := os.ReadFile(programPath)
	if err != nil {
		return 0, fmt.Errorf("read program: %w", err)
	}

	result, err := loader.Run(runtimeData, programData)
	if err != nil {
		var lerr *loader.LoaderError
		if errors.As(err, &lerr) {
			return 0, lerr
		}
		return 0, err
	}
	return result, nil
}

// manifestFile resolves the manifest path, defaulting to a
// runtimes.yaml beside the program.
func manifestFile(programPath, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(filepath.Dir(programPath), "runtimes.yaml")
}
