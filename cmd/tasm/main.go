package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/tasm/internal/assembler"
	"github.com/tinyrange/tasm/internal/image"
	"github.com/tinyrange/tasm/internal/ir"
	"github.com/tinyrange/tasm/internal/pe"
	"github.com/tinyrange/tasm/internal/x86"
)

const usage = `Usage: %s <command> [flags] <source> [output]

Commands:
  compile   Assemble a source file into a program container (.tir)
  ir        Lower a source file and print its intermediate form (.ir)
  exe       Compile a source file to a native Windows executable (.exe)
  runtime   Compile a source file into a runtime container (.bin)
  build     Compile many source files in one run

Run '%s <command> -h' for command flags.
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tasm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0], os.Args[0])
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "compile":
		return cmdCompile(args)
	case "ir":
		return cmdIR(args)
	case "exe":
		return cmdExe(args)
	case "runtime":
		return cmdRuntime(args)
	case "build":
		return cmdBuild(args)
	case "-h", "--help", "help":
		fmt.Fprintf(os.Stderr, usage, os.Args[0], os.Args[0])
		return nil
	default:
		fmt.Fprintf(os.Stderr, usage, os.Args[0], os.Args[0])
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// sourceArgs parses the common "<source> [output]" tail, deriving the
// output name from the source when it is not given.
func sourceArgs(fs *flag.FlagSet, args []string, ext string) (source, output string, err error) {
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fs.Usage()
		return "", "", fmt.Errorf("expected <source> [output]")
	}
	source = rest[0]
	if len(rest) == 2 {
		output = rest[1]
	} else {
		output = source + ext
	}
	return source, output, nil
}

func readSource(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}

func compileFile(source, output string) error {
	src, err := readSource(source)
	if err != nil {
		return err
	}
	obj, err := assembler.Assemble(src, source)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, obj.Program.Encode(), 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func cmdCompile(args []string) error {
	fs := flag.NewFlagSet("tasm compile", flag.ExitOnError)
	source, output, err := sourceArgs(fs, args, ".tir")
	if err != nil {
		return err
	}
	return compileFile(source, output)
}

func cmdIR(args []string) error {
	fs := flag.NewFlagSet("tasm ir", flag.ExitOnError)
	stdout := fs.Bool("print", false, "Print to stdout instead of writing a file")
	source, output, err := sourceArgs(fs, args, ".ir")
	if err != nil {
		return err
	}

	src, err := readSource(source)
	if err != nil {
		return err
	}
	m, err := ir.Build(src, source)
	if err != nil {
		return err
	}
	if *stdout {
		fmt.Print(m.Print())
		return nil
	}
	if err := os.WriteFile(output, []byte(m.Print()), 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func translateSource(source string) (*image.Program, error) {
	src, err := readSource(source)
	if err != nil {
		return nil, err
	}
	m, err := ir.Build(src, source)
	if err != nil {
		return nil, err
	}
	return x86.Translate(m)
}

func cmdExe(args []string) error {
	fs := flag.NewFlagSet("tasm exe", flag.ExitOnError)
	imageBase := fs.Uint64("image-base", 0, "Preferred image base (default 0x400000)")
	source, output, err := sourceArgs(fs, args, ".exe")
	if err != nil {
		return err
	}

	prog, err := translateSource(source)
	if err != nil {
		return err
	}
	out, err := pe.Build(prog, pe.Config{ImageBase: *imageBase})
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, out, 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func cmdRuntime(args []string) error {
	fs := flag.NewFlagSet("tasm runtime", flag.ExitOnError)
	platform := fs.String("platform", "", "Target platform id (WN, LX, MC)")
	source, output, err := sourceArgs(fs, args, ".bin")
	if err != nil {
		return err
	}

	var p image.Platform
	switch strings.ToUpper(*platform) {
	case "WN":
		p = image.PlatformWindows
	case "LX":
		p = image.PlatformLinux
	case "MC":
		p = image.PlatformDarwin
	default:
		return fmt.Errorf("platform must be one of WN, LX, MC (got %q)", *platform)
	}

	prog, err := translateSource(source)
	if err != nil {
		return err
	}

	// the runtime body is one flat blob: code first, data after it
	var body []byte
	for _, s := range prog.Sections {
		body = append(body, s.Data...)
	}

	rt := &image.Runtime{Platform: p, Entry: uint64(prog.Entry), Body: body}
	data := rt.Encode()

	// round-trip the result so a runtime missing its API markers is
	// rejected here rather than at load time
	if _, err := image.DecodeRuntime(data); err != nil {
		return fmt.Errorf("built runtime is not loadable: %w", err)
	}

	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func cmdBuild(args []string) error {
	fs := flag.NewFlagSet("tasm build", flag.ExitOnError)
	outDir := fs.String("out", "", "Directory for compiled output (default: alongside sources)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sources := fs.Args()
	if len(sources) == 0 {
		fs.Usage()
		return fmt.Errorf("no source files given")
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.Default(int64(len(sources)), "compile")
		defer bar.Close()
	}

	var failed int
	for _, source := range sources {
		output := source + ".tir"
		if *outDir != "" {
			output = filepath.Join(*outDir, filepath.Base(source)+".tir")
		}
		if err := compileFile(source, output); err != nil {
			fmt.Fprintf(os.Stderr, "tasm: %v\n", err)
			failed++
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(sources))
	}
	return nil
}
