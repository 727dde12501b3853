package loader

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/tasm/internal/image"
	"github.com/tinyrange/tasm/internal/isa"
)

func TestRuntimeFileDefaults(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         string
	}{
		{"linux", "amd64", "Runtime-linux-x64.bin"},
		{"linux", "arm64", "Runtime-linux-arm64.bin"},
		{"windows", "amd64", "Runtime-win-x64.bin"},
		{"darwin", "amd64", "Runtime-macos-x64.bin"},
		{"darwin", "arm64", "Runtime-macos-arm64.bin"},
	}
	for _, tt := range tests {
		got, err := RuntimeFile(tt.goos, tt.goarch, nil)
		if err != nil {
			t.Fatalf("RuntimeFile(%s, %s): %v", tt.goos, tt.goarch, err)
		}
		if got != tt.want {
			t.Fatalf("RuntimeFile(%s, %s) = %q, want %q", tt.goos, tt.goarch, got, tt.want)
		}
	}
}

func TestRuntimeFileUnsupported(t *testing.T) {
	if _, err := RuntimeFile("plan9", "amd64", nil); err == nil {
		t.Fatal("expected error for unsupported os")
	}
	if _, err := RuntimeFile("linux", "mips", nil); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
}

func TestRuntimeFileManifestOverride(t *testing.T) {
	m, err := ParseManifest([]byte("runtimes:\n  linux-amd64: custom/rt.bin\n"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := RuntimeFile("linux", "amd64", m)
	if err != nil {
		t.Fatal(err)
	}
	if got != "custom/rt.bin" {
		t.Fatalf("got %q, want manifest override", got)
	}
	// unlisted targets still fall back to the default name
	got, err = RuntimeFile("windows", "amd64", m)
	if err != nil || got != "Runtime-win-x64.bin" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestFindRuntimeEnvOverride(t *testing.T) {
	t.Setenv("RUNTIME", "/tmp/my-runtime.bin")
	got, err := FindRuntime("linux", "amd64", "runtimes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/my-runtime.bin" {
		t.Fatalf("got %q, want env override", got)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	m, err := LoadManifest("does-not-exist.yaml")
	if err != nil || m != nil {
		t.Fatalf("got %v, %v; want nil, nil", m, err)
	}
}

func testRuntimeData(t *testing.T, platform image.Platform, entryCode []byte) []byte {
	t.Helper()
	body := append([]byte(nil), entryCode...)
	for _, m := range image.RequiredMarkers(platform) {
		body = append(body, []byte(m)...)
		body = append(body, 0)
	}
	rt := &image.Runtime{Platform: platform, Entry: 0, Body: body}
	return rt.Encode()
}

func testProgramData() []byte {
	p := &image.Program{Sections: []image.Section{{
		Type:  isa.SectionCode,
		Flags: isa.SectionFlagRead | isa.SectionFlagExec,
		Data:  []byte{0x01, 0, 5, 0xFF},
	}}}
	return p.Encode()
}

func TestNewValidates(t *testing.T) {
	rt := testRuntimeData(t, image.PlatformLinux, []byte{0xC3})
	prog := testProgramData()

	if _, err := New(rt, prog); err != nil {
		t.Fatal(err)
	}

	var lerr *LoaderError
	_, err := New([]byte("junk"), prog)
	if !errors.As(err, &lerr) {
		t.Fatalf("error = %T %v, want *LoaderError", err, err)
	}
	if _, err := New(rt, []byte("junk")); err == nil {
		t.Fatal("expected error for bad program")
	}
}

func TestLoaderErrorFormat(t *testing.T) {
	inner := errors.New("boom")
	err := failf(inner, "copying %s", "runtime")
	if got := err.Error(); !strings.HasPrefix(got, "loader: copying runtime:") {
		t.Fatalf("got %q", got)
	}
	if !errors.Is(err, inner) {
		t.Fatal("wrapped error lost")
	}

	if got := failf(nil, "no markers").Error(); got != "loader: no markers" {
		t.Fatalf("got %q", got)
	}
}
