package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest maps "<os>-<arch>" keys to runtime blob files, overriding
// the built-in Runtime-<os>-<arch>.bin naming.
type Manifest struct {
	Runtimes map[string]string `yaml:"runtimes"`
}

// LoadManifest reads a yaml manifest. A missing file is not an error;
// it returns a nil manifest so the defaults apply.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, failf(err, "reading manifest %s", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, failf(err, "parsing manifest %s", path)
	}
	for key, file := range m.Runtimes {
		if file == "" {
			return nil, failf(nil, "manifest entry %q has no file", key)
		}
	}
	return &m, nil
}

// ParseManifest parses manifest bytes, mainly for tests.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}
