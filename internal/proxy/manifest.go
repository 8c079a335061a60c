package proxy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes one deployment of the proxy: its version tag, the
// critical resources preloaded at install time and the fetch policy.
type Manifest struct {
	Prefix        string   `yaml:"prefix"`
	Version       string   `yaml:"version"`
	Strategy      Strategy `yaml:"strategy"`
	SkipWaiting   bool     `yaml:"skipWaiting"`
	Resources     []string `yaml:"resources"`
	ExcludedHosts []string `yaml:"excludedHosts"`
}

func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.Prefix = strings.TrimSpace(m.Prefix)
	if m.Prefix == "" {
		m.Prefix = DefaultCachePrefix
	}
	m.Version = strings.TrimSpace(m.Version)
	if m.Version == "" {
		return Manifest{}, fmt.Errorf("parse manifest: version is required")
	}
	strategy, err := ParseStrategy(string(m.Strategy))
	if err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.Strategy = strategy
	resources := make([]string, 0, len(m.Resources))
	for _, resource := range m.Resources {
		if resource = strings.TrimSpace(resource); resource != "" {
			resources = append(resources, resource)
		}
	}
	m.Resources = resources
	return m, nil
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(data)
}

// Generation is the cache name the manifest installs into.
func (m Manifest) Generation() string {
	return GenerationName(m.Prefix, m.Version)
}

func GenerationName(prefix, version string) string {
	return prefix + "-v" + version
}
