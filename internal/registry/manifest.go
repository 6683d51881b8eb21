package registry

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/modreg/internal/module"
)

const manifestFilename = "module.yaml"

// Option documents one --key=value option a primitive accepts.
type Option struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Default     string `yaml:"default,omitempty"`
}

// Manifest is the module.yaml shipped with every primitive module.
type Manifest struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description,omitempty"`
	Options     []Option `yaml:"options,omitempty"`
}

// parseManifest decodes and validates a manifest found at <type>/<name>/module.yaml.
// The directory layout must agree with the declared name and type.
func parseManifest(data []byte, dirType, dirName string) (*Manifest, module.Type, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("parse manifest: %w", err)
	}
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return nil, "", fmt.Errorf("manifest name is required")
	}
	if m.Name != dirName {
		return nil, "", fmt.Errorf("manifest name %q does not match directory %q", m.Name, dirName)
	}
	t, err := module.ParseType(m.Type)
	if err != nil {
		return nil, "", fmt.Errorf("manifest %q: %w", m.Name, err)
	}
	if string(t) != dirType {
		return nil, "", fmt.Errorf("manifest %q declares type %s but lives under %s/", m.Name, t, dirType)
	}
	seen := make(map[string]struct{}, len(m.Options))
	for i, opt := range m.Options {
		if strings.TrimSpace(opt.Name) == "" {
			return nil, "", fmt.Errorf("manifest %q: options[%d].name is required", m.Name, i)
		}
		if _, dup := seen[opt.Name]; dup {
			return nil, "", fmt.Errorf("manifest %q: duplicate option %q", m.Name, opt.Name)
		}
		seen[opt.Name] = struct{}{}
	}
	return &m, t, nil
}
