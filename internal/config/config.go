// Package config loads the YAML resource-instance descriptor SPEC_FULL.md
// §1.1 names: the file a cmd/sinkresource process reads at startup to learn
// its resource type, account identity, adapter settings and data
// directory. Grounded on the teacher's cmd/warren/apply.go, which decodes a
// generic `{apiVersion, kind, metadata, spec}` YAML document with
// gopkg.in/yaml.v3 and dispatches on Kind; here there is exactly one kind
// ("SinkResource") so the dispatch collapses to a single typed Spec field.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/sink/internal/domain"
)

// Metadata mirrors the teacher's ResourceMetadata: a name and optional
// labels, carried through unused beyond identifying the descriptor to a
// human reading it.
type Metadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// Spec is the resource-instance configuration a cmd/sinkresource process
// needs to start: which entity type it owns, which account it syncs, where
// its adapter connects, and where its bbolt environments live on disk.
type Spec struct {
	ResourceType string            `yaml:"resourceType"`
	Account      string            `yaml:"account"`
	DataDir      string            `yaml:"dataDir"`
	Adapter      map[string]string `yaml:"adapter,omitempty"`
}

// Descriptor is the top-level YAML document, matching the teacher's
// apiVersion/kind/metadata/spec envelope shape.
type Descriptor struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Load reads and parses a resource descriptor file from path.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks the descriptor carries everything a resource process
// needs to start; Kind is required to be "SinkResource" since that's the
// only kind this config format currently describes.
func (d Descriptor) Validate() error {
	if d.Kind != "SinkResource" {
		return fmt.Errorf("config: unsupported kind %q (expected SinkResource)", d.Kind)
	}
	if d.Metadata.Name == "" {
		return fmt.Errorf("config: metadata.name is required")
	}
	if d.Spec.ResourceType == "" {
		return fmt.Errorf("config: spec.resourceType is required")
	}
	if _, ok := domain.ParseEntityType(d.Spec.ResourceType); !ok {
		return fmt.Errorf("config: unknown spec.resourceType %q", d.Spec.ResourceType)
	}
	if d.Spec.DataDir == "" {
		return fmt.Errorf("config: spec.dataDir is required")
	}
	return nil
}

// EntityType resolves the descriptor's ResourceType string to its tagged
// domain.EntityType, which Validate has already confirmed is known.
func (d Descriptor) EntityType() domain.EntityType {
	t, _ := domain.ParseEntityType(d.Spec.ResourceType)
	return t
}
