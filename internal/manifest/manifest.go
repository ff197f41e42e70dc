// Package manifest loads step definitions from a YAML document so a host
// can start with its steps already registered
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Manifest is the top-level document of a step manifest file
	Manifest struct {
		Steps []*api.Step `yaml:"steps"`
	}

	// Registrar accepts the steps a manifest declares
	Registrar interface {
		Register(step *api.Step) error
	}
)

var (
	ErrReadManifest  = errors.New("failed to read manifest")
	ErrParseManifest = errors.New("failed to parse manifest")
	ErrDuplicateStep = errors.New("duplicate step in manifest")
)

// Load reads and parses the manifest at path
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadManifest, err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a manifest, rejecting unknown fields and steps that fail
// validation
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrParseManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every step and that no name is declared twice
func (m *Manifest) Validate() error {
	seen := make(map[api.StepName]struct{}, len(m.Steps))
	for i, step := range m.Steps {
		if step == nil {
			return fmt.Errorf("%w: step %d is empty", api.ErrValidation, i)
		}
		if err := step.Validate(); err != nil {
			return fmt.Errorf("%w: step %s: %w", api.ErrValidation, step.Name, err)
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("%w: %w: %s",
				api.ErrValidation, ErrDuplicateStep, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// Apply registers every step with reg in document order. It stops at the
// first step that fails to register
func (m *Manifest) Apply(reg Registrar) error {
	for _, step := range m.Steps {
		if err := reg.Register(step); err != nil {
			return err
		}
		slog.Info("Step registered from manifest",
			log.StepName(step.Name),
			slog.Int("triggers", len(step.Triggers)))
	}
	return nil
}
