package core

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"ajiaco/pkg/domain"
)

// ErrReservedDefault is returned for session defaults that may not be preset.
var ErrReservedDefault = errors.New("reserved session default")

// Experiment describes one experiment available to new sessions.
type Experiment struct {
	Name        string         `yaml:"name"`
	Rounds      int            `yaml:"rounds"`
	GroupSize   int            `yaml:"group_size"`
	FixedGroups bool           `yaml:"fixed_groups"`
	LenStages   int            `yaml:"len_stages"`
	Defaults    map[string]any `yaml:"defaults"`
	Extra       ExtraKeys      `yaml:"extra"`
}

// ExtraKeys lists the declared extra keys per record type.
type ExtraKeys struct {
	Session []string `yaml:"session"`
	Subject []string `yaml:"subject"`
	Round   []string `yaml:"round"`
	Group   []string `yaml:"group"`
	Role    []string `yaml:"role"`
}

// Schema converts the declared keys into a domain.ExtraSchema.
func (k ExtraKeys) Schema() (domain.ExtraSchema, error) {
	schema := domain.NewExtraSchema()
	for entity, keys := range map[EntityType][]string{
		EntitySession: k.Session,
		EntitySubject: k.Subject,
		EntityRound:   k.Round,
		EntityGroup:   k.Group,
		EntityRole:    k.Role,
	} {
		if err := schema.Declare(entity, keys...); err != nil {
			return domain.ExtraSchema{}, err
		}
	}
	return schema, nil
}

// Manifest is the experiments file.
type Manifest struct {
	Experiments []Experiment `yaml:"experiments"`
}

// LoadManifest reads and validates an experiments manifest.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Experiments))
	for _, exp := range m.Experiments {
		if exp.Name == "" {
			return Manifest{}, errors.New("manifest: experiment without name")
		}
		if _, dup := seen[exp.Name]; dup {
			return Manifest{}, fmt.Errorf("manifest: duplicate experiment %s", exp.Name)
		}
		seen[exp.Name] = struct{}{}
		if _, err := exp.Extra.Schema(); err != nil {
			return Manifest{}, fmt.Errorf("manifest: experiment %s: %w", exp.Name, err)
		}
		if err := ValidateSessionDefaults(exp.Defaults); err != nil {
			return Manifest{}, fmt.Errorf("manifest: experiment %s: %w", exp.Name, err)
		}
	}
	return m, nil
}

// Experiment looks up an experiment by name.
func (m Manifest) Experiment(name string) (Experiment, bool) {
	i := slices.IndexFunc(m.Experiments, func(e Experiment) bool { return e.Name == name })
	if i < 0 {
		return Experiment{}, false
	}
	return m.Experiments[i], true
}

// ValidateSessionDefaults rejects defaults that would override session identity.
func ValidateSessionDefaults(defaults map[string]any) error {
	for _, key := range []string{"name", "code", "id"} {
		if _, ok := defaults[key]; ok {
			return fmt.Errorf("%w: %s", ErrReservedDefault, key)
		}
	}
	return nil
}
