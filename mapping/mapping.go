package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidMapping = errors.New("invalid mapping")

// FieldMapping ties one source field path to one target field path. Format and MaxLength
// describe the target column and only apply to values written to the target.
type FieldMapping struct {
	SourceFieldPath string
	TargetFieldPath string
	Transform       TransformKind
	Required        bool
	Direction       Direction
	Format          Format
	MaxLength       int
}

// Format normalizes a transformed value for its target column.
type Format string

const (
	FormatNone    Format = ""
	FormatText    Format = "text"
	FormatEmail   Format = "email"
	FormatPhone   Format = "phone"
	FormatBoolean Format = "boolean"
	FormatNumber  Format = "number"
)

func (f Format) IsValid() bool {
	switch f {
	case FormatNone, FormatText, FormatEmail, FormatPhone, FormatBoolean, FormatNumber:
		return true
	}
	return false
}

// ReferenceMapping is a relationship field: the value is a foreign record id that must be
// translated between the two id spaces instead of transformed.
type ReferenceMapping struct {
	SourceFieldPath string    `yaml:"source_field" json:"source_field"`
	TargetFieldPath string    `yaml:"target_field" json:"target_field"`
	SourceObject    string    `yaml:"source_object" json:"source_object"`
	TargetObject    string    `yaml:"target_object" json:"target_object"`
	Required        bool      `yaml:"required,omitempty" json:"required"`
	Direction       Direction `yaml:"direction,omitempty" json:"direction"`
}

// ObjectMapping describes how one source object type maps onto one target object type.
// Fields keep declaration order so payloads are built deterministically.
type ObjectMapping struct {
	SourceObject       string             `yaml:"source_object" json:"source_object"`
	TargetObject       string             `yaml:"target_object" json:"target_object"`
	Enabled            bool               `yaml:"enabled" json:"enabled"`
	Fields             []FieldMapping     `yaml:"fields" json:"fields"`
	References         []ReferenceMapping `yaml:"references,omitempty" json:"references,omitempty"`
	StatusValueMapping map[string]string  `yaml:"status_value_mapping,omitempty" json:"status_value_mapping,omitempty"`
}

// Pair identifies an object mapping and is the unit of single-flight locking and cursor storage.
type Pair struct {
	SourceObject string `json:"source_object"`
	TargetObject string `json:"target_object"`
}

func (p Pair) String() string { return p.SourceObject + "->" + p.TargetObject }

// Key is the storage key of the pair's cursor.
func (p Pair) Key() string { return p.SourceObject + ":" + p.TargetObject }

func (m ObjectMapping) Pair() Pair {
	return Pair{SourceObject: m.SourceObject, TargetObject: m.TargetObject}
}

// FieldsFor returns the field mappings that apply to a pass running in dir, in declaration order.
func (m ObjectMapping) FieldsFor(dir Direction) []FieldMapping {
	out := make([]FieldMapping, 0, len(m.Fields))
	for _, f := range m.Fields {
		if f.Direction.Allows(dir) {
			out = append(out, f)
		}
	}
	return out
}

func (m ObjectMapping) ReferencesFor(dir Direction) []ReferenceMapping {
	out := make([]ReferenceMapping, 0, len(m.References))
	for _, r := range m.References {
		if r.Direction.Allows(dir) {
			out = append(out, r)
		}
	}
	return out
}

// ReadObject is the object a pass in dir fetches changes from.
func (m ObjectMapping) ReadObject(dir Direction) string {
	if dir == TargetToSource {
		return m.TargetObject
	}
	return m.SourceObject
}

// WriteObject is the object a pass in dir writes to.
func (m ObjectMapping) WriteObject(dir Direction) string {
	if dir == TargetToSource {
		return m.SourceObject
	}
	return m.TargetObject
}

// manyToOne reports a value more than one key maps to, the smallest such value.
func manyToOne(table map[string]string) (string, bool) {
	seen := make(map[string]bool, len(table))
	var (
		dup   string
		found bool
	)
	for _, v := range table {
		if seen[v] && (!found || v < dup) {
			dup, found = v, true
		}
		seen[v] = true
	}
	return dup, found
}

// Validate checks the invariants a mapping must hold before the engine may use it.
func (m ObjectMapping) Validate() error {
	var problems []string
	if strings.TrimSpace(m.SourceObject) == "" || strings.TrimSpace(m.TargetObject) == "" {
		problems = append(problems, "source_object and target_object are required")
	}
	if m.SourceObject != "" && m.SourceObject == m.TargetObject {
		problems = append(problems, "source_object and target_object must differ")
	}

	targets := map[string]string{}
	claim := func(target, by string) {
		if prev, ok := targets[target]; ok {
			problems = append(problems, fmt.Sprintf("target field %q mapped twice (%s, %s)", target, prev, by))
			return
		}
		targets[target] = by
	}
	for i, f := range m.Fields {
		if strings.TrimSpace(f.SourceFieldPath) == "" || strings.TrimSpace(f.TargetFieldPath) == "" {
			problems = append(problems, fmt.Sprintf("fields[%d]: source and target paths are required", i))
			continue
		}
		if !f.Direction.IsValid() {
			problems = append(problems, fmt.Sprintf("fields[%d]: invalid direction %q", i, f.Direction))
		}
		if !f.Format.IsValid() {
			problems = append(problems, fmt.Sprintf("fields[%d]: unknown format %q", i, f.Format))
		}
		if f.MaxLength < 0 {
			problems = append(problems, fmt.Sprintf("fields[%d]: max_length must not be negative", i))
		}
		switch t := f.Transform.(type) {
		case Custom:
			problems = append(problems, fmt.Sprintf("fields[%d]: custom transform %q is not implemented", i, t.Name))
		case ExtractNested:
			if strings.Contains(t.Path, "..") {
				problems = append(problems, fmt.Sprintf("fields[%d]: malformed nested path %q", i, t.Path))
			}
		case MapValue:
			if f.Direction.Allows(TargetToSource) {
				if dup, ok := manyToOne(t.Table); ok {
					problems = append(problems, fmt.Sprintf("fields[%d]: value %q is mapped from several keys and cannot sync back", i, dup))
				}
			}
		}
		claim(f.TargetFieldPath, f.SourceFieldPath)
	}
	for i, r := range m.References {
		if r.SourceFieldPath == "" || r.TargetFieldPath == "" || r.SourceObject == "" || r.TargetObject == "" {
			problems = append(problems, fmt.Sprintf("references[%d]: fields and objects are required", i))
			continue
		}
		if !r.Direction.IsValid() {
			problems = append(problems, fmt.Sprintf("references[%d]: invalid direction %q", i, r.Direction))
		}
		claim(r.TargetFieldPath, r.SourceFieldPath)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidMapping, m.Pair(), strings.Join(problems, "; "))
	}
	return nil
}

type fieldMappingDoc struct {
	SourceFieldPath string        `yaml:"source_field" json:"source_field"`
	TargetFieldPath string        `yaml:"target_field" json:"target_field"`
	Transform       transformSpec `yaml:"transform" json:"transform"`
	Required        bool          `yaml:"required,omitempty" json:"required"`
	Direction       Direction     `yaml:"direction,omitempty" json:"direction"`
	Format          Format        `yaml:"format,omitempty" json:"format,omitempty"`
	MaxLength       int           `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

func (f FieldMapping) doc() fieldMappingDoc {
	return fieldMappingDoc{
		SourceFieldPath: f.SourceFieldPath,
		TargetFieldPath: f.TargetFieldPath,
		Transform:       specOf(f.Transform),
		Required:        f.Required,
		Direction:       f.Direction,
		Format:          f.Format,
		MaxLength:       f.MaxLength,
	}
}

func (d fieldMappingDoc) fieldMapping() (FieldMapping, error) {
	kind, err := d.Transform.kind()
	if err != nil {
		return FieldMapping{}, err
	}
	dir := d.Direction
	if dir == "" {
		dir = Bidirectional
	} else if parsed, err := ParseDirection(string(dir)); err == nil {
		dir = parsed
	}
	return FieldMapping{
		SourceFieldPath: d.SourceFieldPath,
		TargetFieldPath: d.TargetFieldPath,
		Transform:       kind,
		Required:        d.Required,
		Direction:       dir,
		Format:          Format(strings.ToLower(strings.TrimSpace(string(d.Format)))),
		MaxLength:       d.MaxLength,
	}, nil
}

func (f FieldMapping) MarshalJSON() ([]byte, error) { return json.Marshal(f.doc()) }

func (f *FieldMapping) UnmarshalJSON(data []byte) error {
	var d fieldMappingDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	fm, err := d.fieldMapping()
	if err != nil {
		return err
	}
	*f = fm
	return nil
}

func (f FieldMapping) MarshalYAML() (interface{}, error) { return f.doc(), nil }

func (f *FieldMapping) UnmarshalYAML(node *yaml.Node) error {
	var d fieldMappingDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	fm, err := d.fieldMapping()
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*f = fm
	return nil
}
