package mapping

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Set is the immutable mapping configuration handed to the sync engine.
// Build it once at startup; lookups return copies so callers cannot mutate it.
type Set struct {
	mappings []ObjectMapping
	byPair   map[Pair]int
	bySource map[string]int
	byTarget map[string]int
}

type setFile struct {
	Mappings []ObjectMapping `yaml:"mappings"`
}

// NewSet validates every mapping and indexes them. An object may take part in only one pair.
func NewSet(mappings []ObjectMapping) (*Set, error) {
	s := &Set{
		byPair:   map[Pair]int{},
		bySource: map[string]int{},
		byTarget: map[string]int{},
	}
	var errs []error
	for _, m := range mappings {
		m = normalize(m)
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := s.bySource[m.SourceObject]; ok {
			errs = append(errs, fmt.Errorf("%w: source object %q mapped twice", ErrInvalidMapping, m.SourceObject))
			continue
		}
		if _, ok := s.byTarget[m.TargetObject]; ok {
			errs = append(errs, fmt.Errorf("%w: target object %q mapped twice", ErrInvalidMapping, m.TargetObject))
			continue
		}
		s.byPair[m.Pair()] = len(s.mappings)
		s.bySource[m.SourceObject] = len(s.mappings)
		s.byTarget[m.TargetObject] = len(s.mappings)
		s.mappings = append(s.mappings, m)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// DefaultSet is the built-in configuration. It cannot fail.
func DefaultSet() *Set {
	s, err := NewSet(DefaultMappings())
	if err != nil {
		panic(err)
	}
	return s
}

// Parse reads a YAML mapping document of the form `mappings: [...]`.
func Parse(data []byte) (*Set, error) {
	var f setFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	if len(f.Mappings) == 0 {
		return nil, fmt.Errorf("%w: no mappings declared", ErrInvalidMapping)
	}
	return NewSet(f.Mappings)
}

func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Marshal renders the set back into the YAML document Parse accepts.
func (s *Set) Marshal() ([]byte, error) {
	return yaml.Marshal(setFile{Mappings: s.All()})
}

func (s *Set) All() []ObjectMapping {
	out := make([]ObjectMapping, len(s.mappings))
	for i, m := range s.mappings {
		out[i] = clone(m)
	}
	return out
}

// Enabled returns the enabled mappings in declaration order.
func (s *Set) Enabled() []ObjectMapping {
	out := make([]ObjectMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		if m.Enabled {
			out = append(out, clone(m))
		}
	}
	return out
}

func (s *Set) Pairs() []Pair {
	out := make([]Pair, len(s.mappings))
	for i, m := range s.mappings {
		out[i] = m.Pair()
	}
	return out
}

func (s *Set) ByPair(p Pair) (ObjectMapping, bool) {
	i, ok := s.byPair[p]
	if !ok {
		return ObjectMapping{}, false
	}
	return clone(s.mappings[i]), true
}

func (s *Set) BySourceObject(object string) (ObjectMapping, bool) {
	i, ok := s.bySource[object]
	if !ok {
		return ObjectMapping{}, false
	}
	return clone(s.mappings[i]), true
}

func (s *Set) ByTargetObject(object string) (ObjectMapping, bool) {
	i, ok := s.byTarget[object]
	if !ok {
		return ObjectMapping{}, false
	}
	return clone(s.mappings[i]), true
}

// ByObject finds the mapping an object takes part in, on either side.
func (s *Set) ByObject(object string) (ObjectMapping, bool) {
	if m, ok := s.BySourceObject(object); ok {
		return m, true
	}
	return s.ByTargetObject(object)
}

func normalize(m ObjectMapping) ObjectMapping {
	m = clone(m)
	for i := range m.Fields {
		if m.Fields[i].Direction == "" {
			m.Fields[i].Direction = Bidirectional
		}
		if m.Fields[i].Transform == nil {
			m.Fields[i].Transform = Direct{}
		}
	}
	for i := range m.References {
		if m.References[i].Direction == "" {
			m.References[i].Direction = Bidirectional
		}
	}
	return m
}

func clone(m ObjectMapping) ObjectMapping {
	out := m
	out.Fields = make([]FieldMapping, len(m.Fields))
	for i, f := range m.Fields {
		if mv, ok := f.Transform.(MapValue); ok {
			table := make(map[string]string, len(mv.Table))
			for k, v := range mv.Table {
				table[k] = v
			}
			f.Transform = MapValue{Table: table}
		}
		out.Fields[i] = f
	}
	out.References = append([]ReferenceMapping(nil), m.References...)
	if m.StatusValueMapping != nil {
		out.StatusValueMapping = make(map[string]string, len(m.StatusValueMapping))
		for k, v := range m.StatusValueMapping {
			out.StatusValueMapping[k] = v
		}
	}
	return out
}
