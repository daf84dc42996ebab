package transform

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/crmsync_backend/mapping"
)

// Convert builds the write-side payload for a pass running in dir.
func Convert(m mapping.ObjectMapping, dir mapping.Direction, doc map[string]any) (map[string]any, error) {
	switch dir {
	case mapping.SourceToTarget:
		return SourceToTarget(m, doc)
	case mapping.TargetToSource:
		return TargetToSource(m, doc)
	}
	return nil, fmt.Errorf("convert: a single pass direction is required, got %q", dir)
}

// SourceToTarget applies every field mapping allowed source->target, in declaration order,
// and finishes each value for its target column. Fields whose source path resolves to
// nothing are skipped unless they are required.
func SourceToTarget(m mapping.ObjectMapping, doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.FieldsFor(mapping.SourceToTarget) {
		value, ok := Lookup(doc, f.SourceFieldPath)
		if ok {
			var err error
			value, err = Apply(value, f.Transform)
			if err != nil && !resolvesToNothing(err) {
				return nil, &FieldError{SourceField: f.SourceFieldPath, TargetField: f.TargetFieldPath, Err: err}
			}
			ok = err == nil && value != nil
		}
		if !ok {
			if f.Required {
				return nil, &MissingRequiredFieldError{Field: f.SourceFieldPath}
			}
			continue
		}
		if err := Assign(out, f.TargetFieldPath, Finish(f, value)); err != nil {
			return nil, &FieldError{SourceField: f.SourceFieldPath, TargetField: f.TargetFieldPath, Err: err}
		}
	}
	return out, nil
}

// TargetToSource applies every field mapping allowed target->source, inverting each transform.
// A nested extraction writes back under its nested path so sibling values are not clobbered.
func TargetToSource(m mapping.ObjectMapping, doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.FieldsFor(mapping.TargetToSource) {
		value, ok := Lookup(doc, f.TargetFieldPath)
		if !ok {
			if f.Required {
				return nil, &MissingRequiredFieldError{Field: f.TargetFieldPath}
			}
			continue
		}
		inverted, err := Invert(value, f.Transform)
		if err != nil {
			return nil, &FieldError{SourceField: f.TargetFieldPath, TargetField: f.SourceFieldPath, Err: err}
		}
		if err := Assign(out, SourceWritePath(f), inverted); err != nil {
			return nil, &FieldError{SourceField: f.TargetFieldPath, TargetField: f.SourceFieldPath, Err: err}
		}
	}
	return out, nil
}

// SourceWritePath is where a field's value lives on the source side.
func SourceWritePath(f mapping.FieldMapping) string {
	if nested, ok := f.Transform.(mapping.ExtractNested); ok {
		return JoinPath(f.SourceFieldPath, nested.Path)
	}
	return f.SourceFieldPath
}

// resolvesToNothing separates "the value is absent" from "the value has the wrong shape".
func resolvesToNothing(err error) bool {
	var notFound *FieldNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, ErrEmptySequence)
}
