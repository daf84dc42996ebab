package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one dot-separated part of a field path: a key with an optional [index].
type segment struct {
	raw   string
	key   string
	index int
	list  bool
}

func parsePath(path string) ([]segment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ".")
	out := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", path)
		}
		seg := segment{raw: part, key: part}
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("invalid path %q: unterminated index in %q", path, part)
			}
			idx, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid path %q: bad index in %q", path, part)
			}
			seg.key = part[:open]
			seg.index = idx
			seg.list = true
		}
		out = append(out, seg)
	}
	return out, nil
}

// Extract walks path through doc. It fails with FieldNotFoundError naming the first
// segment that is missing. An empty path returns doc itself.
func Extract(doc any, path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	current := doc
	for _, seg := range segs {
		if seg.key != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, &FieldNotFoundError{Segment: seg.raw}
			}
			next, ok := obj[seg.key]
			if !ok {
				return nil, &FieldNotFoundError{Segment: seg.raw}
			}
			current = next
		}
		if seg.list {
			arr, ok := current.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, &FieldNotFoundError{Segment: seg.raw}
			}
			current = arr[seg.index]
		}
	}
	return current, nil
}

// Lookup is Extract without the error: the second result is false when the path does not
// resolve or resolves to null.
func Lookup(doc any, path string) (any, bool) {
	v, err := Extract(doc, path)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// Assign writes value at path inside doc, creating intermediate objects and lists.
func Assign(doc map[string]any, path string, value any) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("invalid path: empty")
	}
	var container any = doc
	for i, seg := range segs {
		last := i == len(segs)-1
		obj, ok := container.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot assign %q: parent is not an object", path)
		}
		if seg.key == "" {
			return fmt.Errorf("cannot assign %q: bare index segment", path)
		}
		if !seg.list {
			if last {
				obj[seg.key] = value
				return nil
			}
			child, ok := obj[seg.key].(map[string]any)
			if !ok {
				child = map[string]any{}
				obj[seg.key] = child
			}
			container = child
			continue
		}

		arr, _ := obj[seg.key].([]any)
		for len(arr) <= seg.index {
			arr = append(arr, nil)
		}
		if last {
			arr[seg.index] = value
			obj[seg.key] = arr
			return nil
		}
		child, ok := arr[seg.index].(map[string]any)
		if !ok {
			child = map[string]any{}
			arr[seg.index] = child
		}
		obj[seg.key] = arr
		container = child
	}
	return nil
}

// JoinPath appends a nested path to a base path.
func JoinPath(base, nested string) string {
	switch {
	case base == "":
		return nested
	case nested == "":
		return base
	}
	return base + "." + nested
}
