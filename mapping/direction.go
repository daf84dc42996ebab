package mapping

import (
	"fmt"
	"strings"
)

// Direction says which way a field (or a whole pass) flows between the two systems.
type Direction string

const (
	Bidirectional  Direction = "bidirectional"
	SourceToTarget Direction = "source_to_target"
	TargetToSource Direction = "target_to_source"
	None           Direction = "none"
)

// ParseDirection accepts the canonical names plus the operator aliases used in env config.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bidirectional", "both":
		return Bidirectional, nil
	case "source_to_target", "attio_to_salesforce", "attio_to_sf":
		return SourceToTarget, nil
	case "target_to_source", "salesforce_to_attio", "sf_to_attio":
		return TargetToSource, nil
	case "none", "disabled":
		return None, nil
	}
	return "", fmt.Errorf("invalid sync direction %q", s)
}

func (d Direction) IsValid() bool {
	switch d {
	case Bidirectional, SourceToTarget, TargetToSource, None:
		return true
	}
	return false
}

// Allows reports whether a field configured with d takes part in a pass running in pass.
// A None field never applies, whatever the pass.
func (d Direction) Allows(pass Direction) bool {
	switch d {
	case None:
		return false
	case Bidirectional:
		return pass == SourceToTarget || pass == TargetToSource || pass == Bidirectional
	default:
		return d == pass
	}
}

// Reverse swaps the two one-way directions and leaves the others alone.
func (d Direction) Reverse() Direction {
	switch d {
	case SourceToTarget:
		return TargetToSource
	case TargetToSource:
		return SourceToTarget
	}
	return d
}

func (d Direction) String() string { return string(d) }
