package config

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// Error kinds surfaced while assembling components. Callers match them with
// errors.Is.
var (
	ErrConfigConflict        = errors.New("config conflict")
	ErrUnknownComponent      = errors.New("unknown component")
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrUnrecognizedFile      = errors.New("unrecognized file")
)

// ConflictError names the dotted key path at which two configuration
// sources disagree.
type ConflictError struct {
	Path   string
	Target any
	Source any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("config conflict at %q: %v != %v", e.Path, e.Target, e.Source)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConfigConflict
}

// Merge copies every key of source into target. Nested mappings are merged
// recursively; a key holding different values on both sides is a
// *ConflictError. Equal values are accepted, so merging a tree with itself is
// a no-op. path prefixes the reported key path.
func Merge(target, source Tree, path string) error {
	for key, sv := range source {
		keyPath := key
		if path != "" {
			keyPath = path + "." + key
		}

		tv, ok := target[key]
		if !ok {
			target[key] = cloneValue(sv)
			continue
		}

		tm, tIsMap := tv.(map[string]any)
		sm, sIsMap := sv.(map[string]any)
		switch {
		case tIsMap && sIsMap:
			if err := Merge(tm, sm, keyPath); err != nil {
				return err
			}
		case tIsMap != sIsMap:
			return &ConflictError{Path: keyPath, Target: tv, Source: sv}
		case !equalValues(tv, sv):
			return &ConflictError{Path: keyPath, Target: tv, Source: sv}
		}
	}
	return nil
}

// equalValues compares two leaves. Numbers compare by value, so 16 and 16.0
// are equal.
func equalValues(a, b any) bool {
	af, aNum := AsFloat(a)
	bf, bNum := AsFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}
