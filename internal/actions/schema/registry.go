package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

type Kind string

const (
	KindInput    Kind = "input"
	KindExternal Kind = "external"
	KindStored   Kind = "stored"
)

var ErrReservedKey = errors.New("keys starting with an underscore are reserved")

// SchemaViolation reports malformed input, a bad external response or a
// non-conforming stored instance. Path is a JSON pointer into the document.
type SchemaViolation struct {
	Kind Kind
	Path string
	Err  error
}

func (e *SchemaViolation) Error() string {
	if e == nil {
		return ""
	}
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s schema violation at %s: %v", e.Kind, path, e.Err)
}

func (e *SchemaViolation) Unwrap() error { return e.Err }

// Set holds the three contracts of one configured action.
type Set struct {
	input    *jsonschema.Schema
	external *jsonschema.Schema
	stored   *jsonschema.Schema

	inputR    *jsonschema.Resolved
	externalR *jsonschema.Resolved
	storedR   *jsonschema.Resolved
}

// NewSet resolves the contracts. external may be nil for manual actions;
// data is the shape of a version's _data and is consumed by the stored schema.
func NewSet(input, external, data *jsonschema.Schema) (*Set, error) {
	if input == nil || data == nil {
		return nil, fmt.Errorf("schema: input and data schemas are required")
	}
	s := &Set{input: input, external: external, stored: StoredInstance(data)}
	var err error
	if s.inputR, err = input.Resolve(nil); err != nil {
		return nil, fmt.Errorf("schema: resolve input: %w", err)
	}
	if external != nil {
		if s.externalR, err = external.Resolve(nil); err != nil {
			return nil, fmt.Errorf("schema: resolve external: %w", err)
		}
	}
	if s.storedR, err = s.stored.Resolve(nil); err != nil {
		return nil, fmt.Errorf("schema: resolve stored: %w", err)
	}
	return s, nil
}

func (s *Set) Input() *jsonschema.Schema    { return s.input }
func (s *Set) External() *jsonschema.Schema { return s.external }
func (s *Set) Stored() *jsonschema.Schema   { return s.stored }

func (s *Set) ValidateInput(payload map[string]any) error {
	if err := CheckReserved(payload); err != nil {
		return err
	}
	return validate(KindInput, s.input, s.inputR, payload)
}

func (s *Set) ValidateExternal(payload map[string]any) error {
	if s.externalR == nil {
		return &SchemaViolation{Kind: KindExternal, Err: errors.New("action has no external contract")}
	}
	return validate(KindExternal, s.external, s.externalR, payload)
}

// ValidateStored accepts any value that marshals to the instance shape.
func (s *Set) ValidateStored(instance any) error {
	return validate(KindStored, s.stored, s.storedR, instance)
}

// CheckReserved rejects caller keys that collide with stored metadata.
func CheckReserved(payload map[string]any) error {
	if path := reservedPath(payload, ""); path != "" {
		return &SchemaViolation{Kind: KindInput, Path: path, Err: ErrReservedKey}
	}
	return nil
}

func reservedPath(v any, path string) string {
	switch t := v.(type) {
	case map[string]any:
		keys := sortedKeys(t)
		for _, k := range keys {
			if strings.HasPrefix(k, "_") {
				return path + "/" + escape(k)
			}
		}
		for _, k := range keys {
			if p := reservedPath(t[k], path+"/"+escape(k)); p != "" {
				return p
			}
		}
	case []any:
		for i, item := range t {
			if p := reservedPath(item, fmt.Sprintf("%s/%d", path, i)); p != "" {
				return p
			}
		}
	}
	return ""
}

func validate(kind Kind, root *jsonschema.Schema, resolved *jsonschema.Resolved, doc any) error {
	inst, err := normalize(doc)
	if err != nil {
		return &SchemaViolation{Kind: kind, Err: err}
	}
	if err := resolved.Validate(inst); err != nil {
		return &SchemaViolation{Kind: kind, Path: locate(root, inst, ""), Err: err}
	}
	return nil
}

// normalize turns typed Go values into the generic JSON model the validator expects.
func normalize(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// locate narrows a failure down to the deepest offending field.
func locate(s *jsonschema.Schema, v any, path string) string {
	if s == nil {
		return path
	}
	if len(s.OneOf) > 0 || len(s.AnyOf) > 0 {
		branches := s.OneOf
		if len(branches) == 0 {
			branches = s.AnyOf
		}
		if b := pickBranch(branches, v); b != nil {
			return locate(b, v, path)
		}
		return path
	}
	switch t := v.(type) {
	case map[string]any:
		if s.Properties == nil {
			return path
		}
		for _, k := range sortedKeys(t) {
			sub, ok := s.Properties[k]
			if !ok {
				if isFalse(s.AdditionalProperties) {
					return path + "/" + escape(k)
				}
				continue
			}
			if !valid(sub, t[k]) {
				return locate(sub, t[k], path+"/"+escape(k))
			}
		}
		for _, r := range s.Required {
			if _, ok := t[r]; !ok {
				return path + "/" + escape(r)
			}
		}
	case []any:
		if s.Items == nil {
			return path
		}
		for i, item := range t {
			if !valid(s.Items, item) {
				return locate(s.Items, item, fmt.Sprintf("%s/%d", path, i))
			}
		}
	}
	return path
}

// pickBranch prefers the branch whose const discriminators match and
// whose required keys are all present.
func pickBranch(branches []*jsonschema.Schema, v any) *jsonschema.Schema {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	var best *jsonschema.Schema
	bestScore := -1
	for _, b := range branches {
		if b == nil {
			continue
		}
		score := 0
		mismatch := false
		for k, prop := range b.Properties {
			if prop == nil || prop.Const == nil {
				continue
			}
			if got, ok := obj[k]; ok {
				if reflect.DeepEqual(got, *prop.Const) {
					score += 10
				} else {
					mismatch = true
				}
			}
		}
		if mismatch {
			continue
		}
		for _, r := range b.Required {
			if _, ok := obj[r]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = b, score
		}
	}
	return best
}

func valid(s *jsonschema.Schema, v any) bool {
	r, err := s.Resolve(nil)
	if err != nil {
		return false
	}
	return r.Validate(v) == nil
}

func isFalse(s *jsonschema.Schema) bool {
	return s != nil && s.Not != nil && reflect.DeepEqual(*s.Not, jsonschema.Schema{})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(k string) string {
	return strings.ReplaceAll(strings.ReplaceAll(k, "~", "~0"), "/", "~1")
}
