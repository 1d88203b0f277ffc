package schema

import (
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

// Builders return a fresh tree on every call: a resolved schema must be a
// tree, so subschemas are never shared between parents.

type Builder func() *jsonschema.Schema

// Any accepts every instance.
func Any() *jsonschema.Schema {
	return &jsonschema.Schema{}
}

func False() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

func String() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string"}
}

func NonEmptyString() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", MinLength: intPtr(1)}
}

func NullableString() *jsonschema.Schema {
	return &jsonschema.Schema{Types: []string{"string", "null"}}
}

func Null() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "null"}
}

func Boolean() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean"}
}

func Integer() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer"}
}

func DateTime() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Format: "date-time", MinLength: intPtr(1)}
}

func Const(v any) *jsonschema.Schema {
	c := v
	return &jsonschema.Schema{Const: &c}
}

// Enum of strings; an empty list falls back to any non-empty string.
func Enum(values ...string) *jsonschema.Schema {
	if len(values) == 0 {
		return NonEmptyString()
	}
	vals := append([]string(nil), values...)
	sort.Strings(vals)
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		out = append(out, v)
	}
	return &jsonschema.Schema{Type: "string", Enum: out}
}

func ArrayOf(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: items}
}

func Nullable(s *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{Null(), s}}
}

func OneOf(branches ...*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{OneOf: branches}
}

// Object is closed: keys outside props are rejected.
func Object(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: False(),
	}
}

// Props builds a fresh property map from builders.
func Props(b map[string]Builder) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(b))
	for k, fn := range b {
		out[k] = fn()
	}
	return out
}

// ExternalResult builds the contract an automatic action's merged payload
// must satisfy once the external process has answered. base are the
// request keys echoed into the payload; value is the complete-result shape.
func ExternalResult(base map[string]Builder, baseRequired []string, value Builder) *jsonschema.Schema {
	branch := func(status string, extra map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
		props := Props(base)
		props["status"] = Const(status)
		for k, v := range extra {
			props[k] = v
		}
		req := append(append([]string{}, baseRequired...), "status")
		req = append(req, required...)
		return Object(props, req...)
	}
	return OneOf(
		branch("in_progress", nil),
		branch("complete", map[string]*jsonschema.Schema{"value": value()}, "value"),
		branch("failed", map[string]*jsonschema.Schema{"error": NonEmptyString()}, "error"),
		branch("deleted", map[string]*jsonschema.Schema{"value": Null()}),
	)
}

// StoredInstance wraps a data schema into the persisted instance shape.
func StoredInstance(data *jsonschema.Schema) *jsonschema.Schema {
	dependency := Object(map[string]*jsonschema.Schema{
		"_actionId": NonEmptyString(),
		"_uuid":     NonEmptyString(),
	}, "_actionId", "_uuid")
	version := Object(map[string]*jsonschema.Schema{
		"_data":         data,
		"_dateCreated":  DateTime(),
		"_dateAccepted": DateTime(),
		"_verified":     Boolean(),
		"_dateVerified": DateTime(),
		"_uuid":         NonEmptyString(),
		"_dependency":   dependency,
	}, "_data", "_dateCreated", "_uuid")
	versions := ArrayOf(version)
	versions.MinItems = intPtr(1)
	return Object(map[string]*jsonschema.Schema{
		"_dateCreated":  DateTime(),
		"_dateModified": DateTime(),
		"_versions":     versions,
	}, "_dateCreated", "_dateModified", "_versions")
}

func intPtr(v int) *int { return &v }
