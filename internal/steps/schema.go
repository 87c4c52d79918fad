package steps

import (
	"fmt"

	"github.com/danmuck/pairsync/internal/docstore"
)

// FieldSpec declares one payload field, its kind, and the value substituted
// when a reader observes the field missing.
type FieldSpec struct {
	Name    string
	Kind    docstore.Kind
	Default docstore.Value
	// Elem constrains list elements when Kind is KindList.
	Elem docstore.Kind
}

// Schema lists the known fields of one step's payload.
type Schema struct {
	Step   StepID
	Fields []FieldSpec
	// check runs after the kind checks and must not read schemas.
	check func(Schema, map[string]docstore.Value) error
}

// Field returns the spec for name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Defaults returns a payload holding every field at its default.
func (s Schema) Defaults() docstore.Value {
	out := make(map[string]docstore.Value, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = f.Default.Clone()
	}
	return docstore.Map(out)
}

type ValidationError struct {
	Step   StepID
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("steps: step=%s: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("steps: step=%s field=%s: %s", e.Step, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrInvalidPayload }

var schemas = map[StepID]Schema{
	StepBlockSchedule: {
		Step: StepBlockSchedule,
		Fields: []FieldSpec{
			{Name: FieldStartMinutes, Kind: docstore.KindInt, Default: docstore.Int(0)},
			{Name: FieldEndMinutes, Kind: docstore.KindInt, Default: docstore.Int(0)},
			{Name: FieldEnabled, Kind: docstore.KindBool, Default: docstore.Bool(true)},
			{Name: FieldTimezone, Kind: docstore.KindString, Default: docstore.String("")},
		},
		check: checkBlockSchedule,
	},
	StepAppSelection: {
		Step: StepAppSelection,
		Fields: []FieldSpec{
			{Name: FieldApplications, Kind: docstore.KindList, Elem: docstore.KindString, Default: docstore.List()},
			{Name: FieldCategories, Kind: docstore.KindList, Elem: docstore.KindString, Default: docstore.List()},
			{Name: FieldBlockAll, Kind: docstore.KindBool, Default: docstore.Bool(false)},
		},
	},
}

// SchemaFor returns the registered schema for step.
func SchemaFor(step StepID) (Schema, bool) {
	s, ok := schemas[step]
	return s, ok
}

// Validate checks payload against the step schema. The payload must be a map;
// fields present must match their declared kind. Missing fields are allowed
// and unknown fields are ignored.
func Validate(step StepID, payload docstore.Value) error {
	schema, ok := schemas[step]
	if !ok {
		return ValidationError{Step: step, Reason: "unknown step"}
	}
	fields, ok := payload.AsMap()
	if !ok {
		return ValidationError{Step: step, Reason: "payload must be a map"}
	}
	if path, bad := nonFinite(payload); bad {
		return ValidationError{Step: step, Field: path, Reason: "non-finite float"}
	}
	for _, spec := range schema.Fields {
		v, present := fields[spec.Name]
		if !present || v.IsNull() {
			continue
		}
		if !kindMatches(spec.Kind, v) {
			return ValidationError{Step: step, Field: spec.Name, Reason: fmt.Sprintf("want %s, got %s", spec.Kind, v.Kind)}
		}
		if spec.Kind == docstore.KindList && spec.Elem != docstore.KindNull {
			items, _ := v.AsList()
			for i, item := range items {
				if !kindMatches(spec.Elem, item) {
					return ValidationError{Step: step, Field: spec.Name, Reason: fmt.Sprintf("element %d: want %s, got %s", i, spec.Elem, item.Kind)}
				}
			}
		}
	}
	if schema.check != nil {
		if err := schema.check(schema, fields); err != nil {
			return err
		}
	}
	return nil
}

// kindMatches accepts integers where a float is declared; the reverse would
// lose precision.
func kindMatches(want docstore.Kind, v docstore.Value) bool {
	if want == docstore.KindFloat {
		return v.Kind == docstore.KindFloat || v.Kind == docstore.KindInt
	}
	return v.Kind == want
}
