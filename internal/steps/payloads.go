package steps

import (
	"fmt"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/rs/zerolog/log"
)

const (
	FieldStartMinutes = "startMinutes"
	FieldEndMinutes   = "endMinutes"
	FieldEnabled      = "enabled"
	FieldTimezone     = "timezone"

	FieldApplications = "applications"
	FieldCategories   = "categories"
	FieldBlockAll     = "blockAll"
)

// MinutesPerDay bounds schedule times expressed as minutes since midnight.
const MinutesPerDay = 24 * 60

// DecodeReport records which fields a typed decode had to substitute.
type DecodeReport struct {
	Step StepID
	// Defaulted lists fields that were absent or null.
	Defaulted []string
	// Mismatched lists fields present with the wrong kind; they were
	// defaulted too.
	Mismatched []string
}

// DecodeDefaulted reports whether any field fell back to its default. A
// racing reader can observe a partially written payload, so this is not an
// error.
func (r DecodeReport) DecodeDefaulted() bool {
	return len(r.Defaulted) > 0 || len(r.Mismatched) > 0
}

// Complete reports whether every field decoded from the payload itself.
func (r DecodeReport) Complete() bool { return !r.DecodeDefaulted() }

// fieldReader pulls typed fields out of a payload map, substituting schema
// defaults and recording what it substituted.
type fieldReader struct {
	schema Schema
	fields map[string]docstore.Value
	report DecodeReport
}

func newFieldReader(step StepID, payload docstore.Value) *fieldReader {
	return readerFor(schemas[step], payload)
}

func readerFor(schema Schema, payload docstore.Value) *fieldReader {
	fields, _ := payload.AsMap()
	return &fieldReader{schema: schema, fields: fields, report: DecodeReport{Step: schema.Step}}
}

func (r *fieldReader) value(name string) docstore.Value {
	spec, _ := r.schema.Field(name)
	v, ok := r.fields[name]
	if !ok || v.IsNull() {
		r.report.Defaulted = append(r.report.Defaulted, name)
		return spec.Default
	}
	if !kindMatches(spec.Kind, v) {
		r.report.Mismatched = append(r.report.Mismatched, name)
		return spec.Default
	}
	return v
}

func (r *fieldReader) intField(name string) int {
	n, _ := r.value(name).AsInt()
	return int(n)
}

func (r *fieldReader) boolField(name string) bool {
	b, _ := r.value(name).AsBool()
	return b
}

func (r *fieldReader) stringField(name string) string {
	s, _ := r.value(name).AsString()
	return s
}

func (r *fieldReader) stringsField(name string) []string {
	items, _ := r.value(name).AsList()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *fieldReader) done() DecodeReport {
	if r.report.DecodeDefaulted() {
		log.Debug().
			Str("step", r.report.Step.String()).
			Strs("defaulted", r.report.Defaulted).
			Strs("mismatched", r.report.Mismatched).
			Msg("steps decode defaulted")
	}
	return r.report
}

// BlockSchedule is the blockSchedule payload: a daily window in minutes since
// midnight. EndMinutes may be less than StartMinutes for windows that wrap
// past midnight.
type BlockSchedule struct {
	StartMinutes int
	EndMinutes   int
	Enabled      bool
	Timezone     string
}

func (b BlockSchedule) Value() docstore.Value {
	return docstore.Map(map[string]docstore.Value{
		FieldStartMinutes: docstore.Int(int64(b.StartMinutes)),
		FieldEndMinutes:   docstore.Int(int64(b.EndMinutes)),
		FieldEnabled:      docstore.Bool(b.Enabled),
		FieldTimezone:     docstore.String(b.Timezone),
	})
}

func (b BlockSchedule) Validate() error {
	if b.StartMinutes < 0 || b.StartMinutes >= MinutesPerDay {
		return ValidationError{Step: StepBlockSchedule, Field: FieldStartMinutes, Reason: fmt.Sprintf("out of range [0,%d)", MinutesPerDay)}
	}
	if b.EndMinutes < 0 || b.EndMinutes >= MinutesPerDay {
		return ValidationError{Step: StepBlockSchedule, Field: FieldEndMinutes, Reason: fmt.Sprintf("out of range [0,%d)", MinutesPerDay)}
	}
	return nil
}

// DurationMinutes is the window length, accounting for wrap past midnight.
func (b BlockSchedule) DurationMinutes() int {
	if b.EndMinutes >= b.StartMinutes {
		return b.EndMinutes - b.StartMinutes
	}
	return MinutesPerDay - b.StartMinutes + b.EndMinutes
}

// DecodeBlockSchedule never fails: missing or mistyped fields take their
// schema defaults and are listed in the report.
func DecodeBlockSchedule(v docstore.Value) (BlockSchedule, DecodeReport) {
	r := newFieldReader(StepBlockSchedule, v)
	return readBlockSchedule(r), r.done()
}

func readBlockSchedule(r *fieldReader) BlockSchedule {
	return BlockSchedule{
		StartMinutes: r.intField(FieldStartMinutes),
		EndMinutes:   r.intField(FieldEndMinutes),
		Enabled:      r.boolField(FieldEnabled),
		Timezone:     r.stringField(FieldTimezone),
	}
}

func checkBlockSchedule(schema Schema, fields map[string]docstore.Value) error {
	return readBlockSchedule(readerFor(schema, docstore.Map(fields))).Validate()
}

// AppSelection is the appSelection payload.
type AppSelection struct {
	Applications []string
	Categories   []string
	BlockAll     bool
}

func (a AppSelection) Value() docstore.Value {
	return docstore.Map(map[string]docstore.Value{
		FieldApplications: stringList(a.Applications),
		FieldCategories:   stringList(a.Categories),
		FieldBlockAll:     docstore.Bool(a.BlockAll),
	})
}

// Empty reports whether the selection blocks nothing.
func (a AppSelection) Empty() bool {
	return !a.BlockAll && len(a.Applications) == 0 && len(a.Categories) == 0
}

func DecodeAppSelection(v docstore.Value) (AppSelection, DecodeReport) {
	r := newFieldReader(StepAppSelection, v)
	out := AppSelection{
		Applications: r.stringsField(FieldApplications),
		Categories:   r.stringsField(FieldCategories),
		BlockAll:     r.boolField(FieldBlockAll),
	}
	return out, r.done()
}

func stringList(items []string) docstore.Value {
	out := make([]docstore.Value, 0, len(items))
	for _, s := range items {
		out = append(out, docstore.String(s))
	}
	return docstore.List(out...)
}
