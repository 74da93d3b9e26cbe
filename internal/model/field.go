package model

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultFieldsYAML []byte

// FieldSpec describes one recognized directory field.
type FieldSpec struct {
	Name        string    `yaml:"name" json:"name"`
	Kind        ValueKind `yaml:"kind" json:"kind"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// FieldRegistry is an indexed collection of recognized fields. Lookups go
// through CanonicalFieldName so extractor output like "Accepting New Patients"
// resolves to accepting_new_patients.
type FieldRegistry struct {
	Fields []FieldSpec
	byName map[string]*FieldSpec
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups.
func NewFieldRegistry(fields []FieldSpec) *FieldRegistry {
	r := &FieldRegistry{
		Fields: fields,
		byName: make(map[string]*FieldSpec, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		f.Name = CanonicalFieldName(f.Name)
		r.byName[f.Name] = f
	}
	return r
}

// ParseFieldRegistry decodes a registry from YAML.
func ParseFieldRegistry(data []byte) (*FieldRegistry, error) {
	var doc struct {
		Fields []FieldSpec `yaml:"fields"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "model: parse field registry")
	}
	for _, f := range doc.Fields {
		switch f.Kind {
		case KindBoolean, KindNumber, KindString, KindList, KindObject:
		default:
			return nil, eris.Wrapf(ErrValidation, "model: field %q has unknown kind %q", f.Name, f.Kind)
		}
	}
	return NewFieldRegistry(doc.Fields), nil
}

// DefaultFieldRegistry returns the built-in registry.
func DefaultFieldRegistry() *FieldRegistry {
	r, err := ParseFieldRegistry(defaultFieldsYAML)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the spec for name, if recognized.
func (r *FieldRegistry) Lookup(name string) (*FieldSpec, bool) {
	f, ok := r.byName[CanonicalFieldName(name)]
	return f, ok
}

// Check validates that v has the kind registered for name. Unrecognized
// fields and null values always pass.
func (r *FieldRegistry) Check(name string, v Value) error {
	f, ok := r.Lookup(name)
	if !ok || v.IsNull() {
		return nil
	}
	if v.Kind() != f.Kind {
		return eris.Wrapf(ErrValidation, "field %s expects %s, got %s", f.Name, f.Kind, v.Kind())
	}
	return nil
}

// CanonicalFieldName folds case, applies NFKC, and joins words with
// underscores.
func CanonicalFieldName(name string) string {
	s := norm.NFKC.String(strings.TrimSpace(name))
	s = cases.Fold().String(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '\t':
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
