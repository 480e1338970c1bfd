package ml

import "fmt"

// FieldTypeFloat is the only feature type the classifier understands.
const FieldTypeFloat = "float64"

// Field is one named model input.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is the ordered list of features a model is bound to.
// Coefficients are positional, so order is part of the contract.
type Schema struct {
	Fields []Field `json:"fields"`
}

// NewSchema builds a float schema from feature names in order.
func NewSchema(names []string) Schema {
	fields := make([]Field, len(names))
	for i, name := range names {
		fields[i] = Field{Name: name, Type: FieldTypeFloat}
	}
	return Schema{Fields: fields}
}

func (s Schema) Len() int {
	return len(s.Fields)
}

// Names returns the feature names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Duplicate returns the first name listed more than once, or "".
func (s Schema) Duplicate() string {
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if _, ok := seen[f.Name]; ok {
			return f.Name
		}
		seen[f.Name] = struct{}{}
	}
	return ""
}

// Equal reports whether both schemas list the same fields in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// Check returns ErrSchemaMismatch describing the first difference from other.
func (s Schema) Check(other Schema) error {
	if len(s.Fields) != len(other.Fields) {
		return fmt.Errorf("%w: expected %d features, got %d", ErrSchemaMismatch, len(s.Fields), len(other.Fields))
	}
	for i := range s.Fields {
		if s.Fields[i] != other.Fields[i] {
			return fmt.Errorf("%w: feature %d is %q, expected %q", ErrSchemaMismatch, i, other.Fields[i].Name, s.Fields[i].Name)
		}
	}
	return nil
}

// Vector orders named values by the schema. Missing and unknown names are both errors.
func (s Schema) Vector(values map[string]float64) ([]float64, error) {
	if len(values) != len(s.Fields) {
		for name := range values {
			if s.Index(name) < 0 {
				return nil, fmt.Errorf("%w: unknown feature %q", ErrSchemaMismatch, name)
			}
		}
	}
	vector := make([]float64, len(s.Fields))
	for i, f := range s.Fields {
		v, ok := values[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing feature %q", ErrSchemaMismatch, f.Name)
		}
		vector[i] = v
	}
	return vector, nil
}
