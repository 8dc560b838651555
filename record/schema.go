// Package record models tuple schemas and the row/columnar memory layouts
// used to materialize records inside tuple buffers.
package record

import "fmt"

type (
	// FieldType enumerates the fixed-width field types supported by the
	// engine's physical layer.
	FieldType uint8

	// LayoutKind selects how tuples are arranged within a buffer.
	LayoutKind uint8

	// Field is a single named, typed attribute of a Schema.
	Field struct {
		Name string
		Type FieldType
		// Size is the field width in bytes, only set for TypeBytes.
		Size int
	}

	// Schema is an ordered sequence of fixed-width fields plus the layout
	// kind used to materialize tuples. Schemas are immutable after
	// construction.
	Schema struct {
		fields  []Field
		byName  map[string]int
		offsets []int
		size    int
		layout  LayoutKind
	}
)

const (
	TypeUint64 FieldType = iota
	TypeInt64
	TypeFloat64
	TypeBool
	TypeBytes
)

const (
	LayoutRow LayoutKind = iota
	LayoutColumnar
)

// Width returns the field width in bytes.
func (x Field) Width() int {
	switch x.Type {
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	case TypeBool:
		return 1
	case TypeBytes:
		return x.Size
	default:
		panic(fmt.Sprintf(`record: unknown field type %d`, x.Type))
	}
}

// Uint64Field is shorthand for a TypeUint64 field.
func Uint64Field(name string) Field { return Field{Name: name, Type: TypeUint64} }

// Int64Field is shorthand for a TypeInt64 field.
func Int64Field(name string) Field { return Field{Name: name, Type: TypeInt64} }

// Float64Field is shorthand for a TypeFloat64 field.
func Float64Field(name string) Field { return Field{Name: name, Type: TypeFloat64} }

// NewSchema builds a Schema from the given fields. Field names must be
// unique and non-empty.
func NewSchema(layout LayoutKind, fields ...Field) *Schema {
	if len(fields) == 0 {
		panic(`record: schema requires at least one field`)
	}
	x := &Schema{
		fields: append([]Field(nil), fields...),
		byName: make(map[string]int, len(fields)),
		layout: layout,
	}
	for i, f := range x.fields {
		if f.Name == `` {
			panic(`record: schema field with empty name`)
		}
		if _, ok := x.byName[f.Name]; ok {
			panic(`record: duplicate schema field ` + f.Name)
		}
		x.byName[f.Name] = i
		x.offsets = append(x.offsets, x.size)
		x.size += f.Width()
	}
	return x
}

// Layout returns the layout kind tuples of this schema are stored in.
func (x *Schema) Layout() LayoutKind { return x.layout }

// NumFields returns the number of fields.
func (x *Schema) NumFields() int { return len(x.fields) }

// Field returns the i-th field.
func (x *Schema) Field(i int) Field { return x.fields[i] }

// Fields returns a copy of the field list.
func (x *Schema) Fields() []Field { return append([]Field(nil), x.fields...) }

// FieldIndex returns the index of the named field, or -1.
func (x *Schema) FieldIndex(name string) int {
	if i, ok := x.byName[name]; ok {
		return i
	}
	return -1
}

// MustFieldIndex returns the index of the named field, panicking if absent.
func (x *Schema) MustFieldIndex(name string) int {
	i := x.FieldIndex(name)
	if i < 0 {
		panic(`record: unknown schema field ` + name)
	}
	return i
}

// SizeBytes returns the width of a single tuple in bytes.
func (x *Schema) SizeBytes() int { return x.size }

// fieldOffset returns the intra-tuple byte offset of the i-th field under
// the row layout.
func (x *Schema) fieldOffset(i int) int { return x.offsets[i] }

// Concat returns a new row-layout schema holding prefix fields, then all of
// a's fields, then all of b's fields. Colliding names get side prefixes,
// mirroring the join output schema convention.
func Concat(prefix []Field, a, b *Schema) *Schema {
	fields := append([]Field(nil), prefix...)
	seen := make(map[string]bool, len(prefix)+a.NumFields()+b.NumFields())
	for _, f := range fields {
		seen[f.Name] = true
	}
	add := func(s *Schema, side string) {
		for _, f := range s.fields {
			if seen[f.Name] {
				f.Name = side + `$` + f.Name
			}
			seen[f.Name] = true
			fields = append(fields, f)
		}
	}
	add(a, `left`)
	add(b, `right`)
	return NewSchema(LayoutRow, fields...)
}
