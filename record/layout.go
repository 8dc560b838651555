package record

type (
	// Layout maps (tuple, field) coordinates to byte offsets within a tuple
	// buffer of a fixed capacity.
	Layout interface {
		// Schema returns the schema the layout was derived from.
		Schema() *Schema

		// Capacity returns the maximum number of tuples a buffer of the
		// layout's size can hold.
		Capacity() int

		// FieldOffset returns the byte offset of field f of tuple t.
		FieldOffset(t, f int) int
	}

	// RowLayout stores tuples contiguously: tuple t occupies bytes
	// [t*schemaSize, (t+1)*schemaSize).
	RowLayout struct {
		schema   *Schema
		capacity int
	}

	// ColumnLayout stores each field in its own contiguous column sized for
	// the buffer capacity.
	ColumnLayout struct {
		schema      *Schema
		capacity    int
		columnBases []int
	}
)

// NewRowLayout derives a row layout for buffers of bufferSize bytes.
func NewRowLayout(schema *Schema, bufferSize int) *RowLayout {
	if schema.SizeBytes() > bufferSize {
		panic(`record: buffer smaller than a single tuple`)
	}
	return &RowLayout{schema: schema, capacity: bufferSize / schema.SizeBytes()}
}

func (x *RowLayout) Schema() *Schema { return x.schema }

func (x *RowLayout) Capacity() int { return x.capacity }

func (x *RowLayout) FieldOffset(t, f int) int {
	return t*x.schema.SizeBytes() + x.schema.fieldOffset(f)
}

// NewColumnLayout derives a columnar layout for buffers of bufferSize bytes.
func NewColumnLayout(schema *Schema, bufferSize int) *ColumnLayout {
	if schema.SizeBytes() > bufferSize {
		panic(`record: buffer smaller than a single tuple`)
	}
	capacity := bufferSize / schema.SizeBytes()
	x := &ColumnLayout{schema: schema, capacity: capacity}
	base := 0
	for i := 0; i < schema.NumFields(); i++ {
		x.columnBases = append(x.columnBases, base)
		base += schema.Field(i).Width() * capacity
	}
	return x
}

func (x *ColumnLayout) Schema() *Schema { return x.schema }

func (x *ColumnLayout) Capacity() int { return x.capacity }

func (x *ColumnLayout) FieldOffset(t, f int) int {
	return x.columnBases[f] + t*x.schema.Field(f).Width()
}

// NewLayout derives the layout matching the schema's layout kind.
func NewLayout(schema *Schema, bufferSize int) Layout {
	if schema.Layout() == LayoutColumnar {
		return NewColumnLayout(schema, bufferSize)
	}
	return NewRowLayout(schema, bufferSize)
}
