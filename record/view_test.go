package record

import (
	"testing"

	"github.com/joeycumines/go-streamengine/buffer"
)

func testSchema(layout LayoutKind) *Schema {
	return NewSchema(layout,
		Uint64Field(`value`),
		Int64Field(`delta`),
		Float64Field(`ratio`),
		Field{Name: `flag`, Type: TypeBool},
	)
}

func TestView_typedAccess(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		layout LayoutKind
	}{
		{`row`, LayoutRow},
		{`columnar`, LayoutColumnar},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := buffer.NewManager(1, 256, nil)
			buf, err := m.GetBufferNoBlocking()
			if err != nil {
				t.Fatal(err)
			}
			defer buf.Release()
			schema := testSchema(tc.layout)
			view := NewView(NewLayout(schema, buf.Size()), buf)
			for i := 0; i < 3; i++ {
				idx, ok := view.AppendTuple()
				if !ok {
					t.Fatal(`buffer unexpectedly full`)
				}
				view.PutUint64(idx, 0, uint64(100+i))
				view.PutInt64(idx, 1, int64(-i))
				view.PutFloat64(idx, 2, float64(i)/2)
				view.PutBool(idx, 3, i%2 == 0)
			}
			if view.NumTuples() != 3 {
				t.Fatalf(`expected 3 tuples, got %d`, view.NumTuples())
			}
			for i := 0; i < 3; i++ {
				if got := view.Uint64(i, 0); got != uint64(100+i) {
					t.Fatalf(`tuple %d value: got %d`, i, got)
				}
				if got := view.Int64(i, 1); got != int64(-i) {
					t.Fatalf(`tuple %d delta: got %d`, i, got)
				}
				if got := view.Float64(i, 2); got != float64(i)/2 {
					t.Fatalf(`tuple %d ratio: got %v`, i, got)
				}
				if got := view.Bool(i, 3); got != (i%2 == 0) {
					t.Fatalf(`tuple %d flag: got %v`, i, got)
				}
			}
		})
	}
}

func TestLayout_capacity(t *testing.T) {
	schema := testSchema(LayoutRow)
	if schema.SizeBytes() != 25 {
		t.Fatalf(`unexpected schema size %d`, schema.SizeBytes())
	}
	if got := NewRowLayout(schema, 256).Capacity(); got != 10 {
		t.Fatalf(`row capacity: got %d`, got)
	}
	if got := NewColumnLayout(schema, 256).Capacity(); got != 10 {
		t.Fatalf(`columnar capacity: got %d`, got)
	}
}

func TestSchema_fieldLookup(t *testing.T) {
	schema := testSchema(LayoutRow)
	if schema.FieldIndex(`ratio`) != 2 {
		t.Fatal(`field index lookup failed`)
	}
	if schema.FieldIndex(`missing`) != -1 {
		t.Fatal(`missing field should be -1`)
	}
}

func TestConcat_renamesCollisions(t *testing.T) {
	a := NewSchema(LayoutRow, Uint64Field(`id`), Uint64Field(`ts`))
	b := NewSchema(LayoutRow, Uint64Field(`id`), Uint64Field(`ts`))
	out := Concat([]Field{Uint64Field(`start`)}, a, b)
	if out.NumFields() != 5 {
		t.Fatalf(`expected 5 fields, got %d`, out.NumFields())
	}
	if out.FieldIndex(`right$id`) < 0 || out.FieldIndex(`right$ts`) < 0 {
		t.Fatal(`expected right-side collision renames`)
	}
}
