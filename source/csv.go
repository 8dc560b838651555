package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/record"
)

type (
	// CSVSourceConfig configures a CSV file source.
	CSVSourceConfig struct {
		Path string

		// SkipHeader drops the first row.
		SkipHeader bool

		// TuplesPerBuffer bounds how many rows land in one buffer;
		// defaults to the buffer capacity.
		TuplesPerBuffer int

		// Delimiter defaults to ','.
		Delimiter rune
	}

	// CSVSource reads a delimited file into schema-typed buffers, one
	// batch of rows per buffer, ending the stream at EOF.
	CSVSource struct {
		cfg     CSVSourceConfig
		buffers Allocator
		file    *os.File
		reader  *csv.Reader
		done    bool
	}
)

var _ Receiver = (*CSVSource)(nil)

// NewCSVSource initializes a CSV file source.
func NewCSVSource(cfg CSVSourceConfig) *CSVSource {
	return &CSVSource{cfg: cfg}
}

func (x *CSVSource) Type() Type { return TypeCSV }

func (x *CSVSource) Open(_ context.Context, buffers Allocator) error {
	x.buffers = buffers
	file, err := os.Open(x.cfg.Path)
	if err != nil {
		return fmt.Errorf(`source: csv open: %w`, err)
	}
	x.file = file
	x.reader = csv.NewReader(file)
	if x.cfg.Delimiter != 0 {
		x.reader.Comma = x.cfg.Delimiter
	}
	x.reader.ReuseRecord = true
	if x.cfg.SkipHeader {
		if _, err := x.reader.Read(); err != nil && err != io.EOF {
			return fmt.Errorf(`source: csv header: %w`, err)
		}
	}
	return nil
}

func (x *CSVSource) ReceiveData(ctx context.Context) (*buffer.TupleBuffer, error) {
	if x.done {
		return nil, nil
	}
	view, err := x.buffers.AllocateBuffer(ctx)
	if err != nil {
		return nil, err
	}
	limit := view.Capacity()
	if x.cfg.TuplesPerBuffer > 0 && x.cfg.TuplesPerBuffer < limit {
		limit = x.cfg.TuplesPerBuffer
	}
	var n int
	for n < limit {
		row, err := x.reader.Read()
		if err == io.EOF {
			x.done = true
			break
		}
		if err != nil {
			view.Buffer().Release()
			return nil, fmt.Errorf(`source: csv read: %w`, err)
		}
		if err := parseRow(view, n, row); err != nil {
			view.Buffer().Release()
			return nil, err
		}
		n++
	}
	if n == 0 {
		view.Buffer().Release()
		return nil, nil
	}
	view.Buffer().SetNumTuples(uint64(n))
	return view.Buffer(), nil
}

func (x *CSVSource) Close() error {
	if x.file != nil {
		return x.file.Close()
	}
	return nil
}

// parseRow writes one delimited row into tuple t of view, typed per the
// schema.
func parseRow(view record.View, t int, row []string) error {
	schema := view.Layout().Schema()
	if len(row) < schema.NumFields() {
		return fmt.Errorf(`source: csv row has %d fields, schema needs %d`, len(row), schema.NumFields())
	}
	for f := 0; f < schema.NumFields(); f++ {
		field := schema.Field(f)
		switch field.Type {
		case record.TypeUint64:
			v, err := strconv.ParseUint(row[f], 10, 64)
			if err != nil {
				return fmt.Errorf(`source: csv field %s: %w`, field.Name, err)
			}
			view.PutUint64(t, f, v)
		case record.TypeInt64:
			v, err := strconv.ParseInt(row[f], 10, 64)
			if err != nil {
				return fmt.Errorf(`source: csv field %s: %w`, field.Name, err)
			}
			view.PutInt64(t, f, v)
		case record.TypeFloat64:
			v, err := strconv.ParseFloat(row[f], 64)
			if err != nil {
				return fmt.Errorf(`source: csv field %s: %w`, field.Name, err)
			}
			view.PutFloat64(t, f, v)
		case record.TypeBool:
			v, err := strconv.ParseBool(row[f])
			if err != nil {
				return fmt.Errorf(`source: csv field %s: %w`, field.Name, err)
			}
			view.PutBool(t, f, v)
		case record.TypeBytes:
			copy(view.FieldBytes(t, f), row[f])
		}
	}
	return nil
}
