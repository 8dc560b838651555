package engine

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
)

type (
	// FileSinkMode selects how an existing output file is treated.
	FileSinkMode int32

	// FileSink renders buffers as delimited text into a file.
	FileSink struct {
		sinkID uint64
		path   string
		mode   FileSinkMode
		schema *record.Schema

		mu     sync.Mutex
		file   *os.File
		writer *bufio.Writer
		layout record.Layout
	}

	// PrintSink renders buffers as delimited text to a writer, stdout by
	// default.
	PrintSink struct {
		sinkID uint64
		schema *record.Schema

		mu     sync.Mutex
		out    io.Writer
		layout record.Layout
	}

	// NullSink discards its input, counting what it saw.
	NullSink struct {
		sinkID    uint64
		buffers   uint64
		tuples    uint64
		mu        sync.Mutex
	}

	// CollectorSink retains every buffer it receives, for tests and
	// result polling. Collected buffers stay referenced until Reset.
	CollectorSink struct {
		sinkID uint64

		mu      sync.Mutex
		buffers []*buffer.TupleBuffer
		done    bool
		doneCh  chan struct{}
	}
)

const (
	FileAppend FileSinkMode = iota
	FileOverwrite
)

var (
	_ query.Sink = (*FileSink)(nil)
	_ query.Sink = (*PrintSink)(nil)
	_ query.Sink = (*NullSink)(nil)
	_ query.Sink = (*CollectorSink)(nil)
)

// NewFileSink initializes a CSV file sink.
func NewFileSink(sinkID uint64, path string, mode FileSinkMode, schema *record.Schema) *FileSink {
	return &FileSink{sinkID: sinkID, path: path, mode: mode, schema: schema}
}

func (x *FileSink) SinkID() uint64 { return x.sinkID }

func (x *FileSink) Setup(ctx *query.PipelineContext) error {
	flags := os.O_CREATE | os.O_WRONLY
	if x.mode == FileOverwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	file, err := os.OpenFile(x.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf(`engine: file sink %d: %w`, x.sinkID, err)
	}
	x.file = file
	x.writer = bufio.NewWriter(file)
	x.layout = record.NewLayout(x.schema, ctx.BufferSize())
	return nil
}

func (x *FileSink) Execute(_ *query.PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.writer == nil {
		return nil
	}
	return renderBuffer(x.writer, x.layout, buf)
}

func (x *FileSink) Terminate(_ *query.PipelineContext, _ query.TerminationKind, _ int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.writer == nil {
		return nil
	}
	err := x.writer.Flush()
	if cerr := x.file.Close(); err == nil {
		err = cerr
	}
	x.writer = nil
	x.file = nil
	return err
}

// NewPrintSink initializes a print sink; out may be nil for stdout.
func NewPrintSink(sinkID uint64, out io.Writer, schema *record.Schema) *PrintSink {
	if out == nil {
		out = os.Stdout
	}
	return &PrintSink{sinkID: sinkID, out: out, schema: schema}
}

func (x *PrintSink) SinkID() uint64 { return x.sinkID }

func (x *PrintSink) Setup(ctx *query.PipelineContext) error {
	x.layout = record.NewLayout(x.schema, ctx.BufferSize())
	return nil
}

func (x *PrintSink) Execute(_ *query.PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return renderBuffer(x.out, x.layout, buf)
}

func (x *PrintSink) Terminate(*query.PipelineContext, query.TerminationKind, int) error {
	return nil
}

// NewNullSink initializes a counting discard sink.
func NewNullSink(sinkID uint64) *NullSink { return &NullSink{sinkID: sinkID} }

func (x *NullSink) SinkID() uint64 { return x.sinkID }

func (x *NullSink) Setup(*query.PipelineContext) error { return nil }

func (x *NullSink) Execute(_ *query.PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	x.mu.Lock()
	x.buffers++
	x.tuples += buf.NumTuples()
	x.mu.Unlock()
	return nil
}

func (x *NullSink) Terminate(*query.PipelineContext, query.TerminationKind, int) error {
	return nil
}

// Counts returns the number of buffers and tuples discarded.
func (x *NullSink) Counts() (buffers, tuples uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buffers, x.tuples
}

// NewCollectorSink initializes an in-memory collecting sink.
func NewCollectorSink(sinkID uint64) *CollectorSink {
	return &CollectorSink{sinkID: sinkID, doneCh: make(chan struct{})}
}

func (x *CollectorSink) SinkID() uint64 { return x.sinkID }

func (x *CollectorSink) Setup(*query.PipelineContext) error { return nil }

func (x *CollectorSink) Execute(_ *query.PipelineContext, buf *buffer.TupleBuffer, _ int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buffers = append(x.buffers, buf.Retain())
	return nil
}

func (x *CollectorSink) Terminate(*query.PipelineContext, query.TerminationKind, int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.done {
		x.done = true
		close(x.doneCh)
	}
	return nil
}

// Done is closed once the sink observed end-of-stream.
func (x *CollectorSink) Done() <-chan struct{} { return x.doneCh }

// Buffers snapshots the collected buffers.
func (x *CollectorSink) Buffers() []*buffer.TupleBuffer {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*buffer.TupleBuffer(nil), x.buffers...)
}

// NumTuples sums the tuple counts of the collected buffers.
func (x *CollectorSink) NumTuples() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n uint64
	for _, buf := range x.buffers {
		n += buf.NumTuples()
	}
	return n
}

// Reset releases the collected buffers.
func (x *CollectorSink) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, buf := range x.buffers {
		buf.Release()
	}
	x.buffers = nil
}

// renderBuffer writes one comma-delimited line per tuple.
func renderBuffer(w io.Writer, layout record.Layout, buf *buffer.TupleBuffer) error {
	view := record.NewView(layout, buf)
	schema := layout.Schema()
	var line []byte
	for t := 0; t < view.NumTuples(); t++ {
		line = line[:0]
		for f := 0; f < schema.NumFields(); f++ {
			if f > 0 {
				line = append(line, ',')
			}
			switch schema.Field(f).Type {
			case record.TypeUint64:
				line = strconv.AppendUint(line, view.Uint64(t, f), 10)
			case record.TypeInt64:
				line = strconv.AppendInt(line, view.Int64(t, f), 10)
			case record.TypeFloat64:
				line = strconv.AppendFloat(line, view.Float64(t, f), 'g', -1, 64)
			case record.TypeBool:
				line = strconv.AppendBool(line, view.Bool(t, f))
			case record.TypeBytes:
				line = append(line, view.FieldBytes(t, f)...)
			}
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}
