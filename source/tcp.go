package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/joeycumines/go-streamengine/buffer"
	"github.com/joeycumines/go-streamengine/record"
)

type (
	// TCPFraming selects how tuples are delimited on the socket.
	TCPFraming int32

	// TCPInputFormat selects how a framed tuple is parsed.
	TCPInputFormat int32

	// TCPSourceConfig configures a TCP socket source.
	TCPSourceConfig struct {
		Host string
		Port uint16

		Framing TCPFraming

		// TupleSeparator delimits tuples for FramingSeparator; defaults
		// to '\n'.
		TupleSeparator byte

		// FrameSizeBytes is the size of the length prefix for
		// FramingLengthFromSocket, or the fixed tuple size for
		// FramingFixed.
		FrameSizeBytes int

		InputFormat TCPInputFormat

		// TuplesPerBuffer bounds tuples per produced buffer; defaults to
		// the buffer capacity.
		TuplesPerBuffer int

		// FlushInterval bounds how long a partially filled buffer is held
		// back waiting for more tuples. Defaults to 100ms.
		FlushInterval time.Duration
	}

	// TCPSource reads framed tuples off a socket and materializes them
	// into schema-typed buffers. The stream ends when the peer closes the
	// connection.
	TCPSource struct {
		cfg     TCPSourceConfig
		buffers Allocator
		conn    net.Conn
		reader  *bufio.Reader
		done    bool
	}
)

const (
	// FramingSeparator splits tuples on TupleSeparator.
	FramingSeparator TCPFraming = iota
	// FramingLengthFromSocket reads an ASCII length prefix of
	// FrameSizeBytes bytes before each tuple.
	FramingLengthFromSocket
	// FramingFixed reads tuples of exactly FrameSizeBytes bytes.
	FramingFixed
)

const (
	FormatCSV TCPInputFormat = iota
	FormatJSON
)

var _ Receiver = (*TCPSource)(nil)

// NewTCPSource initializes a TCP socket source.
func NewTCPSource(cfg TCPSourceConfig) *TCPSource {
	if cfg.TupleSeparator == 0 {
		cfg.TupleSeparator = '\n'
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	return &TCPSource{cfg: cfg}
}

func (x *TCPSource) Type() Type { return TypeTCP }

func (x *TCPSource) Open(ctx context.Context, buffers Allocator) error {
	x.buffers = buffers
	var d net.Dialer
	conn, err := d.DialContext(ctx, `tcp`, fmt.Sprintf(`%s:%d`, x.cfg.Host, x.cfg.Port))
	if err != nil {
		return fmt.Errorf(`source: tcp dial: %w`, err)
	}
	x.conn = conn
	x.reader = bufio.NewReader(conn)
	return nil
}

func (x *TCPSource) ReceiveData(ctx context.Context) (*buffer.TupleBuffer, error) {
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
	deadline := time.Now().Add(x.cfg.FlushInterval)
	var n int
	for n < limit {
		if ctx.Err() != nil {
			break
		}
		_ = x.conn.SetReadDeadline(deadline)
		raw, err := x.readTuple()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break // flush what we have
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				x.done = true
				break
			}
			view.Buffer().Release()
			return nil, fmt.Errorf(`source: tcp read: %w`, err)
		}
		if len(raw) == 0 {
			continue
		}
		if err := x.parseTuple(view, n, raw); err != nil {
			view.Buffer().Release()
			return nil, err
		}
		n++
	}
	if n == 0 {
		view.Buffer().Release()
		if x.done {
			return nil, nil
		}
		// nothing arrived within the flush interval; try again
		return x.ReceiveData(ctx)
	}
	view.Buffer().SetNumTuples(uint64(n))
	return view.Buffer(), nil
}

func (x *TCPSource) readTuple() ([]byte, error) {
	switch x.cfg.Framing {
	case FramingSeparator:
		line, err := x.reader.ReadBytes(x.cfg.TupleSeparator)
		if len(line) > 0 && err == io.EOF {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
		return line[:len(line)-1], nil
	case FramingLengthFromSocket:
		prefix := make([]byte, x.cfg.FrameSizeBytes)
		if _, err := io.ReadFull(x.reader, prefix); err != nil {
			return nil, err
		}
		var size int
		for _, c := range prefix {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf(`source: tcp length prefix %q`, prefix)
			}
			size = size*10 + int(c-'0')
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(x.reader, raw); err != nil {
			return nil, err
		}
		return raw, nil
	case FramingFixed:
		raw := make([]byte, x.cfg.FrameSizeBytes)
		if _, err := io.ReadFull(x.reader, raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, fmt.Errorf(`source: unknown framing %d`, x.cfg.Framing)
	}
}

func (x *TCPSource) parseTuple(view record.View, t int, raw []byte) error {
	switch x.cfg.InputFormat {
	case FormatCSV:
		return parseRow(view, t, strings.Split(strings.TrimRight(string(raw), "\r\n"), `,`))
	case FormatJSON:
		return parseJSONTuple(view, t, raw)
	default:
		return fmt.Errorf(`source: unknown input format %d`, x.cfg.InputFormat)
	}
}

func (x *TCPSource) Close() error {
	if x.conn != nil {
		return x.conn.Close()
	}
	return nil
}

// parseJSONTuple writes one JSON object into tuple t of view, matching
// keys to schema field names.
func parseJSONTuple(view record.View, t int, raw []byte) error {
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf(`source: json tuple: %w`, err)
	}
	schema := view.Layout().Schema()
	for f := 0; f < schema.NumFields(); f++ {
		field := schema.Field(f)
		val, ok := obj[field.Name]
		if !ok {
			return fmt.Errorf(`source: json tuple missing field %s`, field.Name)
		}
		num, isNum := val.(json.Number)
		switch field.Type {
		case record.TypeUint64, record.TypeInt64:
			if !isNum {
				return fmt.Errorf(`source: json field %s: not a number`, field.Name)
			}
			v, err := num.Int64()
			if err != nil {
				return fmt.Errorf(`source: json field %s: %w`, field.Name, err)
			}
			if field.Type == record.TypeUint64 {
				view.PutUint64(t, f, uint64(v))
			} else {
				view.PutInt64(t, f, v)
			}
		case record.TypeFloat64:
			if !isNum {
				return fmt.Errorf(`source: json field %s: not a number`, field.Name)
			}
			v, err := num.Float64()
			if err != nil {
				return fmt.Errorf(`source: json field %s: %w`, field.Name, err)
			}
			view.PutFloat64(t, f, v)
		case record.TypeBool:
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf(`source: json field %s: not a bool`, field.Name)
			}
			view.PutBool(t, f, b)
		case record.TypeBytes:
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf(`source: json field %s: not a string`, field.Name)
			}
			copy(view.FieldBytes(t, f), s)
		}
	}
	return nil
}
