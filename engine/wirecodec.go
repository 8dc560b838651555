package engine

import (
	"fmt"

	"github.com/joeycumines/go-streamengine/network"
	"github.com/joeycumines/go-streamengine/query"
	"github.com/joeycumines/go-streamengine/record"
	"github.com/joeycumines/go-streamengine/source"
	"github.com/joeycumines/go-streamengine/windowing"
	"google.golang.org/protobuf/encoding/protowire"
)

// The sub-plan wire format: a pre-typed protowire operator tree. The
// coordinator side serializes compiled sub-plans with the same field
// numbering; the engine deserializes and materializes pipelines.

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == `` {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendUints(b []byte, num protowire.Number, vs []uint64) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	return b
}

func originsToUints(origins []query.OriginID) []uint64 {
	out := make([]uint64, 0, len(origins))
	for _, o := range origins {
		out = append(out, uint64(o))
	}
	return out
}

func uintsToOrigins(vs []uint64) []query.OriginID {
	out := make([]query.OriginID, 0, len(vs))
	for _, v := range vs {
		out = append(out, query.OriginID(v))
	}
	return out
}

// fieldScanner walks the fields of one protowire message body.
type fieldScanner struct {
	b   []byte
	err error
}

func (x *fieldScanner) next() (protowire.Number, protowire.Type, bool) {
	if x.err != nil || len(x.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(x.b)
	if n < 0 {
		x.err = protowire.ParseError(n)
		return 0, 0, false
	}
	x.b = x.b[n:]
	return num, typ, true
}

func (x *fieldScanner) varint() uint64 {
	v, n := protowire.ConsumeVarint(x.b)
	if n < 0 {
		x.err = protowire.ParseError(n)
		return 0
	}
	x.b = x.b[n:]
	return v
}

func (x *fieldScanner) bytes() []byte {
	v, n := protowire.ConsumeBytes(x.b)
	if n < 0 {
		x.err = protowire.ParseError(n)
		return nil
	}
	x.b = x.b[n:]
	return v
}

func (x *fieldScanner) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, x.b)
	if n < 0 {
		x.err = protowire.ParseError(n)
		return
	}
	x.b = x.b[n:]
}

func encodeSchema(x SchemaDescriptor) []byte {
	b := appendUint(nil, 1, uint64(x.Layout))
	for _, f := range x.Fields {
		fb := appendString(nil, 1, f.Name)
		fb = appendUint(fb, 2, uint64(f.Type))
		fb = appendUint(fb, 3, f.Size)
		b = appendMessage(b, 2, fb)
	}
	return b
}

func decodeSchema(body []byte) (SchemaDescriptor, error) {
	var x SchemaDescriptor
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			x.Layout = record.LayoutKind(s.varint())
		case 2:
			fs := &fieldScanner{b: s.bytes()}
			var f FieldDescriptor
			for {
				fnum, ftyp, ok := fs.next()
				if !ok {
					break
				}
				switch fnum {
				case 1:
					f.Name = string(fs.bytes())
				case 2:
					f.Type = record.FieldType(fs.varint())
				case 3:
					f.Size = fs.varint()
				default:
					fs.skip(fnum, ftyp)
				}
			}
			if fs.err != nil {
				return x, fs.err
			}
			x.Fields = append(x.Fields, f)
		default:
			s.skip(num, typ)
		}
	}
	return x, s.err
}

func encodeWindow(x WindowDescriptor) []byte {
	b := appendUint(nil, 1, uint64(x.Kind))
	b = appendUint(b, 2, x.SizeMs)
	b = appendUint(b, 3, x.SlideMs)
	return b
}

func decodeWindow(body []byte) (WindowDescriptor, error) {
	var x WindowDescriptor
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			x.Kind = WindowKind(s.varint())
		case 2:
			x.SizeMs = s.varint()
		case 3:
			x.SlideMs = s.varint()
		default:
			s.skip(num, typ)
		}
	}
	return x, s.err
}

func encodePartitionDesc(p network.Partition) []byte {
	b := appendUint(nil, 1, uint64(p.QueryID))
	b = appendUint(b, 2, uint64(p.OperatorID))
	b = appendUint(b, 3, p.PartitionID)
	b = appendUint(b, 4, p.SubpartitionID)
	return b
}

func decodePartitionDesc(body []byte) (network.Partition, error) {
	var p network.Partition
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			p.QueryID = query.QueryID(s.varint())
		case 2:
			p.OperatorID = query.OperatorID(s.varint())
		case 3:
			p.PartitionID = s.varint()
		case 4:
			p.SubpartitionID = s.varint()
		default:
			s.skip(num, typ)
		}
	}
	return p, s.err
}

func encodeLocation(l network.NodeLocation) []byte {
	b := appendUint(nil, 1, l.NodeID)
	b = appendString(b, 2, l.Host)
	b = appendUint(b, 3, uint64(l.DataPort))
	return b
}

func decodeLocation(body []byte) (network.NodeLocation, error) {
	var l network.NodeLocation
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			l.NodeID = s.varint()
		case 2:
			l.Host = string(s.bytes())
		case 3:
			l.DataPort = uint16(s.varint())
		default:
			s.skip(num, typ)
		}
	}
	return l, s.err
}

func encodeSource(x *SourceDescriptor) []byte {
	b := appendUint(nil, 1, uint64(x.Kind))
	b = appendUint(b, 2, uint64(x.OperatorID))
	b = appendUint(b, 3, uint64(x.OriginID))
	b = appendMessage(b, 4, encodeSchema(x.Schema))
	b = appendUint(b, 5, uint64(x.GatheringMode))
	b = appendUint(b, 6, x.GatheringIntervalMs)
	b = appendUint(b, 7, x.GatheringIngestionRate)
	b = appendUint(b, 8, x.NumberOfBuffersToProduce)
	b = appendUint(b, 9, x.NumberOfTuplesPerBuffer)
	b = appendUint(b, 10, uint64(x.SourceAffinity))
	b = appendString(b, 11, x.Path)
	b = appendBool(b, 12, x.SkipHeader)
	b = appendString(b, 13, x.Host)
	b = appendUint(b, 14, x.Port)
	b = appendUint(b, 15, uint64(x.Framing))
	b = appendUint(b, 16, x.FrameSizeBytes)
	b = appendUint(b, 17, uint64(x.InputFormat))
	b = appendUint(b, 18, uint64(x.TupleSeparator))
	b = appendMessage(b, 19, encodePartitionDesc(x.Partition))
	b = appendMessage(b, 20, encodeLocation(x.Peer))
	b = appendUints(b, 21, x.Successors)
	return b
}

func decodeSource(body []byte) (SourceDescriptor, error) {
	var x SourceDescriptor
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		var err error
		switch num {
		case 1:
			x.Kind = SourceKind(s.varint())
		case 2:
			x.OperatorID = query.OperatorID(s.varint())
		case 3:
			x.OriginID = query.OriginID(s.varint())
		case 4:
			x.Schema, err = decodeSchema(s.bytes())
		case 5:
			x.GatheringMode = source.GatheringMode(s.varint())
		case 6:
			x.GatheringIntervalMs = s.varint()
		case 7:
			x.GatheringIngestionRate = s.varint()
		case 8:
			x.NumberOfBuffersToProduce = s.varint()
		case 9:
			x.NumberOfTuplesPerBuffer = s.varint()
		case 10:
			x.SourceAffinity = int64(s.varint())
		case 11:
			x.Path = string(s.bytes())
		case 12:
			x.SkipHeader = s.varint() != 0
		case 13:
			x.Host = string(s.bytes())
		case 14:
			x.Port = s.varint()
		case 15:
			x.Framing = source.TCPFraming(s.varint())
		case 16:
			x.FrameSizeBytes = s.varint()
		case 17:
			x.InputFormat = source.TCPInputFormat(s.varint())
		case 18:
			x.TupleSeparator = byte(s.varint())
		case 19:
			x.Partition, err = decodePartitionDesc(s.bytes())
		case 20:
			x.Peer, err = decodeLocation(s.bytes())
		case 21:
			x.Successors = append(x.Successors, s.varint())
		default:
			s.skip(num, typ)
		}
		if err != nil {
			return x, err
		}
	}
	return x, s.err
}

func encodeOperator(x *OperatorDescriptor) []byte {
	b := appendUint(nil, 1, x.ID)
	b = appendUint(b, 2, uint64(x.Kind))
	b = appendUint(b, 3, uint64(x.OutputOriginID))
	if len(x.InputSchema.Fields) != 0 {
		b = appendMessage(b, 4, encodeSchema(x.InputSchema))
	}
	b = appendUints(b, 5, originsToUints(x.InputOrigins))
	b = appendMessage(b, 6, encodeWindow(x.Window))
	b = appendUint(b, 7, uint64(x.Aggregation))
	b = appendString(b, 8, x.TsField)
	b = appendString(b, 9, x.KeyField)
	b = appendString(b, 10, x.ValueField)
	if len(x.LeftSchema.Fields) != 0 {
		b = appendMessage(b, 11, encodeSchema(x.LeftSchema))
	}
	if len(x.RightSchema.Fields) != 0 {
		b = appendMessage(b, 12, encodeSchema(x.RightSchema))
	}
	b = appendUints(b, 13, originsToUints(x.LeftOrigins))
	b = appendUints(b, 14, originsToUints(x.RightOrigins))
	b = appendString(b, 15, x.LeftJoinField)
	b = appendString(b, 16, x.RightJoinField)
	b = appendString(b, 17, x.LeftTsField)
	b = appendString(b, 18, x.RightTsField)
	b = appendUint(b, 19, x.NumPartitions)
	b = appendUint(b, 20, x.NumBuckets)
	b = appendUint(b, 21, x.PageSize)
	b = appendUints(b, 22, x.LeftInputs)
	b = appendUints(b, 23, x.RightInputs)
	b = appendUints(b, 24, x.Successors)
	return b
}

func decodeOperator(body []byte) (OperatorDescriptor, error) {
	var x OperatorDescriptor
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		var err error
		switch num {
		case 1:
			x.ID = s.varint()
		case 2:
			x.Kind = OperatorKind(s.varint())
		case 3:
			x.OutputOriginID = query.OriginID(s.varint())
		case 4:
			x.InputSchema, err = decodeSchema(s.bytes())
		case 5:
			x.InputOrigins = append(x.InputOrigins, query.OriginID(s.varint()))
		case 6:
			x.Window, err = decodeWindow(s.bytes())
		case 7:
			x.Aggregation = windowing.AggregationKind(s.varint())
		case 8:
			x.TsField = string(s.bytes())
		case 9:
			x.KeyField = string(s.bytes())
		case 10:
			x.ValueField = string(s.bytes())
		case 11:
			x.LeftSchema, err = decodeSchema(s.bytes())
		case 12:
			x.RightSchema, err = decodeSchema(s.bytes())
		case 13:
			x.LeftOrigins = append(x.LeftOrigins, query.OriginID(s.varint()))
		case 14:
			x.RightOrigins = append(x.RightOrigins, query.OriginID(s.varint()))
		case 15:
			x.LeftJoinField = string(s.bytes())
		case 16:
			x.RightJoinField = string(s.bytes())
		case 17:
			x.LeftTsField = string(s.bytes())
		case 18:
			x.RightTsField = string(s.bytes())
		case 19:
			x.NumPartitions = s.varint()
		case 20:
			x.NumBuckets = s.varint()
		case 21:
			x.PageSize = s.varint()
		case 22:
			x.LeftInputs = append(x.LeftInputs, s.varint())
		case 23:
			x.RightInputs = append(x.RightInputs, s.varint())
		case 24:
			x.Successors = append(x.Successors, s.varint())
		default:
			s.skip(num, typ)
		}
		if err != nil {
			return x, err
		}
	}
	return x, s.err
}

func encodeSink(x *SinkDescriptor) []byte {
	b := appendUint(nil, 1, x.ID)
	b = appendUint(b, 2, uint64(x.Kind))
	if len(x.Schema.Fields) != 0 {
		b = appendMessage(b, 3, encodeSchema(x.Schema))
	}
	b = appendString(b, 4, x.Path)
	b = appendUint(b, 5, uint64(x.Mode))
	b = appendMessage(b, 6, encodePartitionDesc(x.Partition))
	b = appendMessage(b, 7, encodeLocation(x.Peer))
	b = appendUint(b, 8, x.RetryIntervalMs)
	b = appendUint(b, 9, x.MaxRetries)
	return b
}

func decodeSink(body []byte) (SinkDescriptor, error) {
	var x SinkDescriptor
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		var err error
		switch num {
		case 1:
			x.ID = s.varint()
		case 2:
			x.Kind = SinkKind(s.varint())
		case 3:
			x.Schema, err = decodeSchema(s.bytes())
		case 4:
			x.Path = string(s.bytes())
		case 5:
			x.Mode = FileSinkMode(s.varint())
		case 6:
			x.Partition, err = decodePartitionDesc(s.bytes())
		case 7:
			x.Peer, err = decodeLocation(s.bytes())
		case 8:
			x.RetryIntervalMs = s.varint()
		case 9:
			x.MaxRetries = s.varint()
		default:
			s.skip(num, typ)
		}
		if err != nil {
			return x, err
		}
	}
	return x, s.err
}

// MarshalSubPlan serializes a sub-plan descriptor into its wire form.
func MarshalSubPlan(x *SubPlanDescriptor) []byte {
	b := appendUint(nil, 1, uint64(x.QueryID))
	b = appendUint(b, 2, uint64(x.SubPlanID))
	b = appendUint(b, 3, uint64(x.FaultTolerance))
	for i := range x.Sources {
		b = appendMessage(b, 4, encodeSource(&x.Sources[i]))
	}
	for i := range x.Operators {
		b = appendMessage(b, 5, encodeOperator(&x.Operators[i]))
	}
	for i := range x.Sinks {
		b = appendMessage(b, 6, encodeSink(&x.Sinks[i]))
	}
	return b
}

// UnmarshalSubPlan deserializes a sub-plan descriptor. A malformed plan is
// rejected without touching engine state.
func UnmarshalSubPlan(body []byte) (*SubPlanDescriptor, error) {
	var x SubPlanDescriptor
	s := &fieldScanner{b: body}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		var err error
		switch num {
		case 1:
			x.QueryID = query.QueryID(s.varint())
		case 2:
			x.SubPlanID = query.SubPlanID(s.varint())
		case 3:
			x.FaultTolerance = query.FaultToleranceMode(s.varint())
		case 4:
			var src SourceDescriptor
			if src, err = decodeSource(s.bytes()); err == nil {
				x.Sources = append(x.Sources, src)
			}
		case 5:
			var op OperatorDescriptor
			if op, err = decodeOperator(s.bytes()); err == nil {
				x.Operators = append(x.Operators, op)
			}
		case 6:
			var sink SinkDescriptor
			if sink, err = decodeSink(s.bytes()); err == nil {
				x.Sinks = append(x.Sinks, sink)
			}
		default:
			s.skip(num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf(`engine: malformed sub-plan: %w`, err)
		}
	}
	if s.err != nil {
		return nil, fmt.Errorf(`engine: malformed sub-plan: %w`, s.err)
	}
	return &x, nil
}
