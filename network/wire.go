package network

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joeycumines/go-streamengine/query"
	"google.golang.org/protobuf/encoding/protowire"
)

// The shuffle fabric frames length-prefixed protowire messages over TCP.
// One message type is multiplexed per frame; DATA and EVENT traffic share
// the transport, so events are ordered with respect to data on the same
// channel.

type (
	// MessageType discriminates the frames of the shuffle protocol.
	MessageType uint8

	// ErrorKind classifies protocol errors sent to the peer.
	ErrorKind uint8

	// EventKind classifies control events; values above EventEngineMax are
	// free for operator-defined use.
	EventKind uint32

	// Event is a control message flowing on a channel, in either
	// direction.
	Event struct {
		Partition Partition
		Kind      EventKind
		Payload   []byte
	}

	// EndOfStreamMessage is the terminal signal of a channel.
	EndOfStreamMessage struct {
		Partition   Partition
		Termination query.TerminationKind
	}

	// message is the decoded form of one frame.
	message struct {
		Type           MessageType
		Partition      Partition
		SequenceNumber uint64
		OriginID       uint64
		Watermark      uint64
		CreationTs     uint64
		NumTuples      uint64
		Payload        []byte
		Kind           uint64
		Credit         uint64
	}
)

const (
	msgAnnouncePartition MessageType = 1
	msgAnnounceAck       MessageType = 2
	msgDataBuffer        MessageType = 3
	msgEvent             MessageType = 4
	msgEndOfStream       MessageType = 5
	msgError             MessageType = 6
	msgCredit            MessageType = 7
)

const (
	ErrorPartitionNotRegistered ErrorKind = 1
	ErrorDeletedPartition       ErrorKind = 2
	ErrorFatal                  ErrorKind = 3
)

// EventEngineMax is the highest event kind reserved for the engine.
const EventEngineMax EventKind = 1 << 16

// protowire field numbers of a frame body.
const (
	fieldType      = 1
	fieldPartition = 2
	fieldSequence  = 3
	fieldOrigin    = 4
	fieldWatermark = 5
	fieldCreation  = 6
	fieldNumTuples = 7
	fieldPayload   = 8
	fieldKind      = 9
	fieldCredit    = 10
)

// partition sub-message field numbers.
const (
	fieldPartQuery = 1
	fieldPartOp    = 2
	fieldPartPart  = 3
	fieldPartSub   = 4
)

const maxFrameSize = 64 << 20

func appendPartition(b []byte, p Partition) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, fieldPartQuery, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(p.QueryID))
	sub = protowire.AppendTag(sub, fieldPartOp, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(p.OperatorID))
	sub = protowire.AppendTag(sub, fieldPartPart, protowire.VarintType)
	sub = protowire.AppendVarint(sub, p.PartitionID)
	sub = protowire.AppendTag(sub, fieldPartSub, protowire.VarintType)
	sub = protowire.AppendVarint(sub, p.SubpartitionID)
	b = protowire.AppendTag(b, fieldPartition, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func parsePartition(b []byte) (p Partition, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			return p, fmt.Errorf(`network: partition field %d: unexpected wire type %d`, num, typ)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldPartQuery:
			p.QueryID = query.QueryID(v)
		case fieldPartOp:
			p.OperatorID = query.OperatorID(v)
		case fieldPartPart:
			p.PartitionID = v
		case fieldPartSub:
			p.SubpartitionID = v
		}
	}
	return p, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (x *message) encode() []byte {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(x.Type))
	b = appendPartition(b, x.Partition)
	b = appendVarintField(b, fieldSequence, x.SequenceNumber)
	b = appendVarintField(b, fieldOrigin, x.OriginID)
	b = appendVarintField(b, fieldWatermark, x.Watermark)
	b = appendVarintField(b, fieldCreation, x.CreationTs)
	b = appendVarintField(b, fieldNumTuples, x.NumTuples)
	if len(x.Payload) != 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, x.Payload)
	}
	b = appendVarintField(b, fieldKind, x.Kind)
	b = appendVarintField(b, fieldCredit, x.Credit)
	return b
}

func decodeMessage(b []byte) (*message, error) {
	var x message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldType:
				x.Type = MessageType(v)
			case fieldSequence:
				x.SequenceNumber = v
			case fieldOrigin:
				x.OriginID = v
			case fieldWatermark:
				x.Watermark = v
			case fieldCreation:
				x.CreationTs = v
			case fieldNumTuples:
				x.NumTuples = v
			case fieldKind:
				x.Kind = v
			case fieldCredit:
				x.Credit = v
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldPartition:
				p, err := parsePartition(v)
				if err != nil {
					return nil, err
				}
				x.Partition = p
			case fieldPayload:
				x.Payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &x, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, msg *message) error {
	body := msg.encode()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) (*message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf(`network: frame of %d bytes exceeds limit`, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeMessage(body)
}
