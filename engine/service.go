package engine

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-streamengine/network"
	"github.com/joeycumines/go-streamengine/query"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// ControlServiceName is the fully qualified gRPC service name of the
// engine's control surface.
const ControlServiceName = `streamengine.v1.NodeEngineControl`

type (
	// rawMessage is the passthrough payload of the control service; the
	// request and response bodies are protowire-encoded by hand, so the
	// transport codec moves bytes verbatim.
	rawMessage []byte

	rawCodec struct{}

	// ControlService exposes the node engine's control surface over gRPC:
	// deploy, start, stop, unregister, status, statistics, buffering
	// reconfiguration, sink relocation, and epoch barriers.
	ControlService struct {
		engine *Engine
	}

	// ControlClient invokes the control service of a remote engine.
	ControlClient struct {
		conn grpc.ClientConnInterface
	}

	// SubPlanStatus is one entry of a status response.
	SubPlanStatus struct {
		SubPlanID query.SubPlanID
		Status    query.Status
	}

	// StatisticsSnapshot is one entry of a statistics response.
	StatisticsSnapshot struct {
		SubPlanID           query.SubPlanID
		ProcessedTasks      uint64
		ProcessedBuffers    uint64
		ProcessedTuples     uint64
		ProcessedWatermarks uint64
		LatencySumMs        uint64
	}
)

// Codec returns the passthrough codec both ends of the control service
// must force, mirroring the raw-frame proxying approach.
func Codec() encoding.Codec { return rawCodec{} }

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf(`engine: raw codec cannot marshal %T`, v)
	}
	return *msg, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf(`engine: raw codec cannot unmarshal into %T`, v)
	}
	*msg = data
	return nil
}

func (rawCodec) Name() string { return `streamengine-raw` }

// NewControlServer builds a grpc.Server with the control service
// registered and the raw codec forced.
func NewControlServer(engine *Engine, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(Codec()))
	s := grpc.NewServer(opts...)
	s.RegisterService(&controlServiceDesc, &ControlService{engine: engine})
	return s
}

// NewControlClient wraps conn for control service invocations.
func NewControlClient(conn grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{conn: conn}
}

func (x *ControlClient) invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	in := rawMessage(req)
	var out rawMessage
	err := x.conn.Invoke(ctx, `/`+ControlServiceName+`/`+method, &in, &out, grpc.ForceCodec(Codec()))
	return out, err
}

// DeploySubPlan ships a serialized sub-plan and starts it.
func (x *ControlClient) DeploySubPlan(ctx context.Context, desc *SubPlanDescriptor) error {
	_, err := x.invoke(ctx, `DeploySubPlan`, appendMessage(nil, 1, MarshalSubPlan(desc)))
	return err
}

// StartQuery starts every deployed sub-plan of the query.
func (x *ControlClient) StartQuery(ctx context.Context, queryID query.QueryID) error {
	_, err := x.invoke(ctx, `StartQuery`, appendUint(nil, 1, uint64(queryID)))
	return err
}

// StopQuery stops the query with the given termination kind.
func (x *ControlClient) StopQuery(ctx context.Context, queryID query.QueryID, kind query.TerminationKind) error {
	b := appendUint(nil, 1, uint64(queryID))
	b = appendUint(b, 2, uint64(kind))
	_, err := x.invoke(ctx, `StopQuery`, b)
	return err
}

// UnregisterQuery stops (if necessary) and deregisters every sub-plan of
// the query.
func (x *ControlClient) UnregisterQuery(ctx context.Context, queryID query.QueryID) error {
	_, err := x.invoke(ctx, `UnregisterQuery`, appendUint(nil, 1, uint64(queryID)))
	return err
}

// QueryStatus fetches the per-sub-plan statuses of the query.
func (x *ControlClient) QueryStatus(ctx context.Context, queryID query.QueryID) ([]SubPlanStatus, error) {
	resp, err := x.invoke(ctx, `QueryStatus`, appendUint(nil, 1, uint64(queryID)))
	if err != nil {
		return nil, err
	}
	var out []SubPlanStatus
	s := &fieldScanner{b: resp}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		if num != 1 {
			s.skip(num, typ)
			continue
		}
		es := &fieldScanner{b: s.bytes()}
		var e SubPlanStatus
		for {
			enum, etyp, ok := es.next()
			if !ok {
				break
			}
			switch enum {
			case 1:
				e.SubPlanID = query.SubPlanID(es.varint())
			case 2:
				e.Status = query.Status(es.varint())
			default:
				es.skip(enum, etyp)
			}
		}
		if es.err != nil {
			return nil, es.err
		}
		out = append(out, e)
	}
	return out, s.err
}

// QueryStatistics fetches (and optionally resets) the query's statistics.
func (x *ControlClient) QueryStatistics(ctx context.Context, queryID query.QueryID, reset bool) ([]StatisticsSnapshot, error) {
	b := appendUint(nil, 1, uint64(queryID))
	b = appendBool(b, 2, reset)
	resp, err := x.invoke(ctx, `QueryStatistics`, b)
	if err != nil {
		return nil, err
	}
	var out []StatisticsSnapshot
	s := &fieldScanner{b: resp}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		if num != 1 {
			s.skip(num, typ)
			continue
		}
		es := &fieldScanner{b: s.bytes()}
		var e StatisticsSnapshot
		for {
			enum, etyp, ok := es.next()
			if !ok {
				break
			}
			switch enum {
			case 1:
				e.SubPlanID = query.SubPlanID(es.varint())
			case 2:
				e.ProcessedTasks = es.varint()
			case 3:
				e.ProcessedBuffers = es.varint()
			case 4:
				e.ProcessedTuples = es.varint()
			case 5:
				e.ProcessedWatermarks = es.varint()
			case 6:
				e.LatencySumMs = es.varint()
			default:
				es.skip(enum, etyp)
			}
		}
		if es.err != nil {
			return nil, es.err
		}
		out = append(out, e)
	}
	return out, s.err
}

// BufferData starts buffering on the identified network sink.
func (x *ControlClient) BufferData(ctx context.Context, subPlanID query.SubPlanID, sinkDescriptorID uint64) error {
	b := appendUint(nil, 1, uint64(subPlanID))
	b = appendUint(b, 2, sinkDescriptorID)
	_, err := x.invoke(ctx, `BufferData`, b)
	return err
}

// BufferAllData starts buffering on every network sink of the engine.
func (x *ControlClient) BufferAllData(ctx context.Context) error {
	_, err := x.invoke(ctx, `BufferAllData`, nil)
	return err
}

// StopBufferingAllData drains and resumes every buffering network sink.
func (x *ControlClient) StopBufferingAllData(ctx context.Context) error {
	_, err := x.invoke(ctx, `StopBufferingAllData`, nil)
	return err
}

// UpdateNetworkSink points the identified sink at a relocated peer.
func (x *ControlClient) UpdateNetworkSink(ctx context.Context, subPlanID query.SubPlanID, sinkDescriptorID uint64, loc network.NodeLocation) error {
	b := appendUint(nil, 1, uint64(subPlanID))
	b = appendUint(b, 2, sinkDescriptorID)
	b = appendMessage(b, 3, encodeLocation(loc))
	_, err := x.invoke(ctx, `UpdateNetworkSink`, b)
	return err
}

// InjectEpochBarrier injects a barrier into every source of the query.
func (x *ControlClient) InjectEpochBarrier(ctx context.Context, queryID query.QueryID, timestamp uint64) error {
	b := appendUint(nil, 1, uint64(queryID))
	b = appendUint(b, 2, timestamp)
	_, err := x.invoke(ctx, `InjectEpochBarrier`, b)
	return err
}

func controlErr(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}

func (x *ControlService) deploySubPlan(_ context.Context, req rawMessage) (rawMessage, error) {
	s := &fieldScanner{b: req}
	var body []byte
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		if num == 1 {
			body = s.bytes()
		} else {
			s.skip(num, typ)
		}
	}
	if s.err != nil {
		return nil, status.Error(codes.InvalidArgument, s.err.Error())
	}
	desc, err := UnmarshalSubPlan(body)
	if err != nil {
		// deserialization failures never alter engine state
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	plan, err := x.engine.BuildSubPlan(desc)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, controlErr(x.engine.DeploySubPlan(plan))
}

func parseQueryRequest(req rawMessage) (query.QueryID, uint64, []byte, error) {
	s := &fieldScanner{b: req}
	var queryID query.QueryID
	var arg uint64
	var body []byte
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			queryID = query.QueryID(s.varint())
		case 2:
			arg = s.varint()
		case 3:
			body = s.bytes()
		default:
			s.skip(num, typ)
		}
	}
	return queryID, arg, body, s.err
}

func (x *ControlService) startQuery(_ context.Context, req rawMessage) (rawMessage, error) {
	queryID, _, _, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, controlErr(x.engine.StartQuery(queryID))
}

func (x *ControlService) stopQuery(_ context.Context, req rawMessage) (rawMessage, error) {
	queryID, kind, _, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, controlErr(x.engine.StopQuery(queryID, query.TerminationKind(kind)))
}

func (x *ControlService) unregisterQuery(_ context.Context, req rawMessage) (rawMessage, error) {
	queryID, _, _, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, controlErr(x.engine.UnregisterQuery(queryID))
}

func (x *ControlService) queryStatus(_ context.Context, req rawMessage) (rawMessage, error) {
	queryID, _, _, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	statuses, err := x.engine.QueryStatus(queryID)
	if err != nil {
		return nil, controlErr(err)
	}
	var out []byte
	for subPlanID, st := range statuses {
		e := appendUint(nil, 1, uint64(subPlanID))
		e = appendUint(e, 2, uint64(st))
		out = appendMessage(out, 1, e)
	}
	return out, nil
}

func (x *ControlService) queryStatistics(_ context.Context, req rawMessage) (rawMessage, error) {
	queryID, reset, _, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	stats, err := x.engine.QueryStatistics(queryID)
	if err != nil {
		return nil, controlErr(err)
	}
	var out []byte
	for _, s := range stats {
		e := appendUint(nil, 1, uint64(s.SubPlanID()))
		e = appendUint(e, 2, s.ProcessedTasks())
		e = appendUint(e, 3, s.ProcessedBuffers())
		e = appendUint(e, 4, s.ProcessedTuples())
		e = appendUint(e, 5, s.ProcessedWatermarks())
		e = appendUint(e, 6, s.LatencySumMs())
		out = appendMessage(out, 1, e)
		if reset != 0 {
			s.Clear()
		}
	}
	return out, nil
}

func (x *ControlService) bufferData(_ context.Context, req rawMessage) (rawMessage, error) {
	subPlanID, sinkID, _, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, controlErr(x.engine.BufferData(query.SubPlanID(subPlanID), sinkID))
}

func (x *ControlService) bufferAllData(context.Context, rawMessage) (rawMessage, error) {
	return nil, controlErr(x.engine.BufferAllData())
}

func (x *ControlService) stopBufferingAllData(context.Context, rawMessage) (rawMessage, error) {
	return nil, controlErr(x.engine.StopBufferingAllData())
}

func (x *ControlService) updateNetworkSink(_ context.Context, req rawMessage) (rawMessage, error) {
	subPlanID, sinkID, body, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	loc, err := decodeLocation(body)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, controlErr(x.engine.UpdateNetworkSink(loc, query.SubPlanID(subPlanID), sinkID))
}

func (x *ControlService) injectEpochBarrier(_ context.Context, req rawMessage) (rawMessage, error) {
	queryID, timestamp, _, err := parseQueryRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return nil, controlErr(x.engine.InjectEpochBarrier(timestamp, queryID))
}

type controlMethod func(x *ControlService, ctx context.Context, req rawMessage) (rawMessage, error)

func unaryHandler(name string, method controlMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(rawMessage)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := method(srv.(*ControlService), ctx, *req.(*rawMessage))
				if err != nil {
					return nil, err
				}
				return &resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: `/` + ControlServiceName + `/` + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(`DeploySubPlan`, (*ControlService).deploySubPlan),
		unaryHandler(`StartQuery`, (*ControlService).startQuery),
		unaryHandler(`StopQuery`, (*ControlService).stopQuery),
		unaryHandler(`UnregisterQuery`, (*ControlService).unregisterQuery),
		unaryHandler(`QueryStatus`, (*ControlService).queryStatus),
		unaryHandler(`QueryStatistics`, (*ControlService).queryStatistics),
		unaryHandler(`BufferData`, (*ControlService).bufferData),
		unaryHandler(`BufferAllData`, (*ControlService).bufferAllData),
		unaryHandler(`StopBufferingAllData`, (*ControlService).stopBufferingAllData),
		unaryHandler(`UpdateNetworkSink`, (*ControlService).updateNetworkSink),
		unaryHandler(`InjectEpochBarrier`, (*ControlService).injectEpochBarrier),
	},
	Metadata: `streamengine/v1/control.proto`,
}
