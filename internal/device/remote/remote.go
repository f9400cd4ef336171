// Package remote proxies device.Backend scatter reads and writes over
// gRPC using a hand-rolled service descriptor and a JSON wire codec
// instead of protoc-generated stubs.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"memvmm/internal/device"
)

// unitWire is device.Unit's JSON wire shape; Buf travels as a byte slice
// (json.Marshal base64-encodes it automatically).
type unitWire struct {
	PA    uint64 `json:"pa"`
	Buf   []byte `json:"buf"`
	Valid bool   `json:"valid"`
}

type scatterRequest struct {
	Units []unitWire `json:"units"`
}

type scatterResponse struct {
	Units []unitWire `json:"units"`
	Error string     `json:"error,omitempty"`
}

type maxAddrRequest struct{}

type maxAddrResponse struct {
	MaxAddr uint64 `json:"max_addr"`
}

// jsonCodec marshals gRPC messages as JSON rather than protobuf.
type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DeviceServer is the gRPC-facing contract a remote acquisition agent
// implements; it is device.Backend's wire-shaped mirror image.
type DeviceServer interface {
	ReadScatter(context.Context, *scatterRequest) (*scatterResponse, error)
	WriteScatter(context.Context, *scatterRequest) (*scatterResponse, error)
	MaxPhysicalAddress(context.Context, *maxAddrRequest) (*maxAddrResponse, error)
}

func registerDeviceServer(s *grpc.Server, srv DeviceServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "memvmm.Device",
		HandlerType: (*DeviceServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ReadScatter", Handler: _Device_ReadScatter_Handler},
			{MethodName: "WriteScatter", Handler: _Device_WriteScatter_Handler},
			{MethodName: "MaxPhysicalAddress", Handler: _Device_MaxPhysicalAddress_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "memvmm/device",
	}, srv)
}

func _Device_ReadScatter_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(scatterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServer).ReadScatter(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/memvmm.Device/ReadScatter"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServer).ReadScatter(ctx, req.(*scatterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Device_WriteScatter_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(scatterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServer).WriteScatter(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/memvmm.Device/WriteScatter"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServer).WriteScatter(ctx, req.(*scatterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Device_MaxPhysicalAddress_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(maxAddrRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServer).MaxPhysicalAddress(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/memvmm.Device/MaxPhysicalAddress"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServer).MaxPhysicalAddress(ctx, req.(*maxAddrRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server wraps a local device.Backend and exposes it as a DeviceServer,
// the agent side of the split (runs next to the real acquisition
// hardware or memory image).
type Server struct {
	backend device.Backend
}

// NewServer wraps backend for gRPC serving.
func NewServer(backend device.Backend) *Server {
	return &Server{backend: backend}
}

// Serve wraps backend in a Server, registers it on a new grpc.Server and
// blocks accepting connections on addr until the listener fails or ctx
// is canceled.
func Serve(ctx context.Context, addr string, backend device.Backend) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remote: listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	registerDeviceServer(gs, NewServer(backend))

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) ReadScatter(ctx context.Context, req *scatterRequest) (*scatterResponse, error) {
	units := toDeviceUnits(req.Units)
	if err := s.backend.ReadScatter(ctx, units); err != nil {
		return &scatterResponse{Error: err.Error()}, nil
	}
	return &scatterResponse{Units: toWireUnits(units)}, nil
}

func (s *Server) WriteScatter(ctx context.Context, req *scatterRequest) (*scatterResponse, error) {
	units := toDeviceUnits(req.Units)
	if err := s.backend.WriteScatter(ctx, units); err != nil {
		return &scatterResponse{Error: err.Error()}, nil
	}
	return &scatterResponse{Units: toWireUnits(units)}, nil
}

func (s *Server) MaxPhysicalAddress(ctx context.Context, req *maxAddrRequest) (*maxAddrResponse, error) {
	return &maxAddrResponse{MaxAddr: s.backend.MaxPhysicalAddress()}, nil
}

func toWireUnits(units []*device.Unit) []unitWire {
	out := make([]unitWire, len(units))
	for i, u := range units {
		out[i] = unitWire{PA: u.PA, Buf: u.Buf, Valid: u.Valid}
	}
	return out
}

func toDeviceUnits(wire []unitWire) []*device.Unit {
	out := make([]*device.Unit, len(wire))
	for i, w := range wire {
		buf := w.Buf
		if buf == nil {
			buf = make([]byte, device.PageSize)
		}
		out[i] = &device.Unit{PA: w.PA, Buf: buf, Valid: w.Valid}
	}
	return out
}
