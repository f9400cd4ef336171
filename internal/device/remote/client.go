package remote

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"memvmm/internal/device"
)

// Client dials a remote Server and implements device.Backend by
// forwarding every scatter call over the JSON gRPC codec.
type Client struct {
	conn    *grpc.ClientConn
	maxAddr uint64
}

// Dial connects to a device/remote Server at addr. The connection is
// insecure (plaintext), suitable for a trusted local link to the agent.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn}

	var resp maxAddrResponse
	if err := conn.Invoke(ctx, "/memvmm.Device/MaxPhysicalAddress", &maxAddrRequest{}, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote: initial handshake: %w", err)
	}
	c.maxAddr = resp.MaxAddr
	return c, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReadScatter implements device.Backend.
func (c *Client) ReadScatter(ctx context.Context, units []*device.Unit) error {
	req := &scatterRequest{Units: toWireUnits(units)}
	var resp scatterResponse
	if err := c.conn.Invoke(ctx, "/memvmm.Device/ReadScatter", req, &resp); err != nil {
		return fmt.Errorf("remote: ReadScatter: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("remote: ReadScatter: %s", resp.Error)
	}
	copyWireInto(units, resp.Units)
	return nil
}

// WriteScatter implements device.Backend.
func (c *Client) WriteScatter(ctx context.Context, units []*device.Unit) error {
	req := &scatterRequest{Units: toWireUnits(units)}
	var resp scatterResponse
	if err := c.conn.Invoke(ctx, "/memvmm.Device/WriteScatter", req, &resp); err != nil {
		return fmt.Errorf("remote: WriteScatter: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("remote: WriteScatter: %s", resp.Error)
	}
	copyWireInto(units, resp.Units)
	return nil
}

// AllocScatterUnits implements device.Backend.
func (c *Client) AllocScatterUnits(n int) []*device.Unit {
	units := make([]*device.Unit, n)
	for i := range units {
		units[i] = &device.Unit{Buf: make([]byte, device.PageSize)}
	}
	return units
}

// FreeScatterUnits implements device.Backend. The remote client holds no
// per-unit resources of its own to release.
func (c *Client) FreeScatterUnits(units []*device.Unit) {}

// MaxPhysicalAddress implements device.Backend, returning the value
// captured during Dial's handshake.
func (c *Client) MaxPhysicalAddress() uint64 { return c.maxAddr }

// copyWireInto writes a scatter response's per-unit results back into the
// caller's original unit slice in place, the way a local device.Backend
// call mutates its units argument.
func copyWireInto(units []*device.Unit, wire []unitWire) {
	n := len(units)
	if len(wire) < n {
		n = len(wire)
	}
	for i := 0; i < n; i++ {
		units[i].Valid = wire[i].Valid
		if wire[i].Valid && len(wire[i].Buf) == len(units[i].Buf) {
			copy(units[i].Buf, wire[i].Buf)
		}
	}
}

var _ device.Backend = (*Client)(nil)
