package wire

import (
	"context"

	"google.golang.org/grpc"

	"github.com/obsidianstack/alertflow/pkg/types"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "alertflow.v1.IngestService"

	// IngestMethod is the full method path used by clients and interceptors.
	IngestMethod = "/" + ServiceName + "/Ingest"
)

// IngestRequest carries a batch of events from an agent.
type IngestRequest struct {
	AgentID string             `json:"agentId,omitempty"`
	Events  []types.AlertEvent `json:"events"`
}

// IngestResponse reports the ids assigned to the accepted events, in request
// order.
type IngestResponse struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// IngestServer is implemented by the server-side receiver.
type IngestServer interface {
	Ingest(ctx context.Context, req *IngestRequest) (*IngestResponse, error)
}

// RegisterIngestServer registers srv on s.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes IngestService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ingest", Handler: ingestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "alertflow/v1/ingest",
}

func ingestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IngestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Ingest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IngestMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IngestServer).Ingest(ctx, req.(*IngestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls IngestService over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc. The JSON codec is selected on every call.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Ingest sends req and returns the server's response.
func (c *Client) Ingest(ctx context.Context, req *IngestRequest, opts ...grpc.CallOption) (*IngestResponse, error) {
	out := new(IngestResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, IngestMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
