package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/obsidianstack/alertflow/pkg/types"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatal("json codec not registered")
	}
	var out IngestRequest
	data, err := c.Marshal(&IngestRequest{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := c.Unmarshal(data, &out); err != nil || out.AgentID != "a1" {
		t.Errorf("Unmarshal: got %+v, %v", out, err)
	}
	if err := c.Unmarshal([]byte("{"), &out); err == nil {
		t.Error("Unmarshal of truncated input: expected error")
	}
}

type echoServer struct {
	got *IngestRequest
}

func (e *echoServer) Ingest(_ context.Context, req *IngestRequest) (*IngestResponse, error) {
	e.got = req
	ids := make([]string, len(req.Events))
	for i, ev := range req.Events {
		ids[i] = ev.ID
	}
	return &IngestResponse{Accepted: len(req.Events), IDs: ids}, nil
}

func TestIngest_RoundTrip(t *testing.T) {
	srv := grpc.NewServer()
	echo := &echoServer{}
	RegisterIngestServer(srv, echo)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	conn, err := grpc.Dial(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	) //nolint:staticcheck
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	resp, err := NewClient(conn).Ingest(context.Background(), &IngestRequest{
		AgentID: "agent-7",
		Events: []types.AlertEvent{{
			ID: "e1", Source: types.SourceMetricAlarm, AlarmName: "disk", MetricName: "disk_used_pct",
			State: types.StateAlarm, Value: 97.5, Threshold: 95, Timestamp: ts, RawSample: true,
			ComparisonOperator: types.GreaterThanThreshold,
		}},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if resp.Accepted != 1 || resp.IDs[0] != "e1" {
		t.Errorf("response: %+v", resp)
	}
	ev := echo.got.Events[0]
	if echo.got.AgentID != "agent-7" || !ev.Timestamp.Equal(ts) || !ev.RawSample || ev.Value != 97.5 {
		t.Errorf("server received: %+v", echo.got)
	}
}
