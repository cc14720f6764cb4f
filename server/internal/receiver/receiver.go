package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/pkg/wire"
	"github.com/obsidianstack/alertflow/server/internal/alerts"
)

// MaxBatch is the largest number of events accepted in one call.
const MaxBatch = 1000

// Submitter is the part of alerts.Engine the receiver needs.
type Submitter interface {
	Submit(ev types.AlertEvent) (types.AlertEvent, error)
}

// Receiver implements wire.IngestServer.
type Receiver struct {
	engine Submitter
}

// New creates a Receiver that submits accepted events to engine.
func New(engine Submitter) *Receiver {
	return &Receiver{engine: engine}
}

// Ingest is the unary RPC handler called by agents.
func (r *Receiver) Ingest(ctx context.Context, req *wire.IngestRequest) (*wire.IngestResponse, error) {
	if len(req.Events) == 0 {
		return nil, status.Error(codes.InvalidArgument, "events is empty")
	}
	if len(req.Events) > MaxBatch {
		return nil, status.Errorf(codes.InvalidArgument, "batch of %d events exceeds limit %d", len(req.Events), MaxBatch)
	}

	resp := &wire.IngestResponse{IDs: make([]string, 0, len(req.Events))}
	var rejected []string
	for i, ev := range req.Events {
		if err := ctx.Err(); err != nil {
			return nil, status.FromContextError(err).Err()
		}
		out, err := r.engine.Submit(ev)
		if err != nil {
			if !errors.Is(err, alerts.ErrInvalidEvent) {
				return nil, status.Errorf(codes.Internal, "event %d: %v", i, err)
			}
			rejected = append(rejected, fmt.Sprintf("event %d: %v", i, err))
			resp.IDs = append(resp.IDs, "")
			continue
		}
		resp.Accepted++
		resp.IDs = append(resp.IDs, out.ID)
	}

	if resp.Accepted == 0 {
		return nil, status.Error(codes.InvalidArgument, strings.Join(rejected, "; "))
	}
	if len(rejected) > 0 {
		resp.Message = strings.Join(rejected, "; ")
		slog.Warn("receiver: events rejected",
			"agent_id", req.AgentID, "rejected", len(rejected), "accepted", resp.Accepted)
	}

	slog.Debug("receiver: batch accepted", "agent_id", req.AgentID, "events", resp.Accepted)
	return resp, nil
}
