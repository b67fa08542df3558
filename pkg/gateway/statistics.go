package gateway

import (
	"context"
	"time"

	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap"
)

// Statistics summarizes the activities recorded within the requested window
func (g *Gateway) Statistics(ctx context.Context, req message.GetStatisticsRequest) message.StatisticsResponse {
	resp := message.StatisticsResponse{
		ProcessorID: g.currentID(),
		RequestID:   req.RequestID,
	}
	if g.deps.Statistics == nil {
		resp.Message = "statistics are not collected"
		return resp
	}

	var from, to time.Time
	if req.FromDate != nil {
		from = *req.FromDate
	}
	if req.ToDate != nil {
		to = *req.ToDate
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		resp.Message = "toDate is before fromDate"
		return resp
	}

	sum := g.deps.Statistics.Summarize(from, to)
	resp.Success = true
	resp.FromDate = sum.From
	resp.ToDate = sum.To
	resp.TotalActivities = sum.Total
	resp.Succeeded = sum.Succeeded
	resp.Failed = sum.Failed
	resp.AverageDurationMs = float64(sum.AverageDuration) / float64(time.Millisecond)
	return resp
}

func (g *Gateway) serveStatistics(ctx context.Context, req *message.Request) {
	var q message.GetStatisticsRequest
	if err := req.Decode(&q); err != nil {
		g.logger.Warn("Undecodable statistics request", zap.Error(err))
		g.respond(req, message.StatisticsResponse{
			ProcessorID: g.currentID(),
			Message:     "invalid statistics request: " + err.Error(),
		})
		return
	}
	if !g.addressedToUs(q.ProcessorID) {
		return
	}
	g.respond(req, g.Statistics(ctx, q))
}
