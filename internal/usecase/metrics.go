package usecase

import (
	"context"

	"github.com/example/trip-profile/internal/repository"
)

// UploadAggregator rolls up the upload audit log.
type UploadAggregator interface {
	AggregateUploads(ctx context.Context) (*repository.UploadAggregation, error)
}

// MetricsSummary represents aggregated upload insights.
type MetricsSummary struct {
	TotalUploads      int64   `json:"total_uploads"`
	SuccessfulUploads int64   `json:"successful_uploads"`
	SuccessRate       float64 `json:"success_rate"`
	AverageBytes      float64 `json:"average_bytes"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates upload metrics from persisted attempts.
func GetMetricsSummary(ctx context.Context, repo UploadAggregator) (*MetricsSummary, error) {
	aggregation, err := repo.AggregateUploads(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalUploads:      aggregation.TotalCount,
		SuccessfulUploads: aggregation.SuccessCount,
		AverageBytes:      aggregation.AverageBytes,
		AverageLatencyMs:  aggregation.AverageDurationMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
