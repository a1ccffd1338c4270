package usecase

import "context"

// MetricsSummary represents aggregated detection insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	RotatedShare       float64 `json:"rotated_share"`
	AverageFaceCount   float64 `json:"average_face_count"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates detection metrics from persisted logs.
func (uc *DetectionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageFaceCount:   aggregation.AverageFaceCount,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
		summary.RotatedShare = float64(aggregation.RotatedCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
